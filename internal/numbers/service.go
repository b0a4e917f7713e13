// Package numbers implements the management operations behind the admin
// console: updating a number's forward or trunk association, listing the
// merged number inventory and listing voice connectors.
package numbers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/flowpbx/callforward/internal/provisioning"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// e164Re matches a leading + and 2-15 digits, the first non-zero.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether s is a syntactically valid E.164 number.
func ValidE164(s string) bool {
	return e164Re.MatchString(s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// UpdateRequest asks for a number to be forwarded or trunk-associated.
// Exactly one of ForwardToNumber and VoiceConnectorID is set.
type UpdateRequest struct {
	PhoneNumber      string
	ProductType      string
	ForwardToNumber  string
	VoiceConnectorID string
}

// NumberState is one inventory entry merged with its forwarding rule.
type NumberState struct {
	PhoneNumber      string
	ProductType      string // provider product type
	Status           string // provider status
	ForwardToNumber  string
	VoiceConnectorID string
	Forwardable      bool
	Removable        bool
	UpdatedAt        time.Time
}

// Inventory is the result of QueryNumber.
type Inventory struct {
	PhoneNumbers       []NumberState
	ForwardableNumbers []NumberState
	RemovableNumbers   []NumberState
}

// Options holds per-call timeouts.
type Options struct {
	StoreTimeout        time.Duration
	ProvisioningTimeout time.Duration
}

// Service coordinates the rule store and the provisioning adapter.
type Service struct {
	rules   database.RuleStore
	adapter provisioning.Adapter
	opts    Options
	logger  *slog.Logger
}

// NewService creates a management service.
func NewService(rules database.RuleStore, adapter provisioning.Adapter, opts Options, logger *slog.Logger) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.ProvisioningTimeout <= 0 {
		opts.ProvisioningTimeout = 5 * time.Second
	}
	return &Service{
		rules:   rules,
		adapter: adapter,
		opts:    opts,
		logger:  logger.With("subsystem", "numbers"),
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *Service) adapterCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ProvisioningTimeout)
}

// validate checks the request shape and resolves the product type.
func validate(req UpdateRequest) (models.ProductType, error) {
	if !ValidE164(req.PhoneNumber) {
		return "", invalid("PhoneNumber %q is not a valid E.164 number", req.PhoneNumber)
	}

	forwarding := req.ForwardToNumber != ""
	trunk := req.VoiceConnectorID != ""
	switch {
	case forwarding && trunk:
		return "", invalid("only one of ForwardToNumber and VoiceConnectorId may be set")
	case !forwarding && !trunk:
		return "", invalid("one of ForwardToNumber and VoiceConnectorId is required")
	}

	if forwarding {
		if !ValidE164(req.ForwardToNumber) {
			return "", invalid("ForwardToNumber %q is not a valid E.164 number", req.ForwardToNumber)
		}
		if req.ForwardToNumber == req.PhoneNumber {
			return "", invalid("a number cannot forward to itself")
		}
	}

	want := models.ProductDirectLambda
	if trunk {
		want = models.ProductVoiceConnectorTrunk
	}
	if req.ProductType == "" {
		return want, nil
	}
	pt, ok := models.ParseProductType(req.ProductType)
	if !ok {
		return "", invalid("unknown ProductType %q", req.ProductType)
	}
	if pt != want {
		return "", invalid("ProductType %s does not match the requested association", req.ProductType)
	}
	return pt, nil
}

// UpdateNumber validates req, applies the provider change and then commits
// the rule. A provider failure leaves the rule untouched; a store failure
// after the provider change is compensated on a best-effort basis.
func (s *Service) UpdateNumber(ctx context.Context, req UpdateRequest) (*models.ForwardingRule, error) {
	product, err := validate(req)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("dialed_number", req.PhoneNumber, "actor", database.ActorFromContext(ctx))

	actx, cancel := s.adapterCtx(ctx)
	num, err := s.adapter.GetNumber(actx, req.PhoneNumber)
	cancel()
	if err != nil {
		return nil, err
	}
	if num.Status == provisioning.StatusReleaseInProgress {
		return nil, invalid("%s is being released and cannot be changed", req.PhoneNumber)
	}
	if num.ProductType == provisioning.ProductBusinessCalling {
		return nil, invalid("%s is a business calling number and cannot be forwarded", req.PhoneNumber)
	}

	// Fail before touching the provider if the store is down.
	sctx, cancel := s.storeCtx(ctx)
	_, err = s.rules.Get(sctx, req.PhoneNumber)
	cancel()
	if err != nil && !errors.Is(err, database.ErrRuleNotFound) {
		return nil, err
	}

	if err := s.applyProvider(ctx, req, num); err != nil {
		log.Warn("provider update failed, rule not changed", "error", err)
		return nil, err
	}

	rule := &models.ForwardingRule{
		DialedNumber:     req.PhoneNumber,
		ProductType:      product,
		ForwardToNumber:  req.ForwardToNumber,
		VoiceConnectorID: req.VoiceConnectorID,
		Status:           models.StatusActive,
		UpdatedAt:        time.Now().UTC(),
	}

	sctx, cancel = s.storeCtx(ctx)
	err = s.rules.Upsert(sctx, rule)
	cancel()
	if err != nil {
		log.Error("rule commit failed after provider update", "error", err)
		s.compensate(ctx, req, num, log)
		return nil, err
	}

	if rule.ForwardToNumber != "" {
		log.Info("forwarding enabled", "forward_to_number", rule.ForwardToNumber)
	} else {
		log.Info("number associated with voice connector", "voice_connector_id", rule.VoiceConnectorID)
	}
	return rule, nil
}

func (s *Service) applyProvider(ctx context.Context, req UpdateRequest, num *provisioning.Number) error {
	actx, cancel := s.adapterCtx(ctx)
	defer cancel()

	if req.VoiceConnectorID != "" {
		return s.adapter.AssociateNumberWithTrunk(actx, req.PhoneNumber, req.VoiceConnectorID)
	}
	if num.TrunkID != "" {
		if err := s.adapter.DisassociateNumber(actx, req.PhoneNumber); err != nil {
			return err
		}
	}
	return s.adapter.RouteNumberToApplication(actx, req.PhoneNumber)
}

// compensate restores the provider association recorded in prev. Failures
// are logged only.
func (s *Service) compensate(ctx context.Context, req UpdateRequest, prev *provisioning.Number, log *slog.Logger) {
	actx, cancel := s.adapterCtx(context.WithoutCancel(ctx))
	defer cancel()

	var err error
	switch {
	case prev.TrunkID != "" && prev.TrunkID != req.VoiceConnectorID:
		err = s.adapter.AssociateNumberWithTrunk(actx, req.PhoneNumber, prev.TrunkID)
	case prev.TrunkID == "" && req.VoiceConnectorID != "":
		err = s.adapter.RouteNumberToApplication(actx, req.PhoneNumber)
	default:
		return
	}
	if err != nil {
		log.Error("compensating provider update failed, provider and rule store disagree", "error", err)
		return
	}
	log.Info("provider update compensated")
}

// QueryNumber returns the provider inventory merged with stored rules. The
// provider is authoritative for status and product type; the store for the
// forward target and trunk association.
func (s *Service) QueryNumber(ctx context.Context) (*Inventory, error) {
	actx, cancel := s.adapterCtx(ctx)
	nums, err := s.adapter.ListNumbers(actx)
	cancel()
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	rules, err := s.rules.ListAll(sctx)
	cancel()
	if err != nil {
		return nil, err
	}
	byNumber := make(map[string]models.ForwardingRule, len(rules))
	for _, r := range rules {
		byNumber[r.DialedNumber] = r
	}

	inv := &Inventory{
		PhoneNumbers:       make([]NumberState, 0, len(nums)),
		ForwardableNumbers: []NumberState{},
		RemovableNumbers:   []NumberState{},
	}
	for _, n := range nums {
		st := NumberState{
			PhoneNumber:      n.E164,
			ProductType:      n.ProductType,
			Status:           n.Status,
			VoiceConnectorID: n.TrunkID,
		}
		if r, ok := byNumber[n.E164]; ok {
			st.ForwardToNumber = r.ForwardToNumber
			st.VoiceConnectorID = r.VoiceConnectorID
			st.UpdatedAt = r.UpdatedAt
		}
		releasing := n.Status == provisioning.StatusReleaseInProgress
		st.Forwardable = !releasing && n.ProductType != provisioning.ProductBusinessCalling
		st.Removable = !releasing && n.ProductType == provisioning.ProductSipMediaApplicationDialIn && st.ForwardToNumber != ""

		inv.PhoneNumbers = append(inv.PhoneNumbers, st)
		if st.Forwardable {
			inv.ForwardableNumbers = append(inv.ForwardableNumbers, st)
		}
		if st.Removable {
			inv.RemovableNumbers = append(inv.RemovableNumbers, st)
		}
	}
	return inv, nil
}

// ListVoiceConnectors passes the provider's trunk list through.
func (s *Service) ListVoiceConnectors(ctx context.Context) ([]provisioning.Trunk, error) {
	actx, cancel := s.adapterCtx(ctx)
	defer cancel()
	return s.adapter.ListTrunks(actx)
}

// History returns the newest limit rule changes for a number.
func (s *Service) History(ctx context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error) {
	if !ValidE164(dialedNumber) {
		return nil, invalid("PhoneNumber %q is not a valid E.164 number", dialedNumber)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.rules.ListAudit(sctx, dialedNumber, limit)
}
