package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice/types"
)

// ChimeAPI is the subset of the Chime SDK Voice client used by ChimeAdapter.
type ChimeAPI interface {
	ListPhoneNumbers(ctx context.Context, in *chimesdkvoice.ListPhoneNumbersInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.ListPhoneNumbersOutput, error)
	GetPhoneNumber(ctx context.Context, in *chimesdkvoice.GetPhoneNumberInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.GetPhoneNumberOutput, error)
	UpdatePhoneNumber(ctx context.Context, in *chimesdkvoice.UpdatePhoneNumberInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdatePhoneNumberOutput, error)
	ListVoiceConnectors(ctx context.Context, in *chimesdkvoice.ListVoiceConnectorsInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.ListVoiceConnectorsOutput, error)
	AssociatePhoneNumbersWithVoiceConnector(ctx context.Context, in *chimesdkvoice.AssociatePhoneNumbersWithVoiceConnectorInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.AssociatePhoneNumbersWithVoiceConnectorOutput, error)
	DisassociatePhoneNumbersFromVoiceConnector(ctx context.Context, in *chimesdkvoice.DisassociatePhoneNumbersFromVoiceConnectorInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.DisassociatePhoneNumbersFromVoiceConnectorOutput, error)
	CreateSipRule(ctx context.Context, in *chimesdkvoice.CreateSipRuleInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.CreateSipRuleOutput, error)
	UpdateSipRule(ctx context.Context, in *chimesdkvoice.UpdateSipRuleInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdateSipRuleOutput, error)
	DeleteSipRule(ctx context.Context, in *chimesdkvoice.DeleteSipRuleInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.DeleteSipRuleOutput, error)
	GetSipMediaApplication(ctx context.Context, in *chimesdkvoice.GetSipMediaApplicationInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.GetSipMediaApplicationOutput, error)
}

// ChimeConfig holds ChimeAdapter settings.
type ChimeConfig struct {
	// SipMediaApplicationID is the application numbers are routed to when
	// forwarding is enabled.
	SipMediaApplicationID string
	// ReadAttempts bounds SDK retries for idempotent reads. Mutations are
	// always attempted once.
	ReadAttempts int
	// PollInterval is the wait between status checks while a number is
	// being released from its SIP rule. Zero means 2s.
	PollInterval time.Duration
	Capabilities CapabilitySet
}

// ChimeAdapter implements Adapter on the Chime SDK Voice API.
type ChimeAdapter struct {
	api    ChimeAPI
	cfg    ChimeConfig
	logger *slog.Logger

	regionMu sync.Mutex
	region   string // cached application region
}

// NewChimeClient loads the default AWS credential chain for region and
// returns a Chime SDK Voice client.
func NewChimeClient(ctx context.Context, region string) (*chimesdkvoice.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return chimesdkvoice.NewFromConfig(awsCfg), nil
}

// NewChimeAdapter returns an Adapter backed by api and scoped to
// cfg.Capabilities. A nil capability set grants everything.
func NewChimeAdapter(api ChimeAPI, cfg ChimeConfig, logger *slog.Logger) Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 1
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = AllCapabilities()
	}
	a := &ChimeAdapter{
		api:    api,
		cfg:    cfg,
		logger: logger.With("subsystem", "provisioning"),
	}
	return Restrict(a, caps)
}

func (a *ChimeAdapter) readOpts(o *chimesdkvoice.Options) {
	o.RetryMaxAttempts = a.cfg.ReadAttempts
}

func mutateOnce(o *chimesdkvoice.Options) {
	o.RetryMaxAttempts = 1
}

func numberFromAPI(p types.PhoneNumber) Number {
	n := Number{
		E164:        aws.ToString(p.E164PhoneNumber),
		ProductType: string(p.ProductType),
		Status:      string(p.Status),
	}
	for _, assoc := range p.Associations {
		switch assoc.Name {
		case types.PhoneNumberAssociationNameVoiceConnectorId:
			n.TrunkID = aws.ToString(assoc.Value)
		case types.PhoneNumberAssociationNameSipRuleId:
			n.SIPRuleID = aws.ToString(assoc.Value)
		}
	}
	return n
}

// ListNumbers pages through the full inventory.
func (a *ChimeAdapter) ListNumbers(ctx context.Context) ([]Number, error) {
	var (
		out   []Number
		token *string
	)
	for {
		resp, err := a.api.ListPhoneNumbers(ctx, &chimesdkvoice.ListPhoneNumbersInput{
			NextToken: token,
		}, a.readOpts)
		if err != nil {
			return nil, &AdapterError{Op: "list numbers", Err: err}
		}
		for _, p := range resp.PhoneNumbers {
			out = append(out, numberFromAPI(p))
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		token = resp.NextToken
	}
}

// GetNumber returns ErrNumberNotFound for numbers outside the inventory.
func (a *ChimeAdapter) GetNumber(ctx context.Context, e164 string) (*Number, error) {
	resp, err := a.api.GetPhoneNumber(ctx, &chimesdkvoice.GetPhoneNumberInput{
		PhoneNumberId: aws.String(e164),
	}, a.readOpts)
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
		}
		return nil, &AdapterError{Op: "get number", Err: err}
	}
	if resp.PhoneNumber == nil {
		return nil, fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
	}
	n := numberFromAPI(*resp.PhoneNumber)
	return &n, nil
}

// ListTrunks returns every voice connector in the account.
func (a *ChimeAdapter) ListTrunks(ctx context.Context) ([]Trunk, error) {
	var (
		out   []Trunk
		token *string
	)
	for {
		resp, err := a.api.ListVoiceConnectors(ctx, &chimesdkvoice.ListVoiceConnectorsInput{
			NextToken: token,
		}, a.readOpts)
		if err != nil {
			return nil, &AdapterError{Op: "list voice connectors", Err: err}
		}
		for _, vc := range resp.VoiceConnectors {
			out = append(out, Trunk{
				ID:   aws.ToString(vc.VoiceConnectorId),
				Name: aws.ToString(vc.Name),
			})
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		token = resp.NextToken
	}
}

// AssociateNumberWithTrunk releases the number from its SIP rule or current
// trunk, switches it to the voice connector product and associates it.
func (a *ChimeAdapter) AssociateNumberWithTrunk(ctx context.Context, e164, trunkID string) error {
	n, err := a.GetNumber(ctx, e164)
	if err != nil {
		return err
	}
	if n.TrunkID == trunkID && n.Status == StatusAssigned {
		return nil
	}

	if n.TrunkID != "" || n.SIPRuleID != "" {
		if err := a.release(ctx, n); err != nil {
			return err
		}
	}

	if n.ProductType != ProductVoiceConnector {
		if _, err := a.api.UpdatePhoneNumber(ctx, &chimesdkvoice.UpdatePhoneNumberInput{
			PhoneNumberId: aws.String(e164),
			ProductType:   types.PhoneNumberProductTypeVoiceConnector,
		}, mutateOnce); err != nil {
			return &AdapterError{Op: "update product type", Err: err}
		}
	}

	resp, err := a.api.AssociatePhoneNumbersWithVoiceConnector(ctx, &chimesdkvoice.AssociatePhoneNumbersWithVoiceConnectorInput{
		VoiceConnectorId: aws.String(trunkID),
		E164PhoneNumbers: []string{e164},
		ForceAssociate:   aws.Bool(true),
	}, mutateOnce)
	if err != nil {
		return &AdapterError{Op: "associate number", Err: err}
	}
	if err := phoneNumberErrors(resp.PhoneNumberErrors); err != nil {
		return &AdapterError{Op: "associate number", Err: err}
	}

	a.logger.Info("number associated with voice connector", "dialed_number", e164, "voice_connector_id", trunkID)
	return nil
}

// DisassociateNumber detaches the number from its trunk or SIP rule and
// waits until the provider reports it unassigned.
func (a *ChimeAdapter) DisassociateNumber(ctx context.Context, e164 string) error {
	n, err := a.GetNumber(ctx, e164)
	if err != nil {
		return err
	}
	if n.TrunkID == "" && n.SIPRuleID == "" {
		return nil
	}
	return a.release(ctx, n)
}

// RouteNumberToApplication switches the number to the SIP media application
// dial-in product and creates a ToPhoneNumber SIP rule targeting it.
func (a *ChimeAdapter) RouteNumberToApplication(ctx context.Context, e164 string) error {
	n, err := a.GetNumber(ctx, e164)
	if err != nil {
		return err
	}
	if n.ProductType == ProductSipMediaApplicationDialIn && n.SIPRuleID != "" {
		return nil
	}

	region, err := a.applicationRegion(ctx)
	if err != nil {
		return err
	}

	if n.ProductType != ProductSipMediaApplicationDialIn {
		if n.TrunkID != "" {
			if err := a.release(ctx, n); err != nil {
				return err
			}
		}
		if _, err := a.api.UpdatePhoneNumber(ctx, &chimesdkvoice.UpdatePhoneNumberInput{
			PhoneNumberId: aws.String(e164),
			ProductType:   types.PhoneNumberProductTypeSipMediaApplicationDialIn,
		}, mutateOnce); err != nil {
			return &AdapterError{Op: "update product type", Err: err}
		}
	}

	if _, err := a.api.CreateSipRule(ctx, &chimesdkvoice.CreateSipRuleInput{
		Name:         aws.String(e164),
		TriggerType:  types.SipRuleTriggerTypeToPhoneNumber,
		TriggerValue: aws.String(e164),
		Disabled:     aws.Bool(false),
		TargetApplications: []types.SipRuleTargetApplication{{
			SipMediaApplicationId: aws.String(a.cfg.SipMediaApplicationID),
			Priority:              aws.Int32(1),
			AwsRegion:             aws.String(region),
		}},
	}, mutateOnce); err != nil {
		return &AdapterError{Op: "create sip rule", Err: err}
	}

	a.logger.Info("number routed to sip media application", "dialed_number", e164)
	return nil
}

// release removes the trunk association or SIP rule from n, then polls until
// the number is unassigned or ctx expires.
func (a *ChimeAdapter) release(ctx context.Context, n *Number) error {
	if n.TrunkID != "" {
		resp, err := a.api.DisassociatePhoneNumbersFromVoiceConnector(ctx, &chimesdkvoice.DisassociatePhoneNumbersFromVoiceConnectorInput{
			VoiceConnectorId: aws.String(n.TrunkID),
			E164PhoneNumbers: []string{n.E164},
		}, mutateOnce)
		if err != nil {
			return &AdapterError{Op: "disassociate number", Err: err}
		}
		if err := phoneNumberErrors(resp.PhoneNumberErrors); err != nil {
			return &AdapterError{Op: "disassociate number", Err: err}
		}
	}

	if n.SIPRuleID != "" {
		if _, err := a.api.UpdateSipRule(ctx, &chimesdkvoice.UpdateSipRuleInput{
			SipRuleId: aws.String(n.SIPRuleID),
			Name:      aws.String(n.E164),
			Disabled:  aws.Bool(true),
		}, mutateOnce); err != nil {
			return &AdapterError{Op: "disable sip rule", Err: err}
		}
		if _, err := a.api.DeleteSipRule(ctx, &chimesdkvoice.DeleteSipRuleInput{
			SipRuleId: aws.String(n.SIPRuleID),
		}, mutateOnce); err != nil {
			return &AdapterError{Op: "delete sip rule", Err: err}
		}
	}

	status := n.Status
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for status == StatusAssigned {
		select {
		case <-ctx.Done():
			return &AdapterError{Op: "wait for unassigned", Err: ctx.Err()}
		case <-ticker.C:
		}
		cur, err := a.GetNumber(ctx, n.E164)
		if err != nil {
			return err
		}
		status = cur.Status
	}

	n.TrunkID = ""
	n.SIPRuleID = ""
	n.Status = status
	a.logger.Debug("number released", "dialed_number", n.E164, "status", status)
	return nil
}

func (a *ChimeAdapter) applicationRegion(ctx context.Context) (string, error) {
	a.regionMu.Lock()
	defer a.regionMu.Unlock()
	if a.region != "" {
		return a.region, nil
	}

	resp, err := a.api.GetSipMediaApplication(ctx, &chimesdkvoice.GetSipMediaApplicationInput{
		SipMediaApplicationId: aws.String(a.cfg.SipMediaApplicationID),
	}, a.readOpts)
	if err != nil {
		return "", &AdapterError{Op: "get sip media application", Err: err}
	}
	if resp.SipMediaApplication == nil || aws.ToString(resp.SipMediaApplication.AwsRegion) == "" {
		return "", &AdapterError{Op: "get sip media application", Err: errors.New("application has no region")}
	}
	a.region = aws.ToString(resp.SipMediaApplication.AwsRegion)
	return a.region, nil
}

func phoneNumberErrors(errs []types.PhoneNumberError) error {
	if len(errs) == 0 {
		return nil
	}
	e := errs[0]
	return fmt.Errorf("%s: %s: %s", aws.ToString(e.PhoneNumberId), e.ErrorCode, aws.ToString(e.ErrorMessage))
}
