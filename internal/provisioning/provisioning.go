// Package provisioning is the boundary to the telephony provider's number
// inventory and voice connector (trunk) APIs.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider product types as reported by the number inventory.
const (
	ProductSipMediaApplicationDialIn = "SipMediaApplicationDialIn"
	ProductVoiceConnector            = "VoiceConnector"
	ProductBusinessCalling           = "BusinessCalling"
)

// Provider number statuses relevant to forwarding.
const (
	StatusAssigned          = "Assigned"
	StatusUnassigned        = "Unassigned"
	StatusReleaseInProgress = "ReleaseInProgress"
)

// ErrNumberNotFound is returned when the inventory has no such number.
var ErrNumberNotFound = errors.New("phone number not found")

// ErrCapabilityDenied is returned when an adapter is asked to perform an
// operation it was not scoped for.
var ErrCapabilityDenied = errors.New("provisioning capability not granted")

// AdapterError wraps any non-success response from the provider.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return "provisioning " + e.Op + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Number is one entry of the provider's number inventory.
type Number struct {
	E164        string
	ProductType string
	Status      string
	TrunkID     string // associated voice connector, if any
	SIPRuleID   string // associated SIP rule, if any
	SIPRuleName string
}

// Trunk is a voice connector.
type Trunk struct {
	ID   string
	Name string
}

// Adapter is the provider contract used by the management API.
type Adapter interface {
	ListNumbers(ctx context.Context) ([]Number, error)
	GetNumber(ctx context.Context, e164 string) (*Number, error)
	ListTrunks(ctx context.Context) ([]Trunk, error)
	// AssociateNumberWithTrunk moves the number onto the voice connector,
	// detaching any SIP rule first.
	AssociateNumberWithTrunk(ctx context.Context, e164, trunkID string) error
	// DisassociateNumber detaches the number from its trunk or SIP rule.
	DisassociateNumber(ctx context.Context, e164 string) error
	// RouteNumberToApplication makes the SIP media application the
	// number's call handler.
	RouteNumberToApplication(ctx context.Context, e164 string) error
}

// Capability names one class of provider operation.
type Capability string

const (
	CapReadInventory Capability = "read-inventory"
	CapReadTrunks    Capability = "read-trunks"
	CapAssociate     Capability = "associate"
	CapDisassociate  Capability = "disassociate"
	CapRoute         Capability = "route"
)

var allCapabilities = []Capability{CapReadInventory, CapReadTrunks, CapAssociate, CapDisassociate, CapRoute}

// CapabilitySet is the set of operations an adapter may perform.
type CapabilitySet map[Capability]bool

// AllCapabilities grants every operation.
func AllCapabilities() CapabilitySet {
	set := make(CapabilitySet, len(allCapabilities))
	for _, c := range allCapabilities {
		set[c] = true
	}
	return set
}

// ReadOnlyCapabilities grants inventory and trunk reads only.
func ReadOnlyCapabilities() CapabilitySet {
	return CapabilitySet{CapReadInventory: true, CapReadTrunks: true}
}

// ParseCapabilities parses a comma-separated capability list. "all" grants
// everything and "read-only" grants the two read capabilities.
func ParseCapabilities(raw string) (CapabilitySet, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "all":
		return AllCapabilities(), nil
	case "read-only":
		return ReadOnlyCapabilities(), nil
	}

	known := make(map[Capability]bool, len(allCapabilities))
	for _, c := range allCapabilities {
		known[c] = true
	}

	set := make(CapabilitySet)
	for _, part := range strings.Split(raw, ",") {
		c := Capability(strings.TrimSpace(part))
		if c == "" {
			continue
		}
		if !known[c] {
			return nil, fmt.Errorf("unknown provisioning capability %q", c)
		}
		set[c] = true
	}
	return set, nil
}

// String lists the granted capabilities in a stable order.
func (s CapabilitySet) String() string {
	names := make([]string, 0, len(s))
	for c, ok := range s {
		if ok {
			names = append(names, string(c))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (s CapabilitySet) require(c Capability, op string) error {
	if !s[c] {
		return &AdapterError{Op: op, Err: fmt.Errorf("%w: %s", ErrCapabilityDenied, c)}
	}
	return nil
}

// Restrict scopes a to caps. Calls outside the set fail before reaching a.
func Restrict(a Adapter, caps CapabilitySet) Adapter {
	return &scopedAdapter{next: a, caps: caps}
}

type scopedAdapter struct {
	next Adapter
	caps CapabilitySet
}

func (s *scopedAdapter) ListNumbers(ctx context.Context) ([]Number, error) {
	if err := s.caps.require(CapReadInventory, "list numbers"); err != nil {
		return nil, err
	}
	return s.next.ListNumbers(ctx)
}

func (s *scopedAdapter) GetNumber(ctx context.Context, e164 string) (*Number, error) {
	if err := s.caps.require(CapReadInventory, "get number"); err != nil {
		return nil, err
	}
	return s.next.GetNumber(ctx, e164)
}

func (s *scopedAdapter) ListTrunks(ctx context.Context) ([]Trunk, error) {
	if err := s.caps.require(CapReadTrunks, "list trunks"); err != nil {
		return nil, err
	}
	return s.next.ListTrunks(ctx)
}

func (s *scopedAdapter) AssociateNumberWithTrunk(ctx context.Context, e164, trunkID string) error {
	if err := s.caps.require(CapAssociate, "associate number"); err != nil {
		return err
	}
	return s.next.AssociateNumberWithTrunk(ctx, e164, trunkID)
}

func (s *scopedAdapter) DisassociateNumber(ctx context.Context, e164 string) error {
	if err := s.caps.require(CapDisassociate, "disassociate number"); err != nil {
		return err
	}
	return s.next.DisassociateNumber(ctx, e164)
}

func (s *scopedAdapter) RouteNumberToApplication(ctx context.Context, e164 string) error {
	if err := s.caps.require(CapRoute, "route number"); err != nil {
		return err
	}
	return s.next.RouteNumberToApplication(ctx, e164)
}
