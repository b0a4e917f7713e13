package models

import (
	"errors"
	"time"
)

// ProductType selects which control path owns a dialed number.
type ProductType string

const (
	// ProductDirectLambda numbers are answered by the SIP media application
	// and may be forwarded.
	ProductDirectLambda ProductType = "DirectLambda"
	// ProductVoiceConnectorTrunk numbers are delivered to a voice connector
	// trunk instead of being forwarded.
	ProductVoiceConnectorTrunk ProductType = "VoiceConnectorTrunk"
)

// ParseProductType accepts the canonical names plus the provider's wire
// names (SipMediaApplicationDialIn, VoiceConnector). ok is false for
// anything else, including the empty string.
func ParseProductType(s string) (ProductType, bool) {
	switch s {
	case string(ProductDirectLambda), "SipMediaApplicationDialIn":
		return ProductDirectLambda, true
	case string(ProductVoiceConnectorTrunk), "VoiceConnector":
		return ProductVoiceConnectorTrunk, true
	}
	return "", false
}

// RuleStatus is the lifecycle status of a forwarding rule.
type RuleStatus string

const (
	StatusActive            RuleStatus = "Active"
	StatusReleaseInProgress RuleStatus = "ReleaseInProgress"
)

// ErrForwardAndTrunk is returned by Validate when a rule carries both a
// forward target and a trunk association.
var ErrForwardAndTrunk = errors.New("rule cannot both forward and be trunk-associated")

// ForwardingRule is the per-number forwarding state, keyed by DialedNumber.
type ForwardingRule struct {
	DialedNumber     string
	ProductType      ProductType
	ForwardToNumber  string // empty unless forwarding is active
	VoiceConnectorID string // empty unless trunk-associated
	Status           RuleStatus
	UpdatedAt        time.Time
}

// Validate checks the rule's structural invariants.
func (r *ForwardingRule) Validate() error {
	if r.DialedNumber == "" {
		return errors.New("dialed number is required")
	}
	if r.ForwardToNumber != "" && r.VoiceConnectorID != "" {
		return ErrForwardAndTrunk
	}
	switch r.Status {
	case StatusActive, StatusReleaseInProgress:
	default:
		return errors.New("invalid rule status " + string(r.Status))
	}
	return nil
}

// Forwarding reports whether calls to this number should be bridged to
// ForwardToNumber.
func (r *ForwardingRule) Forwarding() bool {
	return r.ForwardToNumber != "" && r.Status == StatusActive
}

// Forwardable reports whether the number may be offered as a forwarding
// candidate.
func (r *ForwardingRule) Forwardable() bool {
	return r.Status != StatusReleaseInProgress
}

// Removable reports whether the number has a forward that can be removed.
func (r *ForwardingRule) Removable() bool {
	return r.Status != StatusReleaseInProgress && r.ForwardToNumber != ""
}

// AuditEntry records one committed rule mutation.
type AuditEntry struct {
	ID               string
	DialedNumber     string
	ForwardToNumber  string
	VoiceConnectorID string
	Status           RuleStatus
	Actor            string
	ChangedAt        time.Time
}
