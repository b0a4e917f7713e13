package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callforward/internal/database/models"
)

// ErrRuleNotFound is returned when no forwarding rule exists for a number.
var ErrRuleNotFound = errors.New("forwarding rule not found")

// ErrStoreUnavailable wraps any failure of the underlying store. Callers
// surface it rather than retrying.
var ErrStoreUnavailable = errors.New("rule store unavailable")

// ForwardingRuleRepository is the forwarding rule store. Every mutation
// touches exactly one dialed number.
type ForwardingRuleRepository interface {
	// Get returns the rule for dialedNumber or ErrRuleNotFound.
	Get(ctx context.Context, dialedNumber string) (*models.ForwardingRule, error)
	// Upsert fully replaces the rule for rule.DialedNumber. A write older
	// than the stored row (by UpdatedAt) is ignored.
	Upsert(ctx context.Context, rule *models.ForwardingRule) error
	// UpsertIfUnchanged replaces the rule only if the stored row still has
	// UpdatedAt equal to readAt, or, for a zero readAt, only if no row
	// exists. ok is false when the row changed since it was read.
	UpsertIfUnchanged(ctx context.Context, rule *models.ForwardingRule, readAt time.Time) (ok bool, err error)
	// ListAll returns every rule ordered by dialed number.
	ListAll(ctx context.Context) ([]models.ForwardingRule, error)
}

// AuditRepository reads the append-only rule change log.
type AuditRepository interface {
	ListAudit(ctx context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error)
}

// RuleStore is implemented by every backend.
type RuleStore interface {
	ForwardingRuleRepository
	AuditRepository
}

// unavailable marks err as a store failure for op.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

type actorKey struct{}

// SystemActor is recorded for mutations not tied to an admin request.
const SystemActor = "system"

// WithActor returns a context carrying the identity recorded in the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the audit identity, or SystemActor if unset.
func ActorFromContext(ctx context.Context) string {
	if a, _ := ctx.Value(actorKey{}).(string); a != "" {
		return a
	}
	return SystemActor
}
