// Package memstore is an in-memory forwarding rule store with the same
// semantics as the SQL backends. It backs tests and the memory store driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/google/uuid"
)

var _ database.RuleStore = (*Store)(nil)

// Store implements database.RuleStore.
type Store struct {
	mu    sync.RWMutex
	rules map[string]models.ForwardingRule
	audit []models.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{rules: make(map[string]models.ForwardingRule)}
}

// Get returns a copy of the rule for dialedNumber.
func (s *Store) Get(ctx context.Context, dialedNumber string) (*models.ForwardingRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("getting forwarding rule: %w: %w", database.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[dialedNumber]
	if !ok {
		return nil, database.ErrRuleNotFound
	}
	return &rule, nil
}

// Upsert stores a copy of rule unless the stored row is newer.
func (s *Store) Upsert(ctx context.Context, rule *models.ForwardingRule) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upserting forwarding rule: %w: %w", database.ErrStoreUnavailable, err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("upserting forwarding rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.rules[rule.DialedNumber]; ok && rule.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	s.put(ctx, rule)
	return nil
}

// UpsertIfUnchanged stores rule only if the stored row was last updated at
// readAt, or for a zero readAt, only if there is no row.
func (s *Store) UpsertIfUnchanged(ctx context.Context, rule *models.ForwardingRule, readAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("upserting forwarding rule: %w: %w", database.ErrStoreUnavailable, err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return false, fmt.Errorf("upserting forwarding rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.rules[rule.DialedNumber]
	switch {
	case readAt.IsZero() && exists:
		return false, nil
	case !readAt.IsZero() && (!exists || !cur.UpdatedAt.Equal(readAt)):
		return false, nil
	}
	s.put(ctx, rule)
	return true, nil
}

// put stores rule and its audit entry. s.mu must be held.
func (s *Store) put(ctx context.Context, rule *models.ForwardingRule) {
	s.rules[rule.DialedNumber] = *rule
	s.audit = append(s.audit, models.AuditEntry{
		ID:               uuid.NewString(),
		DialedNumber:     rule.DialedNumber,
		ForwardToNumber:  rule.ForwardToNumber,
		VoiceConnectorID: rule.VoiceConnectorID,
		Status:           rule.Status,
		Actor:            database.ActorFromContext(ctx),
		ChangedAt:        rule.UpdatedAt,
	})
}

// ListAll returns all rules ordered by dialed number.
func (s *Store) ListAll(ctx context.Context) ([]models.ForwardingRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("listing forwarding rules: %w: %w", database.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]models.ForwardingRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].DialedNumber < rules[j].DialedNumber
	})
	return rules, nil
}

// ListAudit returns the newest limit entries for dialedNumber.
func (s *Store) ListAudit(_ context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].DialedNumber == dialedNumber {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

// Close implements io.Closer. The store holds no external resources.
func (s *Store) Close() error {
	return nil
}
