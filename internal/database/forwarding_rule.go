package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/google/uuid"
)

// forwardingRuleRepo implements RuleStore on SQLite.
type forwardingRuleRepo struct {
	db *DB
}

// NewForwardingRuleRepository creates a RuleStore backed by db.
func NewForwardingRuleRepository(db *DB) RuleStore {
	return &forwardingRuleRepo{db: db}
}

// Get returns the rule for dialedNumber.
func (r *forwardingRuleRepo) Get(ctx context.Context, dialedNumber string) (*models.ForwardingRule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT dialed_number, product_type, forward_to_number, voice_connector_id,
		 status, updated_at
		 FROM forwarding_rules WHERE dialed_number = ?`, dialedNumber,
	)

	var rule models.ForwardingRule
	var updated int64
	err := row.Scan(&rule.DialedNumber, &rule.ProductType, &rule.ForwardToNumber,
		&rule.VoiceConnectorID, &rule.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, unavailable("scanning forwarding rule", err)
	}
	rule.UpdatedAt = time.Unix(0, updated).UTC()
	return &rule, nil
}

// Upsert replaces the rule and appends an audit row in one transaction.
func (r *forwardingRuleRepo) Upsert(ctx context.Context, rule *models.ForwardingRule) error {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("upserting forwarding rule: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO forwarding_rules (dialed_number, product_type, forward_to_number,
		 voice_connector_id, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dialed_number) DO UPDATE SET
		 product_type = excluded.product_type,
		 forward_to_number = excluded.forward_to_number,
		 voice_connector_id = excluded.voice_connector_id,
		 status = excluded.status,
		 updated_at = excluded.updated_at
		 WHERE excluded.updated_at >= forwarding_rules.updated_at`,
		rule.DialedNumber, rule.ProductType, rule.ForwardToNumber,
		rule.VoiceConnectorID, rule.Status, rule.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return unavailable("upserting forwarding rule", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("reading upsert result", err)
	}
	if n == 0 {
		slog.Debug("stale forwarding rule write ignored",
			"dialed_number", rule.DialedNumber,
			"updated_at", rule.UpdatedAt,
		)
		return nil
	}

	if err := insertAudit(ctx, tx, rule); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("committing upsert", err)
	}
	return nil
}

// UpsertIfUnchanged replaces the rule only if its stored updated_at is still
// readAt. A zero readAt inserts only when no row exists.
func (r *forwardingRuleRepo) UpsertIfUnchanged(ctx context.Context, rule *models.ForwardingRule, readAt time.Time) (bool, error) {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return false, fmt.Errorf("upserting forwarding rule: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("beginning conditional upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if readAt.IsZero() {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO forwarding_rules (dialed_number, product_type, forward_to_number,
			 voice_connector_id, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(dialed_number) DO NOTHING`,
			rule.DialedNumber, rule.ProductType, rule.ForwardToNumber,
			rule.VoiceConnectorID, rule.Status, rule.UpdatedAt.UnixNano(),
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE forwarding_rules SET product_type = ?, forward_to_number = ?,
			 voice_connector_id = ?, status = ?, updated_at = ?
			 WHERE dialed_number = ? AND updated_at = ?`,
			rule.ProductType, rule.ForwardToNumber, rule.VoiceConnectorID,
			rule.Status, rule.UpdatedAt.UnixNano(), rule.DialedNumber, readAt.UnixNano(),
		)
	}
	if err != nil {
		return false, unavailable("conditionally upserting forwarding rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("reading upsert result", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertAudit(ctx, tx, rule); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("committing conditional upsert", err)
	}
	return true, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, rule *models.ForwardingRule) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO forwarding_rule_audit (id, dialed_number, forward_to_number,
		 voice_connector_id, status, actor, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rule.DialedNumber, rule.ForwardToNumber,
		rule.VoiceConnectorID, rule.Status, ActorFromContext(ctx), rule.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return unavailable("inserting audit entry", err)
	}
	return nil
}

// ListAll returns all rules ordered by dialed number.
func (r *forwardingRuleRepo) ListAll(ctx context.Context) ([]models.ForwardingRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT dialed_number, product_type, forward_to_number, voice_connector_id,
		 status, updated_at
		 FROM forwarding_rules ORDER BY dialed_number`)
	if err != nil {
		return nil, unavailable("querying forwarding rules", err)
	}
	defer rows.Close()

	var rules []models.ForwardingRule
	for rows.Next() {
		var rule models.ForwardingRule
		var updated int64
		if err := rows.Scan(&rule.DialedNumber, &rule.ProductType, &rule.ForwardToNumber,
			&rule.VoiceConnectorID, &rule.Status, &updated); err != nil {
			return nil, unavailable("scanning forwarding rule row", err)
		}
		rule.UpdatedAt = time.Unix(0, updated).UTC()
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating forwarding rules", err)
	}
	return rules, nil
}

// ListAudit returns the newest limit audit entries for dialedNumber.
func (r *forwardingRuleRepo) ListAudit(ctx context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, dialed_number, forward_to_number, voice_connector_id, status,
		 actor, changed_at
		 FROM forwarding_rule_audit WHERE dialed_number = ?
		 ORDER BY changed_at DESC LIMIT ?`, dialedNumber, limit)
	if err != nil {
		return nil, unavailable("querying audit entries", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var changed int64
		if err := rows.Scan(&e.ID, &e.DialedNumber, &e.ForwardToNumber,
			&e.VoiceConnectorID, &e.Status, &e.Actor, &changed); err != nil {
			return nil, unavailable("scanning audit row", err)
		}
		e.ChangedAt = time.Unix(0, changed).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating audit entries", err)
	}
	return entries, nil
}
