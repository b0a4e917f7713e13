// Package pgstore implements the forwarding rule store on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ database.RuleStore = (*Store)(nil)

// Store implements database.RuleStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := database.Migrate(context.Background(), db, migrationsFS, database.Postgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, database.ErrStoreUnavailable, err)
}

// Get returns the rule for dialedNumber.
func (s *Store) Get(ctx context.Context, dialedNumber string) (*models.ForwardingRule, error) {
	var rule models.ForwardingRule
	err := s.db.QueryRowContext(ctx,
		`SELECT dialed_number, product_type, forward_to_number, voice_connector_id,
		        status, updated_at
		 FROM forwarding_rules WHERE dialed_number = $1`,
		dialedNumber,
	).Scan(&rule.DialedNumber, &rule.ProductType, &rule.ForwardToNumber,
		&rule.VoiceConnectorID, &rule.Status, &rule.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrRuleNotFound
	}
	if err != nil {
		return nil, unavailable("querying forwarding rule", err)
	}
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

// Upsert replaces the rule and appends an audit row in one transaction.
func (s *Store) Upsert(ctx context.Context, rule *models.ForwardingRule) error {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("upserting forwarding rule: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO forwarding_rules (dialed_number, product_type, forward_to_number,
		                               voice_connector_id, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dialed_number) DO UPDATE SET
		   product_type = EXCLUDED.product_type,
		   forward_to_number = EXCLUDED.forward_to_number,
		   voice_connector_id = EXCLUDED.voice_connector_id,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at
		 WHERE EXCLUDED.updated_at >= forwarding_rules.updated_at`,
		rule.DialedNumber, string(rule.ProductType), rule.ForwardToNumber,
		rule.VoiceConnectorID, string(rule.Status), rule.UpdatedAt,
	)
	if err != nil {
		return unavailable("upserting forwarding rule", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("reading upsert result", err)
	}
	if n == 0 {
		slog.Debug("stale forwarding rule write ignored", "dialed_number", rule.DialedNumber)
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
func (s *Store) UpsertIfUnchanged(ctx context.Context, rule *models.ForwardingRule, readAt time.Time) (bool, error) {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return false, fmt.Errorf("upserting forwarding rule: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("beginning conditional upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if readAt.IsZero() {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO forwarding_rules (dialed_number, product_type, forward_to_number,
			                               voice_connector_id, status, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (dialed_number) DO NOTHING`,
			rule.DialedNumber, string(rule.ProductType), rule.ForwardToNumber,
			rule.VoiceConnectorID, string(rule.Status), rule.UpdatedAt,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE forwarding_rules
			 SET product_type = $1, forward_to_number = $2, voice_connector_id = $3,
			     status = $4, updated_at = $5
			 WHERE dialed_number = $6 AND updated_at = $7`,
			string(rule.ProductType), rule.ForwardToNumber, rule.VoiceConnectorID,
			string(rule.Status), rule.UpdatedAt, rule.DialedNumber, readAt,
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), rule.DialedNumber, rule.ForwardToNumber,
		rule.VoiceConnectorID, string(rule.Status), database.ActorFromContext(ctx), rule.UpdatedAt,
	)
	if err != nil {
		return unavailable("inserting audit entry", err)
	}
	return nil
}

// ListAll returns all rules ordered by dialed number.
func (s *Store) ListAll(ctx context.Context) ([]models.ForwardingRule, error) {
	rows, err := s.db.QueryContext(ctx,
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
		if err := rows.Scan(&rule.DialedNumber, &rule.ProductType, &rule.ForwardToNumber,
			&rule.VoiceConnectorID, &rule.Status, &rule.UpdatedAt); err != nil {
			return nil, unavailable("scanning forwarding rule row", err)
		}
		rule.UpdatedAt = rule.UpdatedAt.UTC()
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating forwarding rules", err)
	}
	return rules, nil
}

// ListAudit returns the newest limit audit entries for dialedNumber.
func (s *Store) ListAudit(ctx context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dialed_number, forward_to_number, voice_connector_id, status,
		        actor, changed_at
		 FROM forwarding_rule_audit WHERE dialed_number = $1
		 ORDER BY changed_at DESC LIMIT $2`,
		dialedNumber, limit)
	if err != nil {
		return nil, unavailable("querying audit entries", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.DialedNumber, &e.ForwardToNumber,
			&e.VoiceConnectorID, &e.Status, &e.Actor, &e.ChangedAt); err != nil {
			return nil, unavailable("scanning audit row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating audit entries", err)
	}
	return entries, nil
}
