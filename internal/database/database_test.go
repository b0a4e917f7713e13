package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/flowpbx/callforward/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "callforward.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "forwarding_rules", "forwarding_rule_audit"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 2 {
		t.Errorf("migration count = %d, want 2", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestForwardingRuleGetNotFound(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))

	_, err := repo.Get(context.Background(), "+12025550100")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

func TestForwardingRuleUpsertReadAfterWrite(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))
	ctx := context.Background()

	rule := &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550456",
		Status:          models.StatusActive,
	}
	if err := repo.Upsert(ctx, rule); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if rule.UpdatedAt.IsZero() {
		t.Fatal("Upsert() did not stamp UpdatedAt")
	}

	got, err := repo.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ForwardToNumber != "+13035550456" {
		t.Errorf("ForwardToNumber = %q, want +13035550456", got.ForwardToNumber)
	}
	if got.ProductType != models.ProductDirectLambda {
		t.Errorf("ProductType = %q, want DirectLambda", got.ProductType)
	}

	// Full replace: forward cleared, trunk set.
	moved := &models.ForwardingRule{
		DialedNumber:     "+12025550123",
		ProductType:      models.ProductVoiceConnectorTrunk,
		VoiceConnectorID: "vc-1",
		Status:           models.StatusActive,
		UpdatedAt:        rule.UpdatedAt.Add(time.Second),
	}
	if err := repo.Upsert(ctx, moved); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err = repo.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ForwardToNumber != "" {
		t.Errorf("ForwardToNumber = %q, want empty", got.ForwardToNumber)
	}
	if got.VoiceConnectorID != "vc-1" {
		t.Errorf("VoiceConnectorID = %q, want vc-1", got.VoiceConnectorID)
	}
}

func TestForwardingRuleUpsertStaleWriteIgnored(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	newer := &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550456",
		Status:          models.StatusActive,
		UpdatedAt:       now,
	}
	older := &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550999",
		Status:          models.StatusActive,
		UpdatedAt:       now.Add(-time.Minute),
	}
	if err := repo.Upsert(ctx, newer); err != nil {
		t.Fatalf("Upsert(newer) error: %v", err)
	}
	if err := repo.Upsert(ctx, older); err != nil {
		t.Fatalf("Upsert(older) error: %v", err)
	}

	got, err := repo.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ForwardToNumber != "+13035550456" {
		t.Errorf("ForwardToNumber = %q, want newer write +13035550456", got.ForwardToNumber)
	}

	entries, err := repo.ListAudit(ctx, "+12025550123", 10)
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1 (stale write must not be audited)", len(entries))
	}
}

func TestForwardingRuleUpsertRejectsForwardAndTrunk(t *testing.T) {
	db := openTestDB(t)
	repo := NewForwardingRuleRepository(db)

	err := repo.Upsert(context.Background(), &models.ForwardingRule{
		DialedNumber:     "+12025550123",
		ProductType:      models.ProductDirectLambda,
		ForwardToNumber:  "+13035550456",
		VoiceConnectorID: "vc-1",
		Status:           models.StatusActive,
	})
	if !errors.Is(err, models.ErrForwardAndTrunk) {
		t.Fatalf("Upsert() error = %v, want ErrForwardAndTrunk", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM forwarding_rules").Scan(&count); err != nil {
		t.Fatalf("counting rules: %v", err)
	}
	if count != 0 {
		t.Errorf("rule count = %d, want 0", count)
	}
}

func TestForwardingRuleListAll(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))
	ctx := context.Background()

	for _, n := range []string{"+12025550102", "+12025550101", "+12025550103"} {
		if err := repo.Upsert(ctx, &models.ForwardingRule{
			DialedNumber: n,
			ProductType:  models.ProductDirectLambda,
			Status:       models.StatusActive,
		}); err != nil {
			t.Fatalf("Upsert(%s) error: %v", n, err)
		}
	}

	rules, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("ListAll() returned %d rules, want 3", len(rules))
	}
	if rules[0].DialedNumber != "+12025550101" || rules[2].DialedNumber != "+12025550103" {
		t.Errorf("ListAll() not ordered by dialed number: %v", rules)
	}
}

func TestForwardingRuleAuditActor(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))
	ctx := WithActor(context.Background(), "admin@example.com")

	if err := repo.Upsert(ctx, &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550456",
		Status:          models.StatusActive,
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	entries, err := repo.ListAudit(ctx, "+12025550123", 10)
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Actor != "admin@example.com" {
		t.Errorf("Actor = %q, want admin@example.com", entries[0].Actor)
	}
	if entries[0].ID == "" {
		t.Error("audit entry has empty ID")
	}
}

func TestForwardingRuleClosedDBIsUnavailable(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	repo := NewForwardingRuleRepository(db)
	db.Close()

	_, err = repo.Get(context.Background(), "+12025550123")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Get() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestActorFromContextDefault(t *testing.T) {
	if got := ActorFromContext(context.Background()); got != SystemActor {
		t.Errorf("ActorFromContext() = %q, want %q", got, SystemActor)
	}
}

func TestMigrateAppliesInOrderOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	migrations := fstest.MapFS{
		"migrations/0002_seed.sql":  {Data: []byte(`INSERT INTO widgets (name) VALUES ('first');`)},
		"migrations/0001_table.sql": {Data: []byte(`CREATE TABLE widgets (name TEXT NOT NULL);`)},
		"migrations/README":         {Data: []byte("not a migration")},
	}

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db.DB, migrations, SQLite); err != nil {
			t.Fatalf("Migrate() pass %d error: %v", i+1, err)
		}
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&rows); err != nil {
		t.Fatalf("counting widgets: %v", err)
	}
	if rows != 1 {
		t.Errorf("widgets = %d, want 1 (seed migration applied once)", rows)
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	migrations := fstest.MapFS{
		"migrations/0003_broken.sql": {Data: []byte(`CREATE TABLE gadgets (id INTEGER); NOT VALID SQL;`)},
	}

	if err := Migrate(ctx, db.DB, migrations, SQLite); err == nil {
		t.Fatal("Migrate() succeeded, want error")
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '0003_broken'").Scan(&n); err != nil {
		t.Fatalf("querying schema_migrations: %v", err)
	}
	if n != 0 {
		t.Error("failed migration was recorded")
	}
}

func TestForwardingRuleUpsertIfUnchanged(t *testing.T) {
	repo := NewForwardingRuleRepository(openTestDB(t))
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Minute)

	ok, err := repo.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123",
		ProductType:  models.ProductDirectLambda,
		Status:       models.StatusReleaseInProgress,
		UpdatedAt:    t0,
	}, time.Time{})
	if err != nil || !ok {
		t.Fatalf("create = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123",
		ProductType:  models.ProductDirectLambda,
		Status:       models.StatusActive,
	}, time.Time{})
	if err != nil || ok {
		t.Fatalf("second create = %v, %v; want false, nil", ok, err)
	}

	read, err := repo.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	// An admin forward commits between the read and the conditional write.
	if err := repo.Upsert(ctx, &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550456",
		Status:          models.StatusActive,
		UpdatedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	stale := *read
	stale.Status = models.StatusActive
	stale.UpdatedAt = time.Now().UTC().Add(time.Second)
	ok, err = repo.UpsertIfUnchanged(ctx, &stale, read.UpdatedAt)
	if err != nil || ok {
		t.Fatalf("stale conditional write = %v, %v; want false, nil", ok, err)
	}

	got, err := repo.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ForwardToNumber != "+13035550456" {
		t.Errorf("ForwardToNumber = %q, the admin forward was overwritten", got.ForwardToNumber)
	}

	fresh := *got
	fresh.Status = models.StatusReleaseInProgress
	fresh.UpdatedAt = time.Now().UTC().Add(2 * time.Second)
	ok, err = repo.UpsertIfUnchanged(ctx, &fresh, got.UpdatedAt)
	if err != nil || !ok {
		t.Fatalf("fresh conditional write = %v, %v; want true, nil", ok, err)
	}

	entries, _ := repo.ListAudit(ctx, "+12025550123", 10)
	if len(entries) != 3 {
		t.Errorf("audit entries = %d, want 3 (create, admin, fresh write)", len(entries))
	}
}
