package memstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
)

func TestGetNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), "+12025550123"); !errors.Is(err, database.ErrRuleNotFound) {
		t.Fatalf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

func TestUpsertReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	rule := &models.ForwardingRule{
		DialedNumber:    "+12025550123",
		ProductType:     models.ProductDirectLambda,
		ForwardToNumber: "+13035550456",
		Status:          models.StatusActive,
	}
	if err := s.Upsert(ctx, rule); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	rule.ForwardToNumber = "+19995550000"

	got, err := s.Get(ctx, "+12025550123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ForwardToNumber != "+13035550456" {
		t.Errorf("stored rule aliased caller's struct: ForwardToNumber = %q", got.ForwardToNumber)
	}
}

func TestUpsertLastWriterWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.Upsert(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		ForwardToNumber: "+13035550456", Status: models.StatusActive, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := s.Upsert(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		ForwardToNumber: "+13035550999", Status: models.StatusActive, UpdatedAt: now.Add(-time.Second),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, _ := s.Get(ctx, "+12025550123")
	if got.ForwardToNumber != "+13035550456" {
		t.Errorf("ForwardToNumber = %q, want +13035550456", got.ForwardToNumber)
	}

	audit, _ := s.ListAudit(ctx, "+12025550123", 10)
	if len(audit) != 1 {
		t.Errorf("audit entries = %d, want 1", len(audit))
	}
}

func TestUpsertCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Upsert(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda, Status: models.StatusActive,
	})
	if !errors.Is(err, database.ErrStoreUnavailable) {
		t.Fatalf("Upsert() error = %v, want ErrStoreUnavailable", err)
	}
	if rules, _ := s.ListAll(context.Background()); len(rules) != 0 {
		t.Errorf("ListAll() = %d rules, want 0", len(rules))
	}
}

func TestUpsertIfUnchanged(t *testing.T) {
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	created, err := s.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		Status: models.StatusActive, UpdatedAt: t0,
	}, time.Time{})
	if err != nil || !created {
		t.Fatalf("create = %v, %v; want true, nil", created, err)
	}

	// A second create loses to the existing row.
	again, err := s.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		Status: models.StatusActive, UpdatedAt: t0.Add(time.Second),
	}, time.Time{})
	if err != nil || again {
		t.Fatalf("second create = %v, %v; want false, nil", again, err)
	}

	// A writer commits after the row was read at t0.
	if err := s.Upsert(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		ForwardToNumber: "+13035550456", Status: models.StatusActive, UpdatedAt: t0.Add(time.Second),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	ok, err := s.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		Status: models.StatusReleaseInProgress, UpdatedAt: t0.Add(2 * time.Second),
	}, t0)
	if err != nil || ok {
		t.Fatalf("stale conditional write = %v, %v; want false, nil", ok, err)
	}

	got, _ := s.Get(ctx, "+12025550123")
	if got.ForwardToNumber != "+13035550456" || got.Status != models.StatusActive {
		t.Errorf("rule = %+v, want the concurrent forward kept", got)
	}

	ok, err = s.UpsertIfUnchanged(ctx, &models.ForwardingRule{
		DialedNumber: "+12025550123", ProductType: models.ProductDirectLambda,
		ForwardToNumber: "+13035550456", Status: models.StatusReleaseInProgress, UpdatedAt: t0.Add(2 * time.Second),
	}, got.UpdatedAt)
	if err != nil || !ok {
		t.Fatalf("fresh conditional write = %v, %v; want true, nil", ok, err)
	}
}

func TestCloseKeepsStoreUsable(t *testing.T) {
	var s io.Closer = New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := s.(*Store).Get(context.Background(), "+12025550123"); !errors.Is(err, database.ErrRuleNotFound) {
		t.Errorf("Get() after Close error = %v, want ErrRuleNotFound", err)
	}
}
