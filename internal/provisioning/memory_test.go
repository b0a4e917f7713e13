package provisioning

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryAdapterGetNumberNotFound(t *testing.T) {
	m := NewMemoryAdapter()
	if _, err := m.GetNumber(context.Background(), "+12025550100"); !errors.Is(err, ErrNumberNotFound) {
		t.Fatalf("GetNumber() error = %v, want ErrNumberNotFound", err)
	}
}

func TestMemoryAdapterTrunkRoundTrip(t *testing.T) {
	m := NewMemoryAdapter(Trunk{ID: "vc-1", Name: "Office"})
	m.AddNumber(Number{E164: "+12025550123", ProductType: ProductSipMediaApplicationDialIn})
	ctx := context.Background()

	if err := m.RouteNumberToApplication(ctx, "+12025550123"); err != nil {
		t.Fatalf("RouteNumberToApplication() error: %v", err)
	}
	n, _ := m.GetNumber(ctx, "+12025550123")
	if n.SIPRuleID == "" || n.Status != StatusAssigned {
		t.Fatalf("after route: %+v", n)
	}
	ruleID := n.SIPRuleID

	// Routing twice keeps the same rule.
	if err := m.RouteNumberToApplication(ctx, "+12025550123"); err != nil {
		t.Fatalf("RouteNumberToApplication() error: %v", err)
	}
	n, _ = m.GetNumber(ctx, "+12025550123")
	if n.SIPRuleID != ruleID {
		t.Errorf("SIPRuleID changed from %q to %q", ruleID, n.SIPRuleID)
	}

	if err := m.AssociateNumberWithTrunk(ctx, "+12025550123", "vc-1"); err != nil {
		t.Fatalf("AssociateNumberWithTrunk() error: %v", err)
	}
	n, _ = m.GetNumber(ctx, "+12025550123")
	if n.TrunkID != "vc-1" || n.SIPRuleID != "" || n.ProductType != ProductVoiceConnector {
		t.Errorf("after associate: %+v", n)
	}

	if err := m.DisassociateNumber(ctx, "+12025550123"); err != nil {
		t.Fatalf("DisassociateNumber() error: %v", err)
	}
	n, _ = m.GetNumber(ctx, "+12025550123")
	if n.TrunkID != "" || n.Status != StatusUnassigned {
		t.Errorf("after disassociate: %+v", n)
	}
}

func TestMemoryAdapterUnknownTrunk(t *testing.T) {
	m := NewMemoryAdapter()
	m.AddNumber(Number{E164: "+12025550123"})

	err := m.AssociateNumberWithTrunk(context.Background(), "+12025550123", "vc-missing")
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("AssociateNumberWithTrunk() error = %v, want *AdapterError", err)
	}
}

func TestMemoryAdapterListNumbersSorted(t *testing.T) {
	m := NewMemoryAdapter()
	m.AddNumber(Number{E164: "+13035550002"})
	m.AddNumber(Number{E164: "+12025550001"})

	got, err := m.ListNumbers(context.Background())
	if err != nil {
		t.Fatalf("ListNumbers() error: %v", err)
	}
	if len(got) != 2 || got[0].E164 != "+12025550001" {
		t.Errorf("ListNumbers() = %+v", got)
	}
	if got[0].Status != StatusUnassigned {
		t.Errorf("default status = %q, want Unassigned", got[0].Status)
	}
}

func TestMemoryAdapterSetStatus(t *testing.T) {
	m := NewMemoryAdapter()
	m.AddNumber(Number{E164: "+12025550123", Status: StatusAssigned})
	m.SetStatus("+12025550123", StatusReleaseInProgress)

	n, _ := m.GetNumber(context.Background(), "+12025550123")
	if n.Status != StatusReleaseInProgress {
		t.Errorf("Status = %q, want ReleaseInProgress", n.Status)
	}
}
