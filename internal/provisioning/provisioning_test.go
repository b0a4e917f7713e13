package provisioning

import (
	"context"
	"errors"
	"testing"
)

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "associate,disassociate,read-inventory,read-trunks,route"},
		{raw: "all", want: "associate,disassociate,read-inventory,read-trunks,route"},
		{raw: "read-only", want: "read-inventory,read-trunks"},
		{raw: "read-inventory, route", want: "read-inventory,route"},
		{raw: "read-inventory,,", want: "read-inventory"},
		{raw: "delete-everything", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseCapabilities(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCapabilities(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCapabilities(%q) error: %v", tt.raw, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseCapabilities(%q) = %q, want %q", tt.raw, got.String(), tt.want)
			}
		})
	}
}

func TestRestrictDeniesBeforeCallingAdapter(t *testing.T) {
	mem := NewMemoryAdapter(Trunk{ID: "vc-1", Name: "Office"})
	mem.AddNumber(Number{E164: "+12025550123", ProductType: ProductSipMediaApplicationDialIn, Status: StatusAssigned, SIPRuleID: "r1"})

	a := Restrict(mem, ReadOnlyCapabilities())
	ctx := context.Background()

	if _, err := a.ListNumbers(ctx); err != nil {
		t.Fatalf("ListNumbers() error: %v", err)
	}
	if _, err := a.ListTrunks(ctx); err != nil {
		t.Fatalf("ListTrunks() error: %v", err)
	}

	err := a.AssociateNumberWithTrunk(ctx, "+12025550123", "vc-1")
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("AssociateNumberWithTrunk() error = %v, want ErrCapabilityDenied", err)
	}
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("error %T is not *AdapterError", err)
	}

	n, _ := mem.GetNumber(ctx, "+12025550123")
	if n.TrunkID != "" {
		t.Errorf("denied call reached the adapter: TrunkID = %q", n.TrunkID)
	}

	if err := a.DisassociateNumber(ctx, "+12025550123"); !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("DisassociateNumber() error = %v, want ErrCapabilityDenied", err)
	}
	if err := a.RouteNumberToApplication(ctx, "+12025550123"); !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("RouteNumberToApplication() error = %v, want ErrCapabilityDenied", err)
	}
}

func TestAdapterErrorMessage(t *testing.T) {
	err := &AdapterError{Op: "associate number", Err: errors.New("throttled")}
	if got := err.Error(); got != "provisioning associate number: throttled" {
		t.Errorf("Error() = %q", got)
	}
}
