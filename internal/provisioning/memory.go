package provisioning

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryAdapter is an in-memory number inventory. It backs tests and
// local development without provider credentials.
type MemoryAdapter struct {
	mu      sync.Mutex
	numbers map[string]Number
	trunks  []Trunk
	ruleSeq int
}

// NewMemoryAdapter returns an inventory holding trunks and no numbers.
func NewMemoryAdapter(trunks ...Trunk) *MemoryAdapter {
	return &MemoryAdapter{
		numbers: make(map[string]Number),
		trunks:  append([]Trunk(nil), trunks...),
	}
}

// AddNumber puts n into the inventory, replacing any existing entry.
func (m *MemoryAdapter) AddNumber(n Number) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Status == "" {
		n.Status = StatusUnassigned
	}
	m.numbers[n.E164] = n
}

// SetStatus changes the provider status of a number already in the inventory.
func (m *MemoryAdapter) SetStatus(e164, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.numbers[e164]; ok {
		n.Status = status
		m.numbers[e164] = n
	}
}

func (m *MemoryAdapter) ListNumbers(ctx context.Context) ([]Number, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AdapterError{Op: "list numbers", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Number, 0, len(m.numbers))
	for _, n := range m.numbers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].E164 < out[j].E164 })
	return out, nil
}

func (m *MemoryAdapter) GetNumber(ctx context.Context, e164 string) (*Number, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AdapterError{Op: "get number", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.numbers[e164]
	if !ok {
		return nil, fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
	}
	return &n, nil
}

func (m *MemoryAdapter) ListTrunks(ctx context.Context) ([]Trunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AdapterError{Op: "list voice connectors", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Trunk(nil), m.trunks...), nil
}

func (m *MemoryAdapter) AssociateNumberWithTrunk(ctx context.Context, e164, trunkID string) error {
	if err := ctx.Err(); err != nil {
		return &AdapterError{Op: "associate number", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.numbers[e164]
	if !ok {
		return fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
	}
	if !m.hasTrunk(trunkID) {
		return &AdapterError{Op: "associate number", Err: fmt.Errorf("voice connector %s not found", trunkID)}
	}
	n.ProductType = ProductVoiceConnector
	n.TrunkID = trunkID
	n.SIPRuleID = ""
	n.SIPRuleName = ""
	n.Status = StatusAssigned
	m.numbers[e164] = n
	return nil
}

func (m *MemoryAdapter) DisassociateNumber(ctx context.Context, e164 string) error {
	if err := ctx.Err(); err != nil {
		return &AdapterError{Op: "disassociate number", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.numbers[e164]
	if !ok {
		return fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
	}
	n.TrunkID = ""
	n.SIPRuleID = ""
	n.SIPRuleName = ""
	if n.Status == StatusAssigned {
		n.Status = StatusUnassigned
	}
	m.numbers[e164] = n
	return nil
}

func (m *MemoryAdapter) RouteNumberToApplication(ctx context.Context, e164 string) error {
	if err := ctx.Err(); err != nil {
		return &AdapterError{Op: "route number", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.numbers[e164]
	if !ok {
		return fmt.Errorf("%s: %w", e164, ErrNumberNotFound)
	}
	if n.ProductType == ProductSipMediaApplicationDialIn && n.SIPRuleID != "" {
		return nil
	}
	m.ruleSeq++
	n.ProductType = ProductSipMediaApplicationDialIn
	n.TrunkID = ""
	n.SIPRuleID = fmt.Sprintf("sip-rule-%d", m.ruleSeq)
	n.SIPRuleName = e164
	n.Status = StatusAssigned
	m.numbers[e164] = n
	return nil
}

func (m *MemoryAdapter) hasTrunk(id string) bool {
	for _, t := range m.trunks {
		if t.ID == id {
			return true
		}
	}
	return false
}
