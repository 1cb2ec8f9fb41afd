package invoice

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"invochain/core/events"
	"invochain/core/types"
	"invochain/native/identity"
	"invochain/native/params"
)

type mockState struct {
	invoices  map[[32]byte]*Invoice
	sequences map[string]uint64
	tokens    map[string]bool
	roles     map[string]map[[20]byte]bool
	params    map[string][]byte
}

func newMockState() *mockState {
	return &mockState{
		invoices:  make(map[[32]byte]*Invoice),
		sequences: make(map[string]uint64),
		tokens:    map[string]bool{"INV": true, "ZINV": true},
		roles:     make(map[string]map[[20]byte]bool),
		params:    make(map[string][]byte),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) InvoicePut(inv *Invoice) error {
	sanitized, err := SanitizeInvoice(inv)
	if err != nil {
		return err
	}
	m.invoices[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) InvoiceGet(id [32]byte) (*Invoice, bool) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

func (m *mockState) InvoiceCount() (uint64, error) {
	return uint64(len(m.invoices)), nil
}

func (m *mockState) InvoiceCountByStatus(status InvoiceStatus) (uint64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("invalid status")
	}
	var count uint64
	for _, inv := range m.invoices {
		if inv.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *mockState) NextSequence(kind string) (uint64, error) {
	m.sequences[kind]++
	return m.sequences[kind], nil
}

func (m *mockState) TokenExists(symbol string) bool {
	return m.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
}

func (m *mockState) HasRole(role string, addr []byte) bool {
	var key [20]byte
	copy(key[:], addr)
	return m.roles[role][key]
}

func (m *mockState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

func (m *mockState) SetRole(role string, addr []byte) error {
	var key [20]byte
	copy(key[:], addr)
	m.grantRole(role, key)
	return nil
}

func (m *mockState) UnsetRole(role string, addr []byte) error {
	var key [20]byte
	copy(key[:], addr)
	delete(m.roles[role], key)
	return nil
}

func (m *mockState) RoleMembers(role string) ([][]byte, error) {
	members := make([][]byte, 0, len(m.roles[role]))
	for addr := range m.roles[role] {
		members = append(members, append([]byte(nil), addr[:]...))
	}
	return members, nil
}

func (m *mockState) ParamStoreSet(name string, value []byte) error {
	m.params[name] = append([]byte(nil), value...)
	return nil
}

func (m *mockState) ParamStoreGet(name string) ([]byte, bool, error) {
	value, ok := m.params[name]
	return value, ok, nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *capturingEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	if wrapper, ok := c.events[len(c.events)-1].(invoiceEvent); ok {
		return wrapper.evt
	}
	return nil
}

func newTestRegistry(state *mockState) *Registry {
	registry := NewRegistry()
	registry.SetState(state)
	roles := identity.NewRegistry()
	roles.SetState(state)
	registry.SetIdentity(roles)
	registry.SetNowFunc(func() int64 { return 1_700_000_000 })
	return registry
}

func TestCreateValidations(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	business := newTestAddress(0x01)
	dueDate := int64(1_700_600_000)

	if _, err := registry.Create(business, big.NewInt(10_000), dueDate, "INV", "", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without business role, got %v", err)
	}
	state.grantRole(identity.RoleBusiness, business)

	if _, err := registry.Create(business, nil, dueDate, "INV", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil amount, got %v", err)
	}
	if _, err := registry.Create(business, big.NewInt(0), dueDate, "INV", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := registry.Create(business, big.NewInt(10_000), dueDate, "USDC", "", ""); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := registry.Create(business, big.NewInt(10_000), 1_600_000_000, "INV", "", ""); !errors.Is(err, ErrInvalidDueDate) {
		t.Fatalf("expected ErrInvalidDueDate for past date, got %v", err)
	}

	if err := params.NewStore(state).SetLimits(params.Limits{MaxAmount: big.NewInt(5_000)}); err != nil {
		t.Fatalf("seed limits: %v", err)
	}
	if _, err := registry.Create(business, big.NewInt(10_000), dueDate, "INV", "", ""); !errors.Is(err, ErrAmountAboveLimit) {
		t.Fatalf("expected ErrAmountAboveLimit, got %v", err)
	}
}

func TestCreatePersistsPendingInvoice(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	emitter := &capturingEmitter{}
	registry.SetEmitter(emitter)
	business := newTestAddress(0x01)
	state.grantRole(identity.RoleBusiness, business)

	inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "inv", "logistics", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.Status != InvoicePending {
		t.Fatalf("expected pending invoice, got %s", inv.Status)
	}
	if inv.Token != "INV" {
		t.Fatalf("token must be normalised, got %s", inv.Token)
	}
	if inv.Reference == "" {
		t.Fatalf("blank reference must be generated")
	}
	if inv.CreatedAt != 1_700_000_000 || inv.UpdatedAt != 1_700_000_000 {
		t.Fatalf("unexpected timestamps: %d %d", inv.CreatedAt, inv.UpdatedAt)
	}

	stored, ok := state.InvoiceGet(inv.ID)
	if !ok {
		t.Fatalf("invoice must be persisted")
	}
	if stored.Amount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected stored amount: %s", stored.Amount)
	}

	evtTypes := emitter.eventTypes()
	if len(evtTypes) != 1 || evtTypes[0] != EventTypeInvoiceCreated {
		t.Fatalf("unexpected events: %v", evtTypes)
	}

	second, err := registry.Create(business, big.NewInt(7_000), 1_700_700_000, "INV", "", "customer-42")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID == inv.ID {
		t.Fatalf("sequential submissions must yield distinct ids")
	}
	if second.Reference != "customer-42" {
		t.Fatalf("explicit reference must survive, got %s", second.Reference)
	}
}

func TestVerifyRequiresAdminAndPendingStatus(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	emitter := &capturingEmitter{}
	registry.SetEmitter(emitter)
	business := newTestAddress(0x01)
	admin := newTestAddress(0x0A)
	state.grantRole(identity.RoleBusiness, business)
	state.grantRole(identity.RoleAdmin, admin)

	inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "INV", "", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if _, err := registry.Verify(business, inv.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected non-admin verify to fail, got %v", err)
	}

	registry.SetNowFunc(func() int64 { return 1_700_000_100 })
	verified, err := registry.Verify(admin, inv.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != InvoiceVerified {
		t.Fatalf("unexpected status: %s", verified.Status)
	}
	if verified.UpdatedAt != 1_700_000_100 {
		t.Fatalf("unexpected updated at: %d", verified.UpdatedAt)
	}
	if last := emitter.last(); last == nil || last.Type != EventTypeInvoiceVerified {
		t.Fatalf("expected verified event, got %+v", last)
	}

	if _, err := registry.Verify(admin, inv.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected second verify to fail, got %v", err)
	}
}

func TestCancelOwnershipChecks(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	business := newTestAddress(0x01)
	admin := newTestAddress(0x0A)
	stranger := newTestAddress(0x0F)
	state.grantRole(identity.RoleBusiness, business)
	state.grantRole(identity.RoleAdmin, admin)

	inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "INV", "", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if _, err := registry.Cancel(stranger, inv.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected stranger cancel to fail, got %v", err)
	}
	cancelled, err := registry.Cancel(business, inv.ID)
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if cancelled.Status != InvoiceCancelled {
		t.Fatalf("unexpected status: %s", cancelled.Status)
	}
	if _, err := registry.Cancel(business, inv.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected cancel of cancelled invoice to fail, got %v", err)
	}

	second, err := registry.Create(business, big.NewInt(8_000), 1_700_600_000, "INV", "", "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := registry.Verify(admin, second.ID); err != nil {
		t.Fatalf("verify second: %v", err)
	}
	if _, err := registry.Cancel(admin, second.ID); err != nil {
		t.Fatalf("admin cancel of verified invoice: %v", err)
	}
}

func TestDisputeFlagToggle(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	emitter := &capturingEmitter{}
	registry.SetEmitter(emitter)
	business := newTestAddress(0x01)
	admin := newTestAddress(0x0A)
	state.grantRole(identity.RoleBusiness, business)
	state.grantRole(identity.RoleAdmin, admin)

	inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "INV", "", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if _, err := registry.SetDispute(business, inv.ID, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected non-admin dispute to fail, got %v", err)
	}

	updated, err := registry.SetDispute(admin, inv.ID, true)
	if err != nil {
		t.Fatalf("set dispute: %v", err)
	}
	if !updated.Disputed {
		t.Fatalf("expected disputed flag set")
	}
	eventsBefore := len(emitter.events)

	// Re-setting the same value is a no-op and stays silent.
	same, err := registry.SetDispute(admin, inv.ID, true)
	if err != nil {
		t.Fatalf("idempotent dispute: %v", err)
	}
	if !same.Disputed {
		t.Fatalf("flag must remain set")
	}
	if len(emitter.events) != eventsBefore {
		t.Fatalf("no-op dispute update must not emit")
	}

	cleared, err := registry.SetDispute(admin, inv.ID, false)
	if err != nil {
		t.Fatalf("clear dispute: %v", err)
	}
	if cleared.Disputed {
		t.Fatalf("expected disputed flag cleared")
	}
}

func TestFundingTransitions(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	business := newTestAddress(0x01)
	admin := newTestAddress(0x0A)
	investor := newTestAddress(0x02)
	state.grantRole(identity.RoleBusiness, business)
	state.grantRole(identity.RoleAdmin, admin)

	inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "INV", "", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if _, err := registry.MarkFunded(inv.ID, investor, big.NewInt(9_000)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("funding a pending invoice must fail, got %v", err)
	}
	if _, err := registry.Verify(admin, inv.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	funded, err := registry.MarkFunded(inv.ID, investor, big.NewInt(9_000))
	if err != nil {
		t.Fatalf("mark funded: %v", err)
	}
	if funded.Status != InvoiceFunded {
		t.Fatalf("unexpected status: %s", funded.Status)
	}
	if funded.Investor != investor {
		t.Fatalf("unexpected investor: %x", funded.Investor)
	}
	if funded.FundedAmount.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("unexpected funded amount: %s", funded.FundedAmount)
	}

	if _, err := registry.Cancel(business, inv.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("funded invoice must not be cancellable, got %v", err)
	}

	paid, err := registry.MarkPaid(inv.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != InvoicePaid {
		t.Fatalf("unexpected status: %s", paid.Status)
	}
	if _, err := registry.MarkDefaulted(inv.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("defaulting a paid invoice must fail, got %v", err)
	}
}

func TestCountsSumToTotal(t *testing.T) {
	state := newMockState()
	registry := newTestRegistry(state)
	business := newTestAddress(0x01)
	admin := newTestAddress(0x0A)
	state.grantRole(identity.RoleBusiness, business)
	state.grantRole(identity.RoleAdmin, admin)

	for i := 0; i < 3; i++ {
		inv, err := registry.Create(business, big.NewInt(10_000), 1_700_600_000, "INV", "", "")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if i > 0 {
			if _, err := registry.Verify(admin, inv.ID); err != nil {
				t.Fatalf("verify %d: %v", i, err)
			}
		}
	}

	total, byStatus, err := registry.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if total != 3 {
		t.Fatalf("unexpected total: %d", total)
	}
	if byStatus[InvoicePending] != 1 || byStatus[InvoiceVerified] != 2 {
		t.Fatalf("unexpected breakdown: %v", byStatus)
	}
	var sum uint64
	for _, count := range byStatus {
		sum += count
	}
	if sum != total {
		t.Fatalf("per-status sum %d must equal total %d", sum, total)
	}
}
