package identity

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"invochain/core/events"
	"invochain/core/types"
	"invochain/native/params"
)

const (
	// RoleAdmin gates invoice verification, dispute updates, role grants
	// and default marking.
	RoleAdmin = "ROLE_ADMIN"
	// RoleInvestor marks addresses cleared to place bids.
	RoleInvestor = "ROLE_INVESTOR"
	// RoleBusiness marks addresses cleared to submit invoices.
	RoleBusiness = "ROLE_BUSINESS"

	// EventTypeRoleUpdated is emitted on every grant or revoke.
	EventTypeRoleUpdated = "identity.role_updated"
)

var (
	errNilState = errors.New("identity registry: state not configured")

	// ErrUnauthorized is returned when the caller lacks the admin role.
	ErrUnauthorized = errors.New("identity: caller not authorized")
	// ErrUnknownRole is returned for role names outside the protocol set.
	ErrUnknownRole = errors.New("identity: unknown role")
)

type registryState interface {
	HasRole(role string, addr []byte) bool
	SetRole(role string, addr []byte) error
	UnsetRole(role string, addr []byte) error
	RoleMembers(role string) ([][]byte, error)
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

type identityEvent struct {
	evt *types.Event
}

func (e identityEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e identityEvent) Event() *types.Event { return e.evt }

// Registry answers the authorization questions the financing pipeline asks:
// who may administer the protocol, who may submit invoices and who may bid,
// and up to which exposure.
type Registry struct {
	state   registryState
	emitter events.Emitter
}

// NewRegistry creates an identity registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter used by the registry. Passing nil
// resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(identityEvent{evt: evt})
}

// KnownRoles lists every role the protocol recognises.
func KnownRoles() []string {
	return []string{RoleAdmin, RoleInvestor, RoleBusiness}
}

func normalizeRole(role string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(role))
	for _, known := range KnownRoles() {
		if normalized == known {
			return normalized, nil
		}
	}
	return "", ErrUnknownRole
}

// Grant assigns the role to the address. Only admins may grant.
func (r *Registry) Grant(caller [20]byte, role string, addr [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	normalized, err := normalizeRole(role)
	if err != nil {
		return err
	}
	if !r.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if err := r.state.SetRole(normalized, addr[:]); err != nil {
		return err
	}
	r.emit(newRoleEvent(normalized, addr, "granted"))
	return nil
}

// Revoke removes the role from the address. Only admins may revoke.
func (r *Registry) Revoke(caller [20]byte, role string, addr [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	normalized, err := normalizeRole(role)
	if err != nil {
		return err
	}
	if !r.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if err := r.state.UnsetRole(normalized, addr[:]); err != nil {
		return err
	}
	r.emit(newRoleEvent(normalized, addr, "revoked"))
	return nil
}

// IsAdmin reports whether the address holds the admin role.
func (r *Registry) IsAdmin(addr [20]byte) bool {
	if r == nil || r.state == nil {
		return false
	}
	return r.state.HasRole(RoleAdmin, addr[:])
}

// IsBusiness reports whether the address may submit invoices.
func (r *Registry) IsBusiness(addr [20]byte) bool {
	if r == nil || r.state == nil {
		return false
	}
	return r.state.HasRole(RoleBusiness, addr[:])
}

// IsAuthorizedInvestor reports whether the address may place bids and, when
// it may, the largest single exposure it is cleared for. The limit is the
// per-address override when one is stored, otherwise the protocol-wide
// maximum amount.
func (r *Registry) IsAuthorizedInvestor(addr [20]byte) (bool, *big.Int, error) {
	if r == nil || r.state == nil {
		return false, nil, errNilState
	}
	if !r.state.HasRole(RoleInvestor, addr[:]) {
		return false, nil, nil
	}
	store := params.NewStore(r.state)
	if limit, ok, err := store.InvestorLimit(addr); err != nil {
		return false, nil, err
	} else if ok {
		return true, limit, nil
	}
	limits, err := store.Limits()
	if err != nil {
		return false, nil, err
	}
	return true, limits.MaxAmount, nil
}

// SetInvestorLimit stores a per-address exposure override. Only admins may
// change limits.
func (r *Registry) SetInvestorLimit(caller, addr [20]byte, limit *big.Int) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if !r.IsAdmin(caller) {
		return ErrUnauthorized
	}
	return params.NewStore(r.state).SetInvestorLimit(addr, limit)
}

// RolesOf lists the roles currently held by the address.
func (r *Registry) RolesOf(addr [20]byte) []string {
	if r == nil || r.state == nil {
		return nil
	}
	held := make([]string, 0, 3)
	for _, role := range KnownRoles() {
		if r.state.HasRole(role, addr[:]) {
			held = append(held, role)
		}
	}
	return held
}

// Members returns the addresses holding the supplied role. Entries that are
// not 20 bytes long are skipped.
func (r *Registry) Members(role string) ([][20]byte, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	normalized, err := normalizeRole(role)
	if err != nil {
		return nil, err
	}
	raw, err := r.state.RoleMembers(normalized)
	if err != nil {
		return nil, err
	}
	members := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			continue
		}
		var addr [20]byte
		copy(addr[:], entry)
		members = append(members, addr)
	}
	return members, nil
}

func newRoleEvent(role string, addr [20]byte, action string) *types.Event {
	return &types.Event{
		Type: EventTypeRoleUpdated,
		Attributes: map[string]string{
			"role":    role,
			"address": hex.EncodeToString(addr[:]),
			"action":  action,
		},
	}
}
