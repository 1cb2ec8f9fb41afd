package params

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"invochain/config"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Store provides typed accessors for governance-controlled parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// SetPauses persists the supplied pause configuration under the canonical
// parameter store key. Values are marshalled as JSON to align with governance
// proposal payloads.
func (s *Store) SetPauses(pauses config.Pauses) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(pauses)
	if err != nil {
		return fmt.Errorf("params: encode pauses: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyPauses, encoded)
}

// Pauses loads the persisted pause configuration. When unset, a zero-value
// configuration is returned.
func (s *Store) Pauses() (config.Pauses, error) {
	state, err := s.withState()
	if err != nil {
		return config.Pauses{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyPauses)
	if err != nil {
		return config.Pauses{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return config.Pauses{}, nil
	}
	var pauses config.Pauses
	if err := json.Unmarshal(raw, &pauses); err != nil {
		return config.Pauses{}, fmt.Errorf("params: decode pauses: %w", err)
	}
	return pauses, nil
}

// SetFeePolicy persists the settlement fee policy after bounds validation.
func (s *Store) SetFeePolicy(policy FeePolicy) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("params: encode fee policy: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyFeePolicy, encoded)
}

// FeePolicy loads the persisted fee policy. When unset, the zero-fee policy
// is returned. Stored payloads outside the protocol bounds are rejected
// rather than clamped so a corrupted parameter never silently reprices
// settlements.
func (s *Store) FeePolicy() (FeePolicy, error) {
	state, err := s.withState()
	if err != nil {
		return FeePolicy{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyFeePolicy)
	if err != nil {
		return FeePolicy{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return FeePolicy{}, nil
	}
	var policy FeePolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return FeePolicy{}, fmt.Errorf("params: decode fee policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return FeePolicy{}, err
	}
	return policy, nil
}

// SetLimits persists the protocol limits after validation.
func (s *Store) SetLimits(limits Limits) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("params: encode limits: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyLimits, encoded)
}

// Limits loads the persisted protocol limits with defaults applied for unset
// fields.
func (s *Store) Limits() (Limits, error) {
	state, err := s.withState()
	if err != nil {
		return Limits{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyLimits)
	if err != nil {
		return Limits{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return Limits{}.WithDefaults(), nil
	}
	var limits Limits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return Limits{}, fmt.Errorf("params: decode limits: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits.WithDefaults(), nil
}

func investorLimitKey(addr [20]byte) string {
	return ParamsKeyInvestorLimitPrefix + hex.EncodeToString(addr[:])
}

// SetInvestorLimit stores a per-address exposure override for the investor.
func (s *Store) SetInvestorLimit(addr [20]byte, limit *big.Int) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if limit == nil || limit.Sign() < 0 {
		return fmt.Errorf("params: investor limit must be non-negative")
	}
	encoded, err := json.Marshal(limit)
	if err != nil {
		return fmt.Errorf("params: encode investor limit: %w", err)
	}
	return state.ParamStoreSet(investorLimitKey(addr), encoded)
}

// InvestorLimit loads the per-address exposure override. The boolean reports
// whether an override exists; callers fall back to the global limits when it
// does not.
func (s *Store) InvestorLimit(addr [20]byte) (*big.Int, bool, error) {
	state, err := s.withState()
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := state.ParamStoreGet(investorLimitKey(addr))
	if err != nil {
		return nil, false, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return nil, false, nil
	}
	limit := new(big.Int)
	if err := json.Unmarshal(raw, limit); err != nil {
		return nil, false, fmt.Errorf("params: decode investor limit: %w", err)
	}
	return limit, true, nil
}
