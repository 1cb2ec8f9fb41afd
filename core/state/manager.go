package state

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invochain/storage"
)

// Manager is the ledger state surface every native engine runs against. It
// stores keccak256-keyed, RLP-encoded records in the underlying key-value
// database and maintains the denormalized indexes (status counters, per-invoice
// bid lists, investor indexes) alongside the canonical records.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type TokenMetadata struct {
	Symbol        string
	Name          string
	Decimals      uint8
	MintAuthority []byte
	MintPaused    bool
}

var (
	tokenPrefix    = []byte("token:")
	tokenListKey   = ethcrypto.Keccak256([]byte("token-list"))
	rolePrefix     = []byte("role:")
	sequencePrefix = []byte("seq:")
	paramPrefix    = []byte("param:")

	reentrancyLockKey = []byte("guard/reentrancy")
)

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// getRaw reads a hashed key from the database, translating the backend's
// not-found error into an empty value so callers can treat absence and
// emptiness uniformly.
func (m *Manager) getRaw(hashedKey []byte) ([]byte, error) {
	data, err := m.db.Get(hashedKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) putRaw(hashedKey, value []byte) error {
	return m.db.Put(hashedKey, value)
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}

func int64ToUint64(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}

// --- Token registry ---

func (m *Manager) loadTokenList() ([]string, error) {
	data, err := m.getRaw(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.putRaw(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	key := tokenMetadataKey(symbol)
	data, err := m.getRaw(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) writeTokenMetadata(symbol string, meta *TokenMetadata) error {
	key := tokenMetadataKey(symbol)
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.putRaw(key, encoded)
}

// RegisterToken stores the metadata for a settlement token and records it in
// the token index. Registration is idempotent for identical definitions.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		if existing.Name == name && existing.Decimals == decimals {
			return nil
		}
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.writeTokenList(list); err != nil {
		return err
	}

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	}
	return m.writeTokenMetadata(normalized, meta)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	return m.loadTokenMetadata(normalized)
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return false
	}
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil || meta == nil {
		return false
	}
	return true
}

// --- Roles ---

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	key := roleKey(trimmed)
	data, err := m.getRaw(key)
	if err != nil {
		return err
	}
	var members [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &members); err != nil {
			return err
		}
	}
	found := false
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			found = true
			break
		}
	}
	if !found {
		members = append(members, append([]byte(nil), addr...))
		sort.Slice(members, func(i, j int) bool {
			return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
		})
	}
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.putRaw(key, encoded)
}

// UnsetRole removes an address from the specified role. Removing an address
// that is not a member is a no-op.
func (m *Manager) UnsetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	key := roleKey(trimmed)
	data, err := m.getRaw(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return err
	}
	filtered := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing, addr) {
			filtered = append(filtered, existing)
		}
	}
	encoded, err := rlp.EncodeToBytes(filtered)
	if err != nil {
		return err
	}
	return m.putRaw(key, encoded)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	key := roleKey(strings.TrimSpace(role))
	data, err := m.getRaw(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return, matching the best-effort semantics required by the callers.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	key := roleKey(strings.TrimSpace(role))
	data, err := m.getRaw(key)
	if err != nil || len(data) == 0 {
		return false
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// --- Sequences ---

// NextSequence increments and returns the monotonic counter for the supplied
// entity kind. The first call for a kind returns 1.
func (m *Manager) NextSequence(kind string) (uint64, error) {
	trimmed := strings.TrimSpace(kind)
	if trimmed == "" {
		return 0, fmt.Errorf("sequence kind must not be empty")
	}
	buf := make([]byte, len(sequencePrefix)+len(trimmed))
	copy(buf, sequencePrefix)
	copy(buf[len(sequencePrefix):], trimmed)
	key := ethcrypto.Keccak256(buf)
	data, err := m.getRaw(key)
	if err != nil {
		return 0, err
	}
	var current uint64
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &current); err != nil {
			return 0, err
		}
	}
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("sequence %s exhausted", trimmed)
	}
	next := current + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return 0, err
	}
	if err := m.putRaw(key, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

// --- Parameter store ---

func paramKey(name string) []byte {
	buf := make([]byte, len(paramPrefix)+len(name))
	copy(buf, paramPrefix)
	copy(buf[len(paramPrefix):], name)
	return ethcrypto.Keccak256(buf)
}

// ParamStoreSet persists a raw governance parameter payload under its name.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("param name must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.putRaw(paramKey(trimmed), encoded)
}

// ParamStoreGet loads a raw governance parameter payload. The boolean result
// reports whether the parameter has ever been set.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, false, fmt.Errorf("param name must not be empty")
	}
	data, err := m.getRaw(paramKey(trimmed))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	var value []byte
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// --- Reentrancy lock ---

// ReentrancyLocked reports whether the shared fund-movement lock is held.
func (m *Manager) ReentrancyLocked() (bool, error) {
	data, err := m.getRaw(kvKey(reentrancyLockKey))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	var locked bool
	if err := rlp.DecodeBytes(data, &locked); err != nil {
		return false, err
	}
	return locked, nil
}

// SetReentrancyLock persists the shared fund-movement lock flag.
func (m *Manager) SetReentrancyLock(locked bool) error {
	encoded, err := rlp.EncodeToBytes(locked)
	if err != nil {
		return err
	}
	return m.putRaw(kvKey(reentrancyLockKey), encoded)
}

// --- Generic KV ---

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 before hitting the backend.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.putRaw(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.getRaw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep the
// index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.getRaw(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	found := false
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			found = true
			break
		}
	}
	if !found {
		list = append(list, append([]byte(nil), value...))
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.putRaw(hashed, encoded)
}

// KVRemove deletes the provided value from the RLP-encoded byte slice list
// stored under the supplied key. Removing an absent value is a no-op.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.getRaw(hashed)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var list [][]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			filtered = append(filtered, existing)
		}
	}
	encoded, err := rlp.EncodeToBytes(filtered)
	if err != nil {
		return err
	}
	return m.putRaw(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.getRaw(hashed)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
