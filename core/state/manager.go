package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"joulechain/crypto"
	"joulechain/storage"
)

// Manager provides read/write access to ledger state: token metadata, account
// balances, authority roles and module key/value records. It is the Ledger
// implementation the native engines run against.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// TokenMetadata describes a registered native token.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenPrefix  = []byte("token:")
	tokenListKey = ethcrypto.Keccak256([]byte("token-list"))

	balancePrefix = []byte("balance:")
	rolePrefix    = []byte("role:")
	mintedPrefix  = []byte("supply:minted:")
	burnedPrefix  = []byte("supply:burned:")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
		buf = append(buf, ':')
	}
	return ethcrypto.Keccak256(buf)
}

func tokenMetadataKey(symbol string) []byte {
	return prefixedKey(tokenPrefix, []byte(symbol))
}

func balanceKey(addr crypto.Address, symbol string) []byte {
	return prefixedKey(balancePrefix, []byte(symbol), addr.Bytes())
}

func roleKey(role string) []byte {
	return prefixedKey(rolePrefix, []byte(role))
}

func supplyKey(prefix []byte, symbol string) []byte {
	return prefixedKey(prefix, []byte(symbol))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// get loads raw bytes, mapping a missing key to (nil, false, nil).
func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) loadTokenList() ([]string, error) {
	data, ok, err := m.get(tokenListKey)
	if err != nil || !ok {
		return []string{}, err
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
	return m.db.Put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	data, ok, err := m.get(tokenMetadataKey(symbol))
	if err != nil || !ok {
		return nil, err
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a native token and records it in the
// token index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
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

	meta := &TokenMetadata{Symbol: normalized, Name: strings.TrimSpace(name), Decimals: decimals}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.db.Put(tokenMetadataKey(normalized), encoded)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(normalizeSymbol(symbol))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	meta, err := m.loadTokenMetadata(normalizeSymbol(symbol))
	return err == nil && meta != nil
}

func (m *Manager) requireToken(symbol string) (string, error) {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return "", fmt.Errorf("token symbol must not be empty")
	}
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", fmt.Errorf("token %s not registered", normalized)
	}
	return normalized, nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr crypto.Address, symbol string, amount *big.Int) error {
	if addr.IsZero() {
		return fmt.Errorf("address must not be zero")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(balanceKey(addr, normalized), encoded)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr crypto.Address, symbol string) (*big.Int, error) {
	data, ok, err := m.get(balanceKey(addr, normalizeSymbol(symbol)))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// BalanceOf is an alias for Balance matching the ledger interface consumed by
// the native engines.
func (m *Manager) BalanceOf(addr crypto.Address, symbol string) (*big.Int, error) {
	return m.Balance(addr, symbol)
}

func (m *Manager) adjustCounter(prefix []byte, symbol string, delta *big.Int) error {
	key := supplyKey(prefix, symbol)
	current := big.NewInt(0)
	data, ok, err := m.get(key)
	if err != nil {
		return err
	}
	if ok {
		if err := rlp.DecodeBytes(data, current); err != nil {
			return err
		}
	}
	encoded, err := rlp.EncodeToBytes(new(big.Int).Add(current, delta))
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) counter(prefix []byte, symbol string) (*big.Int, error) {
	data, ok, err := m.get(supplyKey(prefix, normalizeSymbol(symbol)))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Mint credits freshly created tokens to the recipient and advances the
// lifetime minted counter.
func (m *Manager) Mint(to crypto.Address, symbol string, amount *big.Int) error {
	if to.IsZero() {
		return fmt.Errorf("mint recipient must not be zero")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	balance, err := m.Balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.SetBalance(to, normalized, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return m.adjustCounter(mintedPrefix, normalized, amount)
}

// Burn destroys tokens held by the account and advances the lifetime burned
// counter. The account must hold at least the burned amount.
func (m *Manager) Burn(from crypto.Address, symbol string, amount *big.Int) error {
	if from.IsZero() {
		return fmt.Errorf("burn account must not be zero")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("burn amount must be positive")
	}
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	balance, err := m.Balance(from, normalized)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("burn %s: insufficient balance (have %s, need %s)", normalized, balance, amount)
	}
	if err := m.SetBalance(from, normalized, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return m.adjustCounter(burnedPrefix, normalized, amount)
}

// Transfer moves tokens between accounts. The sender must hold at least the
// transferred amount.
func (m *Manager) Transfer(from, to crypto.Address, symbol string, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("transfer accounts must not be zero")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	normalized, err := m.requireToken(symbol)
	if err != nil {
		return err
	}
	fromBalance, err := m.Balance(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s: insufficient balance (have %s, need %s)", normalized, fromBalance, amount)
	}
	toBalance, err := m.Balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.SetBalance(from, normalized, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return m.SetBalance(to, normalized, new(big.Int).Add(toBalance, amount))
}

// Supply reports the lifetime minted and burned totals for a token. The
// circulating supply is minted minus burned.
func (m *Manager) Supply(symbol string) (minted, burned *big.Int, err error) {
	minted, err = m.counter(mintedPrefix, symbol)
	if err != nil {
		return nil, nil, err
	}
	burned, err = m.counter(burnedPrefix, symbol)
	if err != nil {
		return nil, nil, err
	}
	return minted, burned, nil
}

// SetRole replaces the member list for the specified role. The stored list is
// sorted and deduplicated for determinism.
func (m *Manager) SetRole(role string, members ...crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	stored := make([][]byte, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		if member.IsZero() {
			return fmt.Errorf("role %s: member must not be zero", trimmed)
		}
		raw := member.Bytes()
		if _, dup := seen[string(raw)]; dup {
			continue
		}
		seen[string(raw)] = struct{}{}
		stored = append(stored, raw)
	}
	sort.Slice(stored, func(i, j int) bool {
		return hex.EncodeToString(stored[i]) < hex.EncodeToString(stored[j])
	})
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(roleKey(trimmed), encoded)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([]crypto.Address, error) {
	data, ok, err := m.get(roleKey(strings.TrimSpace(role)))
	if err != nil || !ok {
		return []crypto.Address{}, err
	}
	var stored [][]byte
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	members := make([]crypto.Address, 0, len(stored))
	for _, raw := range stored {
		addr, err := crypto.NewAddress(crypto.JoulePrefix, raw)
		if err != nil {
			return nil, err
		}
		members = append(members, addr)
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return, matching the best-effort semantics required by the callers.
func (m *Manager) HasRole(role string, addr crypto.Address) bool {
	if addr.IsZero() {
		return false
	}
	members, err := m.RoleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member.Equal(addr) {
			return true
		}
	}
	return false
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before hitting the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
