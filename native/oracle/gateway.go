package oracle

import (
	"fmt"
	"math/big"
	"time"

	"joulechain/core/events"
	"joulechain/crypto"
	"joulechain/native/common"
)

// Storage is the narrow state surface the gateway persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	HasRole(role string, addr crypto.Address) bool
	SetRole(role string, members ...crypto.Address) error
	RoleMembers(role string) ([]crypto.Address, error)
}

// Ledger is the token operation the gateway is trusted to perform.
type Ledger interface {
	Mint(to crypto.Address, symbol string, amount *big.Int) error
}

// Gateway owns the authoritative oracle price and gates who may change it or
// trigger oracle-authorized minting. Every accepted price satisfies the
// configured floor/ceiling bounds and the relative swing limit.
type Gateway struct {
	store   Storage
	ledger  Ledger
	emitter events.Emitter
	clock   func() time.Time
}

// NewGateway constructs a gateway over the provided storage and ledger.
func NewGateway(store Storage, ledger Ledger) *Gateway {
	return &Gateway{store: store, ledger: ledger, clock: time.Now}
}

// SetClock overrides the time source for deterministic testing.
func (g *Gateway) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

// SetEmitter wires an event sink. A nil emitter keeps events disabled.
func (g *Gateway) SetEmitter(emitter events.Emitter) {
	if g == nil {
		return
	}
	g.emitter = emitter
}

func (g *Gateway) emit(evt events.Event) {
	if g == nil || g.emitter == nil {
		return
	}
	g.emitter.Emit(evt)
}

func (g *Gateway) loadState() (*State, error) {
	if g == nil || g.store == nil {
		return nil, fmt.Errorf("oracle: gateway not configured")
	}
	var stored storedState
	ok, err := g.store.KVGet(stateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return stored.toState()
}

func (g *Gateway) saveState(st *State) error {
	return g.store.KVPut(stateKey, st.toStored())
}

// IsPaused implements common.PauseView against the persisted pause flag.
func (g *Gateway) IsPaused(module string) bool {
	if module != common.ModuleOracle {
		return false
	}
	st, err := g.loadState()
	if err != nil {
		return false
	}
	return st.Paused
}

func (g *Gateway) requireRole(role string, caller crypto.Address) error {
	if caller.IsZero() || !g.store.HasRole(role, caller) {
		return ErrUnauthorized
	}
	return nil
}

func (g *Gateway) roleHolder(role string) crypto.Address {
	members, err := g.store.RoleMembers(role)
	if err != nil || len(members) == 0 {
		return crypto.Address{}
	}
	return members[0]
}

// Initialize records the authority bindings and safety limits. It may run
// exactly once. A non-nil initial price must already satisfy the bounds; nil
// leaves the price unset, in which case the first update skips the swing
// check.
func (g *Gateway) Initialize(owner, oracleAddr crypto.Address, cfg Config, initial *big.Rat) error {
	if g == nil || g.store == nil || g.ledger == nil {
		return fmt.Errorf("oracle: gateway not configured")
	}
	ok, err := g.store.KVGet(stateKey, nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if owner.IsZero() {
		return fmt.Errorf("oracle: owner address required")
	}
	if oracleAddr.IsZero() {
		return fmt.Errorf("oracle: oracle address required")
	}
	normalized := cfg.Normalise()
	st := &State{
		Symbol:      normalized.Symbol,
		Floor:       normalized.Floor,
		Ceiling:     normalized.Ceiling,
		MaxSwingBps: normalized.MaxSwingBps,
		MintCap:     normalized.MintCap,
		Minted:      big.NewInt(0),
	}
	if initial != nil {
		if initial.Sign() <= 0 || initial.Cmp(st.Floor) < 0 || initial.Cmp(st.Ceiling) > 0 {
			return ErrPriceOutOfBounds
		}
		st.Price = new(big.Rat).Set(initial)
		st.UpdatedAt = g.clock().UTC()
	}
	if err := g.store.SetRole(RoleOwner, owner); err != nil {
		return err
	}
	if err := g.store.SetRole(RoleOracle, oracleAddr); err != nil {
		return err
	}
	return g.saveState(st)
}

// SetPrice replaces the authoritative price. Only the oracle principal may
// call it. The nonce must strictly increase, the price must sit inside the
// bounds (inclusive) and within the swing limit relative to the previous
// price. Nothing persists on rejection.
func (g *Gateway) SetPrice(caller crypto.Address, price *big.Rat, nonce uint64) error {
	if err := common.Guard(g, common.ModuleOracle); err != nil {
		return err
	}
	return g.applyPrice(caller, RoleOracle, price, nonce, false)
}

// OwnerSetPrice is the owner's emergency override: nonce and bounds are still
// enforced, the swing check is skipped, and the call works while the gateway
// is paused.
func (g *Gateway) OwnerSetPrice(caller crypto.Address, price *big.Rat, nonce uint64) error {
	return g.applyPrice(caller, RoleOwner, price, nonce, true)
}

func (g *Gateway) applyPrice(caller crypto.Address, role string, price *big.Rat, nonce uint64, emergency bool) error {
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(role, caller); err != nil {
		return err
	}
	if price == nil {
		return fmt.Errorf("oracle: price required")
	}
	if nonce <= st.Nonce {
		return ErrStaleNonce
	}
	if price.Sign() <= 0 || price.Cmp(st.Floor) < 0 || price.Cmp(st.Ceiling) > 0 {
		return ErrPriceOutOfBounds
	}
	if !emergency && st.Price != nil {
		// Trip iff |new-old| * 10000 > old * maxSwingBps. A move landing
		// exactly on the limit is accepted.
		diff := new(big.Rat).Sub(price, st.Price)
		diff.Abs(diff)
		lhs := new(big.Rat).Mul(diff, big.NewRat(10_000, 1))
		rhs := new(big.Rat).Mul(st.Price, new(big.Rat).SetUint64(st.MaxSwingBps))
		if lhs.Cmp(rhs) > 0 {
			g.emit(events.OracleBreakerTripped{
				Attempted: new(big.Rat).Set(price),
				Current:   new(big.Rat).Set(st.Price),
				SwingBps:  st.MaxSwingBps,
				Nonce:     nonce,
			})
			return ErrCircuitBreakerTripped
		}
	}
	st.Price = new(big.Rat).Set(price)
	st.Nonce = nonce
	st.UpdatedAt = g.clock().UTC()
	if err := g.saveState(st); err != nil {
		return err
	}
	g.emit(events.OraclePriceUpdated{
		Price:     new(big.Rat).Set(price),
		Nonce:     nonce,
		UpdatedAt: uint64(st.UpdatedAt.Unix()),
		Emergency: emergency,
	})
	return nil
}

// OracleMint creates new supply for the recipient. Only the oracle principal
// may call it, and a single call never exceeds the configured cap.
func (g *Gateway) OracleMint(caller, to crypto.Address, amount *big.Int) error {
	if err := common.Guard(g, common.ModuleOracle); err != nil {
		return err
	}
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(RoleOracle, caller); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("oracle: mint recipient required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(st.MintCap) > 0 {
		return ErrMintCapExceeded
	}
	if err := g.ledger.Mint(to, st.Symbol, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrMintFailed, err)
	}
	st.Minted = new(big.Int).Add(st.Minted, amount)
	if err := g.saveState(st); err != nil {
		return err
	}
	g.emit(events.OracleMinted{Recipient: to, Amount: new(big.Int).Set(amount), Caller: caller})
	return nil
}

// ReconfigureBounds replaces the floor, ceiling and swing limit. The standing
// price is not re-checked; the new bounds apply from the next update.
func (g *Gateway) ReconfigureBounds(caller crypto.Address, floor, ceiling *big.Rat, swingBps uint64) error {
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if floor == nil || floor.Sign() <= 0 {
		return ErrInvalidBounds
	}
	if ceiling == nil || ceiling.Cmp(floor) <= 0 {
		return ErrInvalidBounds
	}
	if swingBps == 0 || swingBps > maxSwingBpsLimit {
		return ErrInvalidBounds
	}
	st.Floor = new(big.Rat).Set(floor)
	st.Ceiling = new(big.Rat).Set(ceiling)
	st.MaxSwingBps = swingBps
	if err := g.saveState(st); err != nil {
		return err
	}
	g.emit(events.OracleBoundsUpdated{
		Floor:    new(big.Rat).Set(floor),
		Ceiling:  new(big.Rat).Set(ceiling),
		SwingBps: swingBps,
	})
	return nil
}

// SetMintCap replaces the per-call mint cap.
func (g *Gateway) SetMintCap(caller crypto.Address, cap *big.Int) error {
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if cap == nil || cap.Sign() <= 0 {
		return ErrInvalidAmount
	}
	st.MintCap = new(big.Int).Set(cap)
	return g.saveState(st)
}

// TransferRole rebinds a role to a new principal. The previous holder loses
// authority immediately.
func (g *Gateway) TransferRole(caller crypto.Address, role string, next crypto.Address) error {
	if _, err := g.loadState(); err != nil {
		return err
	}
	if err := g.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if role != RoleOwner && role != RoleOracle {
		return ErrUnknownRole
	}
	if next.IsZero() {
		return fmt.Errorf("oracle: new principal required")
	}
	previous := g.roleHolder(role)
	if err := g.store.SetRole(role, next); err != nil {
		return err
	}
	g.emit(events.OracleRoleTransferred{Role: role, Previous: previous, Next: next})
	return nil
}

// Pause halts price updates and minting until the owner unpauses.
func (g *Gateway) Pause(caller crypto.Address, paused bool) error {
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if st.Paused == paused {
		return nil
	}
	st.Paused = paused
	if err := g.saveState(st); err != nil {
		return err
	}
	g.emit(events.OraclePausedEvent{Paused: paused})
	return nil
}

// Upgrade records the code hash the host should migrate to. Persisted layouts
// are append-only, so no state migration accompanies the hash swap.
func (g *Gateway) Upgrade(caller crypto.Address, codeHash [32]byte) error {
	st, err := g.loadState()
	if err != nil {
		return err
	}
	if err := g.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if codeHash == ([32]byte{}) {
		return fmt.Errorf("oracle: code hash required")
	}
	st.CodeHash = codeHash
	if err := g.saveState(st); err != nil {
		return err
	}
	g.emit(events.OracleUpgraded{CodeHash: codeHash})
	return nil
}

// CurrentPrice returns the authoritative price quote.
func (g *Gateway) CurrentPrice() (PriceQuote, error) {
	st, err := g.loadState()
	if err != nil {
		return PriceQuote{}, err
	}
	if st.Price == nil {
		return PriceQuote{}, ErrPriceNotSet
	}
	return PriceQuote{Rate: new(big.Rat).Set(st.Price), Nonce: st.Nonce, UpdatedAt: st.UpdatedAt}, nil
}

// Status reports the persisted state together with the current role holders.
func (g *Gateway) Status() (Status, error) {
	st, err := g.loadState()
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:  *st.Copy(),
		Owner:  g.roleHolder(RoleOwner),
		Oracle: g.roleHolder(RoleOracle),
	}, nil
}
