package peg

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"joulechain/core/events"
	"joulechain/crypto"
	"joulechain/native/amm"
	"joulechain/native/common"
	"joulechain/native/oracle"
)

// Action identifies what a single evaluation pass did.
type Action string

const (
	ActionNone     Action = "none"
	ActionCooldown Action = "cooldown"
	ActionInBand   Action = "in_band"
	ActionSkipped  Action = "skipped"
	ActionMintSale Action = "mint_sale"
	ActionBuyback  Action = "buyback"
)

// Outcome reports the decision and any executed trade of one Evaluate call.
// QuoteIn is quote added to the reserve by a mint-and-sell; QuoteOut is
// reserve quote spent by a buyback.
type Outcome struct {
	Action       Action
	MintedAmount *big.Int
	BurnedAmount *big.Int
	QuoteIn      *big.Int
	QuoteOut     *big.Int
	SpotBefore   *big.Rat
	SpotAfter    *big.Rat
	OraclePrice  *big.Rat
	DeviationBps int64
	Reason       string
}

// Executed reports whether the pass traded against the pool.
func (o Outcome) Executed() bool {
	return o.Action == ActionMintSale || o.Action == ActionBuyback
}

// Storage is the narrow state surface the controller persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	HasRole(role string, addr crypto.Address) bool
	SetRole(role string, members ...crypto.Address) error
	RoleMembers(role string) ([]crypto.Address, error)
}

// Ledger is the token surface the controller settles and burns through.
type Ledger interface {
	Burn(from crypto.Address, symbol string, amount *big.Int) error
	Transfer(from, to crypto.Address, symbol string, amount *big.Int) error
	Balance(addr crypto.Address, symbol string) (*big.Int, error)
}

// Gateway is the price oracle surface. The controller calls it under its own
// module address, which the gateway binds as its sole oracle principal.
type Gateway interface {
	SetPrice(caller crypto.Address, price *big.Rat, nonce uint64) error
	OracleMint(caller, to crypto.Address, amount *big.Int) error
	CurrentPrice() (oracle.PriceQuote, error)
}

// LiquidityPool is the market the controller trades against.
type LiquidityPool interface {
	Pair() amm.Pair
	Reserves() (credit, quote *big.Int, err error)
	SpotPrice() (*big.Rat, error)
	QuoteSwap(dir amm.Direction, amountIn *big.Int) (*big.Int, error)
	Swap(caller crypto.Address, dir amm.Direction, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// ModuleAddress returns the controller's module account. It holds the quote
// reserve and is the identity the gateway trusts for price updates and mints.
func ModuleAddress() crypto.Address {
	return crypto.DeriveModuleAddress(common.ModulePeg)
}

// Controller compares the pool price against the oracle price and executes
// one bounded corrective trade per invocation when the drift exceeds the
// band. Corrections are self-funded: sale proceeds build the reserve,
// buybacks may spend nothing else.
type Controller struct {
	store   Storage
	ledger  Ledger
	gateway Gateway
	pool    LiquidityPool
	account crypto.Address
	emitter events.Emitter
	clock   func() time.Time
}

// NewController wires the controller against its collaborators.
func NewController(store Storage, ledger Ledger, gateway Gateway, pool LiquidityPool) *Controller {
	return &Controller{
		store:   store,
		ledger:  ledger,
		gateway: gateway,
		pool:    pool,
		account: ModuleAddress(),
		clock:   time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (c *Controller) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

// SetEmitter wires an event sink. A nil emitter keeps events disabled.
func (c *Controller) SetEmitter(emitter events.Emitter) {
	if c == nil {
		return
	}
	c.emitter = emitter
}

func (c *Controller) emit(evt events.Event) {
	if c == nil || c.emitter == nil {
		return
	}
	c.emitter.Emit(evt)
}

func (c *Controller) loadState() (*State, error) {
	if c == nil || c.store == nil {
		return nil, fmt.Errorf("peg: controller not configured")
	}
	var stored storedController
	ok, err := c.store.KVGet(stateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return stored.toState()
}

func (c *Controller) saveState(st *State) error {
	return c.store.KVPut(stateKey, st.toStored())
}

// IsPaused implements common.PauseView against the persisted pause flag.
func (c *Controller) IsPaused(module string) bool {
	if module != common.ModulePeg {
		return false
	}
	st, err := c.loadState()
	if err != nil {
		return false
	}
	return st.Paused
}

func (c *Controller) requireRole(role string, caller crypto.Address) error {
	if caller.IsZero() || !c.store.HasRole(role, caller) {
		return ErrUnauthorized
	}
	return nil
}

func (c *Controller) roleHolder(role string) crypto.Address {
	members, err := c.store.RoleMembers(role)
	if err != nil || len(members) == 0 {
		return crypto.Address{}
	}
	return members[0]
}

// Initialize binds the owner and feeder principals and persists the trading
// parameters. It may run exactly once.
func (c *Controller) Initialize(owner, feeder crypto.Address, params Params) error {
	if c == nil || c.store == nil || c.ledger == nil || c.gateway == nil || c.pool == nil {
		return fmt.Errorf("peg: controller not configured")
	}
	ok, err := c.store.KVGet(stateKey, nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if owner.IsZero() {
		return fmt.Errorf("peg: owner address required")
	}
	if feeder.IsZero() {
		return fmt.Errorf("peg: feeder address required")
	}
	normalized := params.Normalise()
	if err := normalized.Validate(); err != nil {
		return err
	}
	if err := c.store.SetRole(RoleOwner, owner); err != nil {
		return err
	}
	if err := c.store.SetRole(RoleFeeder, feeder); err != nil {
		return err
	}
	st := &State{
		Params:      normalized,
		Minted:      big.NewInt(0),
		Burned:      big.NewInt(0),
		QuoteEarned: big.NewInt(0),
		QuoteSpent:  big.NewInt(0),
	}
	return c.saveState(st)
}

// SubmitPrice accepts a price from the feeder and forwards it to the gateway
// under the controller's identity. Gateway rejections propagate typed to the
// caller; the newest rejected pair is retained and retried after the next
// executed corrective action, which matters once the owner widens the
// gateway's bounds or swing limit.
func (c *Controller) SubmitPrice(caller crypto.Address, price *big.Rat, nonce uint64) error {
	if err := common.Guard(c, common.ModulePeg); err != nil {
		return err
	}
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if err := c.requireRole(RoleFeeder, caller); err != nil {
		return err
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("peg: price must be positive")
	}
	forwardErr := c.gateway.SetPrice(c.account, price, nonce)
	if forwardErr == nil {
		st.LastForwardedNonce = nonce
		if st.Pending != nil && st.Pending.Nonce <= nonce {
			st.Pending = nil
		}
		return c.saveState(st)
	}
	if !errors.Is(forwardErr, oracle.ErrStaleNonce) &&
		nonce > st.LastForwardedNonce &&
		(st.Pending == nil || nonce > st.Pending.Nonce) {
		st.Pending = &PendingPrice{Rate: new(big.Rat).Set(price), Nonce: nonce}
		if err := c.saveState(st); err != nil {
			return err
		}
	}
	return forwardErr
}

// Evaluate runs one full peg-maintenance pass: cooldown check, oracle and
// pool reads, band comparison and at most one corrective trade. Every error
// aborts the pass with no controller state change.
func (c *Controller) Evaluate() (Outcome, error) {
	if err := common.Guard(c, common.ModulePeg); err != nil {
		return Outcome{}, err
	}
	st, err := c.loadState()
	if err != nil {
		return Outcome{}, err
	}
	now := c.clock().UTC()
	cooldown := time.Duration(st.Params.CooldownSeconds) * time.Second
	if !st.LastAction.IsZero() && now.Sub(st.LastAction) < cooldown {
		outcome := Outcome{Action: ActionCooldown, Reason: "cooldown window active"}
		c.emit(events.PegEvaluated{Action: string(outcome.Action), Reason: outcome.Reason})
		return outcome, nil
	}
	priceQuote, err := c.gateway.CurrentPrice()
	if err != nil {
		return Outcome{}, err
	}
	if now.Sub(priceQuote.UpdatedAt) > time.Duration(st.Params.MaxPriceAgeSeconds)*time.Second {
		return Outcome{}, ErrOracleStale
	}
	credit, quote, err := c.pool.Reserves()
	if err != nil {
		return Outcome{}, err
	}
	if credit.Sign() == 0 || quote.Sign() == 0 {
		return Outcome{}, amm.ErrPoolEmpty
	}
	pair := c.pool.Pair()
	oraclePrice := priceQuote.Rate
	spot := usdSpot(credit, quote, pair, st.Params.QuoteUSD)
	dev := deviationBps(spot, oraclePrice)
	if quote.Cmp(st.Params.MinPoolReserve) < 0 {
		outcome := Outcome{
			Action:       ActionSkipped,
			SpotBefore:   spot,
			SpotAfter:    spot,
			OraclePrice:  new(big.Rat).Set(oraclePrice),
			DeviationBps: dev,
			Reason:       "pool quote reserve below minimum",
		}
		c.emit(events.PegEvaluated{
			Action:       string(outcome.Action),
			DeviationBps: dev,
			SpotPrice:    spot,
			OraclePrice:  outcome.OraclePrice,
			Reason:       outcome.Reason,
		})
		return outcome, nil
	}

	upper := bandEdge(oraclePrice, int64(st.Params.BandBps))
	lower := bandEdge(oraclePrice, -int64(st.Params.BandBps))
	var outcome Outcome
	switch {
	case spot.Cmp(upper) > 0:
		outcome, err = c.mintAndSell(st, oraclePrice, spot, credit, quote, pair)
	case spot.Cmp(lower) < 0:
		outcome, err = c.buybackAndBurn(st, oraclePrice, spot, credit, quote, pair)
	default:
		outcome = Outcome{
			Action:      ActionInBand,
			SpotBefore:  spot,
			SpotAfter:   spot,
			OraclePrice: new(big.Rat).Set(oraclePrice),
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	outcome.DeviationBps = dev

	if outcome.Executed() {
		st.LastAction = now
		c.forwardPending(st)
		if err := c.saveState(st); err != nil {
			return Outcome{}, err
		}
		switch outcome.Action {
		case ActionMintSale:
			c.emit(events.PegMintSale{
				Minted:     outcome.MintedAmount,
				Proceeds:   outcome.QuoteIn,
				SpotBefore: outcome.SpotBefore,
				SpotAfter:  outcome.SpotAfter,
			})
		case ActionBuyback:
			c.emit(events.PegBuyback{
				Spent:      outcome.QuoteOut,
				Burned:     outcome.BurnedAmount,
				SpotBefore: outcome.SpotBefore,
				SpotAfter:  outcome.SpotAfter,
			})
		}
	}
	c.emit(events.PegEvaluated{
		Action:       string(outcome.Action),
		DeviationBps: dev,
		SpotPrice:    outcome.SpotBefore,
		OraclePrice:  outcome.OraclePrice,
		Reason:       outcome.Reason,
	})
	return outcome, nil
}

// mintAndSell pushes an above-band pool back toward the oracle price. The
// fresh mint is rolled back if the sale cannot execute.
func (c *Controller) mintAndSell(st *State, oraclePrice, spotBefore *big.Rat, credit, quote *big.Int, pair amm.Pair) (Outcome, error) {
	target := bandMidpoint(oraclePrice, int64(st.Params.BandBps))
	mintAmount := targetCreditReserve(credit, quote, pair, st.Params.QuoteUSD, target)
	mintAmount.Sub(mintAmount, credit)
	if mintAmount.Cmp(st.Params.MaxMintPerRebalance) > 0 {
		mintAmount.Set(st.Params.MaxMintPerRebalance)
	}
	if mintAmount.Cmp(st.Params.MinTradeSize) < 0 {
		return Outcome{}, ErrBelowMinimumTradeSize
	}
	minOut := applySlippage(impliedQuoteOut(mintAmount, pair, st.Params.QuoteUSD, oraclePrice), st.Params.SlippageBps)
	quoted, err := c.pool.QuoteSwap(amm.SellCredit, mintAmount)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSwapFailed, err)
	}
	if quoted.Cmp(minOut) < 0 {
		return Outcome{}, ErrSlippageExceeded
	}
	if err := c.gateway.OracleMint(c.account, c.account, mintAmount); err != nil {
		return Outcome{}, err
	}
	received, err := c.pool.Swap(c.account, amm.SellCredit, mintAmount, minOut)
	if err != nil {
		// The mint must not survive a failed sale.
		if burnErr := c.ledger.Burn(c.account, pair.CreditSymbol, mintAmount); burnErr != nil {
			return Outcome{}, fmt.Errorf("%w: rollback after swap failure: %s", ErrBurnFailed, burnErr)
		}
		if errors.Is(err, amm.ErrSlippage) {
			return Outcome{}, ErrSlippageExceeded
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrSwapFailed, err)
	}
	st.Minted = new(big.Int).Add(st.Minted, mintAmount)
	st.QuoteEarned = new(big.Int).Add(st.QuoteEarned, received)
	return Outcome{
		Action:       ActionMintSale,
		MintedAmount: mintAmount,
		QuoteIn:      received,
		SpotBefore:   spotBefore,
		SpotAfter:    c.currentSpot(st.Params.QuoteUSD),
		OraclePrice:  new(big.Rat).Set(oraclePrice),
	}, nil
}

// buybackAndBurn pulls a below-band pool back toward the oracle price using
// reserve quote only, then burns everything it bought.
func (c *Controller) buybackAndBurn(st *State, oraclePrice, spotBefore *big.Rat, credit, quote *big.Int, pair amm.Pair) (Outcome, error) {
	reserve, err := c.ledger.Balance(c.account, pair.QuoteSymbol)
	if err != nil {
		return Outcome{}, err
	}
	if reserve.Sign() == 0 {
		return Outcome{}, ErrInsufficientQuote
	}
	target := bandMidpoint(oraclePrice, -int64(st.Params.BandBps))
	spend := targetQuoteReserve(credit, quote, pair, st.Params.QuoteUSD, target)
	spend.Sub(spend, quote)
	spend = minBig(spend, st.Params.MaxQuoteSpend, reserve)
	if spend.Cmp(st.Params.MinTradeSize) < 0 {
		return Outcome{}, ErrBelowMinimumTradeSize
	}
	minOut := applySlippage(impliedCreditOut(spend, pair, st.Params.QuoteUSD, oraclePrice), st.Params.SlippageBps)
	quoted, err := c.pool.QuoteSwap(amm.BuyCredit, spend)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSwapFailed, err)
	}
	if quoted.Cmp(minOut) < 0 {
		return Outcome{}, ErrSlippageExceeded
	}
	received, err := c.pool.Swap(c.account, amm.BuyCredit, spend, minOut)
	if err != nil {
		if errors.Is(err, amm.ErrSlippage) {
			return Outcome{}, ErrSlippageExceeded
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrSwapFailed, err)
	}
	if err := c.ledger.Burn(c.account, pair.CreditSymbol, received); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrBurnFailed, err)
	}
	st.Burned = new(big.Int).Add(st.Burned, received)
	st.QuoteSpent = new(big.Int).Add(st.QuoteSpent, spend)
	return Outcome{
		Action:       ActionBuyback,
		BurnedAmount: received,
		QuoteOut:     spend,
		SpotBefore:   spotBefore,
		SpotAfter:    c.currentSpot(st.Params.QuoteUSD),
		OraclePrice:  new(big.Rat).Set(oraclePrice),
	}, nil
}

// currentSpot re-reads the pool for post-trade reporting. Best effort: nil
// when the pool cannot be priced.
func (c *Controller) currentSpot(quoteUSD *big.Rat) *big.Rat {
	spot, err := c.pool.SpotPrice()
	if err != nil {
		return nil
	}
	return new(big.Rat).Mul(spot, quoteUSD)
}

// forwardPending retries the newest rejected price after an executed action.
// A stale-nonce rejection means the gateway has moved past it.
func (c *Controller) forwardPending(st *State) {
	if st.Pending == nil {
		return
	}
	err := c.gateway.SetPrice(c.account, st.Pending.Rate, st.Pending.Nonce)
	switch {
	case err == nil:
		st.LastForwardedNonce = st.Pending.Nonce
		st.Pending = nil
	case errors.Is(err, oracle.ErrStaleNonce):
		st.Pending = nil
	}
}

// FundReserve moves quote tokens from the funder into the controller
// account. Deposits are permissionless.
func (c *Controller) FundReserve(from crypto.Address, amount *big.Int) error {
	if _, err := c.loadState(); err != nil {
		return err
	}
	if from.IsZero() {
		return fmt.Errorf("peg: funder address required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("peg: amount must be positive")
	}
	if err := c.ledger.Transfer(from, c.account, c.pool.Pair().QuoteSymbol, amount); err != nil {
		return err
	}
	c.emit(events.PegReserveFunded{From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

// WithdrawReserve moves quote tokens out of the controller account. Owner
// only; the ledger rejects withdrawals beyond the reserve balance.
func (c *Controller) WithdrawReserve(caller, to crypto.Address, amount *big.Int) error {
	if _, err := c.loadState(); err != nil {
		return err
	}
	if err := c.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("peg: recipient address required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("peg: amount must be positive")
	}
	if err := c.ledger.Transfer(c.account, to, c.pool.Pair().QuoteSymbol, amount); err != nil {
		return err
	}
	c.emit(events.PegReserveWithdrawn{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// SetFeeder rebinds the feeder principal. The previous feeder loses
// authority immediately.
func (c *Controller) SetFeeder(caller, feeder crypto.Address) error {
	if _, err := c.loadState(); err != nil {
		return err
	}
	if err := c.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if feeder.IsZero() {
		return fmt.Errorf("peg: feeder address required")
	}
	return c.store.SetRole(RoleFeeder, feeder)
}

// ReconfigurePeg replaces the trading parameters.
func (c *Controller) ReconfigurePeg(caller crypto.Address, params Params) error {
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if err := c.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	normalized := params.Normalise()
	if err := normalized.Validate(); err != nil {
		return err
	}
	st.Params = normalized
	if err := c.saveState(st); err != nil {
		return err
	}
	c.emit(events.PegParamsUpdated{
		BandBps:     normalized.BandBps,
		SlippageBps: normalized.SlippageBps,
		Cooldown:    normalized.CooldownSeconds,
	})
	return nil
}

// Pause halts submissions and evaluations until the owner unpauses.
func (c *Controller) Pause(caller crypto.Address, paused bool) error {
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if err := c.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if st.Paused == paused {
		return nil
	}
	st.Paused = paused
	return c.saveState(st)
}

// Upgrade records the code hash the host should migrate to. Persisted
// layouts are append-only, so no state migration accompanies the hash swap.
func (c *Controller) Upgrade(caller crypto.Address, codeHash [32]byte) error {
	st, err := c.loadState()
	if err != nil {
		return err
	}
	if err := c.requireRole(RoleOwner, caller); err != nil {
		return err
	}
	if codeHash == ([32]byte{}) {
		return fmt.Errorf("peg: code hash required")
	}
	st.CodeHash = codeHash
	return c.saveState(st)
}

// Status reports the persisted state, role holders and account balances.
func (c *Controller) Status() (Status, error) {
	st, err := c.loadState()
	if err != nil {
		return Status{}, err
	}
	pair := c.pool.Pair()
	reserve, err := c.ledger.Balance(c.account, pair.QuoteSymbol)
	if err != nil {
		return Status{}, err
	}
	creditBalance, err := c.ledger.Balance(c.account, pair.CreditSymbol)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:          *st.Copy(),
		Owner:          c.roleHolder(RoleOwner),
		Feeder:         c.roleHolder(RoleFeeder),
		ModuleAddress:  c.account,
		ReserveBalance: reserve,
		CreditBalance:  creditBalance,
	}, nil
}

// PoolStatus is the operator snapshot: reserves, prices, drift and reserve
// balance in one read.
func (c *Controller) PoolStatus() (PoolStatus, error) {
	st, err := c.loadState()
	if err != nil {
		return PoolStatus{}, err
	}
	out := PoolStatus{LastAction: st.LastAction}
	credit, quote, err := c.pool.Reserves()
	if err != nil {
		return PoolStatus{}, err
	}
	out.CreditReserve = credit
	out.QuoteReserve = quote
	pair := c.pool.Pair()
	if spot, err := c.pool.SpotPrice(); err == nil {
		out.SpotPrice = new(big.Rat).Mul(spot, st.Params.QuoteUSD)
	}
	if priceQuote, err := c.gateway.CurrentPrice(); err == nil {
		out.OraclePrice = priceQuote.Rate
		out.OracleNonce = priceQuote.Nonce
		out.OracleUpdatedAt = priceQuote.UpdatedAt
		if out.SpotPrice != nil {
			out.DeviationBps = deviationBps(out.SpotPrice, priceQuote.Rate)
		}
	}
	reserve, err := c.ledger.Balance(c.account, pair.QuoteSymbol)
	if err != nil {
		return PoolStatus{}, err
	}
	out.ReserveBalance = reserve
	return out, nil
}
