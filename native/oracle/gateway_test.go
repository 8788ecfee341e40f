package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"joulechain/core/events"
	"joulechain/core/state"
	"joulechain/crypto"
	"joulechain/native/common"
	"joulechain/storage"
)

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.MustNewAddress(crypto.JoulePrefix, raw)
}

type fixture struct {
	gateway *Gateway
	manager *state.Manager
	events  *events.Recorder
	owner   crypto.Address
	oracle  crypto.Address
	holder  crypto.Address
	now     time.Time
}

func newFixture(t *testing.T, cfg Config, initial *big.Rat) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	if err := manager.RegisterToken("JOULE", "Joule", 7); err != nil {
		t.Fatalf("register token: %v", err)
	}
	fx := &fixture{
		gateway: NewGateway(manager, manager),
		manager: manager,
		events:  events.NewRecorder(),
		owner:   testAddr(0x01),
		oracle:  testAddr(0x02),
		holder:  testAddr(0x03),
		now:     time.Unix(1_750_000_000, 0).UTC(),
	}
	fx.gateway.SetEmitter(fx.events)
	fx.gateway.SetClock(func() time.Time { return fx.now })
	if err := fx.gateway.Initialize(fx.owner, fx.oracle, cfg, initial); err != nil {
		t.Fatalf("initialize gateway: %v", err)
	}
	return fx
}

func ratEqual(a, b *big.Rat) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func TestInitializeOnce(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	err := fx.gateway.Initialize(fx.owner, fx.oracle, Config{}, nil)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeRejectsInitialPriceOutsideBounds(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	gateway := NewGateway(manager, manager)
	cfg := Config{Floor: big.NewRat(1, 2), Ceiling: big.NewRat(2, 1)}
	err := gateway.Initialize(testAddr(0x01), testAddr(0x02), cfg, big.NewRat(3, 1))
	if !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("expected ErrPriceOutOfBounds, got %v", err)
	}
	if _, loadErr := gateway.Status(); !errors.Is(loadErr, ErrNotInitialized) {
		t.Fatalf("rejected init must leave gateway uninitialised, got %v", loadErr)
	}
}

func TestSetPricePersistsQuote(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	price := big.NewRat(101, 100)
	if err := fx.gateway.SetPrice(fx.oracle, price, 7); err != nil {
		t.Fatalf("set price: %v", err)
	}
	quote, err := fx.gateway.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if !ratEqual(quote.Rate, price) {
		t.Fatalf("expected price %s, got %s", price.RatString(), quote.Rate.RatString())
	}
	if quote.Nonce != 7 {
		t.Fatalf("expected nonce 7, got %d", quote.Nonce)
	}
	if !quote.UpdatedAt.Equal(fx.now) {
		t.Fatalf("expected update time %s, got %s", fx.now, quote.UpdatedAt)
	}
	recorded := fx.events.Events()
	if len(recorded) != 1 || recorded[0].Type != events.TypeOraclePriceUpdated {
		t.Fatalf("expected a single price update event, got %+v", recorded)
	}
}

func TestSetPriceFirstUpdateSkipsSwingCheck(t *testing.T) {
	fx := newFixture(t, Config{MaxSwingBps: 100}, nil)
	// No previous price: any in-bounds value is acceptable regardless of swing.
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(5, 1), 1); err != nil {
		t.Fatalf("first update should bypass swing check: %v", err)
	}
}

func TestSetPriceSwingLimit(t *testing.T) {
	cfg := Config{MaxSwingBps: 2_500}
	fx := newFixture(t, cfg, big.NewRat(1, 1))

	// 1.00 -> 1.26 is a 26% move against a 25% limit.
	err := fx.gateway.SetPrice(fx.oracle, big.NewRat(126, 100), 1)
	if !errors.Is(err, ErrCircuitBreakerTripped) {
		t.Fatalf("expected ErrCircuitBreakerTripped, got %v", err)
	}
	quote, err := fx.gateway.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if !ratEqual(quote.Rate, big.NewRat(1, 1)) || quote.Nonce != 0 {
		t.Fatalf("tripped update must not persist, got %s nonce %d", quote.Rate.RatString(), quote.Nonce)
	}
	tripped := false
	for _, evt := range fx.events.Events() {
		if evt.Type == events.TypeOracleBreakerTripped {
			tripped = true
		}
	}
	if !tripped {
		t.Fatalf("expected a breaker trip event")
	}

	// A move landing exactly on the limit is accepted.
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(125, 100), 1); err != nil {
		t.Fatalf("move at exactly the swing limit must pass: %v", err)
	}
}

func TestSetPriceNonceMustIncrease(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 5); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 5); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("replayed nonce must fail, got %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 4); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("older nonce must fail, got %v", err)
	}
}

func TestSetPriceBoundsInclusive(t *testing.T) {
	cfg := Config{Floor: big.NewRat(1, 2), Ceiling: big.NewRat(2, 1), MaxSwingBps: 10_000}
	fx := newFixture(t, cfg, nil)
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 4), 1); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("price below floor must fail, got %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(3, 1), 1); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("price above ceiling must fail, got %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 2), 1); err != nil {
		t.Fatalf("price at floor must pass: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(2, 1), 2); err != nil {
		t.Fatalf("price at ceiling must pass: %v", err)
	}
}

func TestSetPriceRejectsUnauthorizedCaller(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	if err := fx.gateway.SetPrice(fx.holder, big.NewRat(1, 1), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := fx.gateway.SetPrice(fx.owner, big.NewRat(1, 1), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("owner is not the oracle principal, got %v", err)
	}
}

func TestOwnerSetPriceBypassesPauseAndSwing(t *testing.T) {
	fx := newFixture(t, Config{MaxSwingBps: 100}, big.NewRat(1, 1))
	if err := fx.gateway.Pause(fx.owner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 1); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("oracle updates must halt while paused, got %v", err)
	}
	// Emergency override: huge move, while paused.
	if err := fx.gateway.OwnerSetPrice(fx.owner, big.NewRat(5, 1), 1); err != nil {
		t.Fatalf("owner override: %v", err)
	}
	if err := fx.gateway.OwnerSetPrice(fx.oracle, big.NewRat(5, 1), 2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("oracle principal must not use the owner override, got %v", err)
	}
	// Nonce and bounds still bind the override.
	if err := fx.gateway.OwnerSetPrice(fx.owner, big.NewRat(5, 1), 1); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce, got %v", err)
	}
	if err := fx.gateway.OwnerSetPrice(fx.owner, big.NewRat(100, 1), 2); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("expected ErrPriceOutOfBounds, got %v", err)
	}
}

func TestOracleMintRespectsCap(t *testing.T) {
	cfg := Config{MintCap: big.NewInt(1_000)}
	fx := newFixture(t, cfg, nil)

	if err := fx.gateway.OracleMint(fx.oracle, fx.holder, big.NewInt(400)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balance, err := fx.manager.Balance(fx.holder, "JOULE")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected holder balance 400, got %s", balance)
	}
	status, err := fx.gateway.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Minted.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected minted counter 400, got %s", status.Minted)
	}

	if err := fx.gateway.OracleMint(fx.oracle, fx.holder, big.NewInt(1_001)); !errors.Is(err, ErrMintCapExceeded) {
		t.Fatalf("expected ErrMintCapExceeded, got %v", err)
	}
	if err := fx.gateway.OracleMint(fx.oracle, fx.holder, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := fx.gateway.OracleMint(fx.holder, fx.holder, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestOracleMintFailureWrapsLedgerError(t *testing.T) {
	// UNKNOWN is never registered, so the ledger rejects the mint.
	fx := newFixture(t, Config{Symbol: "UNKNOWN"}, nil)
	err := fx.gateway.OracleMint(fx.oracle, fx.holder, big.NewInt(1))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
}

func TestReconfigureBoundsAppliesToNextUpdate(t *testing.T) {
	cfg := Config{Floor: big.NewRat(1, 2), Ceiling: big.NewRat(2, 1), MaxSwingBps: 10_000}
	fx := newFixture(t, cfg, nil)
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(3, 2), 1); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(3, 1), 2); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("expected rejection above old ceiling, got %v", err)
	}
	if err := fx.gateway.ReconfigureBounds(fx.owner, big.NewRat(1, 2), big.NewRat(4, 1), 10_000); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(3, 1), 2); err != nil {
		t.Fatalf("widened bounds must admit the retry: %v", err)
	}

	if err := fx.gateway.ReconfigureBounds(fx.oracle, big.NewRat(1, 2), big.NewRat(4, 1), 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the owner reconfigures bounds, got %v", err)
	}
	if err := fx.gateway.ReconfigureBounds(fx.owner, big.NewRat(4, 1), big.NewRat(1, 2), 100); !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("inverted bounds must fail, got %v", err)
	}
	if err := fx.gateway.ReconfigureBounds(fx.owner, big.NewRat(1, 2), big.NewRat(4, 1), 10_001); !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("swing above 10000 bps must fail, got %v", err)
	}
}

func TestTransferRoleRevokesPreviousHolder(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	next := testAddr(0x04)
	if err := fx.gateway.TransferRole(fx.owner, RoleOracle, next); err != nil {
		t.Fatalf("transfer role: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("previous oracle must lose authority, got %v", err)
	}
	if err := fx.gateway.SetPrice(next, big.NewRat(1, 1), 1); err != nil {
		t.Fatalf("new oracle must gain authority: %v", err)
	}
	if err := fx.gateway.TransferRole(fx.owner, "oracle.keeper", next); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if err := fx.gateway.TransferRole(fx.oracle, RoleOwner, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the owner transfers roles, got %v", err)
	}
}

func TestPauseHaltsMutations(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	if err := fx.gateway.Pause(fx.oracle, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the owner pauses, got %v", err)
	}
	if err := fx.gateway.Pause(fx.owner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := fx.gateway.OracleMint(fx.oracle, fx.holder, big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("minting must halt while paused, got %v", err)
	}
	if err := fx.gateway.Pause(fx.owner, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := fx.gateway.SetPrice(fx.oracle, big.NewRat(1, 1), 1); err != nil {
		t.Fatalf("updates must resume after unpause: %v", err)
	}
}

func TestCurrentPriceBeforeFirstUpdate(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	if _, err := fx.gateway.CurrentPrice(); !errors.Is(err, ErrPriceNotSet) {
		t.Fatalf("expected ErrPriceNotSet, got %v", err)
	}
}

func TestStatusReportsRoleHolders(t *testing.T) {
	fx := newFixture(t, Config{}, big.NewRat(1, 1))
	status, err := fx.gateway.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Owner.Equal(fx.owner) {
		t.Fatalf("expected owner %s, got %s", fx.owner, status.Owner)
	}
	if !status.Oracle.Equal(fx.oracle) {
		t.Fatalf("expected oracle %s, got %s", fx.oracle, status.Oracle)
	}
	if status.Symbol != "JOULE" {
		t.Fatalf("expected default symbol JOULE, got %s", status.Symbol)
	}
	if !ratEqual(status.Price, big.NewRat(1, 1)) {
		t.Fatalf("expected initial price 1, got %s", status.Price.RatString())
	}
}

func TestUpgradeRecordsCodeHash(t *testing.T) {
	fx := newFixture(t, Config{}, nil)
	var hash [32]byte
	hash[0] = 0xAB
	if err := fx.gateway.Upgrade(fx.oracle, hash); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the owner upgrades, got %v", err)
	}
	if err := fx.gateway.Upgrade(fx.owner, [32]byte{}); err == nil {
		t.Fatalf("zero code hash must fail")
	}
	if err := fx.gateway.Upgrade(fx.owner, hash); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	status, err := fx.gateway.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CodeHash != hash {
		t.Fatalf("expected code hash to persist")
	}
}
