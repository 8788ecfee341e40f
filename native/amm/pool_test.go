package amm

import (
	"errors"
	"math/big"
	"testing"

	"joulechain/core/state"
	"joulechain/crypto"
	"joulechain/storage"
)

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.MustNewAddress(crypto.JoulePrefix, raw)
}

func newTestPool(t *testing.T, feeBps uint64) (*Pool, *state.Manager, crypto.Address) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	if err := manager.RegisterToken("JOULE", "Joule", 7); err != nil {
		t.Fatalf("register credit token: %v", err)
	}
	if err := manager.RegisterToken("USDC", "USD Coin", 6); err != nil {
		t.Fatalf("register quote token: %v", err)
	}
	trader := testAddr(0x10)
	if err := manager.Mint(trader, "JOULE", big.NewInt(10_000_000_000)); err != nil {
		t.Fatalf("fund credit: %v", err)
	}
	if err := manager.Mint(trader, "USDC", big.NewInt(10_000_000_000)); err != nil {
		t.Fatalf("fund quote: %v", err)
	}
	return NewPool(manager, Pair{FeeBps: feeBps}), manager, trader
}

func seedPool(t *testing.T, pool *Pool, trader crypto.Address, credit, quote int64) {
	t.Helper()
	if err := pool.Seed(trader, big.NewInt(credit), big.NewInt(quote)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func TestSeedAndReserves(t *testing.T) {
	pool, _, trader := newTestPool(t, 0)
	seedPool(t, pool, trader, 1_000_000, 2_000_000)
	credit, quote, err := pool.Reserves()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if credit.Int64() != 1_000_000 || quote.Int64() != 2_000_000 {
		t.Fatalf("unexpected reserves %s/%s", credit, quote)
	}
	if err := pool.Seed(trader, big.NewInt(0), big.NewInt(1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero-side seed must fail, got %v", err)
	}
}

func TestSpotPriceDecimalAdjusted(t *testing.T) {
	pool, _, trader := newTestPool(t, 0)
	// 1000 whole credits (7 decimals) against 1050 whole quote (6 decimals).
	seedPool(t, pool, trader, 1000*10_000_000, 1050*1_000_000)
	spot, err := pool.SpotPrice()
	if err != nil {
		t.Fatalf("spot price: %v", err)
	}
	if spot.Cmp(big.NewRat(21, 20)) != 0 {
		t.Fatalf("expected spot 1.05, got %s", spot.RatString())
	}
}

func TestEmptyPoolRejectsPricingAndSwaps(t *testing.T) {
	pool, _, trader := newTestPool(t, 0)
	if _, err := pool.SpotPrice(); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty from spot, got %v", err)
	}
	if _, err := pool.QuoteSwap(SellCredit, big.NewInt(100)); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty from quote, got %v", err)
	}
	if _, err := pool.Swap(trader, SellCredit, big.NewInt(100), nil); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty from swap, got %v", err)
	}
}

func TestQuoteSwapConstantProduct(t *testing.T) {
	pool, _, trader := newTestPool(t, 0)
	seedPool(t, pool, trader, 1_000_000, 1_000_000)
	out, err := pool.QuoteSwap(SellCredit, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("quote swap: %v", err)
	}
	// floor(1_000_000 * 1_000 / 1_001_000) = 999
	if out.Int64() != 999 {
		t.Fatalf("expected output 999, got %s", out)
	}
	if _, err := pool.QuoteSwap(SellCredit, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := pool.QuoteSwap(Direction(9), big.NewInt(1)); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestQuoteSwapChargesInputFee(t *testing.T) {
	pool, _, trader := newTestPool(t, 25)
	seedPool(t, pool, trader, 1_000_000, 1_000_000)
	out, err := pool.QuoteSwap(SellCredit, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("quote swap: %v", err)
	}
	// floor(1_000_000 * 1_000 * 9975 / (1_000_000*10000 + 1_000*9975)) = 996
	if out.Int64() != 996 {
		t.Fatalf("expected output 996 with 25 bps fee, got %s", out)
	}
}

func TestSwapMovesBalancesBothDirections(t *testing.T) {
	pool, manager, trader := newTestPool(t, 0)
	seedPool(t, pool, trader, 1_000_000, 1_000_000)
	creditBefore, _ := manager.Balance(trader, "JOULE")
	quoteBefore, _ := manager.Balance(trader, "USDC")

	out, err := pool.Swap(trader, SellCredit, big.NewInt(1_000), big.NewInt(999))
	if err != nil {
		t.Fatalf("sell credit: %v", err)
	}
	if out.Int64() != 999 {
		t.Fatalf("expected 999 quote out, got %s", out)
	}
	creditAfter, _ := manager.Balance(trader, "JOULE")
	quoteAfter, _ := manager.Balance(trader, "USDC")
	if new(big.Int).Sub(creditBefore, creditAfter).Int64() != 1_000 {
		t.Fatalf("trader credit must drop by the input amount")
	}
	if new(big.Int).Sub(quoteAfter, quoteBefore).Int64() != 999 {
		t.Fatalf("trader quote must rise by the output amount")
	}

	credit, quote, err := pool.Reserves()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if credit.Int64() != 1_001_000 || quote.Int64() != 999_001 {
		t.Fatalf("unexpected reserves after sell %s/%s", credit, quote)
	}

	// The product never decreases across a swap.
	before := big.NewInt(1_000_000 * 1_000_000)
	after := new(big.Int).Mul(credit, quote)
	if after.Cmp(before) < 0 {
		t.Fatalf("constant product decreased: %s < %s", after, before)
	}

	if _, err := pool.Swap(trader, BuyCredit, big.NewInt(999), big.NewInt(1)); err != nil {
		t.Fatalf("buy credit: %v", err)
	}
}

func TestSwapSlippageLeavesBalancesUntouched(t *testing.T) {
	pool, manager, trader := newTestPool(t, 0)
	seedPool(t, pool, trader, 1_000_000, 1_000_000)
	creditBefore, _ := manager.Balance(trader, "JOULE")

	_, err := pool.Swap(trader, SellCredit, big.NewInt(1_000), big.NewInt(1_000))
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}
	creditAfter, _ := manager.Balance(trader, "JOULE")
	if creditBefore.Cmp(creditAfter) != 0 {
		t.Fatalf("rejected swap must not move funds")
	}
}

func TestPairNormaliseDefaults(t *testing.T) {
	pair := Pair{}.Normalise()
	if pair.CreditSymbol != "JOULE" || pair.QuoteSymbol != "USDC" {
		t.Fatalf("unexpected default symbols %s/%s", pair.CreditSymbol, pair.QuoteSymbol)
	}
	if pair.CreditDecimals != 7 || pair.QuoteDecimals != 6 {
		t.Fatalf("unexpected default decimals %d/%d", pair.CreditDecimals, pair.QuoteDecimals)
	}
	capped := Pair{FeeBps: 5_000}.Normalise()
	if capped.FeeBps != 1_000 {
		t.Fatalf("fee must clamp to 1000 bps, got %d", capped.FeeBps)
	}
}

func TestPoolAccountsDifferPerPair(t *testing.T) {
	a := NewPool(nil, Pair{})
	b := NewPool(nil, Pair{QuoteSymbol: "DAI"})
	if a.Account().Equal(b.Account()) {
		t.Fatalf("distinct pairs must not share a pool account")
	}
}
