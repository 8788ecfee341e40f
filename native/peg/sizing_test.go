package peg

import (
	"math/big"
	"testing"

	"joulechain/native/amm"
)

func defaultPair() amm.Pair {
	return amm.Pair{}.Normalise()
}

func one() *big.Rat { return big.NewRat(1, 1) }

func TestBandEdgesAndMidpoints(t *testing.T) {
	price := one()
	if got := bandEdge(price, 500); got.Cmp(big.NewRat(21, 20)) != 0 {
		t.Fatalf("upper edge: got %s", got.RatString())
	}
	if got := bandEdge(price, -500); got.Cmp(big.NewRat(19, 20)) != 0 {
		t.Fatalf("lower edge: got %s", got.RatString())
	}
	if got := bandMidpoint(price, 500); got.Cmp(big.NewRat(41, 40)) != 0 {
		t.Fatalf("upper midpoint: got %s", got.RatString())
	}
	if got := bandMidpoint(price, -500); got.Cmp(big.NewRat(39, 40)) != 0 {
		t.Fatalf("lower midpoint: got %s", got.RatString())
	}
}

func TestUsdSpotAdjustsDecimals(t *testing.T) {
	// 1000 whole credits vs 1050 whole quote tokens.
	spot := usdSpot(big.NewInt(10_000_000_000), big.NewInt(1_050_000_000), defaultPair(), one())
	if spot.Cmp(big.NewRat(21, 20)) != 0 {
		t.Fatalf("expected spot 1.05, got %s", spot.RatString())
	}
	// A quote token worth 2 USD doubles the USD spot.
	spot = usdSpot(big.NewInt(10_000_000_000), big.NewInt(1_050_000_000), defaultPair(), big.NewRat(2, 1))
	if spot.Cmp(big.NewRat(21, 10)) != 0 {
		t.Fatalf("expected spot 2.10, got %s", spot.RatString())
	}
}

func TestDeviationBps(t *testing.T) {
	cases := []struct {
		spot   *big.Rat
		oracle *big.Rat
		want   int64
	}{
		{big.NewRat(106, 100), one(), 600},
		{big.NewRat(103, 100), one(), 300},
		{big.NewRat(90, 100), one(), -1000},
		{one(), one(), 0},
		{big.NewRat(10_001, 10_000), one(), 1},
	}
	for _, tc := range cases {
		if got := deviationBps(tc.spot, tc.oracle); got != tc.want {
			t.Fatalf("deviation of %s vs %s: got %d want %d", tc.spot.RatString(), tc.oracle.RatString(), got, tc.want)
		}
	}
}

// 4 credits against 9 quote tokens prices credit at 2.25. Correcting down to
// exactly 1.00 requires the credit reserve to reach sqrt(k*f) = 6e7, an
// exact integer for this fixture.
func TestTargetCreditReserve(t *testing.T) {
	credit := big.NewInt(40_000_000)
	quote := big.NewInt(9_000_000)
	got := targetCreditReserve(credit, quote, defaultPair(), one(), one())
	if got.Cmp(big.NewInt(60_000_000)) != 0 {
		t.Fatalf("expected target credit reserve 6e7, got %s", got)
	}
}

// The mirror case: 9 credits against 4 quote tokens prices credit at 0.44.
// Correcting up to 1.00 requires the quote reserve to reach 6e6.
func TestTargetQuoteReserve(t *testing.T) {
	credit := big.NewInt(90_000_000)
	quote := big.NewInt(4_000_000)
	got := targetQuoteReserve(credit, quote, defaultPair(), one(), one())
	if got.Cmp(big.NewInt(6_000_000)) != 0 {
		t.Fatalf("expected target quote reserve 6e6, got %s", got)
	}
}

func TestImpliedOutputsAtOraclePrice(t *testing.T) {
	pair := defaultPair()
	// 2 credits at price 1.00 are worth 2 quote tokens.
	out := impliedQuoteOut(big.NewInt(20_000_000), pair, one(), one())
	if out.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("expected 2e6 quote, got %s", out)
	}
	// 2 quote tokens at price 1.00 buy 2 credits.
	out = impliedCreditOut(big.NewInt(2_000_000), pair, one(), one())
	if out.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("expected 2e7 credit, got %s", out)
	}
	// At price 2.00 a credit buys twice the quote.
	out = impliedQuoteOut(big.NewInt(20_000_000), pair, one(), big.NewRat(2, 1))
	if out.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("expected 4e6 quote at price 2, got %s", out)
	}
}

func TestApplySlippage(t *testing.T) {
	if got := applySlippage(big.NewInt(1_000), 2_000); got.Int64() != 800 {
		t.Fatalf("expected 800, got %d", got.Int64())
	}
	if got := applySlippage(big.NewInt(1_000), 0); got.Int64() != 1_000 {
		t.Fatalf("expected 1000, got %d", got.Int64())
	}
	// Floor rounding.
	if got := applySlippage(big.NewInt(999), 2_000); got.Int64() != 799 {
		t.Fatalf("expected 799, got %d", got.Int64())
	}
}

func TestMinBig(t *testing.T) {
	got := minBig(big.NewInt(5), nil, big.NewInt(3), big.NewInt(9))
	if got.Int64() != 3 {
		t.Fatalf("expected 3, got %d", got.Int64())
	}
	if minBig().Sign() != 0 {
		t.Fatalf("empty min must be zero")
	}
}
