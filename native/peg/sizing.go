package peg

import (
	"math/big"

	"joulechain/native/amm"
)

// Corrective trades target the midpoint between the oracle price and the
// breached band edge rather than the oracle price itself. Together with
// floor rounding throughout, the post-trade spot always lands between the
// midpoint and the pre-trade spot, so a correction can never push the pool
// past the oracle price in the opposite direction.

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// bandEdge returns target = price * (10000 +/- bps) / 10000 exactly.
func bandEdge(price *big.Rat, bps int64) *big.Rat {
	factor := big.NewRat(10_000+bps, 10_000)
	return new(big.Rat).Mul(price, factor)
}

// bandMidpoint returns target = price * (20000 +/- bps) / 20000, the halfway
// point between the oracle price and a band edge.
func bandMidpoint(price *big.Rat, bps int64) *big.Rat {
	factor := big.NewRat(20_000+bps, 20_000)
	return new(big.Rat).Mul(price, factor)
}

// usdSpot is the USD form of the pool's quote-per-credit spot, computed from
// reserves already in hand: quoteUSD * (quote/10^qd) / (credit/10^cd).
// Evaluate uses it to price the pool from a single Reserves read.
func usdSpot(credit, quote *big.Int, pair amm.Pair, quoteUSD *big.Rat) *big.Rat {
	num := new(big.Int).Mul(quote, pow10(pair.CreditDecimals))
	den := new(big.Int).Mul(credit, pow10(pair.QuoteDecimals))
	spot := new(big.Rat).SetFrac(num, den)
	return spot.Mul(spot, quoteUSD)
}

// deviationBps reports (spot/oracle - 1) in basis points, truncated toward
// zero.
func deviationBps(spot, oraclePrice *big.Rat) int64 {
	if spot == nil || oraclePrice == nil || oraclePrice.Sign() == 0 {
		return 0
	}
	dev := new(big.Rat).Sub(spot, oraclePrice)
	dev.Quo(dev, oraclePrice)
	dev.Mul(dev, big.NewRat(10_000, 1))
	return new(big.Int).Quo(dev.Num(), dev.Denom()).Int64()
}

// targetCreditReserve returns the credit reserve J* at which the pool spot
// equals target: J* = floor(sqrt(k * U * f / target)) with k = J*Q and
// f = 10^cd / 10^qd. Above the band J* exceeds J, and the difference is the
// amount to mint and sell.
func targetCreditReserve(credit, quote *big.Int, pair amm.Pair, quoteUSD, target *big.Rat) *big.Int {
	k := new(big.Int).Mul(credit, quote)
	num := new(big.Int).Mul(k, pow10(pair.CreditDecimals))
	num.Mul(num, quoteUSD.Num())
	num.Mul(num, target.Denom())
	den := new(big.Int).Mul(pow10(pair.QuoteDecimals), quoteUSD.Denom())
	den.Mul(den, target.Num())
	num.Div(num, den)
	return num.Sqrt(num)
}

// targetQuoteReserve returns the quote reserve Q* at which the pool spot
// equals target: Q* = floor(sqrt(k * target / (U * f))). Below the band Q*
// exceeds Q, and the difference is the quote to spend buying credit back.
func targetQuoteReserve(credit, quote *big.Int, pair amm.Pair, quoteUSD, target *big.Rat) *big.Int {
	k := new(big.Int).Mul(credit, quote)
	num := new(big.Int).Mul(k, target.Num())
	num.Mul(num, quoteUSD.Denom())
	num.Mul(num, pow10(pair.QuoteDecimals))
	den := new(big.Int).Mul(target.Denom(), quoteUSD.Num())
	den.Mul(den, pow10(pair.CreditDecimals))
	num.Div(num, den)
	return num.Sqrt(num)
}

// impliedQuoteOut values creditIn at the oracle price in native quote units:
// creditIn * T / (U * f), floored.
func impliedQuoteOut(creditIn *big.Int, pair amm.Pair, quoteUSD, oraclePrice *big.Rat) *big.Int {
	num := new(big.Int).Mul(creditIn, oraclePrice.Num())
	num.Mul(num, quoteUSD.Denom())
	num.Mul(num, pow10(pair.QuoteDecimals))
	den := new(big.Int).Mul(oraclePrice.Denom(), quoteUSD.Num())
	den.Mul(den, pow10(pair.CreditDecimals))
	return num.Div(num, den)
}

// impliedCreditOut values quoteIn at the oracle price in native credit units:
// quoteIn * U * f / T, floored.
func impliedCreditOut(quoteIn *big.Int, pair amm.Pair, quoteUSD, oraclePrice *big.Rat) *big.Int {
	num := new(big.Int).Mul(quoteIn, quoteUSD.Num())
	num.Mul(num, oraclePrice.Denom())
	num.Mul(num, pow10(pair.CreditDecimals))
	den := new(big.Int).Mul(quoteUSD.Denom(), oraclePrice.Num())
	den.Mul(den, pow10(pair.QuoteDecimals))
	return num.Div(num, den)
}

// applySlippage scales an expected output down by slippageBps, floored.
func applySlippage(expected *big.Int, slippageBps uint64) *big.Int {
	out := new(big.Int).Mul(expected, new(big.Int).SetUint64(10_000-slippageBps))
	return out.Div(out, big.NewInt(10_000))
}

func minBig(values ...*big.Int) *big.Int {
	var m *big.Int
	for _, v := range values {
		if v == nil {
			continue
		}
		if m == nil || v.Cmp(m) < 0 {
			m = v
		}
	}
	if m == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(m)
}
