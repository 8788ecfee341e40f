package peg

import (
	"fmt"
	"math/big"
)

const (
	// RoleOwner may reconfigure the controller, rebind the feeder, manage the
	// reserve and pause trading.
	RoleOwner = "peg.owner"
	// RoleFeeder may submit oracle prices for forwarding to the gateway.
	RoleFeeder = "peg.feeder"
)

const (
	defaultBandBps            = 500
	defaultSlippageBps        = 2_000
	defaultCooldownSeconds    = 60
	defaultMaxPriceAgeSeconds = 900
	maxBps                    = 10_000
)

var (
	// 10 whole credits at 7 decimals.
	defaultMinTradeSize = big.NewInt(100_000_000)
	// 10,000 whole credits at 7 decimals.
	defaultMaxMintPerRebalance = big.NewInt(100_000_000_000)
	// 10,000 whole quote tokens at 6 decimals.
	defaultMaxQuoteSpend = big.NewInt(10_000_000_000)
	// 10 whole quote tokens at 6 decimals.
	defaultMinPoolReserve = big.NewInt(10_000_000)
)

// Params bound every corrective action the controller may take. MinTradeSize
// applies in the native units of whichever asset initiates the trade: minted
// credit for a mint-and-sell, spent quote for a buyback.
type Params struct {
	BandBps             uint64
	SlippageBps         uint64
	CooldownSeconds     uint64
	MaxPriceAgeSeconds  uint64
	MinTradeSize        *big.Int
	MaxMintPerRebalance *big.Int
	MaxQuoteSpend       *big.Int
	MinPoolReserve      *big.Int
	// QuoteUSD converts whole quote tokens to USD. 1 for USD stablecoins.
	QuoteUSD *big.Rat
}

// Normalise fills zero values with the controller defaults.
func (p Params) Normalise() Params {
	normalized := p
	if normalized.BandBps == 0 {
		normalized.BandBps = defaultBandBps
	}
	if normalized.SlippageBps == 0 {
		normalized.SlippageBps = defaultSlippageBps
	}
	if normalized.CooldownSeconds == 0 {
		normalized.CooldownSeconds = defaultCooldownSeconds
	}
	if normalized.MaxPriceAgeSeconds == 0 {
		normalized.MaxPriceAgeSeconds = defaultMaxPriceAgeSeconds
	}
	if normalized.MinTradeSize == nil || normalized.MinTradeSize.Sign() == 0 {
		normalized.MinTradeSize = new(big.Int).Set(defaultMinTradeSize)
	}
	if normalized.MaxMintPerRebalance == nil || normalized.MaxMintPerRebalance.Sign() == 0 {
		normalized.MaxMintPerRebalance = new(big.Int).Set(defaultMaxMintPerRebalance)
	}
	if normalized.MaxQuoteSpend == nil || normalized.MaxQuoteSpend.Sign() == 0 {
		normalized.MaxQuoteSpend = new(big.Int).Set(defaultMaxQuoteSpend)
	}
	if normalized.MinPoolReserve == nil {
		normalized.MinPoolReserve = new(big.Int).Set(defaultMinPoolReserve)
	}
	if normalized.QuoteUSD == nil || normalized.QuoteUSD.Sign() == 0 {
		normalized.QuoteUSD = big.NewRat(1, 1)
	}
	return normalized
}

// Validate rejects parameter sets that would disable the band or permit
// unbounded trades.
func (p Params) Validate() error {
	if p.BandBps == 0 || p.BandBps >= maxBps {
		return fmt.Errorf("%w: band must be in (0, %d) bps", ErrInvalidParams, maxBps)
	}
	if p.SlippageBps > maxBps {
		return fmt.Errorf("%w: slippage must not exceed %d bps", ErrInvalidParams, maxBps)
	}
	if p.MinTradeSize == nil || p.MinTradeSize.Sign() <= 0 {
		return fmt.Errorf("%w: minimum trade size must be positive", ErrInvalidParams)
	}
	if p.MaxMintPerRebalance == nil || p.MaxMintPerRebalance.Sign() <= 0 {
		return fmt.Errorf("%w: mint cap must be positive", ErrInvalidParams)
	}
	if p.MaxQuoteSpend == nil || p.MaxQuoteSpend.Sign() <= 0 {
		return fmt.Errorf("%w: quote spend cap must be positive", ErrInvalidParams)
	}
	if p.MinPoolReserve == nil || p.MinPoolReserve.Sign() < 0 {
		return fmt.Errorf("%w: minimum pool reserve must not be negative", ErrInvalidParams)
	}
	if p.QuoteUSD == nil || p.QuoteUSD.Sign() <= 0 {
		return fmt.Errorf("%w: quote USD rate must be positive", ErrInvalidParams)
	}
	return nil
}

func (p Params) clone() Params {
	cloned := p
	if p.MinTradeSize != nil {
		cloned.MinTradeSize = new(big.Int).Set(p.MinTradeSize)
	}
	if p.MaxMintPerRebalance != nil {
		cloned.MaxMintPerRebalance = new(big.Int).Set(p.MaxMintPerRebalance)
	}
	if p.MaxQuoteSpend != nil {
		cloned.MaxQuoteSpend = new(big.Int).Set(p.MaxQuoteSpend)
	}
	if p.MinPoolReserve != nil {
		cloned.MinPoolReserve = new(big.Int).Set(p.MinPoolReserve)
	}
	if p.QuoteUSD != nil {
		cloned.QuoteUSD = new(big.Rat).Set(p.QuoteUSD)
	}
	return cloned
}
