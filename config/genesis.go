package config

import (
	"fmt"
	"math/big"
	"strings"

	"joulechain/crypto"
)

// TokenGenesis registers a token at first boot.
type TokenGenesis struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// BalanceGenesis credits an address with an initial token balance. Amounts are
// base-10 integers in the token's native units.
type BalanceGenesis struct {
	Address string
	Symbol  string
	Amount  string
}

// OracleGenesis seeds the price gateway. Prices are decimal strings in USD per
// credit; amounts are native credit units.
type OracleGenesis struct {
	PriceFloor   string
	PriceCeiling string
	MaxSwingBps  uint64
	MintCap      string
	InitialPrice string
}

// PegGenesis seeds the controller parameters. Amount fields are base-10
// integers in native units of the asset each limit applies to.
type PegGenesis struct {
	BandBps             uint64
	SlippageBps         uint64
	CooldownSeconds     uint64
	MaxPriceAgeSeconds  uint64
	MinTradeSize        string
	MaxMintPerRebalance string
	MaxQuoteSpend       string
	MinPoolReserve      string
	QuoteUSD            string
}

// PoolGenesis seeds the constant-product market. Seed amounts are minted to
// the owner and deposited on first boot; zero on both sides skips seeding.
type PoolGenesis struct {
	FeeBps     uint64
	SeedCredit string
	SeedQuote  string
}

// Genesis bundles everything applied to an empty chain store on first boot.
type Genesis struct {
	Owner        string
	Tokens       []TokenGenesis
	Balances     []BalanceGenesis
	Oracle       OracleGenesis
	Peg          PegGenesis
	Pool         PoolGenesis
	ReserveQuote string
}

// DefaultGenesis returns a single-operator development genesis where the
// supplied owner address controls the gateway, the controller, and the
// initial liquidity.
func DefaultGenesis(owner string) Genesis {
	return Genesis{
		Owner: owner,
		Tokens: []TokenGenesis{
			{Symbol: "JOULE", Name: "Joule Compute Credit", Decimals: 7},
			{Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		},
		Oracle: OracleGenesis{
			PriceFloor:   "0.10",
			PriceCeiling: "100.0",
			MaxSwingBps:  2000,
			MintCap:      "1000000000000",
			InitialPrice: "1.00",
		},
		Peg: PegGenesis{
			BandBps:             500,
			SlippageBps:         2000,
			CooldownSeconds:     60,
			MaxPriceAgeSeconds:  900,
			MinTradeSize:        "100000000",
			MaxMintPerRebalance: "100000000000",
			MaxQuoteSpend:       "10000000000",
			MinPoolReserve:      "10000000",
			QuoteUSD:            "1.00",
		},
		Pool: PoolGenesis{
			FeeBps:     0,
			SeedCredit: "10000000000",
			SeedQuote:  "1000000000",
		},
		ReserveQuote: "500000000",
	}
}

// ParseAmount parses a base-10 non-negative integer amount. Empty strings
// resolve to zero so optional genesis fields can be omitted.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}

// ParseRat parses a positive decimal string into an exact rational.
func ParseRat(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("value %q must be positive", value)
	}
	return rat, nil
}

// ValidateGenesis rejects configurations the engines would refuse at
// initialisation time, so operators see the problem before any state is
// written.
func ValidateGenesis(g Genesis) error {
	if strings.TrimSpace(g.Owner) == "" {
		return fmt.Errorf("genesis: owner address required")
	}
	if _, err := crypto.DecodeAddress(g.Owner); err != nil {
		return fmt.Errorf("genesis: owner: %w", err)
	}
	if len(g.Tokens) == 0 {
		return fmt.Errorf("genesis: at least one token required")
	}
	seen := make(map[string]struct{}, len(g.Tokens))
	for _, token := range g.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return fmt.Errorf("genesis: token symbol required")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("genesis: duplicate token %s", symbol)
		}
		seen[symbol] = struct{}{}
		if token.Decimals > 18 {
			return fmt.Errorf("genesis: token %s decimals exceed 18", symbol)
		}
	}
	for _, balance := range g.Balances {
		if _, err := crypto.DecodeAddress(balance.Address); err != nil {
			return fmt.Errorf("genesis: balance address: %w", err)
		}
		if _, err := ParseAmount(balance.Amount); err != nil {
			return fmt.Errorf("genesis: balance for %s: %w", balance.Address, err)
		}
	}

	floor, err := ParseRat(g.Oracle.PriceFloor)
	if err != nil {
		return fmt.Errorf("genesis: oracle price floor: %w", err)
	}
	ceiling, err := ParseRat(g.Oracle.PriceCeiling)
	if err != nil {
		return fmt.Errorf("genesis: oracle price ceiling: %w", err)
	}
	if floor.Cmp(ceiling) >= 0 {
		return fmt.Errorf("genesis: oracle price floor must be below ceiling")
	}
	initial, err := ParseRat(g.Oracle.InitialPrice)
	if err != nil {
		return fmt.Errorf("genesis: oracle initial price: %w", err)
	}
	if initial.Cmp(floor) < 0 || initial.Cmp(ceiling) > 0 {
		return fmt.Errorf("genesis: oracle initial price outside bounds")
	}
	if g.Oracle.MaxSwingBps == 0 || g.Oracle.MaxSwingBps > 10000 {
		return fmt.Errorf("genesis: oracle max swing must be within (0, 10000]")
	}
	if _, err := ParseAmount(g.Oracle.MintCap); err != nil {
		return fmt.Errorf("genesis: oracle mint cap: %w", err)
	}

	if g.Peg.BandBps == 0 || g.Peg.BandBps >= 10000 {
		return fmt.Errorf("genesis: peg band must be within (0, 10000)")
	}
	if g.Peg.SlippageBps > 10000 {
		return fmt.Errorf("genesis: peg slippage must not exceed 10000")
	}
	for field, value := range map[string]string{
		"min trade size":         g.Peg.MinTradeSize,
		"max mint per rebalance": g.Peg.MaxMintPerRebalance,
		"max quote spend":        g.Peg.MaxQuoteSpend,
		"min pool reserve":       g.Peg.MinPoolReserve,
	} {
		if _, err := ParseAmount(value); err != nil {
			return fmt.Errorf("genesis: peg %s: %w", field, err)
		}
	}
	if strings.TrimSpace(g.Peg.QuoteUSD) != "" {
		if _, err := ParseRat(g.Peg.QuoteUSD); err != nil {
			return fmt.Errorf("genesis: peg quote USD rate: %w", err)
		}
	}

	if g.Pool.FeeBps > 1000 {
		return fmt.Errorf("genesis: pool fee must not exceed 1000 bps")
	}
	seedCredit, err := ParseAmount(g.Pool.SeedCredit)
	if err != nil {
		return fmt.Errorf("genesis: pool seed credit: %w", err)
	}
	seedQuote, err := ParseAmount(g.Pool.SeedQuote)
	if err != nil {
		return fmt.Errorf("genesis: pool seed quote: %w", err)
	}
	if (seedCredit.Sign() == 0) != (seedQuote.Sign() == 0) {
		return fmt.Errorf("genesis: pool seed requires both sides or neither")
	}
	if _, err := ParseAmount(g.ReserveQuote); err != nil {
		return fmt.Errorf("genesis: reserve quote: %w", err)
	}
	return nil
}
