package oracle

import "math/big"

// Role names registered in the state manager. Exactly one principal holds
// each role at a time; TransferRole replaces the member outright.
const (
	// RoleOwner may reconfigure bounds, rotate roles, pause and upgrade.
	RoleOwner = "oracle.owner"
	// RoleOracle may submit prices and trigger oracle-authorized mints. The
	// peg controller's module address is the sole holder in production.
	RoleOracle = "oracle.updater"
)

const (
	defaultMaxSwingBps = 2_000
	maxSwingBpsLimit   = 10_000
)

// Config carries the gateway's safety limits. Zero values are replaced by
// Normalise so an unset field can never disable a bound.
type Config struct {
	// Symbol is the ledger token the gateway may mint.
	Symbol string
	// Floor and Ceiling bound every accepted price, inclusive.
	Floor   *big.Rat
	Ceiling *big.Rat
	// MaxSwingBps caps the relative move between consecutive accepted
	// prices, in basis points.
	MaxSwingBps uint64
	// MintCap bounds a single OracleMint call in base units.
	MintCap *big.Int
}

// Normalise returns a copy of the config with defaults applied.
func (c Config) Normalise() Config {
	out := c
	if out.Symbol == "" {
		out.Symbol = "JOULE"
	}
	if out.Floor == nil || out.Floor.Sign() <= 0 {
		out.Floor = big.NewRat(1, 10_000)
	} else {
		out.Floor = new(big.Rat).Set(out.Floor)
	}
	if out.Ceiling == nil || out.Ceiling.Cmp(out.Floor) <= 0 {
		out.Ceiling = big.NewRat(10, 1)
	} else {
		out.Ceiling = new(big.Rat).Set(out.Ceiling)
	}
	if out.MaxSwingBps == 0 || out.MaxSwingBps > maxSwingBpsLimit {
		out.MaxSwingBps = defaultMaxSwingBps
	}
	if out.MintCap == nil || out.MintCap.Sign() <= 0 {
		// 10,000 whole credits at seven decimals.
		out.MintCap = new(big.Int).SetUint64(100_000_000_000)
	} else {
		out.MintCap = new(big.Int).Set(out.MintCap)
	}
	return out
}
