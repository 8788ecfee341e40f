package peg

import (
	"fmt"
	"math/big"
	"time"

	"joulechain/crypto"
)

var stateKey = []byte("peg/state")

// PendingPrice holds the newest submitted price the gateway has not yet
// accepted. It is retried after an executed corrective action.
type PendingPrice struct {
	Rate  *big.Rat
	Nonce uint64
}

// Clone returns a deep copy of the pending entry.
func (p *PendingPrice) Clone() *PendingPrice {
	if p == nil {
		return nil
	}
	out := *p
	if p.Rate != nil {
		out.Rate = new(big.Rat).Set(p.Rate)
	}
	return &out
}

// State is the controller's persisted record.
type State struct {
	Params             Params
	LastAction         time.Time
	LastForwardedNonce uint64
	Pending            *PendingPrice
	Minted             *big.Int
	Burned             *big.Int
	QuoteEarned        *big.Int
	QuoteSpent         *big.Int
	Paused             bool
	CodeHash           [32]byte
}

// Copy returns a deep copy so callers cannot mutate persisted state.
func (s *State) Copy() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = s.Params.clone()
	out.Pending = s.Pending.Clone()
	if s.Minted != nil {
		out.Minted = new(big.Int).Set(s.Minted)
	}
	if s.Burned != nil {
		out.Burned = new(big.Int).Set(s.Burned)
	}
	if s.QuoteEarned != nil {
		out.QuoteEarned = new(big.Int).Set(s.QuoteEarned)
	}
	if s.QuoteSpent != nil {
		out.QuoteSpent = new(big.Int).Set(s.QuoteSpent)
	}
	return &out
}

// Status combines the persisted state with the role holders and the
// controller account balances.
type Status struct {
	State         State
	Owner         crypto.Address
	Feeder        crypto.Address
	ModuleAddress crypto.Address
	// ReserveBalance is the controller account's quote balance. It is the
	// only capital buybacks may spend.
	ReserveBalance *big.Int
	CreditBalance  *big.Int
}

// PoolStatus is a read-only snapshot for operators. Prices are nil when the
// pool is empty or the oracle has no price yet.
type PoolStatus struct {
	CreditReserve   *big.Int
	QuoteReserve    *big.Int
	SpotPrice       *big.Rat
	OraclePrice     *big.Rat
	OracleNonce     uint64
	OracleUpdatedAt time.Time
	DeviationBps    int64
	ReserveBalance  *big.Int
	LastAction      time.Time
}

type storedController struct {
	BandBps             uint64
	SlippageBps         uint64
	CooldownSeconds     uint64
	MaxPriceAgeSeconds  uint64
	MinTradeSize        *big.Int
	MaxMintPerRebalance *big.Int
	MaxQuoteSpend       *big.Int
	MinPoolReserve      *big.Int
	QuoteUSDNum         *big.Int
	QuoteUSDDen         *big.Int
	LastAction          uint64
	LastForwardedNonce  uint64
	HasPending          bool
	PendingNum          *big.Int
	PendingDen          *big.Int
	PendingNonce        uint64
	Minted              *big.Int
	Burned              *big.Int
	QuoteEarned         *big.Int
	QuoteSpent          *big.Int
	Paused              bool
	CodeHash            [32]byte
}

func ratParts(r *big.Rat) (num, den *big.Int) {
	if r == nil {
		return big.NewInt(0), big.NewInt(1)
	}
	return new(big.Int).Set(r.Num()), new(big.Int).Set(r.Denom())
}

func partsRat(num, den *big.Int) (*big.Rat, error) {
	if den == nil || den.Sign() == 0 {
		return nil, fmt.Errorf("peg: corrupt rational (zero denominator)")
	}
	if num == nil {
		num = big.NewInt(0)
	}
	return new(big.Rat).SetFrac(num, den), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (s *State) toStored() storedController {
	stored := storedController{
		BandBps:             s.Params.BandBps,
		SlippageBps:         s.Params.SlippageBps,
		CooldownSeconds:     s.Params.CooldownSeconds,
		MaxPriceAgeSeconds:  s.Params.MaxPriceAgeSeconds,
		MinTradeSize:        orZero(s.Params.MinTradeSize),
		MaxMintPerRebalance: orZero(s.Params.MaxMintPerRebalance),
		MaxQuoteSpend:       orZero(s.Params.MaxQuoteSpend),
		MinPoolReserve:      orZero(s.Params.MinPoolReserve),
		LastForwardedNonce:  s.LastForwardedNonce,
		Minted:              orZero(s.Minted),
		Burned:              orZero(s.Burned),
		QuoteEarned:         orZero(s.QuoteEarned),
		QuoteSpent:          orZero(s.QuoteSpent),
		Paused:              s.Paused,
		CodeHash:            s.CodeHash,
	}
	stored.QuoteUSDNum, stored.QuoteUSDDen = ratParts(s.Params.QuoteUSD)
	if !s.LastAction.IsZero() {
		stored.LastAction = uint64(s.LastAction.UTC().Unix())
	}
	if s.Pending != nil {
		stored.HasPending = true
		stored.PendingNum, stored.PendingDen = ratParts(s.Pending.Rate)
		stored.PendingNonce = s.Pending.Nonce
	} else {
		stored.PendingNum, stored.PendingDen = big.NewInt(0), big.NewInt(1)
	}
	return stored
}

func (stored storedController) toState() (*State, error) {
	quoteUSD, err := partsRat(stored.QuoteUSDNum, stored.QuoteUSDDen)
	if err != nil {
		return nil, err
	}
	st := &State{
		Params: Params{
			BandBps:             stored.BandBps,
			SlippageBps:         stored.SlippageBps,
			CooldownSeconds:     stored.CooldownSeconds,
			MaxPriceAgeSeconds:  stored.MaxPriceAgeSeconds,
			MinTradeSize:        orZero(stored.MinTradeSize),
			MaxMintPerRebalance: orZero(stored.MaxMintPerRebalance),
			MaxQuoteSpend:       orZero(stored.MaxQuoteSpend),
			MinPoolReserve:      orZero(stored.MinPoolReserve),
			QuoteUSD:            quoteUSD,
		},
		LastForwardedNonce: stored.LastForwardedNonce,
		Minted:             orZero(stored.Minted),
		Burned:             orZero(stored.Burned),
		QuoteEarned:        orZero(stored.QuoteEarned),
		QuoteSpent:         orZero(stored.QuoteSpent),
		Paused:             stored.Paused,
		CodeHash:           stored.CodeHash,
	}
	if stored.LastAction > 0 {
		st.LastAction = time.Unix(int64(stored.LastAction), 0).UTC()
	}
	if stored.HasPending {
		rate, err := partsRat(stored.PendingNum, stored.PendingDen)
		if err != nil {
			return nil, err
		}
		st.Pending = &PendingPrice{Rate: rate, Nonce: stored.PendingNonce}
	}
	return st, nil
}
