package oracle

import (
	"fmt"
	"math/big"
	"time"

	"joulechain/crypto"
)

var stateKey = []byte("oracle/state")

// PriceQuote is the gateway's authoritative price snapshot.
type PriceQuote struct {
	Rate      *big.Rat
	Nonce     uint64
	UpdatedAt time.Time
}

// Clone returns a deep copy of the quote.
func (q PriceQuote) Clone() PriceQuote {
	out := q
	if q.Rate != nil {
		out.Rate = new(big.Rat).Set(q.Rate)
	}
	return out
}

// State is the gateway's persisted record. Price is nil until the first
// accepted update.
type State struct {
	Symbol      string
	Price       *big.Rat
	Nonce       uint64
	UpdatedAt   time.Time
	Floor       *big.Rat
	Ceiling     *big.Rat
	MaxSwingBps uint64
	MintCap     *big.Int
	Paused      bool
	Minted      *big.Int
	CodeHash    [32]byte
}

// Copy returns a deep copy so callers cannot mutate persisted state.
func (s *State) Copy() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Price != nil {
		out.Price = new(big.Rat).Set(s.Price)
	}
	if s.Floor != nil {
		out.Floor = new(big.Rat).Set(s.Floor)
	}
	if s.Ceiling != nil {
		out.Ceiling = new(big.Rat).Set(s.Ceiling)
	}
	if s.MintCap != nil {
		out.MintCap = new(big.Int).Set(s.MintCap)
	}
	if s.Minted != nil {
		out.Minted = new(big.Int).Set(s.Minted)
	}
	return &out
}

// Status combines the persisted state with the current role holders.
type Status struct {
	State
	Owner crypto.Address
	// Oracle is the sole principal allowed to update prices and mint.
	Oracle crypto.Address
}

type storedState struct {
	Symbol      string
	HasPrice    bool
	PriceNum    *big.Int
	PriceDen    *big.Int
	Nonce       uint64
	UpdatedAt   uint64
	FloorNum    *big.Int
	FloorDen    *big.Int
	CeilingNum  *big.Int
	CeilingDen  *big.Int
	MaxSwingBps uint64
	MintCap     *big.Int
	Paused      bool
	Minted      *big.Int
	CodeHash    [32]byte
}

func ratParts(r *big.Rat) (num, den *big.Int) {
	if r == nil {
		return big.NewInt(0), big.NewInt(1)
	}
	return new(big.Int).Set(r.Num()), new(big.Int).Set(r.Denom())
}

func partsRat(num, den *big.Int) (*big.Rat, error) {
	if den == nil || den.Sign() == 0 {
		return nil, fmt.Errorf("oracle: corrupt rational (zero denominator)")
	}
	if num == nil {
		num = big.NewInt(0)
	}
	return new(big.Rat).SetFrac(num, den), nil
}

func (s *State) toStored() storedState {
	stored := storedState{
		Symbol:      s.Symbol,
		Nonce:       s.Nonce,
		MaxSwingBps: s.MaxSwingBps,
		Paused:      s.Paused,
		CodeHash:    s.CodeHash,
	}
	if !s.UpdatedAt.IsZero() {
		stored.UpdatedAt = uint64(s.UpdatedAt.UTC().Unix())
	}
	if s.Price != nil {
		stored.HasPrice = true
		stored.PriceNum, stored.PriceDen = ratParts(s.Price)
	} else {
		stored.PriceNum, stored.PriceDen = big.NewInt(0), big.NewInt(1)
	}
	stored.FloorNum, stored.FloorDen = ratParts(s.Floor)
	stored.CeilingNum, stored.CeilingDen = ratParts(s.Ceiling)
	if s.MintCap != nil {
		stored.MintCap = new(big.Int).Set(s.MintCap)
	} else {
		stored.MintCap = big.NewInt(0)
	}
	if s.Minted != nil {
		stored.Minted = new(big.Int).Set(s.Minted)
	} else {
		stored.Minted = big.NewInt(0)
	}
	return stored
}

func (stored storedState) toState() (*State, error) {
	st := &State{
		Symbol:      stored.Symbol,
		Nonce:       stored.Nonce,
		MaxSwingBps: stored.MaxSwingBps,
		Paused:      stored.Paused,
		CodeHash:    stored.CodeHash,
	}
	if stored.UpdatedAt > 0 {
		st.UpdatedAt = time.Unix(int64(stored.UpdatedAt), 0).UTC()
	}
	if stored.HasPrice {
		price, err := partsRat(stored.PriceNum, stored.PriceDen)
		if err != nil {
			return nil, err
		}
		st.Price = price
	}
	floor, err := partsRat(stored.FloorNum, stored.FloorDen)
	if err != nil {
		return nil, err
	}
	ceiling, err := partsRat(stored.CeilingNum, stored.CeilingDen)
	if err != nil {
		return nil, err
	}
	st.Floor = floor
	st.Ceiling = ceiling
	st.MintCap = stored.MintCap
	if st.MintCap == nil {
		st.MintCap = big.NewInt(0)
	}
	st.Minted = stored.Minted
	if st.Minted == nil {
		st.Minted = big.NewInt(0)
	}
	return st, nil
}
