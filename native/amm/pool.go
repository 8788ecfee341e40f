package amm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"joulechain/crypto"
)

var (
	// ErrPoolEmpty is returned when either reserve is zero and a price or
	// swap was requested.
	ErrPoolEmpty = errors.New("amm: pool reserves are empty")
	// ErrSlippage is returned when a swap would deliver less than the
	// caller's minimum acceptable output.
	ErrSlippage = errors.New("amm: output below minimum")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("amm: amount must be positive")
	// ErrUnknownDirection is returned for an unrecognised swap direction.
	ErrUnknownDirection = errors.New("amm: unknown swap direction")
)

// Direction selects which side of the pair enters the pool.
type Direction uint8

const (
	// SellCredit trades credit tokens into the pool for quote tokens.
	SellCredit Direction = iota + 1
	// BuyCredit trades quote tokens into the pool for credit tokens.
	BuyCredit
)

func (d Direction) String() string {
	switch d {
	case SellCredit:
		return "sell_credit"
	case BuyCredit:
		return "buy_credit"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

const (
	defaultCreditSymbol   = "JOULE"
	defaultQuoteSymbol    = "USDC"
	defaultCreditDecimals = 7
	defaultQuoteDecimals  = 6
	maxFeeBps             = 1_000
)

// Pair describes the two tokens the pool trades and the input fee charged
// on every swap.
type Pair struct {
	CreditSymbol   string
	QuoteSymbol    string
	CreditDecimals uint8
	QuoteDecimals  uint8
	FeeBps         uint64
}

// Normalise fills zero values with the JOULE/USDC defaults and clamps the
// fee to at most 10%.
func (p Pair) Normalise() Pair {
	normalized := p
	normalized.CreditSymbol = strings.ToUpper(strings.TrimSpace(normalized.CreditSymbol))
	if normalized.CreditSymbol == "" {
		normalized.CreditSymbol = defaultCreditSymbol
	}
	normalized.QuoteSymbol = strings.ToUpper(strings.TrimSpace(normalized.QuoteSymbol))
	if normalized.QuoteSymbol == "" {
		normalized.QuoteSymbol = defaultQuoteSymbol
	}
	if normalized.CreditDecimals == 0 {
		normalized.CreditDecimals = defaultCreditDecimals
	}
	if normalized.QuoteDecimals == 0 {
		normalized.QuoteDecimals = defaultQuoteDecimals
	}
	if normalized.FeeBps > maxFeeBps {
		normalized.FeeBps = maxFeeBps
	}
	return normalized
}

// Ledger is the balance surface the pool settles through.
type Ledger interface {
	Transfer(from, to crypto.Address, symbol string, amount *big.Int) error
	Balance(addr crypto.Address, symbol string) (*big.Int, error)
}

// Pool is a constant-product market maker over a Ledger. Reserves are the
// pool account's token balances, so funding the account and seeding the
// pool are the same operation.
type Pool struct {
	ledger  Ledger
	pair    Pair
	account crypto.Address
}

// NewPool constructs a pool for the given pair. The pool account derives
// from the pair so distinct pairs never share reserves.
func NewPool(ledger Ledger, pair Pair) *Pool {
	normalized := pair.Normalise()
	return &Pool{
		ledger:  ledger,
		pair:    normalized,
		account: crypto.DeriveModuleAddress("amm/" + normalized.CreditSymbol + "-" + normalized.QuoteSymbol),
	}
}

// Account returns the address holding the pool reserves.
func (p *Pool) Account() crypto.Address {
	if p == nil {
		return crypto.Address{}
	}
	return p.account
}

// Pair returns the normalised pair descriptor.
func (p *Pool) Pair() Pair {
	if p == nil {
		return Pair{}
	}
	return p.pair
}

// Seed moves liquidity from the funder into the pool account. Both sides
// must be positive; repeat seeding shifts the spot price.
func (p *Pool) Seed(funder crypto.Address, creditAmount, quoteAmount *big.Int) error {
	if p == nil || p.ledger == nil {
		return fmt.Errorf("amm: pool not configured")
	}
	if funder.IsZero() {
		return fmt.Errorf("amm: funder address required")
	}
	if creditAmount == nil || creditAmount.Sign() <= 0 || quoteAmount == nil || quoteAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := p.ledger.Transfer(funder, p.account, p.pair.CreditSymbol, creditAmount); err != nil {
		return err
	}
	return p.ledger.Transfer(funder, p.account, p.pair.QuoteSymbol, quoteAmount)
}

// Reserves reports the pool's credit and quote balances in native units.
func (p *Pool) Reserves() (credit, quote *big.Int, err error) {
	if p == nil || p.ledger == nil {
		return nil, nil, fmt.Errorf("amm: pool not configured")
	}
	credit, err = p.ledger.Balance(p.account, p.pair.CreditSymbol)
	if err != nil {
		return nil, nil, err
	}
	quote, err = p.ledger.Balance(p.account, p.pair.QuoteSymbol)
	if err != nil {
		return nil, nil, err
	}
	return credit, quote, nil
}

// SpotPrice returns the decimal-adjusted quote-per-credit rate implied by
// the reserves.
func (p *Pool) SpotPrice() (*big.Rat, error) {
	credit, quote, err := p.Reserves()
	if err != nil {
		return nil, err
	}
	if credit.Sign() == 0 || quote.Sign() == 0 {
		return nil, ErrPoolEmpty
	}
	// spot = (quote / 10^qd) / (credit / 10^cd)
	num := new(big.Int).Mul(quote, pow10(p.pair.CreditDecimals))
	den := new(big.Int).Mul(credit, pow10(p.pair.QuoteDecimals))
	return new(big.Rat).SetFrac(num, den), nil
}

// QuoteSwap computes the output a swap of amountIn would deliver right now,
// without touching any balances.
func (p *Pool) QuoteSwap(dir Direction, amountIn *big.Int) (*big.Int, error) {
	credit, quote, err := p.Reserves()
	if err != nil {
		return nil, err
	}
	return p.swapOutput(dir, amountIn, credit, quote)
}

func (p *Pool) swapOutput(dir Direction, amountIn, credit, quote *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if credit.Sign() == 0 || quote.Sign() == 0 {
		return nil, ErrPoolEmpty
	}
	var reserveIn, reserveOut *big.Int
	switch dir {
	case SellCredit:
		reserveIn, reserveOut = credit, quote
	case BuyCredit:
		reserveIn, reserveOut = quote, credit
	default:
		return nil, ErrUnknownDirection
	}
	// out = reserveOut * in * (10000 - fee) / (reserveIn * 10000 + in * (10000 - fee))
	feeFactor := new(big.Int).SetUint64(10_000 - p.pair.FeeBps)
	effectiveIn := new(big.Int).Mul(amountIn, feeFactor)
	num := new(big.Int).Mul(reserveOut, effectiveIn)
	den := new(big.Int).Mul(reserveIn, big.NewInt(10_000))
	den.Add(den, effectiveIn)
	return num.Div(num, den), nil
}

// Swap trades amountIn from the caller against the pool and returns the
// delivered output. The trade is rejected without moving funds when the
// output would fall below minAmountOut.
func (p *Pool) Swap(caller crypto.Address, dir Direction, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if p == nil || p.ledger == nil {
		return nil, fmt.Errorf("amm: pool not configured")
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("amm: caller address required")
	}
	credit, quote, err := p.Reserves()
	if err != nil {
		return nil, err
	}
	out, err := p.swapOutput(dir, amountIn, credit, quote)
	if err != nil {
		return nil, err
	}
	if out.Sign() == 0 {
		return nil, ErrSlippage
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippage
	}
	symbolIn, symbolOut := p.pair.CreditSymbol, p.pair.QuoteSymbol
	if dir == BuyCredit {
		symbolIn, symbolOut = p.pair.QuoteSymbol, p.pair.CreditSymbol
	}
	if err := p.ledger.Transfer(caller, p.account, symbolIn, amountIn); err != nil {
		return nil, err
	}
	if err := p.ledger.Transfer(p.account, caller, symbolOut, out); err != nil {
		return nil, err
	}
	return out, nil
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
