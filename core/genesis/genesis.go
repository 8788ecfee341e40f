// Package genesis applies a validated genesis document to an empty
// chain store: token registration, initial balances, engine initialisation
// and pool seeding. Apply is idempotent at the engine level because both
// engines refuse a second Initialize.
package genesis

import (
	"fmt"
	"math/big"

	"joulechain/config"
	"joulechain/core/state"
	"joulechain/crypto"
	"joulechain/native/amm"
	"joulechain/native/oracle"
	"joulechain/native/peg"
)

// Applied reports what Apply built so callers can keep operating on the same
// wired instances.
type Applied struct {
	Owner      crypto.Address
	Feeder     crypto.Address
	Gateway    *oracle.Gateway
	Pool       *amm.Pool
	Controller *peg.Controller
}

// Apply wires the gateway, pool and controller over the manager and, when the
// gateway has never been initialised, applies the genesis document: tokens,
// balances, oracle bounds, peg parameters, pool liquidity and the initial
// quote reserve. The authority chain is fixed here: the controller's module
// address becomes the gateway's sole oracle principal and the feeder becomes
// the controller's sole price source.
func Apply(manager *state.Manager, g config.Genesis, feeder crypto.Address) (*Applied, error) {
	if manager == nil {
		return nil, fmt.Errorf("genesis: state manager required")
	}
	if err := config.ValidateGenesis(g); err != nil {
		return nil, err
	}
	owner, err := crypto.DecodeAddress(g.Owner)
	if err != nil {
		return nil, fmt.Errorf("genesis: owner: %w", err)
	}
	if feeder.IsZero() {
		feeder = owner
	}

	gateway := oracle.NewGateway(manager, manager)
	pool := amm.NewPool(manager, amm.Pair{FeeBps: g.Pool.FeeBps})
	controller := peg.NewController(manager, manager, gateway, pool)
	applied := &Applied{
		Owner:      owner,
		Feeder:     feeder,
		Gateway:    gateway,
		Pool:       pool,
		Controller: controller,
	}

	// Already bootstrapped: reuse the persisted state as-is.
	if _, err := gateway.Status(); err == nil {
		return applied, nil
	}

	for _, token := range g.Tokens {
		if err := manager.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			return nil, fmt.Errorf("genesis: register token %s: %w", token.Symbol, err)
		}
	}
	for _, balance := range g.Balances {
		addr, err := crypto.DecodeAddress(balance.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis: balance address: %w", err)
		}
		amount, err := config.ParseAmount(balance.Amount)
		if err != nil {
			return nil, fmt.Errorf("genesis: balance amount: %w", err)
		}
		if amount.Sign() == 0 {
			continue
		}
		if err := manager.Mint(addr, balance.Symbol, amount); err != nil {
			return nil, fmt.Errorf("genesis: credit %s: %w", balance.Address, err)
		}
	}

	oracleCfg, initial, err := oracleConfig(g.Oracle)
	if err != nil {
		return nil, err
	}
	if err := gateway.Initialize(owner, peg.ModuleAddress(), oracleCfg, initial); err != nil {
		return nil, fmt.Errorf("genesis: initialise gateway: %w", err)
	}

	params, err := pegParams(g.Peg)
	if err != nil {
		return nil, err
	}
	if err := controller.Initialize(owner, feeder, params); err != nil {
		return nil, fmt.Errorf("genesis: initialise controller: %w", err)
	}

	if err := seedLiquidity(manager, pool, controller, owner, g); err != nil {
		return nil, err
	}
	return applied, nil
}

func oracleConfig(g config.OracleGenesis) (oracle.Config, *big.Rat, error) {
	floor, err := config.ParseRat(g.PriceFloor)
	if err != nil {
		return oracle.Config{}, nil, fmt.Errorf("genesis: oracle floor: %w", err)
	}
	ceiling, err := config.ParseRat(g.PriceCeiling)
	if err != nil {
		return oracle.Config{}, nil, fmt.Errorf("genesis: oracle ceiling: %w", err)
	}
	mintCap, err := config.ParseAmount(g.MintCap)
	if err != nil {
		return oracle.Config{}, nil, fmt.Errorf("genesis: oracle mint cap: %w", err)
	}
	var initial *big.Rat
	if g.InitialPrice != "" {
		initial, err = config.ParseRat(g.InitialPrice)
		if err != nil {
			return oracle.Config{}, nil, fmt.Errorf("genesis: oracle initial price: %w", err)
		}
	}
	return oracle.Config{
		Floor:       floor,
		Ceiling:     ceiling,
		MaxSwingBps: g.MaxSwingBps,
		MintCap:     mintCap,
	}, initial, nil
}

func pegParams(g config.PegGenesis) (peg.Params, error) {
	minTrade, err := config.ParseAmount(g.MinTradeSize)
	if err != nil {
		return peg.Params{}, fmt.Errorf("genesis: peg min trade size: %w", err)
	}
	maxMint, err := config.ParseAmount(g.MaxMintPerRebalance)
	if err != nil {
		return peg.Params{}, fmt.Errorf("genesis: peg mint cap: %w", err)
	}
	maxSpend, err := config.ParseAmount(g.MaxQuoteSpend)
	if err != nil {
		return peg.Params{}, fmt.Errorf("genesis: peg spend cap: %w", err)
	}
	minReserve, err := config.ParseAmount(g.MinPoolReserve)
	if err != nil {
		return peg.Params{}, fmt.Errorf("genesis: peg min pool reserve: %w", err)
	}
	quoteUSD, err := config.ParseRat(g.QuoteUSD)
	if err != nil {
		return peg.Params{}, fmt.Errorf("genesis: peg quote USD: %w", err)
	}
	return peg.Params{
		BandBps:             g.BandBps,
		SlippageBps:         g.SlippageBps,
		CooldownSeconds:     g.CooldownSeconds,
		MaxPriceAgeSeconds:  g.MaxPriceAgeSeconds,
		MinTradeSize:        minTrade,
		MaxMintPerRebalance: maxMint,
		MaxQuoteSpend:       maxSpend,
		MinPoolReserve:      minReserve,
		QuoteUSD:            quoteUSD,
	}, nil
}

// seedLiquidity mints the configured seed amounts to the owner, deposits them
// into the pool and pre-funds the controller's quote reserve.
func seedLiquidity(manager *state.Manager, pool *amm.Pool, controller *peg.Controller, owner crypto.Address, g config.Genesis) error {
	seedCredit, err := config.ParseAmount(g.Pool.SeedCredit)
	if err != nil {
		return fmt.Errorf("genesis: pool seed credit: %w", err)
	}
	seedQuote, err := config.ParseAmount(g.Pool.SeedQuote)
	if err != nil {
		return fmt.Errorf("genesis: pool seed quote: %w", err)
	}
	pair := pool.Pair()
	if seedCredit.Sign() > 0 && seedQuote.Sign() > 0 {
		if err := manager.Mint(owner, pair.CreditSymbol, seedCredit); err != nil {
			return fmt.Errorf("genesis: mint pool credit: %w", err)
		}
		if err := manager.Mint(owner, pair.QuoteSymbol, seedQuote); err != nil {
			return fmt.Errorf("genesis: mint pool quote: %w", err)
		}
		if err := pool.Seed(owner, seedCredit, seedQuote); err != nil {
			return fmt.Errorf("genesis: seed pool: %w", err)
		}
	}
	reserve, err := config.ParseAmount(g.ReserveQuote)
	if err != nil {
		return fmt.Errorf("genesis: reserve quote: %w", err)
	}
	if reserve.Sign() > 0 {
		if err := manager.Mint(owner, pair.QuoteSymbol, reserve); err != nil {
			return fmt.Errorf("genesis: mint reserve quote: %w", err)
		}
		if err := controller.FundReserve(owner, reserve); err != nil {
			return fmt.Errorf("genesis: fund reserve: %w", err)
		}
	}
	return nil
}
