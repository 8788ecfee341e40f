package events

import (
	"math/big"
	"strconv"
	"strings"

	"joulechain/core/types"
	"joulechain/crypto"
)

const (
	// TypePegEvaluated is emitted for every completed evaluation pass.
	TypePegEvaluated = "peg.evaluated"
	// TypePegMintSale is emitted when the controller mints and sells credit.
	TypePegMintSale = "peg.mint_sale"
	// TypePegBuyback is emitted when the controller buys back and burns credit.
	TypePegBuyback = "peg.buyback"
	// TypePegReserveFunded is emitted when quote funds enter the reserve.
	TypePegReserveFunded = "peg.reserve_funded"
	// TypePegReserveWithdrawn is emitted when the owner withdraws reserve funds.
	TypePegReserveWithdrawn = "peg.reserve_withdrawn"
	// TypePegParamsUpdated is emitted when the owner reconfigures the controller.
	TypePegParamsUpdated = "peg.params_updated"
)

type PegEvaluated struct {
	Action       string
	DeviationBps int64
	SpotPrice    *big.Rat
	OraclePrice  *big.Rat
	Reason       string
}

func (PegEvaluated) EventType() string { return TypePegEvaluated }

func (e PegEvaluated) Event() *types.Event {
	return &types.Event{
		Type: TypePegEvaluated,
		Attributes: map[string]string{
			"action":       strings.TrimSpace(e.Action),
			"deviationBps": strconv.FormatInt(e.DeviationBps, 10),
			"spot":         ratAttr(e.SpotPrice),
			"oracle":       ratAttr(e.OraclePrice),
			"reason":       strings.TrimSpace(e.Reason),
		},
	}
}

type PegMintSale struct {
	Minted     *big.Int
	Proceeds   *big.Int
	SpotBefore *big.Rat
	SpotAfter  *big.Rat
}

func (PegMintSale) EventType() string { return TypePegMintSale }

func (e PegMintSale) Event() *types.Event {
	return &types.Event{
		Type: TypePegMintSale,
		Attributes: map[string]string{
			"minted":     amountAttr(e.Minted),
			"proceeds":   amountAttr(e.Proceeds),
			"spotBefore": ratAttr(e.SpotBefore),
			"spotAfter":  ratAttr(e.SpotAfter),
		},
	}
}

type PegBuyback struct {
	Spent      *big.Int
	Burned     *big.Int
	SpotBefore *big.Rat
	SpotAfter  *big.Rat
}

func (PegBuyback) EventType() string { return TypePegBuyback }

func (e PegBuyback) Event() *types.Event {
	return &types.Event{
		Type: TypePegBuyback,
		Attributes: map[string]string{
			"spent":      amountAttr(e.Spent),
			"burned":     amountAttr(e.Burned),
			"spotBefore": ratAttr(e.SpotBefore),
			"spotAfter":  ratAttr(e.SpotAfter),
		},
	}
}

type PegReserveFunded struct {
	From   crypto.Address
	Amount *big.Int
}

func (PegReserveFunded) EventType() string { return TypePegReserveFunded }

func (e PegReserveFunded) Event() *types.Event {
	return &types.Event{
		Type: TypePegReserveFunded,
		Attributes: map[string]string{
			"from":   addressAttr(e.From),
			"amount": amountAttr(e.Amount),
		},
	}
}

type PegReserveWithdrawn struct {
	To     crypto.Address
	Amount *big.Int
}

func (PegReserveWithdrawn) EventType() string { return TypePegReserveWithdrawn }

func (e PegReserveWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypePegReserveWithdrawn,
		Attributes: map[string]string{
			"to":     addressAttr(e.To),
			"amount": amountAttr(e.Amount),
		},
	}
}

type PegParamsUpdated struct {
	BandBps     uint64
	SlippageBps uint64
	Cooldown    uint64
}

func (PegParamsUpdated) EventType() string { return TypePegParamsUpdated }

func (e PegParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypePegParamsUpdated,
		Attributes: map[string]string{
			"bandBps":         strconv.FormatUint(e.BandBps, 10),
			"slippageBps":     strconv.FormatUint(e.SlippageBps, 10),
			"cooldownSeconds": strconv.FormatUint(e.Cooldown, 10),
		},
	}
}
