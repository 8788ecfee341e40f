package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"joulechain/core/types"
	"joulechain/crypto"
)

const (
	// TypeOraclePriceUpdated is emitted whenever the gateway accepts a price.
	TypeOraclePriceUpdated = "oracle.price_updated"
	// TypeOracleBreakerTripped is emitted when the circuit breaker rejects an update.
	TypeOracleBreakerTripped = "oracle.breaker_tripped"
	// TypeOracleMinted is emitted when oracle-authorized supply is created.
	TypeOracleMinted = "oracle.minted"
	// TypeOracleBoundsUpdated is emitted when the owner reconfigures price bounds.
	TypeOracleBoundsUpdated = "oracle.bounds_updated"
	// TypeOracleRoleTransferred is emitted when an authority role changes hands.
	TypeOracleRoleTransferred = "oracle.role_transferred"
	// TypeOraclePaused is emitted when the gateway pause flag flips.
	TypeOraclePaused = "oracle.paused"
	// TypeOracleUpgraded is emitted when the owner records a new code hash.
	TypeOracleUpgraded = "oracle.upgraded"
)

func ratAttr(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.RatString()
}

func amountAttr(a *big.Int) string {
	if a == nil {
		return "0"
	}
	return a.String()
}

func addressAttr(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

type OraclePriceUpdated struct {
	Price     *big.Rat
	Nonce     uint64
	UpdatedAt uint64
	Emergency bool
}

func (OraclePriceUpdated) EventType() string { return TypeOraclePriceUpdated }

func (e OraclePriceUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeOraclePriceUpdated,
		Attributes: map[string]string{
			"price":     ratAttr(e.Price),
			"nonce":     strconv.FormatUint(e.Nonce, 10),
			"updatedAt": strconv.FormatUint(e.UpdatedAt, 10),
			"emergency": strconv.FormatBool(e.Emergency),
		},
	}
}

type OracleBreakerTripped struct {
	Attempted *big.Rat
	Current   *big.Rat
	SwingBps  uint64
	Nonce     uint64
}

func (OracleBreakerTripped) EventType() string { return TypeOracleBreakerTripped }

func (e OracleBreakerTripped) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleBreakerTripped,
		Attributes: map[string]string{
			"attempted":   ratAttr(e.Attempted),
			"current":     ratAttr(e.Current),
			"maxSwingBps": strconv.FormatUint(e.SwingBps, 10),
			"nonce":       strconv.FormatUint(e.Nonce, 10),
		},
	}
}

type OracleMinted struct {
	Recipient crypto.Address
	Amount    *big.Int
	Caller    crypto.Address
}

func (OracleMinted) EventType() string { return TypeOracleMinted }

func (e OracleMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleMinted,
		Attributes: map[string]string{
			"recipient": addressAttr(e.Recipient),
			"amount":    amountAttr(e.Amount),
			"caller":    addressAttr(e.Caller),
		},
	}
}

type OracleBoundsUpdated struct {
	Floor    *big.Rat
	Ceiling  *big.Rat
	SwingBps uint64
}

func (OracleBoundsUpdated) EventType() string { return TypeOracleBoundsUpdated }

func (e OracleBoundsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleBoundsUpdated,
		Attributes: map[string]string{
			"floor":       ratAttr(e.Floor),
			"ceiling":     ratAttr(e.Ceiling),
			"maxSwingBps": strconv.FormatUint(e.SwingBps, 10),
		},
	}
}

type OracleRoleTransferred struct {
	Role     string
	Previous crypto.Address
	Next     crypto.Address
}

func (OracleRoleTransferred) EventType() string { return TypeOracleRoleTransferred }

func (e OracleRoleTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleRoleTransferred,
		Attributes: map[string]string{
			"role":     strings.TrimSpace(e.Role),
			"previous": addressAttr(e.Previous),
			"next":     addressAttr(e.Next),
		},
	}
}

type OraclePausedEvent struct {
	Paused bool
}

func (OraclePausedEvent) EventType() string { return TypeOraclePaused }

func (e OraclePausedEvent) Event() *types.Event {
	return &types.Event{
		Type: TypeOraclePaused,
		Attributes: map[string]string{
			"paused": strconv.FormatBool(e.Paused),
		},
	}
}

type OracleUpgraded struct {
	CodeHash [32]byte
}

func (OracleUpgraded) EventType() string { return TypeOracleUpgraded }

func (e OracleUpgraded) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleUpgraded,
		Attributes: map[string]string{
			"codeHash": hex.EncodeToString(e.CodeHash[:]),
		},
	}
}
