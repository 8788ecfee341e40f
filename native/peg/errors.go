package peg

import "errors"

var (
	// ErrNotInitialized is returned when the controller has not been set up.
	ErrNotInitialized = errors.New("peg: controller not initialised")
	// ErrAlreadyInitialized is returned when Initialize runs twice.
	ErrAlreadyInitialized = errors.New("peg: controller already initialised")
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("peg: caller not authorized")
	// ErrOracleStale is returned when the oracle price is older than the
	// configured maximum age.
	ErrOracleStale = errors.New("peg: oracle price is stale")
	// ErrInsufficientQuote is returned when a buyback is due but the reserve
	// holds no quote funds at all.
	ErrInsufficientQuote = errors.New("peg: reserve holds no quote funds")
	// ErrBelowMinimumTradeSize is returned when the corrective amount is too
	// small to execute.
	ErrBelowMinimumTradeSize = errors.New("peg: corrective amount below minimum trade size")
	// ErrSlippageExceeded is returned when the pool cannot satisfy the
	// oracle-implied minimum output.
	ErrSlippageExceeded = errors.New("peg: pool quote below slippage tolerance")
	// ErrSwapFailed wraps pool failures during a corrective trade.
	ErrSwapFailed = errors.New("peg: swap failed")
	// ErrBurnFailed wraps ledger failures while burning bought-back credit or
	// rolling back a mint.
	ErrBurnFailed = errors.New("peg: burn failed")
	// ErrInvalidParams is returned when reconfiguration parameters fail
	// validation.
	ErrInvalidParams = errors.New("peg: invalid parameters")
)
