package oracle

import "errors"

var (
	// ErrNotInitialized is returned when the gateway is used before Initialize.
	ErrNotInitialized = errors.New("oracle: gateway not initialised")
	// ErrAlreadyInitialized is returned when Initialize runs twice.
	ErrAlreadyInitialized = errors.New("oracle: gateway already initialised")
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("oracle: caller not authorised")
	// ErrPriceNotSet is returned when no price has been accepted yet.
	ErrPriceNotSet = errors.New("oracle: price not set")
	// ErrPriceOutOfBounds is returned when a price falls outside [floor, ceiling].
	ErrPriceOutOfBounds = errors.New("oracle: price outside configured bounds")
	// ErrCircuitBreakerTripped is returned when an update moves faster than the
	// configured maximum swing.
	ErrCircuitBreakerTripped = errors.New("oracle: circuit breaker tripped")
	// ErrStaleNonce is returned when an update nonce does not strictly increase.
	ErrStaleNonce = errors.New("oracle: stale update nonce")
	// ErrInvalidAmount is returned for zero or negative mint amounts.
	ErrInvalidAmount = errors.New("oracle: amount must be positive")
	// ErrMintCapExceeded is returned when a single mint exceeds the per-call cap.
	ErrMintCapExceeded = errors.New("oracle: mint amount exceeds per-call cap")
	// ErrMintFailed wraps ledger failures during oracle-authorized minting.
	ErrMintFailed = errors.New("oracle: ledger mint failed")
	// ErrInvalidBounds is returned when reconfiguration supplies unusable bounds.
	ErrInvalidBounds = errors.New("oracle: invalid bounds")
	// ErrUnknownRole is returned when a role transfer names an unknown role.
	ErrUnknownRole = errors.New("oracle: unknown role")
)
