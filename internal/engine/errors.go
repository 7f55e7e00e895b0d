package engine

import "errors"

var (
	// ErrPaused rejects mint and redeem while the protocol is paused.
	ErrPaused = errors.New("protocol is paused")

	// ErrUndercollateralized covers the mint collateral gate, any arithmetic
	// overflow in value computation (fail-closed), and the liquidation guard
	// when the vault can still cover what it owes.
	ErrUndercollateralized = errors.New("undercollateralized")

	// ErrBelowStrike rejects payouts when the oracle price is at or below
	// the strike.
	ErrBelowStrike = errors.New("price at or below strike")

	// ErrExpiredPosition rejects redemption past the 90-day window.
	ErrExpiredPosition = errors.New("position expired")
)

// ExpirySeconds is the redemption window measured from the last mint.
const ExpirySeconds int64 = 90 * 86400
