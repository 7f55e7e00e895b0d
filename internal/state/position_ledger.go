package state

import (
	"bytes"
	"errors"
	"sort"

	fpmath "OptionLedger/internal/math"

	"github.com/google/uuid"
)

var (
	ErrArithmeticOverflow  = errors.New("position amount overflow")
	ErrInsufficientBalance = errors.New("position balance insufficient")
)

// PositionLedger manages per-user positions.
// Not safe for concurrent use; the settlement engine serializes access.
type PositionLedger struct {
	positions map[uuid.UUID]*Position
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		positions: make(map[uuid.UUID]*Position),
	}
}

// Get returns the existing position or nil
func (pl *PositionLedger) Get(owner uuid.UUID) *Position {
	return pl.positions[owner]
}

// GetOrCreate returns the position for owner, creating a zeroed one if
// absent. The second return value reports whether a new record was created.
func (pl *PositionLedger) GetOrCreate(owner uuid.UUID) (*Position, bool) {
	pos := pl.positions[owner]
	if pos != nil {
		return pos, false
	}

	pos = &Position{Owner: owner}
	pl.positions[owner] = pos
	return pos, true
}

// CanIncrease reports whether delta fits on top of the current amount.
// Called before any balances move so an overflowing mint rejects cleanly.
func (pl *PositionLedger) CanIncrease(owner uuid.UUID, delta uint64) error {
	pos := pl.positions[owner]
	if pos == nil {
		return nil
	}
	if _, err := fpmath.CheckedAdd(pos.Amount, delta); err != nil {
		return ErrArithmeticOverflow
	}
	return nil
}

// Increase adds delta to the owner's position and stamps the mint time,
// resetting the expiry clock for the whole position.
func (pl *PositionLedger) Increase(owner uuid.UUID, delta uint64, now int64) error {
	pos, _ := pl.GetOrCreate(owner)

	newAmount, err := fpmath.CheckedAdd(pos.Amount, delta)
	if err != nil {
		return ErrArithmeticOverflow
	}

	pos.Amount = newAmount
	pos.Timestamp = now
	pos.Version++
	return nil
}

// Decrease removes delta from the owner's position. The mint timestamp is
// left untouched: partial redemption does not extend the expiry window.
func (pl *PositionLedger) Decrease(owner uuid.UUID, delta uint64) error {
	pos := pl.positions[owner]
	if pos == nil || pos.Amount < delta {
		return ErrInsufficientBalance
	}

	pos.Amount -= delta
	pos.Version++
	return nil
}

// ZeroOut clears the owner's position and returns the amount that was held.
// The record survives with amount 0; timestamp is unchanged.
func (pl *PositionLedger) ZeroOut(owner uuid.UUID) uint64 {
	pos := pl.positions[owner]
	if pos == nil {
		return 0
	}

	held := pos.Amount
	pos.Amount = 0
	pos.Version++
	return held
}

// Set installs a position directly (used for restore).
func (pl *PositionLedger) Set(pos *Position) {
	pl.positions[pos.Owner] = pos
}

// All returns every position, sorted by owner for deterministic iteration.
func (pl *PositionLedger) All() []*Position {
	result := make([]*Position, 0, len(pl.positions))
	for _, pos := range pl.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Owner[:], result[j].Owner[:]) < 0
	})
	return result
}

// CanonicalBytes serializes every non-empty position in owner order for
// state hashing.
func (pl *PositionLedger) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(pl.positions)*48)
	for _, pos := range pl.All() {
		if pos.Amount == 0 {
			continue
		}
		buf = append(buf, pos.CanonicalBytes()...)
	}
	return buf
}
