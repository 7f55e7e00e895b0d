package state

import (
	"github.com/google/uuid"
)

// Position tracks a user's option token holdings for expiry accounting.
// Timestamp is the unix time of the LAST mint: minting into an existing
// position refreshes the expiry clock for the whole position; redeeming
// leaves it untouched. Positions are never deleted, only zeroed.
type Position struct {
	Owner     uuid.UUID
	Amount    uint64 // option tokens held
	Timestamp int64  // unix seconds of last mint
	Version   int64  // bumped on every mutation
}

// CanonicalBytes returns deterministic serialization for state hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// amount (8 bytes LE)
	buf = appendUint64LE(buf, p.Amount)

	// timestamp (8 bytes LE)
	buf = appendUint64LE(buf, uint64(p.Timestamp))

	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
