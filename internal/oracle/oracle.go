// Package oracle holds the most recent reference price for the underlying.
// The settlement engine only ever reads a snapshot; updates come from the
// NATS price feed.
package oracle

import (
	"errors"
	"sync"
)

var (
	ErrNoPrice    = errors.New("no price snapshot available")
	ErrStalePrice = errors.New("price snapshot is stale")
)

// Snapshot is one observed price, fixed-point with 8 decimals.
type Snapshot struct {
	Price     uint64
	Sequence  int64 // upstream feed sequence, monotonically increasing
	UpdatedAt int64 // unix seconds
}

// SnapshotOracle keeps the latest price snapshot.
// maxAge > 0 enables a staleness gate: reads older than maxAge seconds fail
// with ErrStalePrice. With maxAge 0 a snapshot never expires, matching the
// behavior of reading the oracle account directly.
type SnapshotOracle struct {
	mu     sync.RWMutex
	snap   Snapshot
	loaded bool
	maxAge int64
}

func NewSnapshotOracle(maxAge int64) *SnapshotOracle {
	return &SnapshotOracle{maxAge: maxAge}
}

// Update installs a new snapshot. Out-of-order and duplicate feed messages
// (sequence <= current) are silently ignored; returns whether the update
// was applied.
func (o *SnapshotOracle) Update(price uint64, sequence int64, updatedAt int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.loaded && sequence <= o.snap.Sequence {
		return false
	}

	o.snap = Snapshot{Price: price, Sequence: sequence, UpdatedAt: updatedAt}
	o.loaded = true
	return true
}

// Price returns the current reference price, applying the staleness gate
// against the caller's clock.
func (o *SnapshotOracle) Price(now int64) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.loaded {
		return 0, ErrNoPrice
	}
	if o.maxAge > 0 && now-o.snap.UpdatedAt > o.maxAge {
		return 0, ErrStalePrice
	}
	return o.snap.Price, nil
}

// Snapshot returns the raw snapshot for read surfaces.
func (o *SnapshotOracle) Snapshot() (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap, o.loaded
}
