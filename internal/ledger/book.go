package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrInsufficientFunds is returned when applying a batch would drive a user
// or system account below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Book maintains in-memory account balances for the settlement core.
// The ledger is zero-sum: external accounts run negative as value enters the
// protocol, while user and system accounts must never go below zero.
type Book struct {
	balances map[AccountKey]int64
}

func NewBook() *Book {
	return &Book{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch validates and applies a batch atomically. Either every command
// lands or none does; the non-negativity of user and system accounts is
// checked against the post-batch balances before anything is written.
func (b *Book) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// Dry run against a delta overlay
	deltas := make(map[AccountKey]int64, len(batch.Commands)*2)
	for _, c := range batch.Commands {
		deltas[c.DebitAccount] += c.Amount
		deltas[c.CreditAccount] -= c.Amount
	}

	for key, delta := range deltas {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if b.balances[key]+delta < 0 {
			return fmt.Errorf("account %s would go negative (have=%d, delta=%d): %w",
				key.AccountPath(), b.balances[key], delta, ErrInsufficientFunds)
		}
	}

	for key, delta := range deltas {
		b.balances[key] += delta
	}

	return nil
}

// GetBalance returns the current balance for an account
func (b *Book) GetBalance(key AccountKey) int64 {
	return b.balances[key]
}

// VaultBalance returns the pooled collateral backing open positions.
func (b *Book) VaultBalance() int64 {
	return b.balances[VaultAccount()]
}

// TreasuryBalance returns the accumulated protocol fees.
func (b *Book) TreasuryBalance() int64 {
	return b.balances[TreasuryAccount()]
}

// ValidateSufficient checks whether an account can give up `required`.
func (b *Book) ValidateSufficient(key AccountKey, required int64) error {
	have := b.balances[key]
	if have < required {
		return fmt.Errorf("account %s: have=%d, need=%d: %w",
			key.AccountPath(), have, required, ErrInsufficientFunds)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset.
// A zero-sum ledger yields 0 for every asset.
func (b *Book) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range b.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// SetBalance directly sets an account balance (used for restore).
func (b *Book) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(b.balances, key)
		return
	}
	b.balances[key] = balance
}

// Snapshot returns a copy of all balances.
func (b *Book) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(b.balances))
	for k, v := range b.balances {
		snapshot[k] = v
	}
	return snapshot
}

// CanonicalBytes returns a deterministic serialization of all non-zero
// balances, ordered by account path, for state hashing.
func (b *Book) CanonicalBytes() []byte {
	type entry struct {
		path    string
		balance int64
	}

	entries := make([]entry, 0, len(b.balances))
	for key, balance := range b.balances {
		if balance == 0 {
			continue
		}
		entries = append(entries, entry{path: key.AccountPath(), balance: balance})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].path < entries[j].path
	})

	buf := make([]byte, 0, len(entries)*40)
	for _, e := range entries {
		buf = append(buf, byte(len(e.path)))
		buf = append(buf, []byte(e.path)...)
		var amt [8]byte
		binary.LittleEndian.PutUint64(amt[:], uint64(e.balance))
		buf = append(buf, amt[:]...)
	}
	return buf
}
