package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// RestoreReader loads persisted state for a warm engine start.
type RestoreReader struct {
	db *sql.DB
}

func NewRestoreReader(db *sql.DB) *RestoreReader {
	return &RestoreReader{db: db}
}

// LoadChainTip returns the next sequence to assign and the state hash of the
// last persisted event. A fresh database yields (0, nil, nil).
func (r *RestoreReader) LoadChainTip(ctx context.Context) (int64, []byte, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM settlement_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var seq int64
	var stateHash []byte
	if err := row.Scan(&seq, &stateHash); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("load chain tip: %w", err)
	}
	return seq + 1, stateHash, nil
}

// LoadConfig returns the persisted configuration, or nil on cold start.
func (r *RestoreReader) LoadConfig(ctx context.Context) (*ConfigRow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT authority, strike_price, collateralization_ratio, paused, version, updated_seq
		FROM settlement_log.config
		WHERE id = 1
	`)

	var cfg ConfigRow
	if err := row.Scan(
		&cfg.Authority, &cfg.StrikePrice, &cfg.CollateralizationRatio,
		&cfg.Paused, &cfg.Version, &cfg.UpdatedSeq,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// LoadPositions returns every persisted position.
func (r *RestoreReader) LoadPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner, amount, timestamp, version, updated_seq
		FROM settlement_log.positions
		ORDER BY owner
	`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var positions []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Owner, &p.Amount, &p.Timestamp, &p.Version, &p.UpdatedSeq); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// LoadBalances returns every persisted account balance.
func (r *RestoreReader) LoadBalances(ctx context.Context) ([]BalanceRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, updated_seq
		FROM settlement_log.balances
		ORDER BY account_path
	`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	var balances []BalanceRow
	for rows.Next() {
		var b BalanceRow
		if err := rows.Scan(&b.AccountPath, &b.AssetID, &b.Balance, &b.UpdatedSeq); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// LoadEventsFrom loads events from a given sequence, oldest first. Used by
// the history query surface and by audit tooling.
func (r *RestoreReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, op_ref, payload, state_hash, prev_hash, timestamp
		FROM settlement_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.OpRef, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
