package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SettlementLogWriter writes the event log, command log, and read-model
// tables to Postgres using multi-row INSERT. Batch writes are idempotent:
// append-only tables dedupe on primary key, read models upsert guarded by
// the writing sequence.
type SettlementLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in settlement_log.events
type EventRow struct {
	Sequence  int64
	EventType string
	OpRef     string
	Payload   []byte // JSON-encoded event payload
	StateHash []byte
	PrevHash  []byte
	Timestamp int64
}

// CommandRow represents a row in settlement_log.commands
type CommandRow struct {
	CommandID     string
	BatchID       string
	OpRef         string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	CommandType   int32
	Timestamp     int64
}

// PositionRow is the read-model row in settlement_log.positions
type PositionRow struct {
	Owner      string
	Amount     int64
	Timestamp  int64
	Version    int64
	UpdatedSeq int64
}

// BalanceRow is the read-model row in settlement_log.balances
type BalanceRow struct {
	AccountPath string
	AssetID     uint16
	Balance     int64
	UpdatedSeq  int64
}

// ConfigRow is the singleton read-model row in settlement_log.config
type ConfigRow struct {
	Authority              string
	StrikePrice            int64
	CollateralizationRatio int64
	Paused                 bool
	Version                int64
	UpdatedSeq             int64
}

func NewSettlementLogWriter(db *sql.DB) *SettlementLogWriter {
	return &SettlementLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to settlement_log.events.
func (w *SettlementLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.events
		(sequence, event_type, op_ref, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.OpRef, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteCommandBatch writes a batch of ledger commands to settlement_log.commands.
func (w *SettlementLogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.commands
		(command_id, batch_id, op_ref, sequence, debit_account, credit_account, asset_id, amount, command_type, timestamp)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*10)

	for i, c := range commands {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			c.CommandID, c.BatchID, c.OpRef, c.Sequence,
			c.DebitAccount, c.CreditAccount, c.AssetID, c.Amount,
			c.CommandType, c.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (command_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertPositions writes absolute position snapshots. Older writes never
// clobber newer ones: the update applies only when the stored updated_seq is
// behind the incoming one.
func (w *SettlementLogWriter) UpsertPositions(ctx context.Context, tx *sql.Tx, positions []PositionRow) error {
	if len(positions) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.positions
		(owner, amount, timestamp, version, updated_seq)
		VALUES `

	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*5)

	for i, p := range positions {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, p.Owner, p.Amount, p.Timestamp, p.Version, p.UpdatedSeq)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (owner) DO UPDATE SET
		amount = EXCLUDED.amount,
		timestamp = EXCLUDED.timestamp,
		version = EXCLUDED.version,
		updated_seq = EXCLUDED.updated_seq
		WHERE positions.updated_seq < EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertBalances writes absolute account balances with the same
// sequence guard as positions.
func (w *SettlementLogWriter) UpsertBalances(ctx context.Context, tx *sql.Tx, balances []BalanceRow) error {
	if len(balances) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.balances
		(account_path, asset_id, balance, updated_seq)
		VALUES `

	values := make([]string, 0, len(balances))
	args := make([]interface{}, 0, len(balances)*4)

	for i, b := range balances {
		base := i * 4
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4,
		))
		args = append(args, b.AccountPath, b.AssetID, b.Balance, b.UpdatedSeq)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (account_path) DO UPDATE SET
		balance = EXCLUDED.balance,
		updated_seq = EXCLUDED.updated_seq
		WHERE balances.updated_seq < EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertConfig writes the protocol configuration singleton (id = 1).
func (w *SettlementLogWriter) UpsertConfig(ctx context.Context, tx *sql.Tx, cfg ConfigRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlement_log.config
			(id, authority, strike_price, collateralization_ratio, paused, version, updated_seq)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			authority = EXCLUDED.authority,
			strike_price = EXCLUDED.strike_price,
			collateralization_ratio = EXCLUDED.collateralization_ratio,
			paused = EXCLUDED.paused,
			version = EXCLUDED.version,
			updated_seq = EXCLUDED.updated_seq
		WHERE config.updated_seq < EXCLUDED.updated_seq
	`, cfg.Authority, cfg.StrikePrice, cfg.CollateralizationRatio, cfg.Paused, cfg.Version, cfg.UpdatedSeq)
	return err
}
