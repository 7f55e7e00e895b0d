package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"OptionLedger/internal/ledger"
	"OptionLedger/internal/observability"
)

// QueryService serves read-only API queries from the persisted read models.
// Every response carries as_of_sequence: the highest event sequence the
// answer reflects. Read models lag the in-memory engine by at most one
// persistence flush.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetPosition returns the persisted position for one owner. A missing row
// is reported as a zero position, matching engine semantics.
func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID) (*PositionResponse, error) {
	defer qs.observe("position", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("position", err)
	}

	resp := &PositionResponse{Owner: owner, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT amount, timestamp, version
		FROM settlement_log.positions
		WHERE owner = $1
	`, owner).Scan(&resp.Amount, &resp.Timestamp, &resp.Version)
	if err != nil && err != sql.ErrNoRows {
		return nil, qs.fail("position", err)
	}
	return resp, nil
}

// GetVault returns the protocol vault and treasury balances.
func (qs *QueryService) GetVault(ctx context.Context) (*VaultResponse, error) {
	defer qs.observe("vault", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("vault", err)
	}

	vault, err := qs.getBalance(ctx, ledger.VaultAccount().AccountPath())
	if err != nil {
		return nil, qs.fail("vault", err)
	}
	treasury, err := qs.getBalance(ctx, ledger.TreasuryAccount().AccountPath())
	if err != nil {
		return nil, qs.fail("vault", err)
	}

	return &VaultResponse{
		VaultBalance:    vault,
		TreasuryBalance: treasury,
		AsOfSequence:    asOfSeq,
	}, nil
}

// GetConfig returns the persisted protocol configuration, or nil if the
// ledger has not been initialized.
func (qs *QueryService) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	defer qs.observe("config", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("config", err)
	}

	resp := &ConfigResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT authority, strike_price, collateralization_ratio, paused, version
		FROM settlement_log.config
		WHERE id = 1
	`).Scan(&resp.Authority, &resp.StrikePrice, &resp.CollateralizationRatio, &resp.Paused, &resp.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qs.fail("config", err)
	}
	return resp, nil
}

// GetSettlementHistory returns committed events, newest first, with
// cursor-based pagination on sequence.
func (qs *QueryService) GetSettlementHistory(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]SettlementEventEntry, error) {
	defer qs.observe("history", time.Now())

	query := `
		SELECT sequence, event_type, op_ref, payload, state_hash, prev_hash, timestamp
		FROM settlement_log.events
	`
	args := []interface{}{}
	if beforeSequence != nil {
		query += " WHERE sequence < $1"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("history", err)
	}
	defer rows.Close()

	var entries []SettlementEventEntry
	for rows.Next() {
		var e SettlementEventEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.OpRef, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, qs.fail("history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, qs.fail("history", err)
	}
	return entries, nil
}

// GetTransferHistory returns double-entry commands, newest first, optionally
// filtered to one account (as debit or credit side).
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	accountPath *string,
	limit int,
	beforeSequence *int64,
) ([]TransferEntry, error) {
	defer qs.observe("transfers", time.Now())

	query := `
		SELECT command_id, batch_id, op_ref, sequence, debit_account,
		       credit_account, asset_id, amount, command_type, timestamp
		FROM settlement_log.commands
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if accountPath != nil {
		query += fmt.Sprintf(" AND (debit_account = $%d OR credit_account = $%d)", argIdx, argIdx)
		args = append(args, *accountPath)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("transfers", err)
	}
	defer rows.Close()

	var entries []TransferEntry
	for rows.Next() {
		var e TransferEntry
		if err := rows.Scan(
			&e.CommandID, &e.BatchID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.CommandType, &e.Timestamp,
		); err != nil {
			return nil, qs.fail("transfers", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, qs.fail("transfers", err)
	}
	return entries, nil
}

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// balance invariant.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM settlement_log.events e1
		LEFT JOIN settlement_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, qs.fail("integrity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, qs.fail("integrity", err)
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, qs.fail("integrity", err)
	}

	// Every command debits one account and credits another, so per-asset
	// balances must sum to zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM settlement_log.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, qs.fail("integrity", err)
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, qs.fail("integrity", err)
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, qs.fail("integrity", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// getWatermark returns the highest persisted event sequence. Read models
// are written in the same transaction as the event log, so this is the
// freshness bound for every read.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM settlement_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func (qs *QueryService) getBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM settlement_log.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	qs.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
}

func (qs *QueryService) fail(endpoint string, err error) error {
	if qs.metrics != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	}
	return err
}
