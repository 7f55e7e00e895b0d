package query

import (
	"encoding/json"

	"github.com/google/uuid"
)

// PositionResponse is a position snapshot for API queries.
type PositionResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Amount       int64     `json:"amount"`
	Timestamp    int64     `json:"timestamp"`
	Version      int64     `json:"version"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// VaultResponse is the protocol-level account view.
type VaultResponse struct {
	VaultBalance    int64 `json:"vault_balance"`
	TreasuryBalance int64 `json:"treasury_balance"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}

// ConfigResponse is the persisted protocol configuration.
type ConfigResponse struct {
	Authority              uuid.UUID `json:"authority"`
	StrikePrice            int64     `json:"strike_price"`
	CollateralizationRatio int64     `json:"collateralization_ratio"`
	Paused                 bool      `json:"paused"`
	Version                int64     `json:"version"`
	AsOfSequence           int64     `json:"as_of_sequence"`
}

// SettlementEventEntry is one committed event from the settlement log.
type SettlementEventEntry struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	OpRef     string          `json:"op_ref"`
	Payload   json.RawMessage `json:"payload"`
	StateHash []byte          `json:"state_hash"`
	PrevHash  []byte          `json:"prev_hash"`
	Timestamp int64           `json:"timestamp"`
}

// TransferEntry is one double-entry command from the command log.
type TransferEntry struct {
	CommandID     string `json:"command_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	CommandType   int32  `json:"command_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
