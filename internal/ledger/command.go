package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandType records the settlement intent behind a value movement
type CommandType int32

const (
	CommandTypeDeposit CommandType = iota
	CommandTypeWithdrawal
	CommandTypeMintFee
	CommandTypeMintCollateral
	CommandTypeMintTokens
	CommandTypeRedeemBurn
	CommandTypeRedeemPayout
	CommandTypeRedeemFee
	CommandTypeLiquidationSeize
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeDeposit:
		return "deposit"
	case CommandTypeWithdrawal:
		return "withdrawal"
	case CommandTypeMintFee:
		return "mint_fee"
	case CommandTypeMintCollateral:
		return "mint_collateral"
	case CommandTypeMintTokens:
		return "mint_tokens"
	case CommandTypeRedeemBurn:
		return "redeem_burn"
	case CommandTypeRedeemPayout:
		return "redeem_payout"
	case CommandTypeRedeemFee:
		return "redeem_fee"
	case CommandTypeLiquidationSeize:
		return "liquidation_seize"
	default:
		return "unknown"
	}
}

// Command is a single double-entry value movement: Amount moves from the
// credit account to the debit account.
type Command struct {
	CommandID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the commands of one operation
	OpRef         string      // Reference to the settlement operation
	Sequence      int64       // Global settlement sequence
	DebitAccount  AccountKey  // Account receiving value (balance increases)
	CreditAccount AccountKey  // Account giving value (balance decreases)
	AssetID       AssetID     // Asset being moved
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	CommandType   CommandType // Intent
	Timestamp     int64       // Settlement timestamp (epoch seconds)
}

// Batch is the complete set of commands for one settlement operation.
// It is applied all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	OpRef     string
	Sequence  int64
	Timestamp int64
	Commands  []Command
}

// Validate ensures the batch is well-formed.
// Each command is a balanced transfer by construction (one positive amount
// moving credit -> debit), so zero-sum holds per command. Multi-leg
// operations (mint with fee, redeem with payout and fee) use multiple
// commands under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Commands) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, c := range b.Commands {
		if c.Amount <= 0 {
			return fmt.Errorf("command %s has non-positive amount: %d", c.CommandID, c.Amount)
		}

		if c.BatchID != b.BatchID {
			return fmt.Errorf("command %s has mismatched batch_id", c.CommandID)
		}

		if c.DebitAccount == c.CreditAccount {
			return fmt.Errorf("command %s has same debit and credit account", c.CommandID)
		}

		if c.DebitAccount.AssetID != c.AssetID || c.CreditAccount.AssetID != c.AssetID {
			return fmt.Errorf("command %s moves %d between accounts of a different asset", c.CommandID, c.AssetID)
		}
	}

	return nil
}
