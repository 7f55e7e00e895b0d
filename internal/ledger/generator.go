package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandGenerator creates balanced command batches for settlement operations.
// Pre-checks run against the live book so an operation that cannot settle is
// rejected before anything is applied.
type CommandGenerator struct {
	book *Book
}

func NewCommandGenerator(book *Book) *CommandGenerator {
	return &CommandGenerator{book: book}
}

// GenerateDeposit creates commands crediting user collateral from the
// external boundary: external:deposits -> user:collateral.
func (cg *CommandGenerator) GenerateDeposit(
	userID uuid.UUID,
	amount int64,
	seq int64,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()
	opRef := fmt.Sprintf("deposit:%s:%d", userID, seq)

	batch := &Batch{
		BatchID:   batchID,
		OpRef:     opRef,
		Sequence:  seq,
		Timestamp: timestamp,
		Commands: []Command{{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral),
			CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, AssetCollateral),
			AssetID:       AssetCollateral,
			Amount:        amount,
			CommandType:   CommandTypeDeposit,
			Timestamp:     timestamp,
		}},
	}

	return batch, nil
}

// GenerateWithdrawal moves free collateral back across the external boundary:
// user:collateral -> external:withdrawals.
// Pre-check: the user must hold the full amount.
func (cg *CommandGenerator) GenerateWithdrawal(
	userID uuid.UUID,
	amount int64,
	seq int64,
	timestamp int64,
) (*Batch, error) {
	collateral := NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral)
	if err := cg.book.ValidateSufficient(collateral, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batchID := uuid.New()
	opRef := fmt.Sprintf("withdrawal:%s:%d", userID, seq)

	batch := &Batch{
		BatchID:   batchID,
		OpRef:     opRef,
		Sequence:  seq,
		Timestamp: timestamp,
		Commands: []Command{{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  NewExternalAccountKey(SubTypeExternalWithdrawals, AssetCollateral),
			CreditAccount: collateral,
			AssetID:       AssetCollateral,
			Amount:        amount,
			CommandType:   CommandTypeWithdrawal,
			Timestamp:     timestamp,
		}},
	}

	return batch, nil
}

// GenerateMint creates the three-leg mint batch:
//
//	user:collateral -> system:treasury   (fee)
//	user:collateral -> system:vault      (net deposit)
//	external:issuance -> user:option_token (net tokens minted)
//
// Pre-check: the user must hold fee + net collateral.
// Legs with a zero amount are omitted (amounts below the fee divisor mint
// with no fee leg).
func (cg *CommandGenerator) GenerateMint(
	userID uuid.UUID,
	fee int64,
	net int64,
	seq int64,
	timestamp int64,
) (*Batch, error) {
	collateral := NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral)
	if err := cg.book.ValidateSufficient(collateral, fee+net); err != nil {
		return nil, fmt.Errorf("mint pre-check failed: %w", err)
	}

	batchID := uuid.New()
	opRef := fmt.Sprintf("mint:%s:%d", userID, seq)

	batch := &Batch{
		BatchID:   batchID,
		OpRef:     opRef,
		Sequence:  seq,
		Timestamp: timestamp,
		Commands:  make([]Command, 0, 3),
	}

	if fee > 0 {
		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  TreasuryAccount(),
			CreditAccount: collateral,
			AssetID:       AssetCollateral,
			Amount:        fee,
			CommandType:   CommandTypeMintFee,
			Timestamp:     timestamp,
		})
	}

	if net > 0 {
		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  VaultAccount(),
			CreditAccount: collateral,
			AssetID:       AssetCollateral,
			Amount:        net,
			CommandType:   CommandTypeMintCollateral,
			Timestamp:     timestamp,
		})

		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  NewUserAccountKey(userID, SubTypeOptionToken, AssetOptionToken),
			CreditAccount: IssuanceAccount(),
			AssetID:       AssetOptionToken,
			Amount:        net,
			CommandType:   CommandTypeMintTokens,
			Timestamp:     timestamp,
		})
	}

	return batch, nil
}

// GenerateRedeem creates the three-leg redeem batch:
//
//	user:option_token -> external:issuance (burn)
//	system:vault -> user:collateral        (net payout)
//	system:vault -> system:treasury        (fee)
//
// Pre-checks: the user must hold the tokens being burned, and the vault must
// cover payout + fee. An underfunded vault aborts the whole operation.
func (cg *CommandGenerator) GenerateRedeem(
	userID uuid.UUID,
	burn int64,
	net int64,
	fee int64,
	seq int64,
	timestamp int64,
) (*Batch, error) {
	tokens := NewUserAccountKey(userID, SubTypeOptionToken, AssetOptionToken)
	if err := cg.book.ValidateSufficient(tokens, burn); err != nil {
		return nil, fmt.Errorf("redeem burn pre-check failed: %w", err)
	}
	if err := cg.book.ValidateSufficient(VaultAccount(), net+fee); err != nil {
		return nil, fmt.Errorf("redeem payout pre-check failed: %w", err)
	}

	batchID := uuid.New()
	opRef := fmt.Sprintf("redeem:%s:%d", userID, seq)

	batch := &Batch{
		BatchID:   batchID,
		OpRef:     opRef,
		Sequence:  seq,
		Timestamp: timestamp,
		Commands:  make([]Command, 0, 3),
	}

	if burn > 0 {
		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  IssuanceAccount(),
			CreditAccount: tokens,
			AssetID:       AssetOptionToken,
			Amount:        burn,
			CommandType:   CommandTypeRedeemBurn,
			Timestamp:     timestamp,
		})
	}

	if net > 0 {
		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral),
			CreditAccount: VaultAccount(),
			AssetID:       AssetCollateral,
			Amount:        net,
			CommandType:   CommandTypeRedeemPayout,
			Timestamp:     timestamp,
		})
	}

	if fee > 0 {
		batch.Commands = append(batch.Commands, Command{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  TreasuryAccount(),
			CreditAccount: VaultAccount(),
			AssetID:       AssetCollateral,
			Amount:        fee,
			CommandType:   CommandTypeRedeemFee,
			Timestamp:     timestamp,
		})
	}

	return batch, nil
}

// GenerateLiquidation moves the ENTIRE vault balance to the liquidator:
// system:vault -> user:collateral. The caller has already established that
// the vault cannot cover the amount due.
func (cg *CommandGenerator) GenerateLiquidation(
	liquidatorID uuid.UUID,
	vaultBalance int64,
	seq int64,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()
	opRef := fmt.Sprintf("liquidate:%s:%d", liquidatorID, seq)

	batch := &Batch{
		BatchID:   batchID,
		OpRef:     opRef,
		Sequence:  seq,
		Timestamp: timestamp,
		Commands: []Command{{
			CommandID:     uuid.New(),
			BatchID:       batchID,
			OpRef:         opRef,
			Sequence:      seq,
			DebitAccount:  NewUserAccountKey(liquidatorID, SubTypeCollateral, AssetCollateral),
			CreditAccount: VaultAccount(),
			AssetID:       AssetCollateral,
			Amount:        vaultBalance,
			CommandType:   CommandTypeLiquidationSeize,
			Timestamp:     timestamp,
		}},
	}

	return batch, nil
}
