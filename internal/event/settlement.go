// internal/event/settlement.go
package event

import "github.com/google/uuid"

type ConfigInitialized struct {
	Authority              uuid.UUID `json:"authority"`
	StrikePrice            uint64    `json:"strike_price"`
	CollateralizationRatio uint64    `json:"collateralization_ratio"`
}

func (e *ConfigInitialized) EventType() EventType { return EventTypeConfigInitialized }

type CollateralDeposited struct {
	User   uuid.UUID `json:"user"`
	Amount uint64    `json:"amount"`
}

func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }

type CollateralWithdrawn struct {
	User   uuid.UUID `json:"user"`
	Amount uint64    `json:"amount"`
}

func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }

type OptionMinted struct {
	User    uuid.UUID `json:"user"`
	Deposit uint64    `json:"deposit"` // gross collateral in
	Fee     uint64    `json:"fee"`     // to treasury
	Net     uint64    `json:"net"`     // to vault, tokens minted
}

func (e *OptionMinted) EventType() EventType { return EventTypeOptionMinted }

type OptionRedeemed struct {
	User      uuid.UUID `json:"user"`
	Burned    uint64    `json:"burned"`
	RawPayout uint64    `json:"raw_payout"`
	Fee       uint64    `json:"fee"`
	Net       uint64    `json:"net"`
	Price     uint64    `json:"price"`
	Strike    uint64    `json:"strike"`
}

func (e *OptionRedeemed) EventType() EventType { return EventTypeOptionRedeemed }

type VaultLiquidated struct {
	Liquidator     uuid.UUID `json:"liquidator"`
	Seized         uint64    `json:"seized"` // entire vault balance
	Due            uint64    `json:"due"`    // what the position was owed
	PositionZeroed uint64    `json:"position_zeroed"`
	Price          uint64    `json:"price"`
	Strike         uint64    `json:"strike"`
}

func (e *VaultLiquidated) EventType() EventType { return EventTypeVaultLiquidated }

type StrikePriceUpdated struct {
	OldStrike uint64 `json:"old_strike"`
	NewStrike uint64 `json:"new_strike"`
}

func (e *StrikePriceUpdated) EventType() EventType { return EventTypeStrikePriceUpdated }

type PauseFlagSet struct {
	Paused bool `json:"paused"`
}

func (e *PauseFlagSet) EventType() EventType { return EventTypePauseFlagSet }
