package event

// EventType discriminator for settlement event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeConfigInitialized
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeOptionMinted
	EventTypeOptionRedeemed
	EventTypeVaultLiquidated
	EventTypeStrikePriceUpdated
	EventTypePauseFlagSet
)

// Envelope wraps every committed settlement operation
type Envelope struct {
	// Global monotonic sequence assigned by the settlement engine
	Sequence int64

	// Event type discriminator
	EventType EventType

	// Operation reference, stable per committed operation
	OpRef string

	// Settlement timestamp (engine clock, unix seconds)
	Timestamp int64

	// JSON-encoded event-specific payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all settlement payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeConfigInitialized:
		return "ConfigInitialized"
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeOptionMinted:
		return "OptionMinted"
	case EventTypeOptionRedeemed:
		return "OptionRedeemed"
	case EventTypeVaultLiquidated:
		return "VaultLiquidated"
	case EventTypeStrikePriceUpdated:
		return "StrikePriceUpdated"
	case EventTypePauseFlagSet:
		return "PauseFlagSet"
	default:
		return "Unknown"
	}
}
