package ingestion

import (
	"encoding/json"
	"fmt"
)

// PriceUpdate is a validated price feed message, ready for the oracle.
// Price is fixed-point with 8 decimals, matching the strike price scale.
type PriceUpdate struct {
	Symbol    string
	Price     uint64
	Sequence  int64
	UpdatedAt int64 // unix seconds
}

// priceUpdateJSON is the wire format published by upstream price producers.
// Field names use snake_case to match them.
type priceUpdateJSON struct {
	Symbol      string `json:"symbol"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes and validates one raw feed message.
func ParsePriceUpdate(raw RawPrice) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}

	if j.Symbol == "" {
		return PriceUpdate{}, fmt.Errorf("price update missing symbol")
	}
	if j.Price <= 0 {
		return PriceUpdate{}, fmt.Errorf("non-positive price %d for %s", j.Price, j.Symbol)
	}
	if j.Sequence < 0 {
		return PriceUpdate{}, fmt.Errorf("negative sequence %d for %s", j.Sequence, j.Symbol)
	}

	return PriceUpdate{
		Symbol:    j.Symbol,
		Price:     uint64(j.Price),
		Sequence:  j.Sequence,
		UpdatedAt: j.TimestampUs / 1_000_000,
	}, nil
}
