package config

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAlreadyInitialized = errors.New("config already initialized")
	ErrNotInitialized     = errors.New("config not initialized")
	ErrUnauthorized       = errors.New("caller is not the authority")
)

// Params is the protocol configuration singleton.
type Params struct {
	Authority              uuid.UUID // sole admin identity
	StrikePrice            uint64    // fixed-point, 8 decimals
	CollateralizationRatio uint64    // parts-per-million (1_500_000 = 150%)
	Paused                 bool
	Version                int64 // bumped on every admin mutation
}

// Store holds the configuration and gates mutation behind the authority.
// Initialization happens exactly once; callers are identified by the host
// boundary, so no signature verification happens here.
type Store struct {
	initialized bool
	params      Params
}

func NewStore() *Store {
	return &Store{}
}

// Initialize sets the genesis configuration. Strike and ratio are recorded
// as given; bounds are the authority's responsibility.
func (s *Store) Initialize(authority uuid.UUID, strikePrice, collateralizationRatio uint64) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}

	s.params = Params{
		Authority:              authority,
		StrikePrice:            strikePrice,
		CollateralizationRatio: collateralizationRatio,
		Paused:                 false,
		Version:                1,
	}
	s.initialized = true
	return nil
}

// UpdateStrikePrice replaces the strike. Authority only. The new strike takes
// effect for every subsequent settlement; no bounds check is applied.
func (s *Store) UpdateStrikePrice(caller uuid.UUID, newStrike uint64) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if caller != s.params.Authority {
		return ErrUnauthorized
	}

	s.params.StrikePrice = newStrike
	s.params.Version++
	return nil
}

// SetPaused flips the pause flag. Authority only. Pause gates mint and
// redeem; liquidation and payout preview keep working.
func (s *Store) SetPaused(caller uuid.UUID, paused bool) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if caller != s.params.Authority {
		return ErrUnauthorized
	}

	s.params.Paused = paused
	s.params.Version++
	return nil
}

// Params returns a copy of the current configuration.
func (s *Store) Params() (Params, error) {
	if !s.initialized {
		return Params{}, ErrNotInitialized
	}
	return s.params, nil
}

// Initialized reports whether genesis has happened.
func (s *Store) Initialized() bool {
	return s.initialized
}

// Restore installs configuration loaded from storage (startup only).
func (s *Store) Restore(p Params) {
	s.params = p
	s.initialized = true
}
