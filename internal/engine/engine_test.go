package engine_test

import (
	"errors"
	"testing"

	"OptionLedger/internal/config"
	"OptionLedger/internal/engine"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/state"

	"github.com/google/uuid"
)

const (
	strike30k = 30_000_00000000 // $30,000 at 8 decimals
	price35k  = 35_000_00000000 // $35,000 at 8 decimals
	ratio100  = 1_000_000       // 100% in parts-per-million
	baseTime  = 1_700_000_000
)

type testClock struct {
	now int64
}

func (c *testClock) fn() func() int64 {
	return func() int64 { return c.now }
}

type testEnv struct {
	engine    *engine.SettlementEngine
	oracle    *oracle.SnapshotOracle
	clock     *testClock
	authority uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{now: baseTime}
	snap := oracle.NewSnapshotOracle(0)
	eng := engine.NewSettlementEngine(snap, clock.fn(), nil, nil, nil)

	return &testEnv{
		engine:    eng,
		oracle:    snap,
		clock:     clock,
		authority: uuid.New(),
	}
}

// initialized creates an env with config in place and a price on the oracle.
func initialized(t *testing.T, strike, ratio, price uint64) *testEnv {
	t.Helper()

	env := newTestEnv(t)
	if err := env.engine.Initialize(env.authority, strike, ratio); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	env.oracle.Update(price, 1, baseTime)
	return env
}

func fund(t *testing.T, env *testEnv, user uuid.UUID, amount uint64) {
	t.Helper()
	if err := env.engine.Deposit(user, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// ============================================================================
// Test: mint
// ============================================================================

func TestEngine_MintFeeSplit(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	user := uuid.New()
	fund(t, env, user, 1_000_000)

	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if got := env.engine.TreasuryBalance(); got != 1000 {
		t.Errorf("treasury: got %d, want 1000", got)
	}
	if got := env.engine.VaultBalance(); got != 999_000 {
		t.Errorf("vault: got %d, want 999000", got)
	}

	pos := env.engine.Position(user)
	if pos == nil {
		t.Fatal("position should exist after mint")
	}
	if pos.Amount != 999_000 {
		t.Errorf("position amount: got %d, want 999000", pos.Amount)
	}
	if pos.Timestamp != baseTime {
		t.Errorf("position timestamp: got %d, want %d", pos.Timestamp, baseTime)
	}

	tokens := env.engine.Balance(ledger.NewUserAccountKey(user, ledger.SubTypeOptionToken, ledger.AssetOptionToken))
	if tokens != 999_000 {
		t.Errorf("token balance: got %d, want 999000", tokens)
	}
}

func TestEngine_MintCollateralGateRejectsRatioAbove100Percent(t *testing.T) {
	// The gate compares the deposit to itself, so 1_500_000 ppm (150%)
	// rejects every mint regardless of amount.
	env := initialized(t, strike30k, 1_500_000, price35k)
	user := uuid.New()
	fund(t, env, user, 1_000_000)

	err := env.engine.Mint(user, 1_000_000)
	if !errors.Is(err, engine.ErrUndercollateralized) {
		t.Errorf("got %v, want ErrUndercollateralized", err)
	}
	if got := env.engine.VaultBalance(); got != 0 {
		t.Errorf("rejected mint must not move balances, vault=%d", got)
	}
}

func TestEngine_MintWithoutCollateral(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	err := env.engine.Mint(uuid.New(), 1_000_000)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestEngine_MintBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Mint(uuid.New(), 1000)
	if !errors.Is(err, config.ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestEngine_MintFeeConservation(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	amounts := []uint64{1, 999, 1000, 1001, 123_456, 1_000_000}
	for _, amount := range amounts {
		user := uuid.New()
		fund(t, env, user, amount)

		treasuryBefore := env.engine.TreasuryBalance()
		vaultBefore := env.engine.VaultBalance()

		if err := env.engine.Mint(user, amount); err != nil {
			t.Fatalf("mint(%d): %v", amount, err)
		}

		fee := env.engine.TreasuryBalance() - treasuryBefore
		net := env.engine.VaultBalance() - vaultBefore
		if fee != int64(amount/1000) {
			t.Errorf("mint(%d) fee: got %d, want %d", amount, fee, amount/1000)
		}
		if uint64(fee+net) != amount {
			t.Errorf("mint(%d): fee %d + net %d != amount", amount, fee, net)
		}
	}
}

func TestEngine_MintZeroRestampsExpiryClock(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	vaultBefore := env.engine.VaultBalance()
	treasuryBefore := env.engine.TreasuryBalance()
	seqBefore := env.engine.Sequence()

	// A zero mint moves no balances but restamps the position timestamp,
	// restarting the expiry clock for the whole position.
	env.clock.now = baseTime + engine.ExpirySeconds - 1
	if err := env.engine.Mint(user, 0); err != nil {
		t.Fatalf("mint(0): %v", err)
	}

	if got := env.engine.VaultBalance(); got != vaultBefore {
		t.Errorf("vault after zero mint: got %d, want %d", got, vaultBefore)
	}
	if got := env.engine.TreasuryBalance(); got != treasuryBefore {
		t.Errorf("treasury after zero mint: got %d, want %d", got, treasuryBefore)
	}
	if got := env.engine.Sequence(); got != seqBefore+1 {
		t.Errorf("zero mint must commit an event, sequence got %d, want %d", got, seqBefore+1)
	}

	pos := env.engine.Position(user)
	if pos.Amount != 999_000 {
		t.Errorf("position amount after zero mint: got %d, want 999000", pos.Amount)
	}
	if pos.Timestamp != env.clock.now {
		t.Errorf("position timestamp: got %d, want %d", pos.Timestamp, env.clock.now)
	}

	// The original window has elapsed, but the restamp keeps the position
	// redeemable.
	env.clock.now = baseTime + engine.ExpirySeconds
	if err := env.engine.Redeem(user, 100_000); err != nil {
		t.Errorf("redeem after restamp: %v", err)
	}
}

// ============================================================================
// Test: redeem
// ============================================================================

// whaleFund mints a large position from a second user so the vault can cover
// payouts to the user under test.
func whaleFund(t *testing.T, env *testEnv) {
	t.Helper()
	whale := uuid.New()
	fund(t, env, whale, 6_000_000_000)
	if err := env.engine.Mint(whale, 6_000_000_000); err != nil {
		t.Fatalf("whale mint: %v", err)
	}
}

func TestEngine_RedeemPayout(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	vaultBefore := env.engine.VaultBalance()
	treasuryBefore := env.engine.TreasuryBalance()

	// (35000e8 - 30000e8) * 999000 / 1e8 = 4_995_000_000
	if err := env.engine.Redeem(user, 999_000); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	collateral := env.engine.Balance(ledger.NewUserAccountKey(user, ledger.SubTypeCollateral, ledger.AssetCollateral))
	if collateral != 4_990_005_000 {
		t.Errorf("user payout: got %d, want 4_990_005_000", collateral)
	}
	if got := env.engine.TreasuryBalance() - treasuryBefore; got != 4_995_000 {
		t.Errorf("redeem fee: got %d, want 4_995_000", got)
	}
	if got := vaultBefore - env.engine.VaultBalance(); got != 4_995_000_000 {
		t.Errorf("vault outflow: got %d, want 4_995_000_000", got)
	}

	pos := env.engine.Position(user)
	if pos.Amount != 0 {
		t.Errorf("position after full redeem: got %d, want 0", pos.Amount)
	}
	tokens := env.engine.Balance(ledger.NewUserAccountKey(user, ledger.SubTypeOptionToken, ledger.AssetOptionToken))
	if tokens != 0 {
		t.Errorf("token balance after burn: got %d, want 0", tokens)
	}
}

func TestEngine_RedeemBelowStrike(t *testing.T) {
	env := initialized(t, strike30k, ratio100, strike30k) // price == strike
	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := env.engine.Redeem(user, 999_000)
	if !errors.Is(err, engine.ErrBelowStrike) {
		t.Errorf("got %v, want ErrBelowStrike", err)
	}
}

func TestEngine_RedeemExpiryBoundary(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// One second inside the window: redeem succeeds.
	env.clock.now = baseTime + engine.ExpirySeconds - 1
	if err := env.engine.Redeem(user, 400_000); err != nil {
		t.Fatalf("redeem inside window: %v", err)
	}

	// Exactly at the boundary: expired. Partial redemption above did not
	// extend the window.
	env.clock.now = baseTime + engine.ExpirySeconds
	err := env.engine.Redeem(user, 100_000)
	if !errors.Is(err, engine.ErrExpiredPosition) {
		t.Errorf("got %v, want ErrExpiredPosition", err)
	}
}

func TestEngine_RedeemClockBeforeMint(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// A clock behind the mint timestamp is treated as expired, matching the
	// fail-closed underflow handling.
	env.clock.now = baseTime - 1
	err := env.engine.Redeem(user, 100_000)
	if !errors.Is(err, engine.ErrExpiredPosition) {
		t.Errorf("got %v, want ErrExpiredPosition", err)
	}
}

func TestEngine_RedeemWithoutPosition(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	err := env.engine.Redeem(uuid.New(), 1000)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestEngine_RedeemMoreThanHeld(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := env.engine.Redeem(user, 999_001)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestEngine_RedeemZeroIsNoOp(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	whaleFund(t, env)

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	vaultBefore := env.engine.VaultBalance()
	seqBefore := env.engine.Sequence()

	// Zero burn: nothing moves, the timestamp stays, the event commits.
	env.clock.now = baseTime + 1000
	if err := env.engine.Redeem(user, 0); err != nil {
		t.Fatalf("redeem(0): %v", err)
	}

	if got := env.engine.VaultBalance(); got != vaultBefore {
		t.Errorf("vault after zero redeem: got %d, want %d", got, vaultBefore)
	}
	if got := env.engine.Sequence(); got != seqBefore+1 {
		t.Errorf("zero redeem must commit an event, sequence got %d, want %d", got, seqBefore+1)
	}

	pos := env.engine.Position(user)
	if pos.Amount != 999_000 {
		t.Errorf("position amount: got %d, want 999000", pos.Amount)
	}
	if pos.Timestamp != baseTime {
		t.Errorf("zero redeem must not touch the timestamp: got %d, want %d", pos.Timestamp, baseTime)
	}

	// The usual gates still apply: no position means no zero redeem either.
	err := env.engine.Redeem(uuid.New(), 0)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestEngine_RedeemNoPrice(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Initialize(env.authority, strike30k, ratio100); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	user := uuid.New()
	fund(t, env, user, 1_000_000)
	// Mint does not read the oracle, so it works with no price loaded.
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := env.engine.Redeem(user, 100_000)
	if !errors.Is(err, oracle.ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}

// ============================================================================
// Test: pause gating
// ============================================================================

func TestEngine_PauseGatesMintAndRedeem(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)
	user := uuid.New()
	fund(t, env, user, 2_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := env.engine.SetPaused(env.authority, true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := env.engine.Mint(user, 1_000_000); !errors.Is(err, engine.ErrPaused) {
		t.Errorf("mint while paused: got %v, want ErrPaused", err)
	}
	if err := env.engine.Redeem(user, 100_000); !errors.Is(err, engine.ErrPaused) {
		t.Errorf("redeem while paused: got %v, want ErrPaused", err)
	}

	// Preview and liquidation are unaffected by pause.
	if _, err := env.engine.PreviewPayout(999_000); err != nil {
		t.Errorf("preview while paused: %v", err)
	}
	if err := env.engine.Liquidate(user); err != nil {
		t.Errorf("liquidate while paused: %v", err)
	}

	if err := env.engine.SetPaused(env.authority, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Errorf("mint after unpause: %v", err)
	}
}

func TestEngine_PauseUnauthorized(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	err := env.engine.SetPaused(uuid.New(), true)
	if !errors.Is(err, config.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	params, _ := env.engine.Params()
	if params.Paused {
		t.Error("unauthorized call must not flip the pause flag")
	}
}

// ============================================================================
// Test: liquidation
// ============================================================================

func TestEngine_LiquidateGateWhenVaultCovers(t *testing.T) {
	// Price $1 above strike: due = 1e8 * 999000 / 1e8 = 999000 == vault,
	// so the vault still covers and liquidation is rejected.
	env := initialized(t, strike30k, ratio100, strike30k+1_00000000)
	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := env.engine.Liquidate(user)
	if !errors.Is(err, engine.ErrUndercollateralized) {
		t.Errorf("got %v, want ErrUndercollateralized", err)
	}
	if got := env.engine.VaultBalance(); got != 999_000 {
		t.Errorf("rejected liquidation must not move the vault, got %d", got)
	}
}

func TestEngine_LiquidateSeizesEntireVault(t *testing.T) {
	// At $35k the position is owed 4_995_000_000 against a 999_000 vault.
	env := initialized(t, strike30k, ratio100, price35k)
	user := uuid.New()
	other := uuid.New()
	fund(t, env, user, 1_000_000)
	fund(t, env, other, 500_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.engine.Mint(other, 500_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	vaultBefore := env.engine.VaultBalance()
	if err := env.engine.Liquidate(user); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// The liquidator receives the whole vault, not the amount due.
	if got := env.engine.VaultBalance(); got != 0 {
		t.Errorf("vault after liquidation: got %d, want 0", got)
	}
	collateral := env.engine.Balance(ledger.NewUserAccountKey(user, ledger.SubTypeCollateral, ledger.AssetCollateral))
	if collateral != vaultBefore {
		t.Errorf("liquidator collateral: got %d, want %d", collateral, vaultBefore)
	}

	// The caller's own position is zeroed; the other position is untouched.
	if pos := env.engine.Position(user); pos.Amount != 0 {
		t.Errorf("liquidator position: got %d, want 0", pos.Amount)
	}
	if pos := env.engine.Position(other); pos.Amount != 499_500 {
		t.Errorf("bystander position: got %d, want 499500", pos.Amount)
	}
}

func TestEngine_LiquidateBelowStrike(t *testing.T) {
	env := initialized(t, strike30k, ratio100, strike30k)
	user := uuid.New()
	fund(t, env, user, 1_000_000)
	if err := env.engine.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := env.engine.Liquidate(user)
	if !errors.Is(err, engine.ErrBelowStrike) {
		t.Errorf("got %v, want ErrBelowStrike", err)
	}
}

func TestEngine_LiquidateEmptyVault(t *testing.T) {
	// A drained vault with an outstanding position is still liquidatable:
	// the position is zeroed even though nothing can be seized.
	env := initialized(t, strike30k, ratio100, price35k)
	first := uuid.New()
	second := uuid.New()
	fund(t, env, first, 1_000_000)
	fund(t, env, second, 500_000)
	if err := env.engine.Mint(first, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.engine.Mint(second, 500_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// First liquidation drains the vault to zero.
	if err := env.engine.Liquidate(first); err != nil {
		t.Fatalf("first liquidation: %v", err)
	}
	if got := env.engine.VaultBalance(); got != 0 {
		t.Fatalf("vault after first liquidation: got %d, want 0", got)
	}

	// Second liquidation seizes nothing but still zeroes the position.
	if err := env.engine.Liquidate(second); err != nil {
		t.Fatalf("liquidate with empty vault: %v", err)
	}
	if pos := env.engine.Position(second); pos.Amount != 0 {
		t.Errorf("position: got %d, want 0", pos.Amount)
	}
}

// ============================================================================
// Test: preview payout
// ============================================================================

func TestEngine_PreviewPayout(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	got, err := env.engine.PreviewPayout(999_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != 4_995_000_000 {
		t.Errorf("got %d, want 4_995_000_000", got)
	}
}

func TestEngine_PreviewPayoutAtOrBelowStrike(t *testing.T) {
	env := initialized(t, strike30k, ratio100, strike30k)

	got, err := env.engine.PreviewPayout(999_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != 0 {
		t.Errorf("at strike: got %d, want 0", got)
	}

	env.oracle.Update(strike30k-1, 2, baseTime+1)
	got, err = env.engine.PreviewPayout(999_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != 0 {
		t.Errorf("below strike: got %d, want 0", got)
	}
}

func TestEngine_PreviewPayoutOverflow(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	_, err := env.engine.PreviewPayout(^uint64(0))
	if !errors.Is(err, engine.ErrUndercollateralized) {
		t.Errorf("got %v, want ErrUndercollateralized", err)
	}
}

// ============================================================================
// Test: admin & event stream
// ============================================================================

func TestEngine_UpdateStrikeUnauthorized(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	err := env.engine.UpdateStrikePrice(uuid.New(), strike30k*2)
	if !errors.Is(err, config.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	params, _ := env.engine.Params()
	if params.StrikePrice != strike30k {
		t.Errorf("strike mutated by unauthorized call: %d", params.StrikePrice)
	}
}

func TestEngine_UpdateStrikeTakesEffect(t *testing.T) {
	env := initialized(t, strike30k, ratio100, price35k)

	// Raise the strike above the oracle price: previews drop to zero.
	if err := env.engine.UpdateStrikePrice(env.authority, price35k); err != nil {
		t.Fatalf("update strike: %v", err)
	}
	got, err := env.engine.PreviewPayout(999_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != 0 {
		t.Errorf("payout after strike raise: got %d, want 0", got)
	}
}

func TestEngine_EnvelopeChain(t *testing.T) {
	persistChan := make(chan engine.Output, 16)

	clock := &testClock{now: baseTime}
	snap := oracle.NewSnapshotOracle(0)
	snap.Update(price35k, 1, baseTime)
	eng := engine.NewSettlementEngine(snap, clock.fn(), persistChan, nil, nil)

	authority := uuid.New()
	user := uuid.New()
	if err := eng.Initialize(authority, strike30k, ratio100); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := eng.Deposit(user, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Mint(user, 1_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	close(persistChan)

	var prev [32]byte
	seq := int64(0)
	for out := range persistChan {
		env := out.Envelope
		if env.Sequence != seq {
			t.Errorf("sequence: got %d, want %d", env.Sequence, seq)
		}
		if seq > 0 && env.PrevHash != prev {
			t.Errorf("envelope %d prev hash does not chain", seq)
		}
		if env.StateHash == env.PrevHash {
			t.Errorf("envelope %d state hash equals prev hash", seq)
		}
		prev = env.StateHash
		seq++
	}
	if seq != 3 {
		t.Errorf("envelope count: got %d, want 3", seq)
	}
}
