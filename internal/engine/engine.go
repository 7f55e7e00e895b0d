package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"OptionLedger/internal/config"
	"OptionLedger/internal/event"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/state"

	"github.com/google/uuid"
)

// PriceSource supplies the current reference price. The engine reads a single
// snapshot per operation; updates arrive out of band.
type PriceSource interface {
	Price(now int64) (uint64, error)
}

// BalanceSnap is the absolute post-operation balance of one touched account.
type BalanceSnap struct {
	Key     ledger.AccountKey
	Balance int64
}

// Output is one committed operation handed to the persistence worker and the
// outbound publisher. Batch is nil for operations that move no value.
// Balances and Position are post-operation snapshots so downstream read
// models can be updated idempotently with absolute values.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Balances []BalanceSnap
	Position *state.Position
	Config   *config.Params
}

// SettlementEngine orchestrates mint, redeem, liquidate, and payout preview
// over the config store, the position ledger, the book, and the price oracle.
// A single mutex serializes every operation, so each one observes and commits
// a consistent snapshot of the whole state.
type SettlementEngine struct {
	mu sync.Mutex

	sequence  int64
	hasher    *StateHasher
	book      *ledger.Book
	generator *ledger.CommandGenerator
	positions *state.PositionLedger
	config    *config.Store
	prices    PriceSource
	now       func() int64
	metrics   *observability.Metrics

	// Blocking send: the engine stalls until the persistence worker drains,
	// so no committed operation is ever lost.
	persistChan chan<- Output
	// Non-blocking send with drop: subscribers can rebuild from the event log.
	publishChan chan<- Output
}

// NewSettlementEngine wires the engine. A nil clock defaults to wall time;
// nil channels disable the corresponding output path.
func NewSettlementEngine(
	prices PriceSource,
	now func() int64,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
) *SettlementEngine {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}

	book := ledger.NewBook()

	return &SettlementEngine{
		hasher:      NewStateHasher(),
		book:        book,
		generator:   ledger.NewCommandGenerator(book),
		positions:   state.NewPositionLedger(),
		config:      config.NewStore(),
		prices:      prices,
		now:         now,
		metrics:     metrics,
		persistChan: persistChan,
		publishChan: publishChan,
	}
}

// ============================================================================
// Admin operations
// ============================================================================

// Initialize creates the protocol configuration with the caller as authority.
func (e *SettlementEngine) Initialize(caller uuid.UUID, strikePrice, collateralizationRatio uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if err := e.config.Initialize(caller, strikePrice, collateralizationRatio); err != nil {
		e.reject("initialize", err)
		return err
	}

	e.commit(&event.ConfigInitialized{
		Authority:              caller,
		StrikePrice:            strikePrice,
		CollateralizationRatio: collateralizationRatio,
	}, fmt.Sprintf("initialize:%s", caller), nil, e.now(), nil)

	e.applied("initialize", start)
	return nil
}

// UpdateStrikePrice replaces the strike. Authority only; takes effect for
// every subsequent settlement.
func (e *SettlementEngine) UpdateStrikePrice(caller uuid.UUID, newStrike uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	params, err := e.config.Params()
	if err != nil {
		e.reject("update_strike", err)
		return err
	}

	if err := e.config.UpdateStrikePrice(caller, newStrike); err != nil {
		e.reject("update_strike", err)
		return err
	}

	e.commit(&event.StrikePriceUpdated{
		OldStrike: params.StrikePrice,
		NewStrike: newStrike,
	}, fmt.Sprintf("update_strike:%s:%d", caller, e.sequence), nil, e.now(), nil)

	e.applied("update_strike", start)
	return nil
}

// SetPaused flips the pause flag. Authority only.
func (e *SettlementEngine) SetPaused(caller uuid.UUID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if err := e.config.SetPaused(caller, paused); err != nil {
		e.reject("set_paused", err)
		return err
	}

	e.commit(&event.PauseFlagSet{Paused: paused},
		fmt.Sprintf("set_paused:%s:%d", caller, e.sequence), nil, e.now(), nil)

	e.applied("set_paused", start)
	return nil
}

// ============================================================================
// Collateral boundary
// ============================================================================

// Deposit credits user collateral from the external boundary.
func (e *SettlementEngine) Deposit(user uuid.UUID, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	amt, err := asLedgerAmount(amount)
	if err != nil {
		e.reject("deposit", err)
		return err
	}

	now := e.now()
	batch, err := e.generator.GenerateDeposit(user, amt, e.sequence, now)
	if err != nil {
		e.reject("deposit", err)
		return err
	}
	if err := e.book.ApplyBatch(batch); err != nil {
		e.reject("deposit", err)
		return err
	}

	e.commit(&event.CollateralDeposited{User: user, Amount: amount}, batch.OpRef, batch, now, nil)
	e.applied("deposit", start)
	return nil
}

// Withdraw moves free collateral back across the external boundary.
func (e *SettlementEngine) Withdraw(user uuid.UUID, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	amt, err := asLedgerAmount(amount)
	if err != nil {
		e.reject("withdraw", err)
		return err
	}

	now := e.now()
	batch, err := e.generator.GenerateWithdrawal(user, amt, e.sequence, now)
	if err != nil {
		e.reject("withdraw", err)
		return err
	}
	if err := e.book.ApplyBatch(batch); err != nil {
		e.reject("withdraw", err)
		return err
	}

	e.commit(&event.CollateralWithdrawn{User: user, Amount: amount}, batch.OpRef, batch, now, nil)
	e.applied("withdraw", start)
	return nil
}

// ============================================================================
// Settlement operations
// ============================================================================

// Mint deposits `amount` collateral and mints `amount - fee` option tokens.
// The collateral gate compares the deposit against itself at the configured
// ratio, so any ratio above 100% rejects every mint; this odd behavior is
// kept for compatibility.
func (e *SettlementEngine) Mint(user uuid.UUID, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	params, err := e.config.Params()
	if err != nil {
		e.reject("mint", err)
		return err
	}
	if params.Paused {
		e.reject("mint", ErrPaused)
		return ErrPaused
	}

	if !fpmath.IsSufficientCollateral(amount, amount, params.CollateralizationRatio) {
		e.reject("mint", ErrUndercollateralized)
		return ErrUndercollateralized
	}

	fee, net := fpmath.SplitFee(amount)

	// Position overflow must reject before any balance moves.
	if err := e.positions.CanIncrease(user, net); err != nil {
		e.reject("mint", err)
		return err
	}

	feeAmt, err := asLedgerAmount(fee)
	if err != nil {
		e.reject("mint", err)
		return err
	}
	netAmt, err := asLedgerAmount(net)
	if err != nil {
		e.reject("mint", err)
		return err
	}

	now := e.now()
	batch, err := e.generator.GenerateMint(user, feeAmt, netAmt, e.sequence, now)
	if err != nil {
		e.reject("mint", err)
		return err
	}

	// A zero deposit produces no legs. It still goes through Increase, which
	// restamps the position timestamp and restarts the expiry clock.
	var committed *ledger.Batch
	if len(batch.Commands) > 0 {
		if err := e.book.ApplyBatch(batch); err != nil {
			e.reject("mint", err)
			return err
		}
		committed = batch
	}
	if err := e.positions.Increase(user, net, now); err != nil {
		// Unreachable after CanIncrease; kept as a hard stop because the
		// book has already moved.
		panic(fmt.Sprintf("position increase failed after batch apply: %v", err))
	}

	e.commit(&event.OptionMinted{User: user, Deposit: amount, Fee: fee, Net: net}, batch.OpRef, committed, now, e.positions.Get(user))
	e.applied("mint", start)

	if e.metrics != nil {
		e.metrics.FeesCollected.WithLabelValues("mint").Add(float64(fee))
		e.metrics.TokensMinted.Add(float64(net))
	}
	return nil
}

// Redeem burns `amount` option tokens and pays out intrinsic value net of
// fee. The vault is not checked against what other positions would need;
// solvency is only enforced reactively by Liquidate.
func (e *SettlementEngine) Redeem(user uuid.UUID, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	params, err := e.config.Params()
	if err != nil {
		e.reject("redeem", err)
		return err
	}
	if params.Paused {
		e.reject("redeem", ErrPaused)
		return ErrPaused
	}

	pos := e.positions.Get(user)
	if pos == nil {
		e.reject("redeem", state.ErrInsufficientBalance)
		return state.ErrInsufficientBalance
	}

	now := e.now()
	if now < pos.Timestamp || now-pos.Timestamp >= ExpirySeconds {
		e.reject("redeem", ErrExpiredPosition)
		return ErrExpiredPosition
	}

	price, err := e.prices.Price(now)
	if err != nil {
		e.reject("redeem", err)
		return err
	}
	if price <= params.StrikePrice {
		e.reject("redeem", ErrBelowStrike)
		return ErrBelowStrike
	}

	raw, err := fpmath.IntrinsicValue(price, params.StrikePrice, amount)
	if err != nil {
		e.reject("redeem", ErrUndercollateralized)
		return ErrUndercollateralized
	}
	fee, net := fpmath.SplitFee(raw)

	if pos.Amount < amount {
		e.reject("redeem", state.ErrInsufficientBalance)
		return state.ErrInsufficientBalance
	}

	burnAmt, err := asLedgerAmount(amount)
	if err != nil {
		e.reject("redeem", err)
		return err
	}
	netAmt, err := asLedgerAmount(net)
	if err != nil {
		e.reject("redeem", err)
		return err
	}
	feeAmt, err := asLedgerAmount(fee)
	if err != nil {
		e.reject("redeem", err)
		return err
	}

	batch, err := e.generator.GenerateRedeem(user, burnAmt, netAmt, feeAmt, e.sequence, now)
	if err != nil {
		e.reject("redeem", err)
		return err
	}

	// A zero burn produces no legs and leaves the position timestamp alone.
	var committed *ledger.Batch
	if len(batch.Commands) > 0 {
		if err := e.book.ApplyBatch(batch); err != nil {
			e.reject("redeem", err)
			return err
		}
		committed = batch
	}
	if err := e.positions.Decrease(user, amount); err != nil {
		panic(fmt.Sprintf("position decrease failed after batch apply: %v", err))
	}

	e.commit(&event.OptionRedeemed{
		User:      user,
		Burned:    amount,
		RawPayout: raw,
		Fee:       fee,
		Net:       net,
		Price:     price,
		Strike:    params.StrikePrice,
	}, batch.OpRef, committed, now, e.positions.Get(user))
	e.applied("redeem", start)

	if e.metrics != nil {
		e.metrics.FeesCollected.WithLabelValues("redeem").Add(float64(fee))
		e.metrics.TokensBurned.Add(float64(amount))
	}
	return nil
}

// Liquidate seizes the entire vault when it cannot cover what the caller's
// position is owed at the current price, then zeroes the caller's own
// position. Both the whole-vault transfer and the self-target are preserved
// for compatibility.
func (e *SettlementEngine) Liquidate(liquidator uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	params, err := e.config.Params()
	if err != nil {
		e.reject("liquidate", err)
		return err
	}

	now := e.now()
	price, err := e.prices.Price(now)
	if err != nil {
		e.reject("liquidate", err)
		return err
	}
	if price <= params.StrikePrice {
		e.reject("liquidate", ErrBelowStrike)
		return ErrBelowStrike
	}

	var posAmount uint64
	if pos := e.positions.Get(liquidator); pos != nil {
		posAmount = pos.Amount
	}

	due, err := fpmath.IntrinsicValue(price, params.StrikePrice, posAmount)
	if err != nil {
		e.reject("liquidate", ErrUndercollateralized)
		return ErrUndercollateralized
	}

	vault := e.book.VaultBalance()
	if e.metrics != nil {
		e.metrics.CoverageRatio.Set(float64(fpmath.CoverageRatio(uint64(vault), due)))
	}

	// Sole solvency gate in the system: only an underfunded vault is
	// liquidatable.
	if uint64(vault) >= due {
		e.reject("liquidate", ErrUndercollateralized)
		return ErrUndercollateralized
	}

	var batch *ledger.Batch
	if vault > 0 {
		batch, err = e.generator.GenerateLiquidation(liquidator, vault, e.sequence, now)
		if err != nil {
			e.reject("liquidate", err)
			return err
		}
		if err := e.book.ApplyBatch(batch); err != nil {
			e.reject("liquidate", err)
			return err
		}
	}

	zeroed := e.positions.ZeroOut(liquidator)

	opRef := fmt.Sprintf("liquidate:%s:%d", liquidator, e.sequence)
	if batch != nil {
		opRef = batch.OpRef
	}

	e.commit(&event.VaultLiquidated{
		Liquidator:     liquidator,
		Seized:         uint64(vault),
		Due:            due,
		PositionZeroed: zeroed,
		Price:          price,
		Strike:         params.StrikePrice,
	}, opRef, batch, now, e.positions.Get(liquidator))
	e.applied("liquidate", start)
	return nil
}

// PreviewPayout returns the intrinsic value of `amount` tokens at the current
// price: zero at or below strike, (price - strike) * amount / 1e8 above it.
// Read-only; nothing is committed.
func (e *SettlementEngine) PreviewPayout(amount uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	params, err := e.config.Params()
	if err != nil {
		return 0, err
	}

	price, err := e.prices.Price(e.now())
	if err != nil {
		return 0, err
	}

	payout, err := fpmath.IntrinsicValue(price, params.StrikePrice, amount)
	if err != nil {
		return 0, ErrUndercollateralized
	}
	return payout, nil
}

// ============================================================================
// Commit pipeline
// ============================================================================

func (e *SettlementEngine) commit(evt event.Event, opRef string, batch *ledger.Batch, ts int64, pos *state.Position) *event.Envelope {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("event payload marshal failed: %v", err))
	}

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.stateDigest())
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:  e.sequence,
		EventType: evt.EventType(),
		OpRef:     opRef,
		Timestamp: ts,
		Payload:   payload,
		StateHash: stateHash,
		PrevHash:  prevHash,
	}
	e.sequence++

	output := Output{Envelope: envelope, Batch: batch}
	if batch != nil {
		seen := make(map[ledger.AccountKey]bool, len(batch.Commands)*2)
		for _, cmd := range batch.Commands {
			for _, key := range [2]ledger.AccountKey{cmd.DebitAccount, cmd.CreditAccount} {
				if seen[key] {
					continue
				}
				seen[key] = true
				output.Balances = append(output.Balances, BalanceSnap{Key: key, Balance: e.book.GetBalance(key)})
			}
		}
	}
	if pos != nil {
		cp := *pos
		output.Position = &cp
	}
	switch evt.EventType() {
	case event.EventTypeConfigInitialized, event.EventTypeStrikePriceUpdated, event.EventTypePauseFlagSet:
		if params, err := e.config.Params(); err == nil {
			output.Config = &params
		}
	}

	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			// Channel full: the engine blocks until the persistence worker
			// drains. Count it first so the stall is visible.
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.VaultBalance.Set(float64(e.book.VaultBalance()))
		e.metrics.TreasuryBalance.Set(float64(e.book.TreasuryBalance()))
		if batch != nil {
			for _, cmd := range batch.Commands {
				e.metrics.CommandsGenerated.WithLabelValues(cmd.CommandType.String()).Inc()
			}
		}
	}

	return envelope
}

// stateDigest serializes the full engine state: book balances, positions,
// and configuration.
func (e *SettlementEngine) stateDigest() []byte {
	digest := e.book.CanonicalBytes()
	digest = append(digest, e.positions.CanonicalBytes()...)

	if params, err := e.config.Params(); err == nil {
		digest = append(digest, params.Authority[:]...)
		digest = appendUint64LE(digest, params.StrikePrice)
		digest = appendUint64LE(digest, params.CollateralizationRatio)
		if params.Paused {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
		digest = appendUint64LE(digest, uint64(params.Version))
	}

	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *SettlementEngine) applied(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (e *SettlementEngine) reject(op string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrUndercollateralized):
		return "undercollateralized"
	case errors.Is(err, ErrBelowStrike):
		return "below_strike"
	case errors.Is(err, ErrExpiredPosition):
		return "expired"
	case errors.Is(err, state.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_balance"
	case errors.Is(err, state.ErrArithmeticOverflow), errors.Is(err, fpmath.ErrOverflow):
		return "overflow"
	case errors.Is(err, config.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, config.ErrNotInitialized), errors.Is(err, config.ErrAlreadyInitialized):
		return "config"
	case errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrStalePrice):
		return "oracle"
	default:
		return "other"
	}
}

// asLedgerAmount converts an unsigned amount to the book's signed domain.
func asLedgerAmount(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fpmath.ErrOverflow
	}
	return int64(v), nil
}

// ============================================================================
// Read accessors & restore
// ============================================================================

// Sequence returns the next sequence number to assign.
func (e *SettlementEngine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *SettlementEngine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// VaultBalance returns the pooled collateral backing open positions.
func (e *SettlementEngine) VaultBalance() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.VaultBalance()
}

// TreasuryBalance returns the accumulated protocol fees.
func (e *SettlementEngine) TreasuryBalance() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.TreasuryBalance()
}

// Balance returns a single account balance.
func (e *SettlementEngine) Balance(key ledger.AccountKey) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.GetBalance(key)
}

// Position returns a copy of the owner's position, or nil if none exists.
func (e *SettlementEngine) Position(owner uuid.UUID) *state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions.Get(owner)
	if pos == nil {
		return nil
	}
	cp := *pos
	return &cp
}

// Params returns the current protocol configuration.
func (e *SettlementEngine) Params() (config.Params, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Params()
}

// RestoredState carries state loaded from storage on warm start.
type RestoredState struct {
	Sequence  int64
	StateHash [32]byte
	Balances  map[ledger.AccountKey]int64
	Positions []*state.Position
	Config    *config.Params
}

// Restore installs persisted state. Must run before the engine serves
// operations.
func (e *SettlementEngine) Restore(rs RestoredState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = rs.Sequence
	e.hasher.SetPrevHash(rs.StateHash)

	for key, balance := range rs.Balances {
		e.book.SetBalance(key, balance)
	}
	for _, pos := range rs.Positions {
		e.positions.Set(pos)
	}
	if rs.Config != nil {
		e.config.Restore(*rs.Config)
	}
}
