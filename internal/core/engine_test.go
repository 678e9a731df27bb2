package core_test

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/ledger"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"PerpCore/internal/store"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	usd  = uint64(1_000_000)     // one unit at price scale
	unit = uint64(1_000_000_000) // one unit at size scale
)

type harness struct {
	t         *testing.T
	ctx       context.Context
	engine    *core.Engine
	store     *store.MemoryStore
	clock     *core.ManualClock
	persist   chan core.CoreOutput
	authority uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     store.NewMemoryStore(),
		clock:     core.NewManualClock(time.Unix(1_700_000_000, 0)),
		persist:   make(chan core.CoreOutput, 8192),
		authority: uuid.New(),
	}
	h.engine = core.NewEngine(h.store, h.clock, core.DefaultConfig(), h.persist, nil, nil, nil, zerolog.Nop())
	return h
}

// newMarket initializes with default risk params and a price of 100.
func newMarket(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.must(&event.Initialize{Meta: meta(h.authority), CollateralAssetID: "USDC"})
	h.setPrice(100 * usd)
	return h
}

func meta(caller uuid.UUID) event.Meta {
	return event.Meta{Caller: caller}
}

func (h *harness) must(op event.Operation) *core.Receipt {
	h.t.Helper()
	r, err := h.engine.Execute(h.ctx, op)
	if err != nil {
		h.t.Fatalf("%s: %v", op.OpType(), err)
	}
	return r
}

func (h *harness) reject(op event.Operation, want perperr.Code) {
	h.t.Helper()
	before := h.engine.Sequence()
	_, err := h.engine.Execute(h.ctx, op)
	if got := perperr.CodeOf(err); got != want {
		h.t.Fatalf("%s: got error %v (%s), want %s", op.OpType(), err, got, want)
	}
	if after := h.engine.Sequence(); after != before {
		h.t.Fatalf("%s: rejected op advanced sequence %d -> %d", op.OpType(), before, after)
	}
}

func (h *harness) setPrice(price uint64) {
	h.t.Helper()
	h.must(&event.SetPrice{Meta: meta(h.authority), Price: price})
}

func (h *harness) deposit(user uuid.UUID, amount uint64) {
	h.t.Helper()
	h.must(&event.Deposit{Meta: meta(user), Amount: amount})
}

func (h *harness) open(user uuid.UUID, d state.Direction, size uint64, leverage uint32) *state.Position {
	h.t.Helper()
	return h.must(&event.OpenPosition{Meta: meta(user), Direction: d, Size: size, Leverage: leverage}).Position
}

func (h *harness) vault(user uuid.UUID) *state.Vault {
	h.t.Helper()
	v, err := h.store.LoadVault(h.ctx, user)
	if err != nil {
		h.t.Fatalf("load vault %s: %v", user, err)
	}
	return v
}

func (h *harness) market() *state.MarketState {
	h.t.Helper()
	m, err := h.store.LoadMarket(h.ctx)
	if err != nil {
		h.t.Fatalf("load market: %v", err)
	}
	return m
}

func (h *harness) position(owner uuid.UUID, id uint64) *state.Position {
	h.t.Helper()
	p, err := h.store.LoadPosition(h.ctx, owner, id)
	if err != nil {
		h.t.Fatalf("load position %d: %v", id, err)
	}
	return p
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Initialize / Oracle
// ============================================================================

func TestInitialize_DefaultsAndAuthority(t *testing.T) {
	h := newHarness(t)
	r := h.must(&event.Initialize{Meta: meta(h.authority), CollateralAssetID: "USDC"})

	if r.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", r.Sequence)
	}
	m := h.market()
	if m.Authority != h.authority {
		t.Errorf("authority: got %s, want %s", m.Authority, h.authority)
	}
	if m.Risk != state.DefaultRiskParams {
		t.Errorf("risk: got %+v, want %+v", m.Risk, state.DefaultRiskParams)
	}
	if m.LastFundingTime != h.clock.Now().Unix() {
		t.Errorf("last funding time: got %d, want %d", m.LastFundingTime, h.clock.Now().Unix())
	}
	if r.PriceFeed == nil || r.PriceFeed.Price != 0 {
		t.Errorf("price feed should start empty, got %+v", r.PriceFeed)
	}

	h.reject(&event.Initialize{Meta: meta(uuid.New()), CollateralAssetID: "USDC"}, perperr.CodeAlreadyInitialized)
}

func TestInitialize_Validation(t *testing.T) {
	h := newHarness(t)
	badLeverage := uint32(101)
	h.reject(&event.Initialize{
		Meta:              meta(h.authority),
		CollateralAssetID: "USDC",
		Risk:              state.RiskParamsUpdate{MaxLeverage: &badLeverage},
	}, perperr.CodeInvalidParameter)
	h.reject(&event.Initialize{Meta: meta(h.authority)}, perperr.CodeInvalidParameter)

	lev := uint32(20)
	h.must(&event.Initialize{
		Meta:              meta(h.authority),
		CollateralAssetID: "USDC",
		Risk:              state.RiskParamsUpdate{MaxLeverage: &lev},
	})
	if got := h.market().Risk.MaxLeverage; got != 20 {
		t.Errorf("max leverage: got %d, want 20", got)
	}
}

func TestOpsBeforeInitialize_NotInitialized(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.reject(&event.SetPrice{Meta: meta(h.authority), Price: usd}, perperr.CodeNotInitialized)
	h.reject(&event.Deposit{Meta: meta(user), Amount: usd}, perperr.CodeNotInitialized)
	h.reject(&event.Withdraw{Meta: meta(user), Amount: usd}, perperr.CodeNotInitialized)
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 1}, perperr.CodeNotInitialized)
	h.reject(&event.ClosePosition{Meta: meta(user)}, perperr.CodeNotInitialized)
	h.reject(&event.Liquidate{Meta: meta(user), Owner: user}, perperr.CodeNotInitialized)
	h.reject(&event.ApplyFunding{Meta: meta(user)}, perperr.CodeNotInitialized)
	h.reject(&event.SetPaused{Meta: meta(h.authority), Paused: true}, perperr.CodeNotInitialized)
}

func TestSetPrice_AuthorityAndValue(t *testing.T) {
	h := newMarket(t)

	h.reject(&event.SetPrice{Meta: meta(uuid.New()), Price: 101 * usd}, perperr.CodeUnauthorized)
	h.reject(&event.SetPrice{Meta: meta(h.authority), Price: 0}, perperr.CodeInvalidPrice)

	h.clock.Advance(5 * time.Second)
	r := h.must(&event.SetPrice{Meta: meta(h.authority), Price: 101 * usd})
	if r.PriceFeed.Price != 101*usd {
		t.Errorf("price: got %d, want %d", r.PriceFeed.Price, 101*usd)
	}
	if r.PriceFeed.ObservedAt != h.clock.Now().Unix() {
		t.Errorf("observed at: got %d, want %d", r.PriceFeed.ObservedAt, h.clock.Now().Unix())
	}
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDeposit_CreatesVaultAndJournals(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	drainOutputs(h.persist)

	h.deposit(user, 100*usd)
	h.deposit(user, 50*usd)

	v := h.vault(user)
	if v.Deposited != 150*usd || v.Locked != 0 {
		t.Errorf("vault: got deposited=%d locked=%d, want 150000000/0", v.Deposited, v.Locked)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals
	if len(j) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(j))
	}
	if j[0].JournalType != ledger.JournalTypeDeposit || j[0].Amount != int64(100*usd) || j[0].Asset != "USDC" {
		t.Errorf("journal: got %+v", j[0])
	}

	h.reject(&event.Deposit{Meta: meta(user)}, perperr.CodeZeroAmount)
}

func TestWithdraw_RespectsLockedMargin(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()

	h.reject(&event.Withdraw{Meta: meta(user), Amount: usd}, perperr.CodeInsufficientBalance)
	h.reject(&event.Withdraw{Meta: meta(user)}, perperr.CodeZeroAmount)

	h.deposit(user, 100*usd)
	h.open(user, state.DirectionLong, unit, 10) // locks 10

	h.reject(&event.Withdraw{Meta: meta(user), Amount: 91 * usd}, perperr.CodeInsufficientBalance)
	r := h.must(&event.Withdraw{Meta: meta(user), Amount: 90 * usd})
	if r.Vault.Deposited != 10*usd || r.Vault.Locked != 10*usd {
		t.Errorf("vault: got deposited=%d locked=%d, want 10000000/10000000", r.Vault.Deposited, r.Vault.Locked)
	}
}

// ============================================================================
// Test: Position Lifecycle
// ============================================================================

func TestOpenAndClose_Profit(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)

	p := h.open(user, state.DirectionLong, unit, 10)
	if p.PositionID != 0 {
		t.Errorf("position id: got %d, want 0", p.PositionID)
	}
	if p.EntryNotional != 100*usd || p.Margin != 10*usd || p.EntryPrice != 100*usd {
		t.Errorf("position: got notional=%d margin=%d entry=%d", p.EntryNotional, p.Margin, p.EntryPrice)
	}
	m := h.market()
	if m.TotalLongOpenInterest != 100*usd || m.NextPositionID != 1 {
		t.Errorf("market: got long OI=%d next id=%d", m.TotalLongOpenInterest, m.NextPositionID)
	}
	if v := h.vault(user); v.Locked != 10*usd {
		t.Errorf("locked: got %d, want %d", v.Locked, 10*usd)
	}

	h.setPrice(110 * usd)
	r := h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})

	if r.Settlement.PnL != int64(10*usd) || r.Settlement.OwnerDelta != int64(10*usd) {
		t.Errorf("settlement: got pnl=%d delta=%d, want 10000000", r.Settlement.PnL, r.Settlement.OwnerDelta)
	}
	v := h.vault(user)
	if v.Deposited != 110*usd || v.Locked != 0 {
		t.Errorf("vault: got deposited=%d locked=%d, want 110000000/0", v.Deposited, v.Locked)
	}
	closed := h.position(user, p.PositionID)
	if closed.IsOpen || closed.Status != state.PositionStatusClosed {
		t.Errorf("position: got is_open=%t status=%s", closed.IsOpen, closed.Status)
	}
	if got := h.market().TotalLongOpenInterest; got != 0 {
		t.Errorf("long OI after close: got %d, want 0", got)
	}

	h.reject(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID}, perperr.CodePositionNotOpen)
}

func TestClose_LossCappedAtMargin(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)
	p := h.open(user, state.DirectionLong, unit, 10)

	h.setPrice(70 * usd)
	r := h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})

	if r.Settlement.PnL != -int64(30*usd) {
		t.Errorf("pnl: got %d, want %d", r.Settlement.PnL, -int64(30*usd))
	}
	if r.Settlement.OwnerDelta != -int64(10*usd) {
		t.Errorf("delta: got %d, want %d", r.Settlement.OwnerDelta, -int64(10*usd))
	}
	if v := h.vault(user); v.Deposited != 90*usd || v.Locked != 0 {
		t.Errorf("vault: got deposited=%d locked=%d, want 90000000/0", v.Deposited, v.Locked)
	}
}

func TestClose_ShortProfitsOnDrop(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)
	p := h.open(user, state.DirectionShort, 2*unit, 5)

	if p.Margin != 40*usd {
		t.Fatalf("margin: got %d, want %d", p.Margin, 40*usd)
	}
	if got := h.market().TotalShortOpenInterest; got != 200*usd {
		t.Errorf("short OI: got %d, want %d", got, 200*usd)
	}

	h.setPrice(95 * usd)
	h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})
	if v := h.vault(user); v.Deposited != 110*usd {
		t.Errorf("deposited: got %d, want %d", v.Deposited, 110*usd)
	}
}

func TestOpenClose_RoundTripUnchangedPrice(t *testing.T) {
	h := newMarket(t)
	size := 3 * unit / 7 // 0.428571428, truncates in notional and margin

	for _, d := range []state.Direction{state.DirectionLong, state.DirectionShort} {
		user := uuid.New()
		h.deposit(user, 100*usd)

		p := h.open(user, d, size, 7)
		if p.Margin == 0 {
			t.Fatalf("%s: margin is zero", d)
		}
		if v := h.vault(user); v.Deposited != 100*usd || v.Locked != p.Margin {
			t.Fatalf("%s after open: got deposited=%d locked=%d, want %d/%d", d, v.Deposited, v.Locked, 100*usd, p.Margin)
		}

		r := h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})
		if r.Settlement.PnL != 0 || r.Settlement.OwnerDelta != 0 {
			t.Errorf("%s: got pnl=%d delta=%d, want 0/0", d, r.Settlement.PnL, r.Settlement.OwnerDelta)
		}
		if v := h.vault(user); v.Deposited != 100*usd || v.Locked != 0 {
			t.Errorf("%s after close: got deposited=%d locked=%d, want %d/0", d, v.Deposited, v.Locked, 100*usd)
		}
	}

	m := h.market()
	if m.TotalLongOpenInterest != 0 || m.TotalShortOpenInterest != 0 {
		t.Errorf("OI: got long=%d short=%d, want 0/0", m.TotalLongOpenInterest, m.TotalShortOpenInterest)
	}
}

func TestClose_OnlyOwner(t *testing.T) {
	h := newMarket(t)
	owner, other := uuid.New(), uuid.New()
	h.deposit(owner, 100*usd)
	p := h.open(owner, state.DirectionLong, unit, 10)

	h.reject(&event.ClosePosition{Meta: meta(other), Owner: owner, PositionID: p.PositionID}, perperr.CodeUnauthorized)
	h.reject(&event.ClosePosition{Meta: meta(other), PositionID: p.PositionID}, perperr.CodeAccountNotFound)
	h.reject(&event.ClosePosition{Meta: meta(owner), PositionID: 99}, perperr.CodeAccountNotFound)
}

func TestOpen_Validation(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 10*usd)

	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Leverage: 10}, perperr.CodeZeroSize)
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 0}, perperr.CodeInvalidLeverage)
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 51}, perperr.CodeInvalidLeverage)
	h.reject(&event.OpenPosition{Meta: meta(user), Size: unit, Leverage: 10}, perperr.CodeInvalidParameter)
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: 2 * unit, Leverage: 10}, perperr.CodeInsufficientMargin)
	h.reject(&event.OpenPosition{Meta: meta(uuid.New()), Direction: state.DirectionLong, Size: unit, Leverage: 10}, perperr.CodeInsufficientMargin)
	// 1e-9 units at 100 has a notional below one micro-unit
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: 1, Leverage: 1}, perperr.CodeInvalidParameter)

	// exactly the available collateral is allowed
	h.open(user, state.DirectionLong, unit, 10)
}

func TestOpen_StaleOracle(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)

	h.clock.Advance(30 * time.Second)
	h.open(user, state.DirectionLong, unit, 10)

	h.clock.Advance(time.Second)
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 10}, perperr.CodeOracleStale)
	h.reject(&event.ClosePosition{Meta: meta(user), PositionID: 0}, perperr.CodeOracleStale)
}

// The feed has never been observed, so its age exceeds any bound.
func TestOpen_RequiresPrice(t *testing.T) {
	h := newHarness(t)
	h.must(&event.Initialize{Meta: meta(h.authority), CollateralAssetID: "USDC"})
	user := uuid.New()
	h.deposit(user, 100*usd)

	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 10}, perperr.CodeOracleStale)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_At94(t *testing.T) {
	h := newMarket(t)
	owner, liquidator := uuid.New(), uuid.New()
	h.deposit(owner, 100*usd)
	p := h.open(owner, state.DirectionLong, unit, 10)

	h.setPrice(94 * usd)
	r := h.must(&event.Liquidate{Meta: meta(liquidator), Owner: owner, PositionID: p.PositionID})

	s := r.Settlement
	if s.Fee != 50_000 {
		t.Errorf("fee: got %d, want 50000", s.Fee)
	}
	if s.Payout != 3_950_000 {
		t.Errorf("payout: got %d, want 3950000", s.Payout)
	}
	if s.OwnerDelta != -6_050_000 {
		t.Errorf("owner delta: got %d, want -6050000", s.OwnerDelta)
	}

	if v := h.vault(owner); v.Deposited != 93_950_000 || v.Locked != 0 {
		t.Errorf("owner vault: got deposited=%d locked=%d, want 93950000/0", v.Deposited, v.Locked)
	}
	if v := h.vault(liquidator); v.Deposited != 50_000 {
		t.Errorf("liquidator vault: got %d, want 50000", v.Deposited)
	}
	if got := h.position(owner, p.PositionID).Status; got != state.PositionStatusLiquidated {
		t.Errorf("status: got %s, want Liquidated", got)
	}
	if got := h.market().TotalLongOpenInterest; got != 0 {
		t.Errorf("long OI: got %d, want 0", got)
	}

	h.reject(&event.Liquidate{Meta: meta(liquidator), Owner: owner, PositionID: p.PositionID}, perperr.CodePositionNotOpen)
	h.reject(&event.ClosePosition{Meta: meta(owner), PositionID: p.PositionID}, perperr.CodePositionNotOpen)
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	h := newMarket(t)
	owner := uuid.New()
	h.deposit(owner, 100*usd)
	p := h.open(owner, state.DirectionLong, unit, 10)

	// ratio at 95 is 526 bps
	h.setPrice(95 * usd)
	h.reject(&event.Liquidate{Meta: meta(uuid.New()), Owner: owner, PositionID: p.PositionID}, perperr.CodePositionNotLiquidatable)

	if v := h.vault(owner); v.Deposited != 100*usd || v.Locked != 10*usd {
		t.Errorf("vault changed by rejected liquidation: %+v", v)
	}
	h.reject(&event.Liquidate{Meta: meta(uuid.New()), Owner: owner, PositionID: 7}, perperr.CodeAccountNotFound)
}

func TestLiquidate_Bankrupt(t *testing.T) {
	h := newMarket(t)
	owner, liquidator := uuid.New(), uuid.New()
	h.deposit(owner, 100*usd)
	p := h.open(owner, state.DirectionLong, unit, 10)

	h.setPrice(85 * usd)
	r := h.must(&event.Liquidate{Meta: meta(liquidator), Owner: owner, PositionID: p.PositionID})

	if r.Settlement.Payout != 0 || r.Settlement.OwnerDelta != -int64(10*usd) {
		t.Errorf("settlement: got payout=%d delta=%d, want 0/-10000000", r.Settlement.Payout, r.Settlement.OwnerDelta)
	}
	if v := h.vault(owner); v.Deposited != 90*usd {
		t.Errorf("owner deposited: got %d, want %d", v.Deposited, 90*usd)
	}
	if v := h.vault(liquidator); v.Deposited != 50_000 {
		t.Errorf("liquidator deposited: got %d, want 50000", v.Deposited)
	}
}

func TestLiquidate_Self(t *testing.T) {
	h := newMarket(t)
	owner := uuid.New()
	h.deposit(owner, 100*usd)
	p := h.open(owner, state.DirectionLong, unit, 10)

	h.setPrice(94 * usd)
	r := h.must(&event.Liquidate{Meta: meta(owner), Owner: owner, PositionID: p.PositionID})

	// payout plus fee: 100 - 6.05 + 0.05
	if v := h.vault(owner); v.Deposited != 94*usd || v.Locked != 0 {
		t.Errorf("vault: got deposited=%d locked=%d, want 94000000/0", v.Deposited, v.Locked)
	}
	if r.Vault.Deposited != r.Liquidator.Deposited {
		t.Errorf("receipt vaults differ: %d vs %d", r.Vault.Deposited, r.Liquidator.Deposited)
	}
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestApplyFunding_ImbalancePaysMinority(t *testing.T) {
	h := newMarket(t)
	long, short := uuid.New(), uuid.New()
	h.deposit(long, 100*usd)
	h.deposit(short, 100*usd)
	h.open(long, state.DirectionLong, 3*unit, 10)
	sp := h.open(short, state.DirectionShort, unit, 10)

	h.reject(&event.ApplyFunding{Meta: meta(uuid.New())}, perperr.CodeFundingIntervalNotElapsed)

	h.clock.Advance(time.Hour)
	h.setPrice(100 * usd)
	r := h.must(&event.ApplyFunding{Meta: meta(uuid.New())})
	if r.Funding.Rate != 500_000 || r.Funding.Accrual != 500_000 {
		t.Errorf("funding: got rate=%d accrual=%d, want 500000/500000", r.Funding.Rate, r.Funding.Accrual)
	}
	m := h.market()
	if m.CumulativeFundingRateLong != 500_000 || m.CumulativeFundingRateShort != -500_000 {
		t.Errorf("indices: got long=%d short=%d", m.CumulativeFundingRateLong, m.CumulativeFundingRateShort)
	}
	if m.LastFundingTime != h.clock.Now().Unix() {
		t.Errorf("last funding time: got %d, want %d", m.LastFundingTime, h.clock.Now().Unix())
	}

	h.reject(&event.ApplyFunding{Meta: meta(uuid.New())}, perperr.CodeFundingIntervalNotElapsed)

	// short is owed 100 * 0.5 at an unchanged price
	h.setPrice(100 * usd)
	cr := h.must(&event.ClosePosition{Meta: meta(short), PositionID: sp.PositionID})
	if cr.Settlement.FundingOwed != -int64(50*usd) {
		t.Errorf("funding owed: got %d, want %d", cr.Settlement.FundingOwed, -int64(50*usd))
	}
	if v := h.vault(short); v.Deposited != 150*usd {
		t.Errorf("short deposited: got %d, want %d", v.Deposited, 150*usd)
	}
}

func TestApplyFunding_NoOpenInterest(t *testing.T) {
	h := newMarket(t)
	h.clock.Advance(2 * time.Hour)
	h.setPrice(100 * usd)
	r := h.must(&event.ApplyFunding{Meta: meta(uuid.New())})
	if r.Funding.Rate != 0 || r.Funding.ElapsedSeconds != 7200 {
		t.Errorf("funding: got rate=%d elapsed=%d, want 0/7200", r.Funding.Rate, r.Funding.ElapsedSeconds)
	}
}

func TestApplyFunding_LateCallAccruesOnce(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)
	h.open(user, state.DirectionLong, unit, 10)

	h.clock.Advance(2 * time.Hour)
	h.setPrice(100 * usd)
	r := h.must(&event.ApplyFunding{Meta: meta(uuid.New())})
	if r.Funding.Accrual != 1_000_000 {
		t.Errorf("accrual: got %d, want 1000000", r.Funding.Accrual)
	}
	if m := h.market(); m.CumulativeFundingRateLong != 1_000_000 {
		t.Errorf("long index: got %d, want 1000000", m.CumulativeFundingRateLong)
	}
}

func TestApplyFunding_StaleOracle(t *testing.T) {
	h := newMarket(t)
	h.reject(&event.ApplyFunding{Meta: meta(uuid.New())}, perperr.CodeFundingIntervalNotElapsed)

	h.clock.Advance(time.Hour)
	h.reject(&event.ApplyFunding{Meta: meta(uuid.New())}, perperr.CodeOracleStale)

	h.setPrice(100 * usd)
	h.must(&event.ApplyFunding{Meta: meta(uuid.New())})
}

// ============================================================================
// Test: Admin
// ============================================================================

func TestSetPaused_BlocksOpenOnly(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)
	p := h.open(user, state.DirectionLong, unit, 10)

	h.reject(&event.SetPaused{Meta: meta(user), Paused: true}, perperr.CodeUnauthorized)
	h.must(&event.SetPaused{Meta: meta(h.authority), Paused: true})

	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 10}, perperr.CodeProtocolPaused)
	h.deposit(user, usd)
	h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})

	h.must(&event.SetPaused{Meta: meta(h.authority), Paused: false})
	h.open(user, state.DirectionLong, unit, 10)
}

func TestUpdateRiskParams(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)

	lev := uint32(20)
	h.reject(&event.UpdateRiskParams{Meta: meta(user), Risk: state.RiskParamsUpdate{MaxLeverage: &lev}}, perperr.CodeUnauthorized)
	h.reject(&event.UpdateRiskParams{Meta: meta(h.authority)}, perperr.CodeInvalidParameter)

	fee := uint32(500)
	h.reject(&event.UpdateRiskParams{Meta: meta(h.authority), Risk: state.RiskParamsUpdate{LiquidationFeeBPS: &fee}}, perperr.CodeInvalidParameter)

	r := h.must(&event.UpdateRiskParams{Meta: meta(h.authority), Risk: state.RiskParamsUpdate{MaxLeverage: &lev}})
	want := state.RiskParams{MaxLeverage: 20, MaintenanceMarginBPS: 500, LiquidationFeeBPS: 50}
	if r.Market.Risk != want {
		t.Errorf("risk: got %+v, want %+v", r.Market.Risk, want)
	}
	h.reject(&event.OpenPosition{Meta: meta(user), Direction: state.DirectionLong, Size: unit, Leverage: 25}, perperr.CodeInvalidLeverage)
	h.open(user, state.DirectionLong, unit, 20)
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotentDeposit_AppliedOnce(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	op := &event.Deposit{Meta: event.Meta{Caller: user, RequestID: "dep-1"}, Amount: 10 * usd}

	first := h.must(op)
	second := h.must(op)

	if first.Duplicate {
		t.Error("first execution marked duplicate")
	}
	if !second.Duplicate {
		t.Error("second execution not marked duplicate")
	}
	if second.Sequence != first.Sequence {
		t.Errorf("duplicate sequence: got %d, want %d", second.Sequence, first.Sequence)
	}
	if h.engine.Sequence() != first.Sequence {
		t.Errorf("engine sequence advanced by duplicate: %d", h.engine.Sequence())
	}
	if v := h.vault(user); v.Deposited != 10*usd {
		t.Errorf("deposited: got %d, want %d", v.Deposited, 10*usd)
	}

	// same request id from another caller is a different request
	h.must(&event.Deposit{Meta: event.Meta{Caller: uuid.New(), RequestID: "dep-1"}, Amount: usd})
	if h.engine.Sequence() != first.Sequence+1 {
		t.Errorf("sequence: got %d, want %d", h.engine.Sequence(), first.Sequence+1)
	}
}

func TestIdempotentRetry_AfterRejection(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	op := &event.Withdraw{Meta: event.Meta{Caller: user, RequestID: "wd-1"}, Amount: 5 * usd}

	h.reject(op, perperr.CodeInsufficientBalance)
	h.deposit(user, 10*usd)

	r := h.must(op)
	if r.Duplicate {
		t.Error("retry after rejection reported as duplicate")
	}
	if v := h.vault(user); v.Deposited != 5*usd {
		t.Errorf("deposited: got %d, want %d", v.Deposited, 5*usd)
	}
}

type stubDB struct{ keys map[string]bool }

func (s *stubDB) IsDuplicate(_ context.Context, _ string, key string) (bool, error) {
	return s.keys[key], nil
}

func TestIdempotency_SecondTierStub(t *testing.T) {
	user := uuid.New()
	op := &event.Deposit{Meta: event.Meta{Caller: user, RequestID: "old"}, Amount: usd}
	db := &stubDB{keys: map[string]bool{core.CompositeKey(op): true}}

	st := store.NewMemoryStore()
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	e := core.NewEngine(st, clock, core.DefaultConfig(), nil, nil, db, nil, zerolog.Nop())

	r, err := e.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !r.Duplicate || r.OpType != event.OpTypeDeposit {
		t.Errorf("receipt: got %+v, want duplicate deposit stub", r)
	}
	if e.Sequence() != 0 {
		t.Errorf("sequence: got %d, want 0", e.Sequence())
	}
}

// ============================================================================
// Test: Event Stream
// ============================================================================

func TestHashChain_Continuous(t *testing.T) {
	h := newMarket(t)
	user := uuid.New()
	h.deposit(user, 100*usd)
	p := h.open(user, state.DirectionLong, unit, 10)
	h.setPrice(105 * usd)
	h.must(&event.ClosePosition{Meta: meta(user), PositionID: p.PositionID})

	outputs := drainOutputs(h.persist)
	if len(outputs) != 6 {
		t.Fatalf("expected 6 outputs, got %d", len(outputs))
	}

	prev := core.GenesisHash()
	for i, o := range outputs {
		env := o.Envelope
		if env.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d, want %d", i, env.Sequence, i+1)
		}
		if env.PrevHash != prev {
			t.Errorf("output %d: prev hash does not match previous state hash", i)
		}
		if o.Batch.Sequence != env.Sequence {
			t.Errorf("output %d: batch sequence %d, envelope %d", i, o.Batch.Sequence, env.Sequence)
		}
		prev = env.StateHash
	}
	if h.engine.ChainTip() != prev {
		t.Error("chain tip does not match last state hash")
	}
}

func TestHashChain_DeterministicReplay(t *testing.T) {
	run := func() [32]byte {
		h := newHarness(t)
		h.authority = uuid.MustParse("0c7d3a8e-1111-4b7e-9a52-0d1f1c1e2a3b")
		user := uuid.MustParse("7f0c0a5e-3f3c-4b7e-9a52-0d1f1c1e2a3b")
		h.must(&event.Initialize{Meta: meta(h.authority), CollateralAssetID: "USDC"})
		h.setPrice(100 * usd)
		h.deposit(user, 100*usd)
		h.must(&event.Withdraw{Meta: meta(user), Amount: usd})
		return h.engine.ChainTip()
	}
	if run() != run() {
		t.Error("same operations produced different chain tips")
	}
}

func TestLedgerReplay_MatchesVaults(t *testing.T) {
	h := newMarket(t)
	a, b, liq := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, 100*usd)
	h.deposit(b, 100*usd)
	pa := h.open(a, state.DirectionLong, unit, 10)
	pb := h.open(b, state.DirectionShort, unit, 10)
	h.must(&event.Withdraw{Meta: meta(b), Amount: 20 * usd})

	h.setPrice(94 * usd)
	h.must(&event.Liquidate{Meta: meta(liq), Owner: a, PositionID: pa.PositionID})
	h.must(&event.ClosePosition{Meta: meta(b), PositionID: pb.PositionID})

	balances := ledger.NewBalances()
	for _, o := range drainOutputs(h.persist) {
		if err := balances.Apply(o.Batch); err != nil {
			t.Fatalf("apply batch %d: %v", o.Envelope.Sequence, err)
		}
	}

	if err := ledger.CheckZeroSum(balances); err != nil {
		t.Fatal(err)
	}
	if err := ledger.CheckVaultsNonNegative(balances); err != nil {
		t.Error(err)
	}
	for _, user := range []uuid.UUID{a, b, liq} {
		v := h.vault(user)
		if err := ledger.CheckVault(balances, user, v.Deposited, v.Locked); err != nil {
			t.Error(err)
		}
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestConcurrentDeposits(t *testing.T) {
	h := newMarket(t)
	const users, perUser = 8, 50

	ids := make([]uuid.UUID, users)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for _, id := range ids {
		for n := 0; n < perUser; n++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				if _, err := h.engine.Execute(h.ctx, &event.Deposit{Meta: meta(id), Amount: usd}); err != nil {
					errs <- err
				}
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("deposit: %v", err)
	}

	for _, id := range ids {
		if v := h.vault(id); v.Deposited != perUser*usd {
			t.Errorf("vault %s: got %d, want %d", id, v.Deposited, perUser*usd)
		}
	}

	outputs := drainOutputs(h.persist)
	seen := make(map[int64]bool, len(outputs))
	for _, o := range outputs {
		if seen[o.Envelope.Sequence] {
			t.Fatalf("sequence %d emitted twice", o.Envelope.Sequence)
		}
		seen[o.Envelope.Sequence] = true
	}
	if want := 2 + users*perUser; len(outputs) != want || h.engine.Sequence() != int64(want) {
		t.Errorf("outputs=%d sequence=%d, want %d", len(outputs), h.engine.Sequence(), want)
	}
}

func TestConcurrentOpens_OpenInterestMatchesPositions(t *testing.T) {
	h := newMarket(t)
	const users, perUser = 6, 5

	ids := make([]uuid.UUID, users)
	for i := range ids {
		ids[i] = uuid.New()
		h.deposit(ids[i], 1_000*usd)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		d := state.DirectionLong
		if i%2 == 1 {
			d = state.DirectionShort
		}
		for n := 0; n < perUser; n++ {
			wg.Add(1)
			go func(id uuid.UUID, d state.Direction, size uint64) {
				defer wg.Done()
				op := &event.OpenPosition{Meta: meta(id), Direction: d, Size: size, Leverage: 10}
				if _, err := h.engine.Execute(h.ctx, op); err != nil {
					t.Errorf("open: %v", err)
				}
			}(id, d, uint64(n+1)*unit)
		}
	}
	wg.Wait()

	m := h.market()
	if m.NextPositionID != users*perUser {
		t.Fatalf("next position id: got %d, want %d", m.NextPositionID, users*perUser)
	}

	var long, short uint64
	seen := make(map[uint64]bool)
	for _, id := range ids {
		positions, err := h.store.ListPositions(h.ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(positions) != perUser {
			t.Errorf("user %s: got %d positions, want %d", id, len(positions), perUser)
		}
		for _, p := range positions {
			if seen[p.PositionID] {
				t.Errorf("position id %d allocated twice", p.PositionID)
			}
			seen[p.PositionID] = true
			if p.Direction == state.DirectionLong {
				long += p.EntryNotional
			} else {
				short += p.EntryNotional
			}
		}
	}
	if m.TotalLongOpenInterest != long || m.TotalShortOpenInterest != short {
		t.Errorf("OI: got long=%d short=%d, want %d/%d", m.TotalLongOpenInterest, m.TotalShortOpenInterest, long, short)
	}
}

// ============================================================================
// Test: Commit listeners
// ============================================================================

type recordingListener struct {
	mu      sync.Mutex
	commits int
}

func (l *recordingListener) OnCommit(_ context.Context, _ *store.ChangeSet) {
	l.mu.Lock()
	l.commits++
	l.mu.Unlock()
}

func TestClose_RacesLiquidate(t *testing.T) {
	h := newMarket(t)
	liquidator := uuid.New()
	const rounds = 50

	liquidations := 0
	for i := 0; i < rounds; i++ {
		owner := uuid.New()
		h.deposit(owner, 100*usd)
		h.setPrice(100 * usd)
		p := h.open(owner, state.DirectionLong, unit, 10)
		h.setPrice(94 * usd)

		ops := []event.Operation{
			&event.ClosePosition{Meta: meta(owner), PositionID: p.PositionID},
			&event.Liquidate{Meta: meta(liquidator), Owner: owner, PositionID: p.PositionID},
		}
		errs := make([]error, len(ops))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for n, op := range ops {
			wg.Add(1)
			go func(n int, op event.Operation) {
				defer wg.Done()
				<-start
				_, errs[n] = h.engine.Execute(h.ctx, op)
			}(n, op)
		}
		close(start)
		wg.Wait()

		closeErr, liqErr := errs[0], errs[1]
		if (closeErr == nil) == (liqErr == nil) {
			t.Fatalf("round %d: got close=%v liquidate=%v, want exactly one success", i, closeErr, liqErr)
		}

		v := h.vault(owner)
		pos := h.position(owner, p.PositionID)
		if closeErr == nil {
			if got := perperr.CodeOf(liqErr); got != perperr.CodePositionNotOpen {
				t.Fatalf("round %d: liquidate got %s, want PositionNotOpen", i, got)
			}
			if pos.Status != state.PositionStatusClosed || v.Deposited != 94*usd {
				t.Errorf("round %d: got status=%s deposited=%d, want Closed/94000000", i, pos.Status, v.Deposited)
			}
		} else {
			if got := perperr.CodeOf(closeErr); got != perperr.CodePositionNotOpen {
				t.Fatalf("round %d: close got %s, want PositionNotOpen", i, got)
			}
			if pos.Status != state.PositionStatusLiquidated || v.Deposited != 93_950_000 {
				t.Errorf("round %d: got status=%s deposited=%d, want Liquidated/93950000", i, pos.Status, v.Deposited)
			}
			liquidations++
		}
		if v.Locked != 0 {
			t.Errorf("round %d: locked got %d, want 0", i, v.Locked)
		}
		if m := h.market(); m.TotalLongOpenInterest != 0 {
			t.Fatalf("round %d: long OI got %d, want 0", i, m.TotalLongOpenInterest)
		}
	}

	if liquidations > 0 {
		want := uint64(liquidations) * 50_000
		if v := h.vault(liquidator); v.Deposited != want {
			t.Errorf("liquidator: got %d, want %d", v.Deposited, want)
		}
	}
}

func TestCommitListener_SeesCommitsOnly(t *testing.T) {
	h := newHarness(t)
	l := &recordingListener{}
	h.engine.AddCommitListener(l)

	h.must(&event.Initialize{Meta: meta(h.authority), CollateralAssetID: "USDC"})
	h.reject(&event.Deposit{Meta: meta(uuid.New())}, perperr.CodeZeroAmount)
	h.deposit(uuid.New(), usd)

	if l.commits != 2 {
		t.Errorf("commits: got %d, want 2", l.commits)
	}
}
