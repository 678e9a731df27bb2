package core

import (
	"PerpCore/internal/event"
	"PerpCore/internal/ledger"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"PerpCore/internal/store"
	"errors"
)

func (e *Engine) initialize(tx *txn, o *event.Initialize) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	if _, err := tx.market(); err == nil {
		return nil, perperr.New(perperr.CodeAlreadyInitialized, "market already initialized")
	} else if !errors.Is(err, perperr.ErrNotInitialized) {
		return nil, err
	}

	params := state.DefaultRiskParams.Apply(&o.Risk)
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, err
	}
	if o.CollateralAssetID == "" {
		return nil, perperr.New(perperr.CodeInvalidParameter, "collateral asset id is empty")
	}

	m := state.NewMarketState(o.Caller, o.CollateralAssetID, params, tx.now)
	feed := state.NewPriceFeed(o.Caller)
	tx.batch.Asset = m.CollateralAssetID

	tx.cs.Market = m
	tx.cs.PriceFeed = feed
	return &Receipt{Market: m, PriceFeed: feed}, nil
}

func (e *Engine) setPrice(tx *txn, o *event.SetPrice) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	if _, err := tx.market(); err != nil {
		return nil, err
	}
	feed, err := tx.priceFeed()
	if err != nil {
		return nil, err
	}
	if err := feed.SetPrice(o.Caller, o.Price, tx.now); err != nil {
		return nil, err
	}

	tx.cs.PriceFeed = feed
	return &Receipt{PriceFeed: feed}, nil
}

func (e *Engine) deposit(tx *txn, o *event.Deposit) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	if o.Amount == 0 {
		return nil, perperr.New(perperr.CodeZeroAmount, "deposit amount is zero")
	}
	if _, err := tx.market(); err != nil {
		return nil, err
	}
	v, err := tx.vault(o.Caller, true)
	if err != nil {
		return nil, err
	}
	if err := v.Deposit(o.Amount); err != nil {
		return nil, err
	}
	if err := ledger.GenerateDeposit(tx.batch, o.Caller, o.Amount); err != nil {
		return nil, err
	}

	tx.cs.PutVault(v)
	return &Receipt{Vault: v}, nil
}

func (e *Engine) withdraw(tx *txn, o *event.Withdraw) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	if o.Amount == 0 {
		return nil, perperr.New(perperr.CodeZeroAmount, "withdraw amount is zero")
	}
	if _, err := tx.market(); err != nil {
		return nil, err
	}
	v, err := tx.vault(o.Caller, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeInsufficientBalance, "withdraw %d exceeds available 0", o.Amount)
	}
	if err != nil {
		return nil, err
	}
	if err := v.Withdraw(o.Amount); err != nil {
		return nil, err
	}
	if err := ledger.GenerateWithdrawal(tx.batch, o.Caller, o.Amount); err != nil {
		return nil, err
	}

	tx.cs.PutVault(v)
	return &Receipt{Vault: v}, nil
}

func (e *Engine) openPosition(tx *txn, o *event.OpenPosition) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	if m.IsPaused {
		return nil, perperr.New(perperr.CodeProtocolPaused, "market is paused")
	}
	if o.Size == 0 {
		return nil, perperr.New(perperr.CodeZeroSize, "position size is zero")
	}
	if o.Leverage == 0 || o.Leverage > m.Risk.MaxLeverage {
		return nil, perperr.New(perperr.CodeInvalidLeverage, "leverage %d outside [1, %d]", o.Leverage, m.Risk.MaxLeverage)
	}
	if !o.Direction.Valid() {
		return nil, perperr.New(perperr.CodeInvalidParameter, "invalid direction %d", uint8(o.Direction))
	}

	feed, err := tx.priceFeed()
	if err != nil {
		return nil, err
	}
	price, err := feed.AssertFresh(tx.now, e.cfg.OracleMaxAgeSeconds)
	if err != nil {
		return nil, err
	}

	notional, err := state.ComputeNotional(o.Size, price)
	if err != nil {
		return nil, err
	}
	margin, err := state.ComputeRequiredMargin(notional, o.Leverage, m.Risk.MaxLeverage)
	if err != nil {
		return nil, err
	}
	if margin == 0 {
		return nil, perperr.New(perperr.CodeInvalidParameter, "position of notional %d at %dx requires zero margin", notional, o.Leverage)
	}

	v, err := tx.vault(o.Caller, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeInsufficientMargin, "required margin %d exceeds available 0", margin)
	}
	if err != nil {
		return nil, err
	}
	if err := v.Lock(margin); err != nil {
		return nil, err
	}

	id, err := m.AllocatePositionID()
	if err != nil {
		return nil, err
	}
	snapshot, err := m.FundingIndex(o.Direction)
	if err != nil {
		return nil, err
	}
	if err := m.AddOpenInterest(o.Direction, notional); err != nil {
		return nil, err
	}

	p := &state.Position{
		Owner:           o.Caller,
		PositionID:      id,
		Direction:       o.Direction,
		Size:            o.Size,
		EntryPrice:      price,
		Leverage:        o.Leverage,
		Margin:          margin,
		EntryNotional:   notional,
		FundingSnapshot: snapshot,
		OpenedAt:        tx.now,
		Status:          state.PositionStatusOpen,
		IsOpen:          true,
	}
	if err := ledger.GenerateMarginLock(tx.batch, o.Caller, margin); err != nil {
		return nil, err
	}

	tx.cs.Market = m
	tx.cs.PutVault(v)
	tx.cs.PutPosition(p)
	return &Receipt{Market: m, Vault: v, Position: p}, nil
}

func (e *Engine) closePosition(tx *txn, o *event.ClosePosition) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	owner := o.PositionOwner()
	p, err := tx.position(owner, o.PositionID)
	if err != nil {
		return nil, err
	}
	if p.Owner != o.Caller {
		return nil, perperr.New(perperr.CodeUnauthorized, "caller %s does not own position %d", o.Caller, o.PositionID)
	}
	if !p.IsOpen {
		return nil, perperr.New(perperr.CodePositionNotOpen, "position %d is %s", p.PositionID, p.Status)
	}

	price, err := e.freshPrice(tx)
	if err != nil {
		return nil, err
	}
	s, err := state.ComputeCloseSettlement(p, m, price)
	if err != nil {
		return nil, err
	}

	v, err := e.ownerVault(tx, owner)
	if err != nil {
		return nil, err
	}
	if err := v.Settle(p.Margin, s.OwnerDelta); err != nil {
		return nil, err
	}
	if err := m.RemoveOpenInterest(p.Direction, p.EntryNotional); err != nil {
		return nil, err
	}
	if err := p.Terminate(state.PositionStatusClosed, tx.now); err != nil {
		return nil, err
	}
	if err := ledger.GenerateClose(tx.batch, owner, m.TreasuryAccountID, p.Margin, s.OwnerDelta); err != nil {
		return nil, err
	}

	tx.cs.Market = m
	tx.cs.PutVault(v)
	tx.cs.PutPosition(p)
	return &Receipt{Market: m, Vault: v, Position: p, Settlement: s}, nil
}

func (e *Engine) liquidate(tx *txn, o *event.Liquidate) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	p, err := tx.position(o.Owner, o.PositionID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen {
		return nil, perperr.New(perperr.CodePositionNotOpen, "position %d is %s", p.PositionID, p.Status)
	}

	price, err := e.freshPrice(tx)
	if err != nil {
		return nil, err
	}
	ratio, err := state.ComputeMarginRatioBPS(p.Direction, p.EntryPrice, price, p.Size, p.Margin)
	if err != nil {
		return nil, err
	}
	if !state.IsLiquidatable(ratio, m.Risk.MaintenanceMarginBPS) {
		return nil, perperr.New(perperr.CodePositionNotLiquidatable,
			"margin ratio %d bps is not below maintenance %d bps", ratio, m.Risk.MaintenanceMarginBPS)
	}

	s, err := state.ComputeLiquidationSettlement(p, m, price)
	if err != nil {
		return nil, err
	}

	v, err := e.ownerVault(tx, o.Owner)
	if err != nil {
		return nil, err
	}
	if err := v.Settle(p.Margin, s.OwnerDelta); err != nil {
		return nil, err
	}

	// Same record when the owner liquidates their own position.
	liq, err := tx.vault(o.Caller, true)
	if err != nil {
		return nil, err
	}
	if err := liq.Credit(s.Fee); err != nil {
		return nil, err
	}

	if err := m.RemoveOpenInterest(p.Direction, p.EntryNotional); err != nil {
		return nil, err
	}
	if err := p.Terminate(state.PositionStatusLiquidated, tx.now); err != nil {
		return nil, err
	}
	if err := ledger.GenerateLiquidation(tx.batch, o.Owner, o.Caller, m.TreasuryAccountID, p.Margin, s.Fee, s.OwnerDelta); err != nil {
		return nil, err
	}

	tx.cs.Market = m
	tx.cs.PutVault(v)
	tx.cs.PutVault(liq)
	tx.cs.PutPosition(p)
	return &Receipt{Market: m, Vault: v, Liquidator: liq, Position: p, Settlement: s}, nil
}

func (e *Engine) applyFunding(tx *txn, o *event.ApplyFunding) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	if err := m.FundingDue(tx.now, e.cfg.FundingIntervalSeconds); err != nil {
		return nil, err
	}
	if _, err := e.freshPrice(tx); err != nil {
		return nil, err
	}
	app, err := m.ApplyFunding(tx.now, e.cfg.FundingIntervalSeconds)
	if err != nil {
		return nil, err
	}

	tx.cs.Market = m
	return &Receipt{Market: m, Funding: app}, nil
}

func (e *Engine) setPaused(tx *txn, o *event.SetPaused) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	if err := m.RequireAuthority(o.Caller); err != nil {
		return nil, err
	}
	m.IsPaused = o.Paused

	tx.cs.Market = m
	return &Receipt{Market: m}, nil
}

func (e *Engine) updateRiskParams(tx *txn, o *event.UpdateRiskParams) (*Receipt, error) {
	tx.ref(o.OpType().String(), o.RequestID)

	m, err := tx.market()
	if err != nil {
		return nil, err
	}
	if err := m.RequireAuthority(o.Caller); err != nil {
		return nil, err
	}
	if o.Risk.IsEmpty() {
		return nil, perperr.New(perperr.CodeInvalidParameter, "no risk parameter supplied")
	}
	params := m.Risk.Apply(&o.Risk)
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, err
	}
	m.Risk = params

	tx.cs.Market = m
	return &Receipt{Market: m}, nil
}

func (e *Engine) freshPrice(tx *txn) (uint64, error) {
	feed, err := tx.priceFeed()
	if err != nil {
		return 0, err
	}
	return feed.AssertFresh(tx.now, e.cfg.OracleMaxAgeSeconds)
}

// ownerVault loads the vault backing an open position. An open position
// always has one, so absence is reported as AccountNotFound.
func (e *Engine) ownerVault(tx *txn, owner state.AccountID) (*state.Vault, error) {
	v, err := tx.vault(owner, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeAccountNotFound, "vault of %s not found", owner)
	}
	return v, err
}
