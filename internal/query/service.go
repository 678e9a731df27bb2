package query

import (
	"PerpCore/internal/core"
	"PerpCore/internal/observability"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"PerpCore/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only views. Record views come from a store.Reader
// (normally the Redis-cached Postgres store); history and integrity checks
// read the event log and projection tables when a database is configured.
type Service struct {
	reader  store.Reader
	db      *sql.DB
	clock   core.Clock
	cfg     core.Config
	metrics *observability.Metrics
}

// NewService uses the oracle and funding policy of cfg; db may be nil.
func NewService(reader store.Reader, db *sql.DB, clock core.Clock, cfg core.Config, metrics *observability.Metrics) *Service {
	return &Service{
		reader:  reader,
		db:      db,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
	}
}

// ErrNoDatabase is returned by history queries on a service without a database.
var ErrNoDatabase = errors.New("query: no database configured")

func (s *Service) observe(endpoint string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err := *errp; err != nil {
		status = "error"
		if code := perperr.CodeOf(err); code != perperr.CodeUnknown {
			status = code.String()
		}
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetMarket returns the market view.
func (s *Service) GetMarket(ctx context.Context) (view *MarketView, err error) {
	defer s.observe("market", time.Now(), &err)

	m, err := s.loadMarket(ctx)
	if err != nil {
		return nil, err
	}
	rate, err := m.FundingRate()
	if err != nil {
		return nil, err
	}
	return &MarketView{
		Authority:                  m.Authority,
		CollateralAssetID:          m.CollateralAssetID,
		TreasuryAccountID:          m.TreasuryAccountID,
		LongOpenInterest:           amountOf(m.TotalLongOpenInterest),
		ShortOpenInterest:          amountOf(m.TotalShortOpenInterest),
		FundingRate:                signedAmountOf(rate),
		CumulativeFundingRateLong:  m.CumulativeFundingRateLong,
		CumulativeFundingRateShort: m.CumulativeFundingRateShort,
		LastFundingTime:            m.LastFundingTime,
		NextFundingTime:            m.LastFundingTime + s.cfg.FundingIntervalSeconds,
		Risk:                       m.Risk,
		NextPositionID:             m.NextPositionID,
		IsPaused:                   m.IsPaused,
	}, nil
}

// GetOracle returns the price feed with its current age.
func (s *Service) GetOracle(ctx context.Context) (view *OracleView, err error) {
	defer s.observe("oracle", time.Now(), &err)

	feed, err := s.loadPriceFeed(ctx)
	if err != nil {
		return nil, err
	}
	age := feed.Age(s.clock.Now().Unix())
	return &OracleView{
		Authority:  feed.Authority,
		Price:      amountOf(feed.Price),
		ObservedAt: feed.ObservedAt,
		AgeSeconds: age,
		Stale:      feed.Price == 0 || age > s.cfg.OracleMaxAgeSeconds,
	}, nil
}

// GetVault returns owner's balances.
func (s *Service) GetVault(ctx context.Context, owner uuid.UUID) (view *VaultView, err error) {
	defer s.observe("vault", time.Now(), &err)

	v, err := s.reader.LoadVault(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeAccountNotFound, "vault of %s not found", owner)
	}
	if err != nil {
		return nil, err
	}
	return newVaultView(v), nil
}

// GetPosition returns one position with derived values at the oracle price.
func (s *Service) GetPosition(ctx context.Context, owner uuid.UUID, positionID uint64) (view *PositionView, err error) {
	defer s.observe("position", time.Now(), &err)

	p, err := s.reader.LoadPosition(ctx, owner, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeAccountNotFound, "position %d of %s not found", positionID, owner)
	}
	if err != nil {
		return nil, err
	}
	m, feed, err := s.marketAndFeed(ctx)
	if err != nil {
		return nil, err
	}
	return s.positionView(p, m, feed)
}

// ListPositions returns owner's positions ordered by id; openOnly filters
// out closed and liquidated ones.
func (s *Service) ListPositions(ctx context.Context, owner uuid.UUID, openOnly bool) (views []*PositionView, err error) {
	defer s.observe("positions", time.Now(), &err)

	positions, err := s.reader.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}
	m, feed, err := s.marketAndFeed(ctx)
	if err != nil {
		return nil, err
	}

	views = make([]*PositionView, 0, len(positions))
	for _, p := range positions {
		if openOnly && !p.IsOpen {
			continue
		}
		v, err := s.positionView(p, m, feed)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) positionView(p *state.Position, m *state.MarketState, feed *state.PriceFeed) (*PositionView, error) {
	v := &PositionView{
		Owner:         p.Owner,
		PositionID:    p.PositionID,
		Direction:     p.Direction.String(),
		Status:        p.Status.String(),
		IsOpen:        p.IsOpen,
		Size:          sizeOf(p.Size),
		EntryPrice:    amountOf(p.EntryPrice),
		Leverage:      p.Leverage,
		Margin:        amountOf(p.Margin),
		EntryNotional: amountOf(p.EntryNotional),
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
	}
	if !p.IsOpen || feed.Price == 0 {
		return v, nil
	}

	status, err := state.ComputeMarginStatus(p, feed.Price, m.Risk.MaintenanceMarginBPS)
	if err != nil {
		return nil, err
	}
	owed, err := m.FundingOwed(p)
	if err != nil {
		return nil, err
	}

	mark := amountOf(feed.Price)
	notional := amountOf(status.Notional)
	pnl := signedAmountOf(status.UnrealizedPnL)
	funding := signedAmountOf(owed)
	liq := amountOf(status.LiquidationPrice)
	ratio := status.MarginRatioBPS

	v.MarkPrice = &mark
	v.PriceStale = feed.Age(s.clock.Now().Unix()) > s.cfg.OracleMaxAgeSeconds
	v.CurrentNotional = &notional
	v.UnrealizedPnL = &pnl
	v.FundingOwed = &funding
	v.MarginRatioBPS = &ratio
	v.LiquidationPrice = &liq
	v.Liquidatable = status.Liquidatable
	return v, nil
}

func (s *Service) marketAndFeed(ctx context.Context) (*state.MarketState, *state.PriceFeed, error) {
	m, err := s.loadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}
	feed, err := s.loadPriceFeed(ctx)
	if err != nil {
		return nil, nil, err
	}
	return m, feed, nil
}

func (s *Service) loadMarket(ctx context.Context) (*state.MarketState, error) {
	m, err := s.reader.LoadMarket(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeNotInitialized, "market is not initialized")
	}
	return m, err
}

func (s *Service) loadPriceFeed(ctx context.Context) (*state.PriceFeed, error) {
	feed, err := s.reader.LoadPriceFeed(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeNotInitialized, "price feed is not initialized")
	}
	return feed, err
}

// --- History APIs ---

// GetSettlements returns owner's settlements newest first. A positive
// beforeSequence pages past earlier results.
func (s *Service) GetSettlements(ctx context.Context, owner uuid.UUID, limit int, beforeSequence int64) (records []SettlementRecord, err error) {
	defer s.observe("settlements", time.Now(), &err)
	if s.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT sequence, kind, owner, position_id, direction, exit_price, pnl,
		       funding_owed, owner_delta, margin, fee, liquidator, settled_at
		FROM projections.settlements
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r SettlementRecord
		var direction int16
		var liquidator uuid.NullUUID
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.Owner, &r.PositionID, &direction, &r.ExitPrice, &r.PnL,
			&r.FundingOwed, &r.OwnerDelta, &r.Margin, &r.Fee, &liquidator, &r.SettledAt,
		); err != nil {
			return nil, err
		}
		r.Direction = state.Direction(direction).String()
		if liquidator.Valid {
			id := liquidator.UUID
			r.Liquidator = &id
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetFundingHistory returns funding applications newest first.
func (s *Service) GetFundingHistory(ctx context.Context, limit int, beforeSequence int64) (records []FundingRecord, err error) {
	defer s.observe("funding_history", time.Now(), &err)
	if s.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT sequence, rate, accrual, elapsed_seconds, long_open_interest,
		       short_open_interest, cumulative_long, cumulative_short, applied_at
		FROM projections.funding_history
	`
	var args []interface{}
	argIdx := 1

	if beforeSequence > 0 {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r FundingRecord
		if err := rows.Scan(
			&r.Sequence, &r.Rate, &r.Accrual, &r.ElapsedSeconds, &r.LongOpenInterest,
			&r.ShortOpenInterest, &r.CumulativeLong, &r.CumulativeShort, &r.AppliedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, sequence gaps and that no
// user account's journal balance is negative.
func (s *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer s.observe("integrity", time.Now(), &err)
	if s.db == nil {
		return nil, ErrNoDatabase
	}

	report = &IntegrityReport{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`).Scan(&report.LastSequence); err != nil {
		return nil, fmt.Errorf("last sequence: %w", err)
	}

	report.HashChainBreaks, err = s.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = s.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events e2 WHERE e2.sequence = e1.sequence - 1)
		ORDER BY e1.sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account, SUM(delta)
		FROM (
			SELECT debit_account AS account, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount FROM event_log.journal
		) t
		WHERE account LIKE 'vault:%'
		GROUP BY account
		HAVING SUM(delta) < 0
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("journal balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a UnbalancedAccount
		if err := rows.Scan(&a.AccountPath, &a.Balance); err != nil {
			return nil, err
		}
		report.UnbalancedAccounts = append(report.UnbalancedAccounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAccounts) == 0
	return report, nil
}

func (s *Service) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}
