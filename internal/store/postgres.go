package store

import (
	"PerpCore/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists records in the core schema. Commit runs one
// transaction per ChangeSet.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) LoadMarket(ctx context.Context) (*state.MarketState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT authority, collateral_asset_id, treasury_account_id,
		       total_long_open_interest, total_short_open_interest,
		       last_funding_time, cumulative_funding_rate_long, cumulative_funding_rate_short,
		       max_leverage, maintenance_margin_bps, liquidation_fee_bps,
		       next_position_id, is_paused
		FROM core.market WHERE id = 1`)

	var m state.MarketState
	err := row.Scan(
		&m.Authority, &m.CollateralAssetID, &m.TreasuryAccountID,
		&m.TotalLongOpenInterest, &m.TotalShortOpenInterest,
		&m.LastFundingTime, &m.CumulativeFundingRateLong, &m.CumulativeFundingRateShort,
		&m.Risk.MaxLeverage, &m.Risk.MaintenanceMarginBPS, &m.Risk.LiquidationFeeBPS,
		&m.NextPositionID, &m.IsPaused,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) LoadPriceFeed(ctx context.Context) (*state.PriceFeed, error) {
	var p state.PriceFeed
	err := s.db.QueryRowContext(ctx,
		`SELECT authority, price, observed_at FROM core.price_feed WHERE id = 1`,
	).Scan(&p.Authority, &p.Price, &p.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load price feed: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) LoadVault(ctx context.Context, owner state.AccountID) (*state.Vault, error) {
	v := state.Vault{Owner: owner}
	err := s.db.QueryRowContext(ctx,
		`SELECT deposited_amount, locked_margin FROM core.vaults WHERE owner = $1`, owner,
	).Scan(&v.Deposited, &v.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", owner, err)
	}
	return &v, nil
}

const positionColumns = `owner, position_id, direction, size, entry_price, leverage, margin,
	entry_notional, funding_snapshot, opened_at, closed_at, status, is_open`

func scanPosition(r rowScanner) (*state.Position, error) {
	var p state.Position
	err := r.Scan(
		&p.Owner, &p.PositionID, &p.Direction, &p.Size, &p.EntryPrice, &p.Leverage, &p.Margin,
		&p.EntryNotional, &p.FundingSnapshot, &p.OpenedAt, &p.ClosedAt, &p.Status, &p.IsOpen,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) LoadPosition(ctx context.Context, owner state.AccountID, positionID uint64) (*state.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM core.positions WHERE owner = $1 AND position_id = $2`,
		owner, positionID,
	)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s/%d: %w", owner, positionID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, owner state.AccountID) ([]*state.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM core.positions WHERE owner = $1 ORDER BY position_id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*state.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Commit upserts every record of cs in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if m := cs.Market; m != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core.market (id, address, authority, collateral_asset_id, treasury_account_id,
				total_long_open_interest, total_short_open_interest,
				last_funding_time, cumulative_funding_rate_long, cumulative_funding_rate_short,
				max_leverage, maintenance_margin_bps, liquidation_fee_bps,
				next_position_id, is_paused)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				total_long_open_interest = EXCLUDED.total_long_open_interest,
				total_short_open_interest = EXCLUDED.total_short_open_interest,
				last_funding_time = EXCLUDED.last_funding_time,
				cumulative_funding_rate_long = EXCLUDED.cumulative_funding_rate_long,
				cumulative_funding_rate_short = EXCLUDED.cumulative_funding_rate_short,
				max_leverage = EXCLUDED.max_leverage,
				maintenance_margin_bps = EXCLUDED.maintenance_margin_bps,
				liquidation_fee_bps = EXCLUDED.liquidation_fee_bps,
				next_position_id = EXCLUDED.next_position_id,
				is_paused = EXCLUDED.is_paused`,
			addressBytes(state.MarketAddress()), m.Authority, m.CollateralAssetID, m.TreasuryAccountID,
			m.TotalLongOpenInterest, m.TotalShortOpenInterest,
			m.LastFundingTime, m.CumulativeFundingRateLong, m.CumulativeFundingRateShort,
			m.Risk.MaxLeverage, m.Risk.MaintenanceMarginBPS, m.Risk.LiquidationFeeBPS,
			m.NextPositionID, m.IsPaused,
		); err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
	}

	if p := cs.PriceFeed; p != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core.price_feed (id, address, authority, price, observed_at)
			VALUES (1, $1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET price = EXCLUDED.price, observed_at = EXCLUDED.observed_at`,
			addressBytes(state.PriceFeedAddress()), p.Authority, p.Price, p.ObservedAt,
		); err != nil {
			return fmt.Errorf("upsert price feed: %w", err)
		}
	}

	for _, v := range cs.Vaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core.vaults (owner, address, deposited_amount, locked_margin)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner) DO UPDATE SET
				deposited_amount = EXCLUDED.deposited_amount,
				locked_margin = EXCLUDED.locked_margin`,
			v.Owner, addressBytes(state.VaultAddress(v.Owner)), v.Deposited, v.Locked,
		); err != nil {
			return fmt.Errorf("upsert vault %s: %w", v.Owner, err)
		}
	}

	for _, p := range cs.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core.positions (address, `+positionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (owner, position_id) DO UPDATE SET
				closed_at = EXCLUDED.closed_at,
				status = EXCLUDED.status,
				is_open = EXCLUDED.is_open`,
			addressBytes(p.Address()),
			p.Owner, p.PositionID, p.Direction, p.Size, p.EntryPrice, p.Leverage, p.Margin,
			p.EntryNotional, p.FundingSnapshot, p.OpenedAt, p.ClosedAt, p.Status, p.IsOpen,
		); err != nil {
			return fmt.Errorf("upsert position %s/%d: %w", p.Owner, p.PositionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func addressBytes(a state.Address) []byte {
	return a[:]
}
