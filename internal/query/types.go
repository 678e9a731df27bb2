package query

import (
	"PerpCore/internal/state"

	"github.com/google/uuid"
)

// MarketView summarizes the market record and its derived funding rate.
type MarketView struct {
	Authority         uuid.UUID `json:"authority"`
	CollateralAssetID string    `json:"collateral_asset_id"`
	TreasuryAccountID uuid.UUID `json:"treasury_account_id"`

	LongOpenInterest  Amount `json:"long_open_interest"`
	ShortOpenInterest Amount `json:"short_open_interest"`

	FundingRate                SignedAmount `json:"funding_rate"` // current imbalance, 6 dp
	CumulativeFundingRateLong  int64        `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64        `json:"cumulative_funding_rate_short"`
	LastFundingTime            int64        `json:"last_funding_time"`
	NextFundingTime            int64        `json:"next_funding_time"`

	Risk           state.RiskParams `json:"risk"`
	NextPositionID uint64           `json:"next_position_id"`
	IsPaused       bool             `json:"is_paused"`
}

// OracleView is the price feed with its age at query time.
type OracleView struct {
	Authority  uuid.UUID `json:"authority"`
	Price      Amount    `json:"price"`
	ObservedAt int64     `json:"observed_at"`
	AgeSeconds int64     `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

// PositionView is a position with values derived at the current oracle price.
// Derived fields are only set while the position is open and a price exists.
type PositionView struct {
	Owner         uuid.UUID `json:"owner"`
	PositionID    uint64    `json:"position_id"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	IsOpen        bool      `json:"is_open"`
	Size          Amount    `json:"size"`
	EntryPrice    Amount    `json:"entry_price"`
	Leverage      uint32    `json:"leverage"`
	Margin        Amount    `json:"margin"`
	EntryNotional Amount    `json:"entry_notional"`
	OpenedAt      int64     `json:"opened_at"`
	ClosedAt      int64     `json:"closed_at,omitempty"`

	MarkPrice        *Amount       `json:"mark_price,omitempty"`
	PriceStale       bool          `json:"price_stale,omitempty"`
	CurrentNotional  *Amount       `json:"current_notional,omitempty"`
	UnrealizedPnL    *SignedAmount `json:"unrealized_pnl,omitempty"`
	FundingOwed      *SignedAmount `json:"funding_owed,omitempty"`
	MarginRatioBPS   *uint64       `json:"margin_ratio_bps,omitempty"`
	LiquidationPrice *Amount       `json:"liquidation_price,omitempty"`
	Liquidatable     bool          `json:"liquidatable"`
}

// IntegrityReport is the result of an event-log verification.
type IntegrityReport struct {
	IsHealthy          bool                `json:"is_healthy"`
	LastSequence       int64               `json:"last_sequence"`
	HashChainBreaks    []int64             `json:"hash_chain_breaks,omitempty"`
	SequenceGaps       []int64             `json:"sequence_gaps,omitempty"`
	UnbalancedAccounts []UnbalancedAccount `json:"unbalanced_accounts,omitempty"`
}

// UnbalancedAccount is a user account whose journal sum went negative.
type UnbalancedAccount struct {
	AccountPath string `json:"account_path"`
	Balance     int64  `json:"balance"`
}

// SettlementRecord is one close or liquidation from the settlements projection.
type SettlementRecord struct {
	Sequence    int64      `json:"sequence"`
	Kind        string     `json:"kind"`
	Owner       uuid.UUID  `json:"owner"`
	PositionID  uint64     `json:"position_id"`
	Direction   string     `json:"direction"`
	ExitPrice   int64      `json:"exit_price"`
	PnL         int64      `json:"pnl"`
	FundingOwed int64      `json:"funding_owed"`
	OwnerDelta  int64      `json:"owner_delta"`
	Margin      int64      `json:"margin"`
	Fee         int64      `json:"fee"`
	Liquidator  *uuid.UUID `json:"liquidator,omitempty"`
	SettledAt   int64      `json:"settled_at"`
}

// FundingRecord is one apply_funding from the funding history projection.
type FundingRecord struct {
	Sequence          int64 `json:"sequence"`
	Rate              int64 `json:"rate"`
	Accrual           int64 `json:"accrual"`
	ElapsedSeconds    int64 `json:"elapsed_seconds"`
	LongOpenInterest  int64 `json:"long_open_interest"`
	ShortOpenInterest int64 `json:"short_open_interest"`
	CumulativeLong    int64 `json:"cumulative_long"`
	CumulativeShort   int64 `json:"cumulative_short"`
	AppliedAt         int64 `json:"applied_at"`
}
