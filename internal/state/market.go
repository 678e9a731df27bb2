package state

import (
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/perperr"
)

// MarketState is the singleton record for the market: aggregate open interest,
// funding indices, risk parameters, and the position-id counter.
type MarketState struct {
	Authority         AccountID `json:"authority"`
	CollateralAssetID string    `json:"collateral_asset_id"`
	TreasuryAccountID AccountID `json:"treasury_account_id"`

	TotalLongOpenInterest  uint64 `json:"total_long_open_interest"`
	TotalShortOpenInterest uint64 `json:"total_short_open_interest"`

	LastFundingTime            int64 `json:"last_funding_time"`
	CumulativeFundingRateLong  int64 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64 `json:"cumulative_funding_rate_short"`

	Risk RiskParams `json:"risk"`

	NextPositionID uint64 `json:"next_position_id"`
	IsPaused       bool   `json:"is_paused"`
}

// NewMarketState returns a fresh market with zeroed counters.
func NewMarketState(authority AccountID, collateralAssetID string, params RiskParams, now int64) *MarketState {
	return &MarketState{
		Authority:         authority,
		CollateralAssetID: collateralAssetID,
		TreasuryAccountID: TreasuryAccount(authority),
		LastFundingTime:   now,
		Risk:              params,
	}
}

// RequireAuthority fails with Unauthorized unless caller is the market authority.
func (m *MarketState) RequireAuthority(caller AccountID) error {
	if caller != m.Authority {
		return perperr.New(perperr.CodeUnauthorized, "caller %s is not the market authority", caller)
	}
	return nil
}

// AllocatePositionID returns the next id and advances the counter.
func (m *MarketState) AllocatePositionID() (uint64, error) {
	id := m.NextPositionID
	next, err := fpmath.AddU64(id, 1)
	if err != nil {
		return 0, err
	}
	m.NextPositionID = next
	return id, nil
}

// OpenInterest returns the aggregate notional on one side.
func (m *MarketState) OpenInterest(d Direction) (uint64, error) {
	switch d {
	case DirectionLong:
		return m.TotalLongOpenInterest, nil
	case DirectionShort:
		return m.TotalShortOpenInterest, nil
	}
	return 0, invalidDirection(d)
}

// AddOpenInterest increases the side's open interest by notional.
func (m *MarketState) AddOpenInterest(d Direction, notional uint64) error {
	switch d {
	case DirectionLong:
		v, err := fpmath.AddU64(m.TotalLongOpenInterest, notional)
		if err != nil {
			return err
		}
		m.TotalLongOpenInterest = v
		return nil
	case DirectionShort:
		v, err := fpmath.AddU64(m.TotalShortOpenInterest, notional)
		if err != nil {
			return err
		}
		m.TotalShortOpenInterest = v
		return nil
	}
	return invalidDirection(d)
}

// RemoveOpenInterest decreases the side's open interest. Going below zero means
// the aggregate no longer matches its positions and is reported as MathOverflow.
func (m *MarketState) RemoveOpenInterest(d Direction, notional uint64) error {
	switch d {
	case DirectionLong:
		v, err := fpmath.SubU64(m.TotalLongOpenInterest, notional)
		if err != nil {
			return err
		}
		m.TotalLongOpenInterest = v
		return nil
	case DirectionShort:
		v, err := fpmath.SubU64(m.TotalShortOpenInterest, notional)
		if err != nil {
			return err
		}
		m.TotalShortOpenInterest = v
		return nil
	}
	return invalidDirection(d)
}

// CanonicalBytes for deterministic hashing
func (m *MarketState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, m.Authority[:]...)
	buf = append(buf, byte(len(m.CollateralAssetID)))
	buf = append(buf, []byte(m.CollateralAssetID)...)
	buf = append(buf, m.TreasuryAccountID[:]...)
	buf = appendUint64LE(buf, m.TotalLongOpenInterest)
	buf = appendUint64LE(buf, m.TotalShortOpenInterest)
	buf = appendInt64LE(buf, m.LastFundingTime)
	buf = appendInt64LE(buf, m.CumulativeFundingRateLong)
	buf = appendInt64LE(buf, m.CumulativeFundingRateShort)
	buf = appendUint32LE(buf, m.Risk.MaxLeverage)
	buf = appendUint32LE(buf, m.Risk.MaintenanceMarginBPS)
	buf = appendUint32LE(buf, m.Risk.LiquidationFeeBPS)
	buf = appendUint64LE(buf, m.NextPositionID)
	buf = appendBool(buf, m.IsPaused)
	return buf
}
