package state

import (
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/perperr"
)

// FundingApplication records one advance of the funding indices.
type FundingApplication struct {
	Rate              int64  `json:"rate"`
	Accrual           int64  `json:"accrual"`
	ElapsedSeconds    int64  `json:"elapsed_seconds"`
	LongOpenInterest  uint64 `json:"long_open_interest"`
	ShortOpenInterest uint64 `json:"short_open_interest"`
	CumulativeLong    int64  `json:"cumulative_long"`
	CumulativeShort   int64  `json:"cumulative_short"`
	AppliedAt         int64  `json:"applied_at"`
}

// FundingRate returns the current imbalance rate (positive: longs pay).
func (m *MarketState) FundingRate() (int64, error) {
	return fpmath.ComputeFundingRate(m.TotalLongOpenInterest, m.TotalShortOpenInterest)
}

// FundingIndex returns the cumulative index that applies to a side.
func (m *MarketState) FundingIndex(d Direction) (int64, error) {
	switch d {
	case DirectionLong:
		return m.CumulativeFundingRateLong, nil
	case DirectionShort:
		return m.CumulativeFundingRateShort, nil
	}
	return 0, invalidDirection(d)
}

// FundingDue fails with FundingIntervalNotElapsed until a full interval has
// passed since the last application.
func (m *MarketState) FundingDue(now, interval int64) error {
	if elapsed := now - m.LastFundingTime; elapsed < interval {
		return perperr.New(perperr.CodeFundingIntervalNotElapsed,
			"%ds since last funding, interval is %ds", elapsed, interval)
	}
	return nil
}

// ApplyFunding advances both indices by one interval's rate, however late the
// call is. ElapsedSeconds is carried for reporting only.
func (m *MarketState) ApplyFunding(now, interval int64) (*FundingApplication, error) {
	if err := m.FundingDue(now, interval); err != nil {
		return nil, err
	}
	elapsed := now - m.LastFundingTime

	rate, err := m.FundingRate()
	if err != nil {
		return nil, err
	}
	accrual := rate
	long, err := fpmath.AddI64(m.CumulativeFundingRateLong, accrual)
	if err != nil {
		return nil, err
	}
	short, err := fpmath.SubI64(m.CumulativeFundingRateShort, accrual)
	if err != nil {
		return nil, err
	}

	m.CumulativeFundingRateLong = long
	m.CumulativeFundingRateShort = short
	m.LastFundingTime = now

	return &FundingApplication{
		Rate:              rate,
		Accrual:           accrual,
		ElapsedSeconds:    elapsed,
		LongOpenInterest:  m.TotalLongOpenInterest,
		ShortOpenInterest: m.TotalShortOpenInterest,
		CumulativeLong:    long,
		CumulativeShort:   short,
		AppliedAt:         now,
	}, nil
}

// FundingOwed returns what p owes (positive) or is owed (negative) for index
// movement since it was opened.
func (m *MarketState) FundingOwed(p *Position) (int64, error) {
	index, err := m.FundingIndex(p.Direction)
	if err != nil {
		return 0, err
	}
	delta, err := fpmath.SubI64(index, p.FundingSnapshot)
	if err != nil {
		return 0, err
	}
	return fpmath.ComputeFundingPayment(p.EntryNotional, delta)
}
