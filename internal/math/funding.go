package math

// ComputeFundingRate returns the signed imbalance rate at RateConfig scale:
// (long - short) * 1e6 / (long + short), or 0 when both sides are empty.
// Positive means longs pay shorts.
func ComputeFundingRate(longOI, shortOI uint64) (int64, error) {
	total, err := AddU64(longOI, shortOI)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return DiffMulDiv(longOI, shortOI, uint64(FundingRatePrecision), total)
}

// ComputeFundingPayment converts an index movement into collateral owed by a position.
// Returns: payment amount (positive = position pays, negative = position receives)
func ComputeFundingPayment(entryNotional uint64, indexDelta int64) (int64, error) {
	return SignedMulDiv(indexDelta, entryNotional, uint64(FundingRatePrecision))
}
