package state

import "PerpCore/internal/perperr"

// PriceFeed is the oracle record. Price is 6-decimal fixed point; 0 means
// no price has been pushed yet.
type PriceFeed struct {
	Price      uint64    `json:"price"`
	ObservedAt int64     `json:"observed_at"` // unix seconds
	Authority  AccountID `json:"authority"`
}

func NewPriceFeed(authority AccountID) *PriceFeed {
	return &PriceFeed{Authority: authority}
}

// SetPrice stores a new observation. Only the feed authority may call it.
func (p *PriceFeed) SetPrice(caller AccountID, price uint64, now int64) error {
	if caller != p.Authority {
		return perperr.New(perperr.CodeUnauthorized, "caller %s is not the oracle authority", caller)
	}
	if price == 0 {
		return perperr.New(perperr.CodeInvalidPrice, "price must be > 0")
	}
	p.Price = price
	p.ObservedAt = now
	return nil
}

// AssertFresh returns the stored price if it was observed within maxAge seconds of now.
func (p *PriceFeed) AssertFresh(now, maxAge int64) (uint64, error) {
	if now-p.ObservedAt > maxAge {
		return 0, perperr.New(perperr.CodeOracleStale, "price age %ds exceeds %ds", now-p.ObservedAt, maxAge)
	}
	if p.Price == 0 {
		return 0, perperr.New(perperr.CodeOracleInvalidPrice, "price feed is uninitialized")
	}
	return p.Price, nil
}

// Age returns seconds since the last observation.
func (p *PriceFeed) Age(now int64) int64 {
	return now - p.ObservedAt
}

// CanonicalBytes for deterministic hashing
func (p *PriceFeed) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, p.Authority[:]...)
	buf = appendUint64LE(buf, p.Price)
	buf = appendInt64LE(buf, p.ObservedAt)
	return buf
}
