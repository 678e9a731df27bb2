package state

import (
	"PerpCore/internal/perperr"
	"strings"
)

// Direction is the side of a position. The zero value is not a valid direction.
type Direction uint8

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "Long"
	case DirectionShort:
		return "Short"
	}
	return "Invalid"
}

// ParseDirection accepts "long"/"short" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return DirectionLong, nil
	case "short":
		return DirectionShort, nil
	}
	return 0, perperr.New(perperr.CodeInvalidParameter, "unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(d.String())), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Valid reports whether d is one of the two defined sides.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

func invalidDirection(d Direction) error {
	return perperr.New(perperr.CodeInvalidParameter, "invalid direction %d", uint8(d))
}

// PositionStatus tracks the lifecycle of a position
type PositionStatus int32

const (
	PositionStatusNone PositionStatus = iota
	PositionStatusOpen
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "None"
	}
}

// CanTransitionTo validates state transitions. Closed and Liquidated are terminal.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusNone: {PositionStatusOpen},
		PositionStatusOpen: {PositionStatusClosed, PositionStatusLiquidated},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is one leveraged exposure. Direction, size, leverage, and entry
// price never change after open.
type Position struct {
	Owner           AccountID      `json:"owner"`
	PositionID      uint64         `json:"position_id"`
	Direction       Direction      `json:"direction"`
	Size            uint64         `json:"size"`        // SizeConfig scale
	EntryPrice      uint64         `json:"entry_price"` // PriceConfig scale
	Leverage        uint32         `json:"leverage"`
	Margin          uint64         `json:"margin"`
	EntryNotional   uint64         `json:"entry_notional"`
	FundingSnapshot int64          `json:"funding_snapshot"`
	OpenedAt        int64          `json:"opened_at"`
	ClosedAt        int64          `json:"closed_at,omitempty"`
	Status          PositionStatus `json:"status"`
	IsOpen          bool           `json:"is_open"`
}

// Address returns the record address of the position.
func (p *Position) Address() Address {
	return PositionAddress(p.Owner, p.PositionID)
}

// Terminate moves an open position to Closed or Liquidated.
func (p *Position) Terminate(next PositionStatus, now int64) error {
	if !p.IsOpen {
		return perperr.New(perperr.CodePositionNotOpen, "position %d is %s", p.PositionID, p.Status)
	}
	if !p.Status.CanTransitionTo(next) {
		return perperr.New(perperr.CodePositionNotOpen, "position %d cannot move from %s to %s", p.PositionID, p.Status, next)
	}
	p.Status = next
	p.IsOpen = false
	p.ClosedAt = now
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, p.Owner[:]...)
	buf = appendUint64LE(buf, p.PositionID)
	buf = append(buf, byte(p.Direction))
	buf = appendUint64LE(buf, p.Size)
	buf = appendUint64LE(buf, p.EntryPrice)
	buf = appendUint32LE(buf, p.Leverage)
	buf = appendUint64LE(buf, p.Margin)
	buf = appendUint64LE(buf, p.EntryNotional)
	buf = appendInt64LE(buf, p.FundingSnapshot)
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.ClosedAt)
	buf = append(buf, byte(p.Status))
	buf = appendBool(buf, p.IsOpen)
	return buf
}
