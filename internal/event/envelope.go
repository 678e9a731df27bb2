package event

import (
	"PerpCore/internal/state"
	"fmt"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeInitialize
	OpTypeSetPrice
	OpTypeDeposit
	OpTypeWithdraw
	OpTypeOpenPosition
	OpTypeClosePosition
	OpTypeLiquidate
	OpTypeApplyFunding
	OpTypeSetPaused
	OpTypeUpdateRiskParams
)

var opTypeNames = map[OpType]string{
	OpTypeInitialize:       "initialize",
	OpTypeSetPrice:         "set_price",
	OpTypeDeposit:          "deposit",
	OpTypeWithdraw:         "withdraw",
	OpTypeOpenPosition:     "open_position",
	OpTypeClosePosition:    "close_position",
	OpTypeLiquidate:        "liquidate",
	OpTypeApplyFunding:     "apply_funding",
	OpTypeSetPaused:        "set_paused",
	OpTypeUpdateRiskParams: "update_risk_params",
}

// AllOpTypes lists every operation in declaration order.
var AllOpTypes = []OpType{
	OpTypeInitialize,
	OpTypeSetPrice,
	OpTypeDeposit,
	OpTypeWithdraw,
	OpTypeOpenPosition,
	OpTypeClosePosition,
	OpTypeLiquidate,
	OpTypeApplyFunding,
	OpTypeSetPaused,
	OpTypeUpdateRiskParams,
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseOpType is the inverse of String.
func ParseOpType(name string) (OpType, error) {
	for t, n := range opTypeNames {
		if n == name {
			return t, nil
		}
	}
	return OpTypeUnknown, fmt.Errorf("unknown operation %q", name)
}

func (t OpType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OpType) UnmarshalText(b []byte) error {
	parsed, err := ParseOpType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Operation is the interface all operation inputs implement
type Operation interface {
	// OpType returns the discriminator
	OpType() OpType

	// CallerID returns the identity invoking the operation
	CallerID() state.AccountID

	// IdempotencyKey returns the caller-supplied dedup key ("" disables dedup)
	IdempotencyKey() string
}

// Meta carries the fields every operation shares.
type Meta struct {
	RequestID string          `json:"request_id,omitempty"`
	Caller    state.AccountID `json:"caller"`
}

func (m Meta) CallerID() state.AccountID {
	return m.Caller
}

func (m Meta) IdempotencyKey() string {
	return m.RequestID
}

// Envelope wraps every committed operation in the log
type Envelope struct {
	// Commit sequence assigned by the engine
	Sequence int64

	// Caller-supplied idempotency key, empty when absent
	RequestID string

	OpType OpType
	Caller state.AccountID

	// Engine clock reading at execution, unix seconds
	Timestamp int64

	// JSON-encoded operation input
	Payload []byte

	// JSON-encoded receipt
	Result []byte

	// SHA-256 of the records written by this operation, chained
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}
