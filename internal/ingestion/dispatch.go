package ingestion

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/perperr"
	"context"
)

// Executor runs one operation. *core.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, op event.Operation) (*core.Receipt, error)
}

// Reply is the response to an intake request: a receipt or an error.
type Reply struct {
	Receipt *core.Receipt `json:"receipt,omitempty"`
	Error   *ReplyError   `json:"error,omitempty"`
}

// ReplyError carries the domain code name so remote callers can recover the kind.
type ReplyError struct {
	Code     string `json:"code"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// Disposition tells a message-driven caller what to do with the source message.
type Disposition int

const (
	// Ack: the operation reached a final outcome (committed or rejected).
	Ack Disposition = iota
	// Term: the payload can never succeed; do not redeliver.
	Term
	// Nak: an infrastructure failure; redeliver later.
	Nak
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Term:
		return "term"
	case Nak:
		return "nak"
	}
	return "unknown"
}

// NewReply builds the reply for an Execute outcome.
func NewReply(rcpt *core.Receipt, err error) Reply {
	if err == nil {
		return Reply{Receipt: rcpt}
	}
	code := perperr.CodeOf(err)
	re := &ReplyError{Code: code.String(), Message: err.Error()}
	if code != perperr.CodeUnknown {
		re.Category = code.Category().String()
	}
	return Reply{Error: re}
}

// Err converts the reply back to an error, nil on success.
func (r Reply) Err() error {
	if r.Error == nil {
		return nil
	}
	if code := perperr.ParseCode(r.Error.Code); code != perperr.CodeUnknown {
		return &perperr.Error{Code: code, Detail: r.Error.Message}
	}
	return &remoteError{msg: r.Error.Message}
}

type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

// Dispatch parses and executes one operation. Parse failures are terminal,
// domain rejections are final, and anything else should be retried.
func Dispatch(ctx context.Context, exec Executor, opName string, data []byte) (Reply, Disposition) {
	op, err := ParseOperation(opName, data)
	if err != nil {
		return NewReply(nil, err), Term
	}
	rcpt, err := exec.Execute(ctx, op)
	if err != nil && perperr.CodeOf(err) == perperr.CodeUnknown {
		return NewReply(nil, err), Nak
	}
	return NewReply(rcpt, err), Ack
}
