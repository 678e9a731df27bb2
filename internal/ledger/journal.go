package ledger

import (
	fpmath "PerpCore/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginLock
	JournalTypeMarginRelease
	JournalTypeRealizedPnL
	JournalTypeLiquidationFee
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Operation reference (request id or op type)
	Sequence      int64       // Commit sequence
	DebitAccount  Account     // Account receiving debit (balance increases)
	CreditAccount Account     // Account receiving credit (balance decreases)
	Asset         string      // Collateral asset id
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Engine clock, unix seconds
}

// Batch represents a balanced set of journal entries produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Asset     string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch
func NewBatch(eventRef, asset string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Asset:     asset,
		Timestamp: timestamp,
	}
}

// Transfer appends a journal moving amount from credit to debit. Zero amounts
// add nothing.
func (b *Batch) Transfer(debit, credit Account, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	signed, err := fpmath.ToInt64(amount)
	if err != nil {
		return err
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         b.Asset,
		Amount:        signed,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
	return nil
}

// SetSequence stamps the commit sequence on the batch and every journal
func (b *Batch) SetSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}

// NetChange sums the signed effect of the batch on one account.
func (b *Batch) NetChange(a Account) int64 {
	var net int64
	for _, j := range b.Journals {
		if j.DebitAccount == a {
			net += j.Amount
		}
		if j.CreditAccount == a {
			net -= j.Amount
		}
	}
	return net
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from credit to debit, so
// Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
