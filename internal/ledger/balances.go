package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Balances accumulates journal batches into signed account balances.
// A debit raises the debited account and lowers the credited one.
type Balances struct {
	byAccount map[Account]int64
}

func NewBalances() *Balances {
	return &Balances{byAccount: make(map[Account]int64)}
}

// Apply validates b and folds every journal into the balances.
func (bs *Balances) Apply(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("batch %s: %w", b.BatchID, err)
	}
	for _, j := range b.Journals {
		bs.byAccount[j.DebitAccount] += j.Amount
		bs.byAccount[j.CreditAccount] -= j.Amount
	}
	return nil
}

// Of returns the balance of a; unseen accounts are zero.
func (bs *Balances) Of(a Account) int64 {
	return bs.byAccount[a]
}

// Vault returns the deposited and locked amounts the journals imply for owner.
func (bs *Balances) Vault(owner uuid.UUID) (deposited, locked int64) {
	locked = bs.Of(Locked(owner))
	return bs.Of(Free(owner)) + locked, locked
}

// Sum is the total over every account; a zero-sum ledger sums to 0.
func (bs *Balances) Sum() int64 {
	var total int64
	for _, v := range bs.byAccount {
		total += v
	}
	return total
}

// Accounts returns every account seen, ordered by path.
func (bs *Balances) Accounts() []Account {
	out := make([]Account, 0, len(bs.byAccount))
	for a := range bs.byAccount {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}
