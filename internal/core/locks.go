package core

import (
	"PerpCore/internal/state"
	"sort"
	"sync"
)

// LockUnit names one record an operation touches and whether it writes it.
type LockUnit struct {
	Addr  state.Address
	Write bool
}

func readUnit(a state.Address) LockUnit  { return LockUnit{Addr: a} }
func writeUnit(a state.Address) LockUnit { return LockUnit{Addr: a, Write: true} }

type lockEntry struct {
	rw   sync.RWMutex
	refs int
}

// LockManager hands out per-address read/write locks. Units are always
// acquired in address order so overlapping operations cannot deadlock.
// Entries are reference counted and dropped when no operation holds or
// waits on them.
type LockManager struct {
	mu      sync.Mutex
	entries map[state.Address]*lockEntry
}

func NewLockManager() *LockManager {
	return &LockManager{entries: make(map[state.Address]*lockEntry)}
}

// Acquire blocks until every unit is held and returns the release function.
func (lm *LockManager) Acquire(units []LockUnit) func() {
	units = normalizeUnits(units)
	held := make([]*lockEntry, len(units))

	for i, u := range units {
		lm.mu.Lock()
		e, ok := lm.entries[u.Addr]
		if !ok {
			e = &lockEntry{}
			lm.entries[u.Addr] = e
		}
		e.refs++
		lm.mu.Unlock()

		if u.Write {
			e.rw.Lock()
		} else {
			e.rw.RLock()
		}
		held[i] = e
	}

	return func() {
		for i := len(units) - 1; i >= 0; i-- {
			if units[i].Write {
				held[i].rw.Unlock()
			} else {
				held[i].rw.RUnlock()
			}

			lm.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(lm.entries, units[i].Addr)
			}
			lm.mu.Unlock()
		}
	}
}

// Len returns the number of live lock entries.
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.entries)
}

// normalizeUnits merges duplicate addresses (write wins) and sorts by address.
func normalizeUnits(units []LockUnit) []LockUnit {
	merged := make(map[state.Address]bool, len(units))
	for _, u := range units {
		merged[u.Addr] = merged[u.Addr] || u.Write
	}
	out := make([]LockUnit, 0, len(merged))
	for addr, write := range merged {
		out = append(out, LockUnit{Addr: addr, Write: write})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}
