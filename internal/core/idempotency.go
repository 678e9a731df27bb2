package core

import (
	"PerpCore/internal/event"
	"PerpCore/internal/observability"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// IdempotencyChecker implements two-tier deduplication of request ids.
// A key is reserved while its operation runs; concurrent callers with the
// same key wait for the first to finish and then see its receipt.
type IdempotencyChecker struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	inflight map[string]chan struct{}

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, opType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		inflight:  make(map[string]chan struct{}),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// CompositeKey scopes a request id to its operation type and caller.
func CompositeKey(op event.Operation) string {
	return fmt.Sprintf("%s:%s:%s", op.OpType(), op.CallerID(), op.IdempotencyKey())
}

// Begin returns the prior receipt when key was already processed. Otherwise
// it reserves key and returns nil; the caller must then call Finish.
func (ic *IdempotencyChecker) Begin(ctx context.Context, opType event.OpType, key string) (*Receipt, error) {
	for {
		ic.mu.Lock()
		// Tier 1: LRU check (hot path)
		if r, ok := ic.lru.Get(key); ok {
			ic.mu.Unlock()
			ic.recordDuplicate(opType, "lru")
			return duplicateOf(opType, r), nil
		}
		wait, busy := ic.inflight[key]
		if !busy {
			ic.inflight[key] = make(chan struct{})
			ic.mu.Unlock()
			break
		}
		ic.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		start := time.Now()
		isDup, err := ic.dbChecker.IsDuplicate(ctx, opType.String(), key)
		if ic.metrics != nil {
			ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative: a DB issue must not block processing
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return nil, nil
		}
		if isDup {
			r := &Receipt{OpType: opType}
			ic.Finish(key, r)
			ic.recordDuplicate(opType, "postgres")
			return duplicateOf(opType, r), nil
		}
	}

	return nil, nil
}

// Finish releases a reservation. A nil receipt (failed operation) leaves the
// key unprocessed so a retry executes again.
func (ic *IdempotencyChecker) Finish(key string, r *Receipt) {
	ic.mu.Lock()
	if r != nil {
		evicted := ic.lru.Add(key, r)
		if ic.metrics != nil {
			ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
			if evicted {
				ic.metrics.DedupLRUEvictions.Inc()
			}
		}
	}
	wait := ic.inflight[key]
	delete(ic.inflight, key)
	ic.mu.Unlock()

	if wait != nil {
		close(wait)
	}
}

// Warm preloads keys processed before a restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(opType event.OpType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(opType.String(), tier).Inc()
	}
}

func duplicateOf(opType event.OpType, r *Receipt) *Receipt {
	if r == nil {
		return &Receipt{OpType: opType, Duplicate: true}
	}
	cp := *r
	cp.Duplicate = true
	return &cp
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache from idempotency key to receipt.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key     string
	receipt *Receipt
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the stored receipt (nil for warmed keys) and promotes the key.
func (lru *IdempotencyLRU) Get(key string) (*Receipt, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).receipt, true
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts a key (or promotes if exists). Reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string, r *Receipt) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		if r != nil {
			elem.Value.(*lruEntry).receipt = r
		}
		return false
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, receipt: r})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU so recently
// processed requests avoid the cold-path DB lookup after a restart.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.Add(key, nil)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
