package core

import (
	"PerpCore/internal/event"
	"PerpCore/internal/ledger"
	"PerpCore/internal/observability"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"PerpCore/internal/store"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds engine policy and recovery position.
type Config struct {
	OracleMaxAgeSeconds    int64
	FundingIntervalSeconds int64
	IdempotencyCapacity    int

	// Last persisted sequence and state hash; zero values start a new chain.
	StartSequence int64
	ChainTip      [32]byte
}

// DefaultConfig returns the reference deployment policy.
func DefaultConfig() Config {
	return Config{
		OracleMaxAgeSeconds:    state.DefaultOracleMaxAgeSeconds,
		FundingIntervalSeconds: state.DefaultFundingIntervalSeconds,
		IdempotencyCapacity:    1_000_000,
	}
}

// Receipt is the outcome of a committed (or deduplicated) operation. Only the
// records the operation wrote are set.
type Receipt struct {
	Sequence  int64        `json:"sequence"`
	OpType    event.OpType `json:"op_type"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Timestamp int64        `json:"timestamp"`
	StateHash string       `json:"state_hash"`

	Market     *state.MarketState        `json:"market,omitempty"`
	PriceFeed  *state.PriceFeed          `json:"price_feed,omitempty"`
	Vault      *state.Vault              `json:"vault,omitempty"`
	Liquidator *state.Vault              `json:"liquidator_vault,omitempty"`
	Position   *state.Position           `json:"position,omitempty"`
	Settlement *state.Settlement         `json:"settlement,omitempty"`
	Funding    *state.FundingApplication `json:"funding,omitempty"`
}

// CoreOutput is emitted once per commit, in sequence order.
type CoreOutput struct {
	Envelope    *event.Envelope
	Batch       *ledger.Batch
	Changes     *store.ChangeSet
	Receipt     *Receipt
	CommittedAt time.Time // wall clock, for pipeline latency
}

// CommitListener observes every successful commit while the operation's
// locks are still held.
type CommitListener interface {
	OnCommit(ctx context.Context, cs *store.ChangeSet)
}

// Engine executes operations against a Store. It is safe for concurrent use:
// each operation locks the records it touches, computes on copies, and
// commits one ChangeSet. Operations on disjoint records run in parallel.
type Engine struct {
	store       store.Store
	clock       Clock
	cfg         Config
	locks       *LockManager
	idempotency *IdempotencyChecker
	listeners   []CommitListener

	// sequencer
	seqMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(
	st store.Store,
	clock Clock,
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig().IdempotencyCapacity
	}
	return &Engine{
		store:          st,
		clock:          clock,
		cfg:            cfg,
		locks:          NewLockManager(),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics),
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasherFrom(cfg.ChainTip),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
		logger:         logger,
	}
}

// AddCommitListener registers l. Not safe to call concurrently with Execute.
func (e *Engine) AddCommitListener(l CommitListener) {
	e.listeners = append(e.listeners, l)
}

// Idempotency exposes the dedup tiers for warming after a restart.
func (e *Engine) Idempotency() *IdempotencyChecker {
	return e.idempotency
}

// Sequence returns the last committed sequence.
func (e *Engine) Sequence() int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.sequence
}

// ChainTip returns the state hash of the last commit.
func (e *Engine) ChainTip() [32]byte {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.hasher.GetPrevHash()
}

// Execute runs op to completion. Domain rejections are *perperr.Error values
// and leave every record untouched.
func (e *Engine) Execute(ctx context.Context, op event.Operation) (*Receipt, error) {
	start := time.Now()
	opType := op.OpType()

	// Step 1: Idempotency check (two-tier)
	var key string
	if op.IdempotencyKey() != "" {
		key = CompositeKey(op)
		prior, err := e.idempotency.Begin(ctx, opType, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if e.metrics != nil {
				e.metrics.CoreOpsRejected.WithLabelValues(opType.String(), "duplicate").Inc()
			}
			return prior, nil
		}
	}

	rcpt, err := e.execute(ctx, op)

	if key != "" {
		e.idempotency.Finish(key, rcpt)
	}

	if err != nil {
		code := perperr.CodeOf(err)
		reason := "infrastructure"
		if code != perperr.CodeUnknown {
			reason = code.String()
			e.logger.Debug().
				Str("op", opType.String()).
				Str("code", reason).
				Str("caller", op.CallerID().String()).
				Msg("operation rejected")
		} else {
			e.logger.Error().Err(err).Str("op", opType.String()).Msg("operation failed")
		}
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opType.String(), reason).Inc()
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(opType.String()).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(opType.String()).Observe(time.Since(start).Seconds())
	}
	return rcpt, nil
}

func (e *Engine) execute(ctx context.Context, op event.Operation) (*Receipt, error) {
	units, err := e.unitsFor(op)
	if err != nil {
		return nil, err
	}

	// Step 2: Lock every record the operation touches
	lockStart := time.Now()
	release := e.locks.Acquire(units)
	defer release()
	if e.metrics != nil {
		e.metrics.CoreLockWait.Observe(time.Since(lockStart).Seconds())
	}

	// Step 3: Dispatch on copies
	tx := newTxn(ctx, e.store, e.clock.Now().Unix())
	rcpt, err := e.dispatch(tx, op)
	if err != nil {
		return nil, err
	}

	// Step 4: Pre-commit checks
	if err := checkInvariants(tx); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: Commit atomically
	if err := e.store.Commit(ctx, tx.cs); err != nil {
		return nil, fmt.Errorf("commit %s: %w", op.OpType(), err)
	}
	for _, l := range e.listeners {
		l.OnCommit(ctx, tx.cs)
	}

	// Step 6: Sequence, hash, emit
	e.emit(op, tx, rcpt)
	return rcpt, nil
}

func (e *Engine) dispatch(tx *txn, op event.Operation) (*Receipt, error) {
	switch o := op.(type) {
	case *event.Initialize:
		return e.initialize(tx, o)
	case *event.SetPrice:
		return e.setPrice(tx, o)
	case *event.Deposit:
		return e.deposit(tx, o)
	case *event.Withdraw:
		return e.withdraw(tx, o)
	case *event.OpenPosition:
		return e.openPosition(tx, o)
	case *event.ClosePosition:
		return e.closePosition(tx, o)
	case *event.Liquidate:
		return e.liquidate(tx, o)
	case *event.ApplyFunding:
		return e.applyFunding(tx, o)
	case *event.SetPaused:
		return e.setPaused(tx, o)
	case *event.UpdateRiskParams:
		return e.updateRiskParams(tx, o)
	}
	return nil, perperr.New(perperr.CodeInvalidParameter, "unsupported operation %T", op)
}

// unitsFor declares the records op reads and writes.
func (e *Engine) unitsFor(op event.Operation) ([]LockUnit, error) {
	market := state.MarketAddress()
	oracle := state.PriceFeedAddress()

	switch o := op.(type) {
	case *event.Initialize:
		return []LockUnit{writeUnit(market), writeUnit(oracle)}, nil
	case *event.SetPrice:
		return []LockUnit{readUnit(market), writeUnit(oracle)}, nil
	case *event.Deposit, *event.Withdraw:
		return []LockUnit{readUnit(market), writeUnit(state.VaultAddress(op.CallerID()))}, nil
	case *event.OpenPosition:
		// The new position's address depends on the id allocated under the
		// market write lock, so it needs no lock of its own.
		return []LockUnit{writeUnit(market), readUnit(oracle), writeUnit(state.VaultAddress(o.Caller))}, nil
	case *event.ClosePosition:
		owner := o.PositionOwner()
		return []LockUnit{
			writeUnit(market), readUnit(oracle),
			writeUnit(state.VaultAddress(owner)),
			writeUnit(state.PositionAddress(owner, o.PositionID)),
		}, nil
	case *event.Liquidate:
		return []LockUnit{
			writeUnit(market), readUnit(oracle),
			writeUnit(state.VaultAddress(o.Owner)),
			writeUnit(state.VaultAddress(o.Caller)),
			writeUnit(state.PositionAddress(o.Owner, o.PositionID)),
		}, nil
	case *event.ApplyFunding:
		return []LockUnit{writeUnit(market), readUnit(oracle)}, nil
	case *event.SetPaused, *event.UpdateRiskParams:
		return []LockUnit{writeUnit(market)}, nil
	}
	return nil, perperr.New(perperr.CodeInvalidParameter, "unsupported operation %T", op)
}

// emit assigns the next sequence, extends the hash chain, and hands the
// commit to persistence and projections. Runs under the operation's record
// locks, so conflicting operations are sequenced in commit order.
func (e *Engine) emit(op event.Operation, tx *txn, rcpt *Receipt) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	e.sequence++
	seq := e.sequence
	tx.batch.SetSequence(seq)

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, ComputeDigest(tx.cs.Records()))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	rcpt.Sequence = seq
	rcpt.OpType = op.OpType()
	rcpt.Timestamp = tx.now
	rcpt.StateHash = hex.EncodeToString(stateHash[:])

	payload, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", op.OpType(), err))
	}
	result, err := json.Marshal(rcpt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s receipt: %v", op.OpType(), err))
	}

	envelope := &event.Envelope{
		Sequence:  seq,
		RequestID: op.IdempotencyKey(),
		OpType:    op.OpType(),
		Caller:    op.CallerID(),
		Timestamp: tx.now,
		Payload:   payload,
		Result:    result,
		StateHash: stateHash,
		PrevHash:  prevHash,
	}
	if envelope.RequestID != "" {
		envelope.RequestID = CompositeKey(op)
	}

	output := CoreOutput{
		Envelope:    envelope,
		Batch:       tx.batch,
		Changes:     tx.cs,
		Receipt:     rcpt,
		CommittedAt: time.Now(),
	}

	// Persistence: blocking send. The engine stalls until the persistence
	// worker drains, so no commit is lost from the log.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projection workers can
	// rebuild from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	e.recordCommit(output)

	e.logger.Debug().
		Str("op", op.OpType().String()).
		Int64("sequence", seq).
		Int("journals", len(tx.batch.Journals)).
		Msg("operation committed")
}

func (e *Engine) recordCommit(out CoreOutput) {
	if e.metrics == nil {
		return
	}
	r := out.Receipt
	e.metrics.CoreSequence.Set(float64(r.Sequence))
	for _, j := range out.Batch.Journals {
		e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if r.Market != nil {
		e.metrics.OpenInterest.WithLabelValues("long").Set(float64(r.Market.TotalLongOpenInterest))
		e.metrics.OpenInterest.WithLabelValues("short").Set(float64(r.Market.TotalShortOpenInterest))
	}
	if r.PriceFeed != nil {
		e.metrics.OraclePrice.Set(float64(r.PriceFeed.Price))
	}
	if r.Funding != nil {
		e.metrics.FundingRate.Set(float64(r.Funding.Rate))
	}
	switch r.OpType {
	case event.OpTypeOpenPosition:
		e.metrics.PositionsOpened.WithLabelValues(r.Position.Direction.String()).Inc()
	case event.OpTypeClosePosition:
		e.metrics.PositionsSettled.WithLabelValues(r.Position.Direction.String(), "closed").Inc()
	case event.OpTypeLiquidate:
		e.metrics.PositionsSettled.WithLabelValues(r.Position.Direction.String(), "liquidated").Inc()
		e.metrics.LiquidationFeePaid.Add(float64(r.Settlement.Fee))
	}
}
