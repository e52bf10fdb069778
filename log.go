// Package zil implements the intent log of a copy-on-write filesystem: a
// per-dataset write-ahead log that makes synchronous writes durable before
// the next full checkpoint commits (spec.md §1-§2).
//
// Log is the "zilog" of spec.md §3: it owns the commit engine, the
// persisted header, and the suspend/destroy/sync lifecycle (C9). The
// itx/lwb/predictor/commit/recovery/vdev/wire packages under internal/ do
// the actual engine work; this package wires them to a caller-supplied
// storageiface.StorageEngine and exposes the spec's §6 inbound API.
package zil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldfs/zil/internal/commit"
	"github.com/coldfs/zil/internal/itx"
	"github.com/coldfs/zil/internal/logging"
	"github.com/coldfs/zil/internal/lwb"
	"github.com/coldfs/zil/internal/recovery"
	"github.com/coldfs/zil/internal/storageiface"
	"github.com/coldfs/zil/internal/tunables"
	"github.com/coldfs/zil/internal/wire"
)

// SyncMode mirrors the dataset "sync" property consulted by Commit's step
// 1 (spec.md §4.5).
type SyncMode int

const (
	SyncStandard SyncMode = iota
	SyncAlways
	SyncDisabled
)

// LogBias mirrors the dataset "logbias" property consulted by the write-state
// selector (spec.md §4.7). An alias of internal/commit's own type, which
// exists separately only to avoid this package's import of internal/commit
// becoming a cycle.
type LogBias = commit.LogBias

const (
	LogBiasLatency    = commit.LogBiasLatency
	LogBiasThroughput = commit.LogBiasThroughput
)

// Options configures a Log at Open time.
type Options struct {
	Config     tunables.Config
	GetData    storageiface.GetDataFunc
	Logger     *logging.Logger
	Metrics    *Metrics
	ObjsetID   uint64
	IsSnapshot bool
}

// SuspendToken is returned by Suspend and consumed by Resume. Per
// SPEC_FULL.md section D.1, only the call that actually transitioned the
// log into suspension holds a token that performs a real resume; a nested
// Suspend call observes the log already suspended and gets a no-op token.
type SuspendToken struct {
	owns bool
	log  *Log
}

// Log is the per-dataset intent log engine (spec.md's "zilog").
type Log struct {
	engine  storageiface.StorageEngine
	cfg     tunables.Config
	logger  *logging.Logger
	metrics *Metrics

	writer *commit.Writer

	mu         sync.Mutex
	header     wire.LogHeader
	sync       SyncMode
	logbias    LogBias
	suspendCnt int
	destroyed  bool
	isSnapshot bool

	syncedTxg atomic.Uint64
}

// Open constructs a Log over engine. The returned Log accepts itx traffic
// immediately; callers that are recovering a pool should run Claim/Replay
// against the same engine before serving foreground writes.
func Open(engine storageiface.StorageEngine, opts Options) (*Log, error) {
	if engine == nil {
		return nil, NewError("open", ErrCodeNotWritable, "nil storage engine")
	}
	cfg := opts.Config
	if cfg.MaxBlockSize == 0 {
		cfg = tunables.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	l := &Log{
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		writer:     commit.New(cfg, engine, opts.GetData, logger, metrics),
		isSnapshot: opts.IsSnapshot,
	}
	return l, nil
}

// ItxCreate allocates a new intent record (spec.md §6 itx_create).
func (l *Log) ItxCreate(txtype uint64, headerSize int) *itx.Itx {
	return itx.Create(txtype, headerSize)
}

// ItxAssign enqueues it onto its target txg's sync list or async tree
// (spec.md §6 itx_assign, §4.1 assign).
func (l *Log) ItxAssign(it *itx.Itx, txg uint64) error {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return ErrClosed
	}
	l.writer.Pool().Assign(it, txg)
	return nil
}

// SetSync sets the dataset's sync property (spec.md §6 set_sync).
func (l *Log) SetSync(mode SyncMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sync = mode
}

// SetLogbias sets the dataset's logbias hint (spec.md §6 set_logbias),
// forwarding it to the commit writer so §4.7's write-state selector
// observes it on the next Commit.
func (l *Log) SetLogbias(bias LogBias) {
	l.mu.Lock()
	l.logbias = bias
	l.mu.Unlock()
	l.writer.SetLogBias(bias)
}

// Commit is the durability barrier of spec.md §4.5: it returns once every
// itx assigned before the call for foid (or every object, if foid is 0)
// is durable, or the pool has become unwritable.
//
// Steps 1-2 (sync-disabled / not-writable / suspended short circuits) and
// steps 7-8 (the waiter wait with latency-scaled timeout and the
// main-checkpoint fallback) live here; step 3-6 (promote, mark, build,
// issue) are internal/commit.Writer.Commit.
func (l *Log) Commit(ctx context.Context, foid uint64) error {
	if l.isSnapshot {
		return ErrSnapshot
	}

	l.mu.Lock()
	mode := l.sync
	suspended := l.suspendCnt > 0
	destroyed := l.destroyed
	l.mu.Unlock()

	if destroyed {
		return ErrClosed
	}
	if mode == SyncDisabled {
		return nil
	}
	if !l.engine.Writable() || suspended {
		return l.fallbackWait(ctx)
	}

	otxg := l.nextTxg()
	start := time.Now()
	waiter := l.writer.Commit(ctx, otxg, foid)

	timeout := l.waiterTimeout()
	err := l.waitWithTimeout(ctx, waiter, timeout)
	l.metrics.RecordCommit(time.Since(start), err == nil)
	l.recordHeadBlock()

	if err != nil {
		return l.fallbackWait(ctx)
	}
	return nil
}

// recordHeadBlock persists the chain's first block pointer into the log
// header the first time the writer has one, so Claim/CheckLogChain/Destroy
// have a starting point to walk from (spec.md §4.2's zh_log).
func (l *Log) recordHeadBlock() {
	bp, ok := l.writer.HeadBlock()
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.header.Log.Size == 0 {
		l.header.Log = wire.BlockPtrWire{
			VdevID: bp.VdevID,
			Offset: bp.Offset,
			Size:   bp.Size,
			Birth:  bp.Birth,
		}
		if bp.Slog {
			l.header.Log.Slog = 1
		}
	}
}

// HeadBlock returns the chain's first allocated block, for callers that
// need to run Claim/CheckLogChain/Replay against this log after Open
// (spec.md §4.8-§4.9). The second return is false until the first commit
// has allocated a block.
func (l *Log) HeadBlock() (storageiface.BlockPtr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.header.Log.Size == 0 {
		return storageiface.BlockPtr{}, false
	}
	return toBlockPtr(l.header.Log), true
}

// waitWithTimeout blocks on waiter.Wait, but if timeout elapses first,
// runs waiter_timeout (spec.md §4.5 step 7): force-close and issue the
// lwb it's attached to if still OPENED, then keep waiting.
func (l *Log) waitWithTimeout(ctx context.Context, waiter *lwb.Waiter, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- waiter.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-timer.C:
			l.waiterTimeoutFire(waiter)
			timer.Reset(timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waiterTimeoutFire closes and issues the waiter's lwb if it is still
// OPENED (spec.md §4.5 step 7, waiter_timeout). A lwb that has already
// moved past OPENED is someone else's responsibility; this is a
// best-effort nudge: the state check, Close and Issue run without taking
// the writer's issuer lock.
func (l *Log) waiterTimeoutFire(waiter *lwb.Waiter) {
	lw := waiter.Lwb
	if lw == nil || lw.State() != lwb.StateOpened {
		return
	}
	lw.Close()
	l.writer.Issue(context.Background(), lw, false, nil)
}

// waiterTimeout scales the last observed lwb write latency by
// CommitTimeoutPct (spec.md §4.5 step 7).
func (l *Log) waiterTimeout() time.Duration {
	latency := l.metrics.LastLwbLatency()
	if latency <= 0 {
		latency = 10 * time.Millisecond
	}
	pct := l.cfg.CommitTimeoutPct
	if pct == 0 {
		pct = tunables.DefaultCommitTimeoutPct
	}
	return latency * time.Duration(pct) / 100
}

// fallbackWait is the "wait on the main checkpoint to sync" path used
// whenever the fast log path is unavailable or failed (spec.md §4.5 steps
// 2 and 8, §7 "everything unrecoverable becomes a main-checkpoint
// fallback").
func (l *Log) fallbackWait(ctx context.Context) error {
	return l.engine.WaitCheckpointSync(ctx, l.nextTxg())
}

func (l *Log) nextTxg() uint64 {
	return l.syncedTxg.Load() + 1
}

// Suspend marks the log suspended, so that Commit calls fall back to
// checkpoint waits until Resume, then runs a drain Commit (which, the log
// being suspended already, takes that checkpoint-wait path) and waits for
// the main checkpoint (spec.md §4.10, SPEC_FULL.md D.1's cookie
// handshake). It does not destroy the chain or reset the log header. On a
// log that is already suspended it returns a non-owning token at once and
// leaves the suspend counter unchanged.
func (l *Log) Suspend(ctx context.Context, name string) (SuspendToken, error) {
	l.mu.Lock()
	if l.isSnapshot {
		l.mu.Unlock()
		return SuspendToken{}, ErrSnapshot
	}
	alreadySuspended := l.suspendCnt > 0
	if !alreadySuspended {
		l.suspendCnt++
	}
	l.mu.Unlock()

	if alreadySuspended {
		return SuspendToken{owns: false, log: l}, nil
	}

	if err := l.Commit(ctx, 0); err != nil {
		l.logger.Warnf("suspend(%s): drain commit returned %v", name, err)
	}
	if err := l.engine.WaitCheckpointSync(ctx, l.nextTxg()); err != nil {
		return SuspendToken{owns: true, log: l}, WrapError("suspend", ErrCodeIOError, err)
	}
	return SuspendToken{owns: true, log: l}, nil
}

// Resume decrements the suspend counter established by the matching
// Suspend call. A token from a nested (non-owning) Suspend call is a
// no-op (SPEC_FULL.md D.1).
func (l *Log) Resume(token SuspendToken) {
	if !token.owns || token.log != l {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suspendCnt > 0 {
		l.suspendCnt--
	}
}

// Sync runs in checkpoint-sync context (spec.md §4.10 sync(tx)): it
// records txg as synced so future Commit calls build the next burst, and
// cleans the itx pool's now-redundant bucket for txg.
func (l *Log) Sync(ctx context.Context, txg uint64) error {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return ErrClosed
	}

	cleaned := l.writer.Pool().Clean(txg)
	for _, it := range cleaned {
		itx.Destroy(it, nil)
	}

	for {
		cur := l.syncedTxg.Load()
		if txg <= cur {
			break
		}
		if l.syncedTxg.CompareAndSwap(cur, txg) {
			break
		}
	}
	return nil
}

// Destroy frees the log's in-memory state (spec.md §4.10 destroy). If
// keepFirst is true, the first on-disk block of the chain is left in
// place (the caller is expected to reuse it, e.g. at a snapshot
// boundary); otherwise the engine is asked to free it too.
func (l *Log) Destroy(ctx context.Context, keepFirst bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return nil
	}
	if !keepFirst && l.header.Log.Size != 0 {
		bp := toBlockPtr(l.header.Log)
		if err := l.engine.FreeBlock(ctx, l.header.ClaimTxg, bp); err != nil {
			return WrapError("destroy", ErrCodeIOError, err)
		}
		l.header = wire.LogHeader{}
	}
	l.destroyed = true
	return nil
}

func toBlockPtr(w wire.BlockPtrWire) storageiface.BlockPtr {
	return storageiface.BlockPtr{
		VdevID: w.VdevID,
		Offset: w.Offset,
		Size:   w.Size,
		Slog:   w.Slog != 0,
		Birth:  w.Birth,
	}
}

// Claim walks the on-disk chain at opts.Log, claiming every block so the
// allocator does not reuse it before replay, per spec.md §4.8.
func Claim(ctx context.Context, engine storageiface.StorageEngine, opts recovery.ClaimOptions) (recovery.WalkResult, error) {
	return recovery.Claim(ctx, engine, opts.Log, opts.Txg, opts.ClaimLrSeq, opts.HaveClaimLrSeq)
}

// CheckLogChain performs the same walk as Claim without claiming
// anything, reporting chain integrity only (spec.md §4.8 "Check").
func CheckLogChain(ctx context.Context, engine storageiface.StorageEngine, log storageiface.BlockPtr, claimLrSeq uint64, haveClaimLrSeq bool) (recovery.WalkResult, error) {
	return recovery.CheckLogChain(ctx, engine, log, claimLrSeq, haveClaimLrSeq)
}

// Replay re-applies log's chain through handlers (spec.md §4.9), skipping
// records already reflected in the main checkpoint.
func Replay(ctx context.Context, engine storageiface.StorageEngine, log storageiface.BlockPtr, handlers recovery.Handlers, arg any, replaySeq, claimTxg uint64, byteswap bool, sync recovery.ReplaySync, onApplied func(seq uint64), logger *logging.Logger) (uint64, error) {
	return recovery.Replay(ctx, engine, log, handlers, arg, replaySeq, claimTxg, byteswap, sync, onApplied, logger)
}
