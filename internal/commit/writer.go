// Package commit implements the commit engine: building the per-burst
// commit list from the itx pool, pruning leading commit markers, packing
// records into lwbs, and issuing the resulting chain (spec.md §4.5-§4.7).
package commit

import (
	"context"
	"sync"

	"github.com/coldfs/zil/internal/itx"
	"github.com/coldfs/zil/internal/logging"
	"github.com/coldfs/zil/internal/lwb"
	"github.com/coldfs/zil/internal/predictor"
	"github.com/coldfs/zil/internal/storageiface"
	"github.com/coldfs/zil/internal/tunables"
	"github.com/coldfs/zil/internal/vdev"
	"github.com/coldfs/zil/internal/zio"
)

// concurrentTxgWindow mirrors itx.Pool's own concurrent-slot window: how
// many txgs ahead of the one syncing get_commit_list considers live.
const concurrentTxgWindow = 3

// LogBias mirrors the dataset logbias hint the write-state selector
// consults (spec.md §4.7). Defined here, rather than imported from the
// root package, to avoid a cycle (root zil imports internal/commit); the
// root package's LogBias is an alias of this type.
type LogBias int

const (
	LogBiasLatency LogBias = iota
	LogBiasThroughput
)

// Writer is the per-log commit engine: the issuer-lock-protected state
// that builds and issues lwbs from the itx pool (spec.md §4.2's
// "zilog" fields relevant to this package).
type Writer struct {
	// mu is the issuer lock: serializes get_commit_list/prune/process/issue
	// and all lwb open/close/allocate work.
	mu sync.Mutex

	pool   *itx.Pool
	pred   *predictor.Predictor
	cfg    tunables.Config
	engine storageiface.StorageEngine
	logger *logging.Logger

	curLwb  *lwb.Lwb // OPENED lwb records are currently being placed into
	lastLwb *lwb.Lwb // most recently created lwb, for prune's attach target

	curSize uint64 // total bytes in the burst being processed
	curLeft uint64 // bytes not yet charged to an lwb
	curMax  uint32 // largest single block allocated this burst

	logbias LogBias // consulted by the write-state selector (spec.md §4.7)

	getData storageiface.GetDataFunc
	metrics MetricsSink

	headBp  storageiface.BlockPtr // first successfully allocated block of the chain
	hasHead bool
}

// MetricsSink receives the writer's lwb-issuance counters. Defined here
// rather than accepted as a concrete type to avoid an import cycle: the
// root package's *Metrics type implements this structurally without
// internal/commit needing to import it.
type MetricsSink interface {
	RecordLwbIssued(bytes uint64)
	RecordFlush()
}

// New returns a Writer over engine, using cfg for sizing decisions.
// getData may be nil if the front end never produces indirect writes.
// metrics may be nil; a nil sink simply means issuance goes unrecorded.
func New(cfg tunables.Config, engine storageiface.StorageEngine, getData storageiface.GetDataFunc, logger *logging.Logger, metrics MetricsSink) *Writer {
	return &Writer{
		pool:    itx.NewPool(),
		pred:    predictor.New(cfg),
		cfg:     cfg,
		engine:  engine,
		getData: getData,
		logger:  logger,
		metrics: metrics,
	}
}

// Pool exposes the writer's itx pool so callers can Assign records before
// calling Commit.
func (w *Writer) Pool() *itx.Pool { return w.pool }

// SetLogBias sets the dataset logbias hint the write-state selector
// consults (spec.md §4.7, §6 set_logbias). Safe to call concurrently with
// Commit: it takes the issuer lock like every other piece of writer
// state that process() reads.
func (w *Writer) SetLogBias(bias LogBias) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logbias = bias
}

// HeadBlock returns the first block ever allocated for this chain, the
// value a Log persists into its header's zh_log pointer (spec.md §4.2).
// The second return is false until the first lwb has been allocated.
func (w *Writer) HeadBlock() (storageiface.BlockPtr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headBp, w.hasHead
}

// Commit runs spec.md §4.5 steps 3-6 for one commit() call: it promotes
// objectID's (or, if 0, every object's) pending async records to sync,
// queues a commit marker carrying a fresh waiter, then builds and issues
// whatever lwbs the resulting burst requires. otxg is the next txg to
// sync, the same window get_commit_list and async_to_sync both use.
//
// The caller (the Log type in the root package) is responsible for steps
// 1-2 (sync-disabled / pool-unwritable short circuits) and steps 7-8 (the
// timed wait on the returned waiter and the main-checkpoint fallback).
func (w *Writer) Commit(ctx context.Context, otxg, objectID uint64) *lwb.Waiter {
	w.pool.AsyncToSync(otxg, objectID)

	waiter := lwb.NewWaiter()
	marker := itx.Create(storageiface.TxCommit, 0)
	marker.ObjectID = objectID
	marker.Private = waiter
	w.pool.Assign(marker, otxg)

	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.getCommitList(otxg)
	list = w.prune(list)
	toIssue, _ := w.process(list, 0)

	// Deferred-flush merging only considers successors already present in
	// this call's to-issue batch; a successor opened by a later Commit call
	// is handled when that lwb is itself issued (this lwb will simply have
	// had its own flushes issued already by then).
	for i, lw := range toIssue {
		hasSuccessor := i+1 < len(toIssue)
		var successorSet vdev.FlushSet
		if hasSuccessor {
			successorSet = vdev.FlushSet(toIssue[i+1].VdevIDs)
		}
		w.Issue(ctx, lw, hasSuccessor, successorSet)
	}

	return waiter
}

// getCommitList pulls every live itxg's sync list in txg order onto one
// slice, starting at otxg and covering the concurrent-txg window (spec.md
// §4.5 step 5a). It also tallies the burst's total size for the
// predictor.
func (w *Writer) getCommitList(otxg uint64) []*itx.Itx {
	var list []*itx.Itx
	for txg := otxg; txg < otxg+concurrentTxgWindow; txg++ {
		list = append(list, w.pool.TakeSync(txg)...)
	}
	for _, it := range list {
		w.curSize += uint64(len(it.Record))
	}
	w.curLeft = w.curSize
	return list
}

// prune drops commit markers sitting at the head of the list (nothing
// precedes them, so there is nothing new for them to wait on): they are
// either attached to the last lwb still in flight, or marked done
// immediately if there is no such lwb (spec.md §4.5 step 5b).
func (w *Writer) prune(list []*itx.Itx) []*itx.Itx {
	i := 0
	for i < len(list) && list[i].Txtype == storageiface.TxCommit {
		waiter, _ := list[i].Private.(*lwb.Waiter)
		if waiter != nil {
			if w.lastLwb != nil && w.lastLwb.State() != lwb.StateFlushDone {
				w.lastLwb.AttachWaiter(waiter)
			} else {
				waiter.Wake(nil)
			}
		}
		i++
	}
	return list[i:]
}

// process walks list, placing each record into the current OPENED lwb
// (opening new ones via the predictor as needed) and destroying records
// whose txg already synced and that are not commit markers (spec.md §4.5
// step 5c). Returns the lwbs that were closed during this call, in order,
// ready to be issued.
func (w *Writer) process(list []*itx.Itx, syncedTxg uint64) ([]*lwb.Lwb, error) {
	var toIssue []*lwb.Lwb

	hasFastTier := w.engine.SlogPresent() || (w.cfg.SpecialIsSlog && w.engine.SpecialPresent())

	for _, it := range list {
		if it.Txtype == storageiface.TxCommit {
			if w.curLwb == nil {
				w.curLwb = w.openLwb(w.nextLwbSize())
			}
			w.curLwb.Append(it, nil)
			if waiter, ok := it.Private.(*lwb.Waiter); ok && waiter != nil {
				w.curLwb.AttachWaiter(waiter)
			}
			continue
		}
		if it.Txg <= syncedTxg {
			itx.Destroy(it, nil)
			continue
		}

		it.WrState = w.selectWriteState(it, hasFastTier)
		w.placeRecord(it, &toIssue)
	}

	if w.curLwb != nil && len(w.curLwb.Itxs) > 0 {
		closed := w.closeCurrent()
		toIssue = append(toIssue, closed)
	}

	if w.curSize > 0 {
		w.pred.Record(predictor.Sample{Optimal: w.curMax, Minimum: w.curMax})
		w.curSize, w.curLeft, w.curMax = 0, 0, 0
	}

	return toIssue, nil
}

// placeRecord implements spec.md §4.7's within-lwb assignment for one
// non-commit record:
//
//   - If the record's header doesn't fit in the current lwb's remaining
//     space, close it and open a new one sized for the whole record
//     (capped, like any lwb, at MaxBlockSize).
//   - If the header fits but header+data does not, and the record is
//     COPIED (or INDIRECT), it is never split (spec.md §8 boundary
//     behavior: "COPIED never splits") -- it simply waits for a fresh
//     lwb big enough to hold it whole.
//   - If the record is NEED_COPY, the current lwb's remaining space is
//     charged with the header plus as much 8-byte-aligned payload as
//     fits, unless that remainder is smaller than the waste budget (not
//     worth the sliver); the rest continues via a cloned itx carrying a
//     repeated header, placed by looping back into a fresh lwb.
func (w *Writer) placeRecord(cur *itx.Itx, toIssue *[]*lwb.Lwb) {
	for {
		if w.curLwb == nil {
			w.curLwb = w.openLwb(w.sizeHintFor(cur))
		}

		headerLen := cur.HeaderLen
		if headerLen <= 0 || headerLen > len(cur.Record) {
			headerLen = len(cur.Record)
		}
		remaining := w.curLwb.Remaining()

		if headerLen > remaining {
			*toIssue = append(*toIssue, w.closeCurrent())
			w.curLwb = w.openLwb(w.sizeHintFor(cur))
			continue
		}

		if len(cur.Record) <= remaining {
			w.curLwb.Append(cur, cur.Record)
			w.chargeLeft(uint64(len(cur.Record)))
			return
		}

		if cur.WrState != itx.WrStateNeedCopy {
			*toIssue = append(*toIssue, w.closeCurrent())
			w.curLwb = w.openLwb(w.sizeHintFor(cur))
			continue
		}

		avail := remaining - headerLen
		aligned := avail - avail%8
		wasteBudget := int(w.cfg.MaxBlockSize / tunables.WasteBudgetDivisor)
		if aligned < wasteBudget {
			*toIssue = append(*toIssue, w.closeCurrent())
			w.curLwb = w.openLwb(w.sizeHintFor(cur))
			continue
		}

		payload := cur.Record[headerLen:]
		n := aligned
		if n > len(payload) {
			n = len(payload)
		}
		placed := cur.Record[:headerLen+n]
		rest := append([]byte(nil), payload[n:]...)

		cont := itx.Clone(cur)
		cont.Record = append(append([]byte(nil), cur.Record[:headerLen]...), rest...)
		cont.Reclen = uint64(len(cont.Record))
		cont.HeaderLen = headerLen

		cur.Record = placed
		cur.Reclen = uint64(len(placed))
		w.curLwb.Append(cur, cur.Record)
		w.chargeLeft(uint64(len(cur.Record)))

		cur = cont
	}
}

// nextLwbSize picks the size for a new lwb when the caller has no
// stronger size requirement of its own: Plan(curLeft) when the remaining
// burst size is still known (spec.md §4.3 plan(), mirroring
// zil_lwb_write_close's `if (zl_cur_left > 0) ... zil_lwb_plan(...)`),
// falling back to the history-based Predict() once curLeft is exhausted.
func (w *Writer) nextLwbSize() uint32 {
	if w.curLeft > 0 {
		first, _ := w.pred.Plan(w.curLeft)
		return first
	}
	return w.pred.Predict()
}

// sizeHintFor is nextLwbSize, bumped up (but never past MaxBlockSize) to
// fit it whole if the predictor's own suggestion would be too small --
// used whenever a record didn't fit in the current lwb and we are about
// to open one specifically to hold it.
func (w *Writer) sizeHintFor(it *itx.Itx) uint32 {
	hint := w.nextLwbSize()
	need := uint32(len(it.Record))
	if need > w.cfg.MaxBlockSize {
		need = w.cfg.MaxBlockSize
	}
	if need > hint {
		hint = need
	}
	return hint
}

// chargeLeft deducts n bytes -- the size of a chunk just physically
// placed into an lwb -- from curLeft, the burst's not-yet-charged
// remainder the predictor's Plan() call consults (spec.md §3 invariant:
// "cur_left >= 0 at all times; reaches 0 exactly when the current burst
// has been fully charged to lwbs").
func (w *Writer) chargeLeft(n uint64) {
	if n >= w.curLeft {
		w.curLeft = 0
	} else {
		w.curLeft -= n
	}
}

// selectWriteState implements spec.md §4.7's write-state selector, run
// once per record before placement: COPY vs NEED_COPY vs INDIRECT is
// decided from log-bias, pool configuration (dedicated slog or
// special-as-slog present) and size thresholds (SPEC_FULL.md D.3). A
// front end's own INDIRECT is always kept; any other record is promoted to
// INDIRECT when a fast tier is present and either logbias is throughput or
// the payload reaches ImmediateWriteSize. Failing that, a front end's own
// NEED_COPY (e.g. a payload it never inlined) is kept; otherwise a COPIED record whose
// payload would not fit in a single block, or exceeds MaxCopiedBytes, is
// downgraded to NEED_COPY (§4.7's "automatically downgraded" rule).
func (w *Writer) selectWriteState(it *itx.Itx, hasFastTier bool) itx.WrState {
	if it.WrState == itx.WrStateIndirect {
		return itx.WrStateIndirect
	}

	payloadLen := len(it.Record)
	if it.HeaderLen > 0 && it.HeaderLen <= payloadLen {
		payloadLen -= it.HeaderLen
	}

	if hasFastTier && (w.logbias == LogBiasThroughput ||
		(w.cfg.ImmediateWriteSize > 0 && uint32(payloadLen) >= w.cfg.ImmediateWriteSize)) {
		return itx.WrStateIndirect
	}

	if it.WrState == itx.WrStateNeedCopy {
		return itx.WrStateNeedCopy
	}

	maxData := w.cfg.MaxBlockSize
	if w.cfg.MaxBlockSize > tunables.RecordHeaderSize {
		maxData = w.cfg.MaxBlockSize - tunables.RecordHeaderSize
	}
	if uint32(payloadLen) > maxData || (w.cfg.MaxCopiedBytes > 0 && uint32(payloadLen) > w.cfg.MaxCopiedBytes) {
		return itx.WrStateNeedCopy
	}
	return itx.WrStateCopied
}

// openLwb allocates a new lwb sized by sizeHint and transitions it to
// OPENED, recording it as the writer's current and last lwb.
func (w *Writer) openLwb(sizeHint uint32) *lwb.Lwb {
	if sizeHint == 0 || sizeHint > w.cfg.MaxBlockSize {
		sizeHint = w.cfg.MaxBlockSize
	}
	if sizeHint > w.curMax {
		w.curMax = sizeHint
	}
	buf := lwb.GetBuffer(sizeHint)
	lw := lwb.New(buf)
	lw.Open()
	if w.lastLwb != nil {
		lw.LinkRoot(w.lastLwb, false)
		w.lastLwb.Next = lw
	}
	w.lastLwb = lw
	return lw
}

// closeCurrent closes the writer's current lwb (spec.md §4.6 close()) and
// clears it so the next placement attempt opens a fresh one.
func (w *Writer) closeCurrent() *lwb.Lwb {
	closed := w.curLwb
	closed.Close()
	w.curLwb = nil
	return closed
}

// Issue runs spec.md §4.6 issue() for lw: finalizes READY state, runs its
// write (waiting on any enrolled indirect-write children first) and its
// flush through internal/zio, applying the deferred-flush policy in
// between. Blocks until the lwb reaches FLUSH_DONE; callers that need to
// issue several lwbs concurrently run Issue from separate goroutines.
func (w *Writer) Issue(ctx context.Context, lw *lwb.Lwb, hasSuccessor bool, successorFlush vdev.FlushSet) {
	lw.MarkReady()

	bp, isSlog, err := w.engine.AllocBlock(ctx, lw.MaxTxg, uint32(lw.Capacity))
	if err != nil {
		lw.SetErr(err)
	} else {
		lw.Framing = bp
		_ = isSlog
		if !w.hasHead {
			w.headBp = bp
			w.hasHead = true
		}
	}

	children := w.enrollIndirectChildren(ctx, lw)

	lw.MarkIssued()

	own := vdev.FlushSet(lw.VdevIDs)
	if !lw.Framing.Hole() {
		own.Add(lw.Framing.VdevID)
	}

	writeDone := make(chan error, 1)
	write := zio.Write{
		Children: children,
		Submit: func(ctx context.Context) error {
			if writeErr := lw.Err(); writeErr != nil {
				return writeErr
			}
			return w.engine.WriteBlock(ctx, lw.Framing, lw.Buf[:lw.FillOff])
		},
	}
	write.Run(ctx, func(err error) { writeDone <- err })
	writeErr := <-writeDone
	lw.CompleteWrite(writeErr)
	if writeErr == nil && w.metrics != nil {
		w.metrics.RecordLwbIssued(uint64(lw.FillOff))
	}

	hasWaiters := len(lw.Waiters) > 0
	decision := vdev.Evaluate(own, hasWaiters, hasSuccessor, successorFlush)
	if decision.Defer {
		lw.CompleteFlush(nil)
		return
	}

	lw.WaitWritePrereq()
	flushDone := make(chan error, 1)
	flush := zio.Flush{
		VdevIDs: decision.FlushNow,
		Submit:  w.engine.FlushVdev,
	}
	flush.Run(ctx, func(err error) { flushDone <- err })
	flushErr := <-flushDone
	lw.CompleteFlush(flushErr)
	if flushErr == nil && w.metrics != nil {
		for range decision.FlushNow {
			w.metrics.RecordFlush()
		}
	}
}

// enrollIndirectChildren calls getData for every record in lw placed as an
// INDIRECT or NEED_COPY write, registering each fetch as a child the lwb's own write
// must wait on (spec.md §4.7's write-state selector; the Go-idiom
// child-aggregation internal/zio performs in place of zio_add_child).
// Records written WrStateCopied already carry their payload inline and
// need no child fetch.
func (w *Writer) enrollIndirectChildren(ctx context.Context, lw *lwb.Lwb) *zio.ChildAggregator {
	if w.getData == nil {
		return nil
	}
	var children *zio.ChildAggregator
	for _, it := range lw.Itxs {
		if it.WrState != itx.WrStateIndirect && it.WrState != itx.WrStateNeedCopy {
			continue
		}
		if children == nil {
			children = &zio.ChildAggregator{}
		}
		it := it
		children.Enroll(func(ctx context.Context) error {
			_, err := w.getData(ctx, it.Private, it.Txg, it.Record, nil, children.Enroll)
			return err
		})
	}
	return children
}
