// Package lwb implements the log-write-block: the buffer that itxs are
// assembled into, its state machine (NEW through FLUSH_DONE), and the
// parent/child I/O ordering edges that make waiter wakeups respect seq
// order (spec.md §4.4).
package lwb

import (
	"sync"

	"github.com/coldfs/zil/internal/itx"
	"github.com/coldfs/zil/internal/storageiface"
)

// State is one stage of an lwb's life, matching spec.md §4.4's state
// diagram. Each transition is documented on the function that performs it,
// along with which lock it requires.
type State int

const (
	StateNew State = iota
	StateOpened
	StateClosed
	StateReady
	StateIssued
	StateWriteDone
	StateFlushDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOpened:
		return "OPENED"
	case StateClosed:
		return "CLOSED"
	case StateReady:
		return "READY"
	case StateIssued:
		return "ISSUED"
	case StateWriteDone:
		return "WRITE_DONE"
	case StateFlushDone:
		return "FLUSH_DONE"
	default:
		return "UNKNOWN"
	}
}

// Waiter is one commit()'s wake-up handle, attached to the lwb expected to
// carry it to durability (the zcw of spec.md §4.5).
type Waiter struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	err  error
	Lwb  *Lwb
}

// NewWaiter returns an unsignalled waiter.
func NewWaiter() *Waiter {
	w := &Waiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Wake signals the waiter done, recording err (zio_error, spec.md §4.5
// step 8) if non-nil.
func (w *Waiter) Wake(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.err = err
	w.cond.Broadcast()
}

// Wait blocks until Wake is called, returning the error it was woken with.
func (w *Waiter) Wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.done {
		w.cond.Wait()
	}
	return w.err
}

// Done reports whether the waiter has already been woken.
func (w *Waiter) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Lwb is one log-write-block. Fields are grouped by which lock protects
// them: issuer-lock fields are only touched while building/closing/issuing
// (single-threaded by construction), log-lock fields are shared with
// completion callbacks once the lwb leaves OPENED.
type Lwb struct {
	// mu is the "log lock" (spec.md §4.4): guards state, the waiter/itx
	// lists, and the vdev flush set once the lwb is no longer OPENED.
	mu sync.Mutex

	state State
	err   error

	Buf      []byte // backing buffer, from the size-bucketed pool
	FillOff  int    // bytes written so far
	Capacity int    // usable capacity (buf may be larger, pool-bucketed)

	Framing storageiface.BlockPtr // this lwb's own allocated block (Hole() until allocated)
	Next    *Lwb                  // successor in the chain, set when the successor is opened

	Itxs    []*itx.Itx // records placed in this lwb, in seq order
	Waiters []*Waiter  // commit waiters attached to this lwb

	MaxTxg uint64 // highest txg of any record placed here

	// VdevIDs accumulates every vdev this lwb (or a predecessor that
	// deferred onto it) must flush before FLUSH_DONE (spec.md §4.4 "Deferred
	// vdev-flush policy").
	VdevIDs map[uint64]struct{}

	// parentRoot is the predecessor lwb's root completion; this lwb's root
	// does not fire until parentRoot has (spec.md §4.4 parent/child edges).
	parentRoot <-chan struct{}
	rootDone   chan struct{}

	// writeDependsOnParent is true when the predecessor deferred its
	// flushes onto this lwb while its own write was still outstanding: this
	// lwb's flush must then wait for the predecessor's write, not just its
	// root.
	parentWrite          <-chan struct{}
	writeDependsOnParent bool

	// writeCh is closed when this lwb's own write I/O completes; lazily
	// created so lwbs a successor never depends on never pay for it.
	writeCh chan struct{}
}

// New allocates an lwb with buf as its backing buffer (sized by the
// predictor's plan/predict decision; callers get buf from Pool).
func New(buf []byte) *Lwb {
	lw := &Lwb{
		Buf:      buf,
		Capacity: len(buf),
		VdevIDs:  make(map[uint64]struct{}),
		rootDone: make(chan struct{}),
	}
	return lw
}

// State returns the lwb's current state under the log lock.
func (lw *Lwb) State() State {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.state
}

// Err returns the allocation or I/O error recorded on this lwb, if any.
func (lw *Lwb) Err() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.err
}

// SetErr records err on the lwb. An allocation failure is still issued as
// a null I/O to preserve ordering edges (spec.md §4.4 "Error handling").
func (lw *Lwb) SetErr(err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err == nil {
		lw.err = err
	}
}

// Open transitions NEW→OPENED. Issuer-lock only; no log-lock needed since
// nothing else observes an lwb before it leaves NEW.
func (lw *Lwb) Open() {
	lw.state = StateOpened
}

// Remaining reports how many bytes are left to fill in this block.
func (lw *Lwb) Remaining() int {
	return lw.Capacity - lw.FillOff
}

// Append copies data into the lwb's buffer at the current fill cursor,
// attaches it (the placed record) and advances max_txg, recording it as
// the physical half of "commit"-into-lwb (spec.md §4.7). Returns false if
// data does not fit in the remaining space.
func (lw *Lwb) Append(it *itx.Itx, data []byte) bool {
	if len(data) > lw.Remaining() {
		return false
	}
	copy(lw.Buf[lw.FillOff:], data)
	lw.FillOff += len(data)
	lw.Itxs = append(lw.Itxs, it)
	if it.Txg > lw.MaxTxg {
		lw.MaxTxg = it.Txg
	}
	return true
}

// AttachWaiter adds w to this lwb's waiter list, so its callback fires on
// FLUSH_DONE.
func (lw *Lwb) AttachWaiter(w *Waiter) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	w.Lwb = lw
	lw.Waiters = append(lw.Waiters, w)
}

// Close transitions OPENED→CLOSED under the issuer lock. The caller (the
// commit writer) is responsible for consulting the predictor for the next
// lwb's size and constructing the successor; Close itself only flips
// state.
func (lw *Lwb) Close() {
	lw.state = StateClosed
}

// MarkReady transitions CLOSED→READY once the payload has been finalized
// into the buffer (spec.md §4.6 issue(), step before block-pointer
// dependent work).
func (lw *Lwb) MarkReady() {
	lw.state = StateReady
}

// LinkRoot makes parent's root completion a prerequisite of lw's root, and
// if writeDependsOnParent is set, makes parent's write a prerequisite of
// lw's own flush eligibility too (spec.md §4.4 parent/child edges). Called
// once, when lw is opened as parent's successor, under the issuer lock.
func (lw *Lwb) LinkRoot(parent *Lwb, writeDependsOnParent bool) {
	if parent == nil {
		return
	}
	lw.parentRoot = parent.rootDone
	if writeDependsOnParent {
		lw.writeDependsOnParent = true
		lw.parentWrite = parent.writeDone()
	}
}

// writeDone lazily exposes a channel closed when this lwb's write I/O has
// completed, used by a successor that depends on it via LinkRoot.
func (lw *Lwb) writeDone() <-chan struct{} {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.writeCh == nil {
		lw.writeCh = make(chan struct{})
	}
	return lw.writeCh
}

// MarkIssued transitions READY→ISSUED under the log lock. It does not wait
// on parentRoot: the edge to the predecessor's root already exists from
// LinkRoot, and the ordering it imposes is enforced in CompleteFlush.
func (lw *Lwb) MarkIssued() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.state = StateIssued
}

// WaitWritePrereq blocks until the predecessor's write has landed, when
// this lwb inherited deferred flushes from a predecessor whose write was
// still outstanding at link time (spec.md §4.4: "this lwb's flush does not
// start before the predecessor's data has actually landed"). The vdev
// flush coordinator calls this before issuing flush I/O for this lwb.
func (lw *Lwb) WaitWritePrereq() {
	if lw.writeDependsOnParent && lw.parentWrite != nil {
		<-lw.parentWrite
	}
}

// CompleteWrite transitions ISSUED→WRITE_DONE and releases anything
// waiting on this lwb's write (a successor's deferred flush, via
// writeDone).
func (lw *Lwb) CompleteWrite(err error) {
	lw.mu.Lock()
	if err != nil && lw.err == nil {
		lw.err = err
	}
	lw.state = StateWriteDone
	writeCh := lw.writeCh
	lw.mu.Unlock()
	if writeCh != nil {
		close(writeCh)
	}
}

// CompleteFlush transitions WRITE_DONE→FLUSH_DONE once every flush this
// lwb owns (or waited to inherit, via parentRoot) has acknowledged. It
// wakes every attached waiter with the lwb's recorded error.
func (lw *Lwb) CompleteFlush(flushErr error) {
	if lw.parentRoot != nil {
		<-lw.parentRoot
	}

	lw.mu.Lock()
	if flushErr != nil && lw.err == nil {
		lw.err = flushErr
	}
	lw.state = StateFlushDone
	err := lw.err
	waiters := lw.Waiters
	lw.Waiters = nil
	lw.mu.Unlock()

	close(lw.rootDone)
	for _, w := range waiters {
		w.Wake(err)
	}
}

