// Package itx implements the transient pool of intent records: the per-txg
// buckets a front end assigns records into, and the sync/async bucketing
// that lets independent objects commit without waiting on each other
// (spec.md §4.1).
//
// The original keys its async tree by an object id it extracts from the
// record payload via an unsafe common-offset cast (every record type that
// wants async placement is expected to lay out its "foid" field at the same
// offset as a sentinel lr_ooo_t). That cast has no safe Go equivalent, so
// Itx carries ObjectID as an explicit field instead: front ends that want
// async bucketing set it themselves. The bucketing behavior this enables is
// unchanged.
package itx

import (
	"sync"

	"github.com/coldfs/zil/internal/storageiface"
)

// WrState records how a write record's payload will reach the log block
// (spec.md §4.7's write-state selector fills this in at commit time).
type WrState int

const (
	WrStateCopied WrState = iota
	WrStateNeedCopy
	WrStateIndirect
)

// Itx is one intent record: the fixed header plus an opaque, front-end
// defined payload, together with the bookkeeping fields the engine itself
// adds (spec.md §3 "fields the engine adds").
type Itx struct {
	Txtype   uint64
	Reclen   uint64
	Seq      uint64 // stamped at commit time; zero until then
	Txg      uint64
	Record   []byte // header + payload, Reclen bytes, 8-byte aligned

	// HeaderLen is the length of Record's leading, never-split header
	// portion (the rest is payload). Set by Create from its headerSize
	// argument and carried through Clone. spec.md §4.7's NEED_COPY split
	// repeats only these bytes in each continuation block.
	HeaderLen int

	// ObjectID buckets async (non-commit-synchronous) records so that
	// remove_async and async_to_sync can target one object's pending
	// records without disturbing others. Zero is a valid object id but is
	// reserved by AsyncToSync to mean "every object."
	ObjectID uint64

	// Sync is true for records that must not be reordered past a commit
	// itx on the same object (spec.md §4.1's sync list vs async tree).
	Sync bool

	WrState WrState

	// Callback, if set, is invoked by Destroy with the outcome: nil once
	// the record is known durable, or a non-nil error if it was discarded
	// without being written (e.g. pool shutdown, suspend-and-clear).
	Callback func(err error)

	// Private is opaque front-end state threaded through to Callback and,
	// for commit markers, to the waiter that's woken on completion.
	Private any
}

// Create allocates a new Itx with an empty header-only record of the given
// txtype and header size, rounded up to the 8-byte alignment every record
// must satisfy (spec.md §3 invariants). The payload, if any, is appended by
// the caller before the record is assigned.
func Create(txtype uint64, headerSize int) *Itx {
	size := alignUp8(headerSize)
	if size < 0 {
		size = 0
	}
	return &Itx{
		Txtype:    txtype,
		Reclen:    uint64(size),
		Record:    make([]byte, size),
		HeaderLen: size,
		Sync:      true,
	}
}

func alignUp8(n int) int {
	return (n + 7) &^ 7
}

// Destroy invokes it's callback, if any, with err, then leaves it for the
// garbage collector. err is nil when the record reached durable storage.
func Destroy(it *Itx, err error) {
	if it == nil {
		return
	}
	if it.Callback != nil {
		it.Callback(err)
		it.Callback = nil
	}
}

// Clone returns a deep copy of it suitable for handing to a second
// consumer (spec.md §4.1; the commit writer uses it for the continuation
// of a NEED_COPY record split across lwbs). The clone does not inherit
// the original's callback: only the original owns the durability
// notification.
func Clone(it *Itx) *Itx {
	cp := *it
	cp.Record = append([]byte(nil), it.Record...)
	cp.Callback = nil
	return &cp
}

// asyncNode is one object's FIFO of pending async records.
type asyncNode struct {
	objectID uint64
	list     []*Itx
}

// Bucket is the itx pool for one concurrently-open txg: a sync FIFO shared
// by every object, and an async tree keyed by object id (spec.md §4.1).
type Bucket struct {
	mu    sync.Mutex
	txg   uint64
	open  bool
	sync_ []*Itx
	async map[uint64]*asyncNode
}

func newBucket() *Bucket {
	return &Bucket{async: make(map[uint64]*asyncNode)}
}

// assign places it into the bucket, opening it for txg if it was idle.
// Returns any records left over from a prior txg that was never cleaned --
// the caller must Destroy them with an appropriate error after releasing
// the bucket's lock dance, mirroring the original's "itxg_txg mismatch"
// recovery path in zil_itx_assign.
func (b *Bucket) assign(it *Itx, txg uint64) (stale []*Itx) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.txg != txg {
		stale = b.drainLocked()
	}
	b.txg = txg
	b.open = true
	it.Txg = txg
	if it.Sync {
		b.sync_ = append(b.sync_, it)
		return stale
	}
	node := b.async[it.ObjectID]
	if node == nil {
		node = &asyncNode{objectID: it.ObjectID}
		b.async[it.ObjectID] = node
	}
	node.list = append(node.list, it)
	return stale
}

// removeAsync drops objectID's pending async records without promoting
// them to the sync list (spec.md §4.1, used when an object is destroyed
// before its async records were ever needed for replay ordering).
func (b *Bucket) removeAsync(objectID uint64) []*Itx {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.async[objectID]
	if !ok {
		return nil
	}
	delete(b.async, objectID)
	return node.list
}

// asyncToSync splices objectID's async list onto the tail of the sync
// list, or every object's list if objectID is zero. Appending to the tail
// (not the head) preserves "the create happened before its followers," the
// same ordering guarantee zil_async_to_sync documents.
func (b *Bucket) asyncToSync(objectID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if objectID == 0 {
		for foid, node := range b.async {
			b.sync_ = append(b.sync_, node.list...)
			delete(b.async, foid)
		}
		return
	}
	if node, ok := b.async[objectID]; ok {
		b.sync_ = append(b.sync_, node.list...)
		delete(b.async, objectID)
	}
}

// drainLocked empties the bucket and returns everything it held. Caller
// must hold b.mu.
func (b *Bucket) drainLocked() []*Itx {
	all := make([]*Itx, 0, len(b.sync_))
	all = append(all, b.sync_...)
	for _, node := range b.async {
		all = append(all, node.list...)
	}
	b.sync_ = nil
	b.async = make(map[uint64]*asyncNode)
	b.open = false
	b.txg = 0
	return all
}

// clean empties the bucket for txg and returns everything it held,
// regardless of whether txg matches -- used once a txg is known synced and
// every record in it is either durable already or must be discarded.
func (b *Bucket) clean() []*Itx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// takeSync removes and returns the bucket's sync list without touching the
// async tree, the operation get_commit_list uses to pull one txg's
// synchronous records onto the issuer's working list (spec.md §4.5).
func (b *Bucket) takeSync() []*Itx {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.sync_
	b.sync_ = nil
	return list
}

// concurrentSlots is the number of txgs that may have itx activity at once:
// the one syncing, the one quiescing, and the one currently open for new
// assignments. Mirrors TXG_CONCURRENT_STATES in the original.
const concurrentSlots = 3

// slotCount is the number of Bucket slots a Pool keeps; it must be at
// least concurrentSlots and a power of two so txg&mask is a valid slot
// index. 4 gives one spare slot of headroom.
const slotCount = 4
const slotMask = slotCount - 1

// Pool is the full set of per-txg buckets a log keeps for in-flight itxs.
type Pool struct {
	buckets [slotCount]*Bucket
}

// NewPool returns an empty itx pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.buckets {
		p.buckets[i] = newBucket()
	}
	return p
}

func (p *Pool) slot(txg uint64) *Bucket {
	return p.buckets[txg&slotMask]
}

// Assign places it into the bucket for txg, destroying (with ErrStaleTxg)
// any records a previous, never-cleaned occupant of that slot left behind.
//
// A rename record first promotes its target object's pending async
// records to the sync list (spec.md §4.1 assign(): "for a record whose
// type is a rename, first calls async_to_sync(target object)"), mirroring
// zil_itx_assign's `(itx_lr.lrc_txtype & ~TX_CI) == TX_RENAME` special
// case: a rename must never be replayed ahead of the async write it
// depends on for the same object.
func (p *Pool) Assign(it *Itx, txg uint64) {
	if it.Txtype == storageiface.TxRename {
		p.AsyncToSync(txg, it.ObjectID)
	}
	stale := p.slot(txg).assign(it, txg)
	for _, s := range stale {
		Destroy(s, ErrStaleTxg)
	}
}

// RemoveAsync drops objectID's pending async records across every
// concurrently open txg slot, starting at otxg (the next txg to sync) as
// zil_remove_async does, and discards them with ErrObjectRemoved.
func (p *Pool) RemoveAsync(otxg, objectID uint64) {
	for txg := otxg; txg < otxg+concurrentSlots; txg++ {
		removed := p.slot(txg).removeAsync(objectID)
		for _, it := range removed {
			Destroy(it, ErrObjectRemoved)
		}
	}
}

// AsyncToSync promotes objectID's (or, if zero, every object's) pending
// async records to the sync list, across every concurrently open txg slot
// starting at otxg. This is inherently racy with the txg advancing
// underneath it, exactly as in the original: a slot whose txg has already
// moved on by the time it's examined is simply skipped, because its
// records already went through this same promotion when it was current.
func (p *Pool) AsyncToSync(otxg, objectID uint64) {
	for txg := otxg; txg < otxg+concurrentSlots; txg++ {
		b := p.slot(txg)
		b.mu.Lock()
		if b.txg != txg {
			b.mu.Unlock()
			continue
		}
		b.mu.Unlock()
		b.asyncToSync(objectID)
	}
}

// TakeSync pulls txg's sync list for the issuer to build a commit batch
// from (spec.md §4.5 get_commit_list).
func (p *Pool) TakeSync(txg uint64) []*Itx {
	return p.slot(txg).takeSync()
}

// Clean empties txg's bucket, returning everything it held so the caller
// can finish (destroy, or hand to a late commit waiter) each one. Safe to
// call from a background goroutine; spec.md §4.1 allows clean to be
// dispatched to a worker with an in-line fallback, which here is simply
// "call Clean synchronously" since the operation is already cheap and
// non-blocking.
func (p *Pool) Clean(syncedTxg uint64) []*Itx {
	return p.slot(syncedTxg).clean()
}
