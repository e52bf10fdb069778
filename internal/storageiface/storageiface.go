// Package storageiface defines the narrow interface the intent log uses to
// reach its external collaborators: block allocation, vdev I/O and the main
// checkpoint engine. None of these concerns are implemented here -- per
// spec.md §1 they are out of scope for the engine itself. This mirrors the
// teacher's internal/interfaces package, which kept the ublk Backend
// contract separate from the public API to avoid import cycles.
package storageiface

import "context"

// BlockPtr is the opaque-to-most-callers handle the storage engine hands
// back for an allocated log block. The engine only interprets VdevID (for
// grouping cache-flush commands) and Size/Offset (for framing); checksum
// and compression details are the storage engine's concern.
type BlockPtr struct {
	VdevID uint64
	Offset uint64
	Size   uint32
	Slog   bool
	Birth  uint64 // txg in which the block was allocated
}

// Hole reports whether this is a not-yet-allocated (pending) block pointer.
func (b BlockPtr) Hole() bool {
	return b.Size == 0
}

// StorageEngine is implemented by the host filesystem's block-allocation,
// vdev I/O and checkpoint-scheduling layers. storage/memstore and
// storage/filestore provide two concrete implementations; production hosts
// supply their own.
type StorageEngine interface {
	// AllocBlock reserves a new log block of approximately size bytes for
	// txg. The returned size may be smaller if the engine had to fall back
	// (e.g. no slog space); isSlog reports whether a dedicated log device
	// was used.
	AllocBlock(ctx context.Context, txg uint64, size uint32) (bp BlockPtr, isSlog bool, err error)

	// FreeBlock releases a previously allocated or claimed block. Called
	// from Log.Sync and from recovery's destroy path.
	FreeBlock(ctx context.Context, txg uint64, bp BlockPtr) error

	// ClaimBlock marks bp as in-use so the allocator will not hand it out
	// again before it is freed by replay or destroy. The returned channel
	// receives exactly one error (nil on success) when the claim completes;
	// this is the async completion notifier spec.md §6 calls for.
	ClaimBlock(ctx context.Context, txg uint64, bp BlockPtr) (<-chan error, error)

	// WriteBlock performs the log block write itself ("submit_write").
	// Implementations may perform this synchronously; internal/zio is
	// responsible for running it off the issuer thread and sequencing its
	// completion against sibling writes and flushes.
	WriteBlock(ctx context.Context, bp BlockPtr, data []byte) error

	// ReadBlock reads a block back, used by claim/parse (checksum and
	// framing validation) and by replay (indirect write staging).
	ReadBlock(ctx context.Context, bp BlockPtr, buf []byte) (int, error)

	// FlushVdev issues a cache-flush command to the named backing device
	// ("submit_flush_to_vdev"). A no-op implementation is valid for
	// devices with non-volatile write caches.
	FlushVdev(ctx context.Context, vdevID uint64) error

	// WaitCheckpointSync blocks until the main checkpoint has synced
	// through txg. This is the engine's fallback path whenever the fast
	// log path cannot be used or has failed.
	WaitCheckpointSync(ctx context.Context, txg uint64) error

	// Writable reports whether the pool currently accepts writes.
	Writable() bool

	// SlogPresent reports whether a dedicated log device is configured.
	SlogPresent() bool

	// SpecialPresent reports whether a "special" allocation tier is
	// configured (treated as a slog when tunables.Config.SpecialIsSlog).
	SpecialPresent() bool
}

// GetDataResult is the outcome of a GetDataFunc invocation (spec.md §6).
type GetDataResult int

const (
	GetDataOK GetDataResult = iota
	GetDataIOError
	GetDataNotFound
	GetDataAlreadyExists
	GetDataSkip
)

// GetDataFunc fetches the data block for an indirect write record during
// lwb issue. header is the record's write header (opaque to the engine);
// target is non-nil when the caller wants the bytes copied directly into
// the lwb buffer (COPIED/NEED_COPY), or nil when the caller only needs the
// data enrolled as a child I/O (INDIRECT). enroll registers additional
// asynchronous work that must complete before the owning lwb's root I/O is
// considered done -- the Go equivalent of attaching a zio under the lwb's
// child aggregator.
type GetDataFunc func(ctx context.Context, private any, gen uint64, header []byte, target []byte, enroll func(func(context.Context) error)) (GetDataResult, error)

// ReplayHandler re-applies one record's effect during recovery. byteswap is
// true when the chain was written on a host of different endianness.
type ReplayHandler func(ctx context.Context, arg any, record []byte, byteswap bool) error

// TxMax bounds the replay handler table; txtype's low bits index into it.
const TxMax = 256

// TxCommit is the reserved txtype for commit markers (spec.md §3): "one
// reserved value, COMMIT". Front ends must not use it for real records.
const TxCommit = 0

// TxRename is the reserved txtype a front end stamps on a rename record,
// the second txtype value spec.md §4.1's assign() treats specially
// ("for a record whose type is a rename, first calls
// async_to_sync(target object)"). Mirrors the original's TX_RENAME
// (module/zfs/zil.c's `(itx_lr.lrc_txtype & ~TX_CI) == TX_RENAME` check;
// the exact numeric value isn't load-bearing here, only that it's a
// distinct, named sentinel front ends agree on).
const TxRename = 1
