// Package filestore provides a real-file-backed storageiface.StorageEngine:
// log blocks are appended to a single on-disk file via positional I/O, and
// cache flushes become real fdatasync calls. This is the engine's direct
// analog of the teacher's file-backed ublk device path, generalized from
// "serve reads/writes at a fixed LBA" to "append an ever-growing chain of
// log blocks" (spec.md §4.2's chain is append-only, unlike a block device).
//
// The default build uses golang.org/x/sys/unix for Pread/Pwrite/Fdatasync,
// the teacher's own positional-I/O primitives (internal/queue/runner.go's
// raw unix syscalls). Building with -tags giouring additionally routes
// WriteBlock and FlushVdev through github.com/pawelgaczynski/giouring
// submission queue entries instead of blocking syscalls -- see
// write_uring.go.
package filestore

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coldfs/zil/internal/storageiface"
)

// Engine is a StorageEngine backed by one regular file. VdevID 1 always
// refers to this file; a caller modeling multiple vdevs composes several
// Engines behind its own StorageEngine.
type Engine struct {
	mu       sync.Mutex
	f        *os.File
	nextOff  uint64
	writable bool
	slog     bool
	special  bool
	direct   bool

	claimed map[uint64]bool
	freed   map[uint64]bool
}

// Options configures Open.
type Options struct {
	// Direct requests O_DIRECT-aware open flags, the teacher's pattern in
	// its file-backed ublk device for bypassing the page cache. Callers
	// using Direct must write block-size-aligned buffers.
	Direct bool
}

// Open creates or truncates path and returns a filestore Engine over it.
func Open(path string, opts Options) (*Engine, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if opts.Direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &Engine{
		f:        f,
		writable: true,
		direct:   opts.Direct,
		claimed:  make(map[uint64]bool),
		freed:    make(map[uint64]bool),
	}, nil
}

// Close releases the underlying file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// AllocBlock reserves the next size bytes of the file (spec.md §6
// alloc_zil_block). The file is extended lazily by WriteBlock's Pwrite.
func (e *Engine) AllocBlock(ctx context.Context, txg uint64, size uint32) (storageiface.BlockPtr, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	off := e.nextOff
	e.nextOff += uint64(size)
	return storageiface.BlockPtr{VdevID: 1, Offset: off, Size: size, Slog: e.slog, Birth: txg}, e.slog, nil
}

// FreeBlock marks bp freed. This engine is log-structured like the chain
// it backs; it does not punch holes or reuse freed ranges.
func (e *Engine) FreeBlock(ctx context.Context, txg uint64, bp storageiface.BlockPtr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.freed[bp.Offset] = true
	return nil
}

// ClaimBlock marks bp claimed (spec.md §6 claim_block).
func (e *Engine) ClaimBlock(ctx context.Context, txg uint64, bp storageiface.BlockPtr) (<-chan error, error) {
	e.mu.Lock()
	e.claimed[bp.Offset] = true
	fd := int(e.f.Fd())
	e.mu.Unlock()

	ch := make(chan error, 1)
	go func() {
		// Verify readability, per spec.md §4.8 ("verify readability, not
		// content"): a short positional read at the claimed offset.
		buf := make([]byte, 1)
		_, err := unix.Pread(fd, buf, int64(bp.Offset))
		if err != nil {
			ch <- err
			return
		}
		ch <- nil
	}()
	return ch, nil
}

// pwrite is the portable write primitive; WriteBlock (defined in
// write_unix.go or write_uring.go depending on the giouring build tag)
// calls through to it or to an io_uring SQE submission instead.
func (e *Engine) pwrite(bp storageiface.BlockPtr, data []byte) error {
	e.mu.Lock()
	fd := int(e.f.Fd())
	e.mu.Unlock()
	_, err := unix.Pwrite(fd, data, int64(bp.Offset))
	return err
}

// ReadBlock reads bp's region back via Pread, used by the recovery chain
// walk (claim, check and replay).
func (e *Engine) ReadBlock(ctx context.Context, bp storageiface.BlockPtr, buf []byte) (int, error) {
	e.mu.Lock()
	fd := int(e.f.Fd())
	e.mu.Unlock()
	n, err := unix.Pread(fd, buf[:bp.Size], int64(bp.Offset))
	return n, err
}

// fdatasync is the portable flush primitive; FlushVdev (defined in
// write_unix.go or write_uring.go) calls through to it or to an
// IORING_OP_FSYNC SQE submission instead.
func (e *Engine) fdatasync() error {
	e.mu.Lock()
	fd := int(e.f.Fd())
	e.mu.Unlock()
	return unix.Fdatasync(fd)
}

// WaitCheckpointSync has no separate checkpoint engine to wait on here;
// an Fsync stands in as "everything durable so far" for the fallback
// path (spec.md §7 "main-checkpoint fallback").
func (e *Engine) WaitCheckpointSync(ctx context.Context, txg uint64) error {
	e.mu.Lock()
	fd := int(e.f.Fd())
	e.mu.Unlock()
	return unix.Fsync(fd)
}

func (e *Engine) Writable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// SetWritable controls Writable()'s return value.
func (e *Engine) SetWritable(w bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writable = w
}

func (e *Engine) SlogPresent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slog
}

// SetSlogPresent controls SlogPresent()'s return value.
func (e *Engine) SetSlogPresent(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slog = v
}

func (e *Engine) SpecialPresent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.special
}

// SetSpecialPresent controls SpecialPresent()'s return value.
func (e *Engine) SetSpecialPresent(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.special = v
}

var _ storageiface.StorageEngine = (*Engine)(nil)
