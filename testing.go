package zil

import (
	"context"
	"sync"

	"github.com/coldfs/zil/internal/storageiface"
)

// MockStorageEngine is an in-memory storageiface.StorageEngine for tests
// that exercise a Log without a real backing store, mirroring the
// teacher's exported MockBackend (SPEC_FULL.md section B Test tooling).
// Storage/memstore.Engine is the non-test-only in-memory implementation;
// MockStorageEngine additionally tracks call counts and can be told to
// fail specific operations, the way the teacher's MockBackend tracked
// readCalls/writeCalls/flushCalls for assertions.
type MockStorageEngine struct {
	mu sync.Mutex

	blocks map[uint64][]byte // offset -> data
	nextID uint64
	writable bool
	slog     bool
	special  bool

	AllocCalls  int
	WriteCalls  int
	ReadCalls   int
	FlushCalls  int
	ClaimCalls  int
	FreeCalls   int
	WaitCalls   int

	FailAlloc bool
	FailWrite bool
	FailFlush bool
}

// NewMockStorageEngine returns a writable, empty mock engine.
func NewMockStorageEngine() *MockStorageEngine {
	return &MockStorageEngine{
		blocks:   make(map[uint64][]byte),
		writable: true,
	}
}

func (m *MockStorageEngine) AllocBlock(ctx context.Context, txg uint64, size uint32) (storageiface.BlockPtr, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AllocCalls++
	if m.FailAlloc {
		return storageiface.BlockPtr{}, false, NewError("alloc", ErrCodeAllocFailed, "mock alloc failure")
	}
	m.nextID++
	bp := storageiface.BlockPtr{VdevID: 1, Offset: m.nextID, Size: size, Slog: m.slog, Birth: txg}
	return bp, m.slog, nil
}

func (m *MockStorageEngine) FreeBlock(ctx context.Context, txg uint64, bp storageiface.BlockPtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FreeCalls++
	delete(m.blocks, bp.Offset)
	return nil
}

func (m *MockStorageEngine) ClaimBlock(ctx context.Context, txg uint64, bp storageiface.BlockPtr) (<-chan error, error) {
	m.mu.Lock()
	m.ClaimCalls++
	m.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch, nil
}

func (m *MockStorageEngine) WriteBlock(ctx context.Context, bp storageiface.BlockPtr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls++
	if m.FailWrite {
		return NewError("write", ErrCodeIOError, "mock write failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blocks[bp.Offset] = buf
	return nil
}

func (m *MockStorageEngine) ReadBlock(ctx context.Context, bp storageiface.BlockPtr, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCalls++
	data, ok := m.blocks[bp.Offset]
	if !ok {
		return 0, NewError("read", ErrCodeIOError, "mock block not found")
	}
	n := copy(buf, data)
	return n, nil
}

func (m *MockStorageEngine) FlushVdev(ctx context.Context, vdevID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCalls++
	if m.FailFlush {
		return NewError("flush", ErrCodeIOError, "mock flush failure")
	}
	return nil
}

func (m *MockStorageEngine) WaitCheckpointSync(ctx context.Context, txg uint64) error {
	m.mu.Lock()
	m.WaitCalls++
	m.mu.Unlock()
	return nil
}

func (m *MockStorageEngine) Writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writable
}

// SetWritable controls the Writable() return value, for testing the
// not-writable Commit fallback (spec.md §4.5 step 2).
func (m *MockStorageEngine) SetWritable(w bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writable = w
}

func (m *MockStorageEngine) SlogPresent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slog
}

// SetSlogPresent controls SlogPresent()'s return value.
func (m *MockStorageEngine) SetSlogPresent(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slog = v
}

func (m *MockStorageEngine) SpecialPresent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.special
}

// SetSpecialPresent controls SpecialPresent()'s return value.
func (m *MockStorageEngine) SetSpecialPresent(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.special = v
}

// BlockCount reports how many blocks are currently stored, for test
// assertions on chain length.
func (m *MockStorageEngine) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

var _ storageiface.StorageEngine = (*MockStorageEngine)(nil)
