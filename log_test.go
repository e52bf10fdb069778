package zil

import (
	"context"
	"testing"

	"github.com/coldfs/zil/internal/tunables"
	"github.com/coldfs/zil/internal/wire"
)

// writeItx builds a minimal sync write-shaped itx: a header followed by
// payload bytes, the way a front end would before calling ItxAssign
// (spec.md §6 itx_create then caller-filled payload).
func writeItx(l *Log, objectID uint64, payload []byte) {
	it := l.ItxCreate(1, int(wire.ItxHeaderSize))
	it.Record = append(it.Record, payload...)
	it.ObjectID = objectID
	_ = l.ItxAssign(it, 1)
}

// S1: one write, one commit -> one lwb, chain length 1.
func TestCommitSingleWrite(t *testing.T) {
	engine := NewMockStorageEngine()
	l, err := Open(engine, Options{Config: tunables.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	writeItx(l, 1, make([]byte, 4096))

	if err := l.Commit(context.Background(), 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if engine.BlockCount() < 1 {
		t.Errorf("expected at least one block written, got %d", engine.BlockCount())
	}
	if engine.WriteCalls == 0 {
		t.Error("expected at least one WriteBlock call")
	}
}

// S3: a burst of small sync writes committed in one call.
func TestCommitBurst(t *testing.T) {
	engine := NewMockStorageEngine()
	l, err := Open(engine, Options{Config: tunables.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 100; i++ {
		writeItx(l, 1, make([]byte, 8))
	}

	if err := l.Commit(context.Background(), 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if engine.WriteCalls == 0 {
		t.Error("expected writes to have been issued")
	}
}

// Commit on a disabled-sync log is a no-op that never touches storage.
func TestCommitSyncDisabled(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})
	l.SetSync(SyncDisabled)

	writeItx(l, 1, make([]byte, 128))
	if err := l.Commit(context.Background(), 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if engine.WriteCalls != 0 {
		t.Errorf("expected no writes with sync disabled, got %d", engine.WriteCalls)
	}
}

// Commit on a snapshot log is forbidden (spec.md §5 "Cancellation").
func TestCommitSnapshotForbidden(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig(), IsSnapshot: true})

	err := l.Commit(context.Background(), 0)
	if !IsCode(err, ErrCodeSnapshot) {
		t.Errorf("expected ErrCodeSnapshot, got %v", err)
	}
}

// A not-writable pool falls back to the main-checkpoint wait path
// (spec.md §4.5 step 2) instead of attempting the fast log path.
func TestCommitNotWritableFallsBack(t *testing.T) {
	engine := NewMockStorageEngine()
	engine.SetWritable(false)
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	writeItx(l, 1, make([]byte, 128))
	if err := l.Commit(context.Background(), 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if engine.WaitCalls == 0 {
		t.Error("expected WaitCheckpointSync to be called")
	}
	if engine.WriteCalls != 0 {
		t.Errorf("expected no writes while not writable, got %d", engine.WriteCalls)
	}
}

// S5-shaped: an allocation failure falls back to the checkpoint wait and
// still returns successfully to the caller (spec.md §7 "Allocation
// failure").
func TestCommitAllocFailureFallsBack(t *testing.T) {
	engine := NewMockStorageEngine()
	engine.FailAlloc = true
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	writeItx(l, 1, make([]byte, 128))
	if err := l.Commit(context.Background(), 0); err != nil {
		t.Fatalf("Commit should fall back to checkpoint wait, got error: %v", err)
	}
	if engine.WaitCalls == 0 {
		t.Error("expected the checkpoint-wait fallback to run")
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	token, err := l.Suspend(context.Background(), "tank/fs")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	l.mu.Lock()
	suspended := l.suspendCnt > 0
	l.mu.Unlock()
	if !suspended {
		t.Error("expected suspendCnt > 0 after Suspend")
	}

	l.Resume(token)
	l.mu.Lock()
	suspended = l.suspendCnt > 0
	l.mu.Unlock()
	if suspended {
		t.Error("expected suspendCnt == 0 after Resume")
	}
}

// A nested Suspend call observes the log already suspended and gets a
// non-owning token whose Resume is a no-op (SPEC_FULL.md D.1).
func TestSuspendNestedTokenIsNoOp(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	outer, _ := l.Suspend(context.Background(), "tank/fs")
	inner, _ := l.Suspend(context.Background(), "tank/fs")

	l.Resume(inner)
	l.mu.Lock()
	suspended := l.suspendCnt > 0
	l.mu.Unlock()
	if !suspended {
		t.Error("resuming the nested token should not release suspension")
	}

	l.Resume(outer)
	l.mu.Lock()
	suspended = l.suspendCnt > 0
	l.mu.Unlock()
	if suspended {
		t.Error("resuming the owning token should release suspension")
	}
}

func TestSyncAdvancesTxgAndCleansPool(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	writeItx(l, 1, make([]byte, 64))
	if err := l.Sync(context.Background(), 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if l.syncedTxg.Load() != 1 {
		t.Errorf("syncedTxg = %d, want 1", l.syncedTxg.Load())
	}
}

func TestDestroyRejectsFurtherUse(t *testing.T) {
	engine := NewMockStorageEngine()
	l, _ := Open(engine, Options{Config: tunables.DefaultConfig()})

	if err := l.Destroy(context.Background(), true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	it := l.ItxCreate(1, int(wire.ItxHeaderSize))
	if err := l.ItxAssign(it, 1); !IsCode(err, ErrCodeClosed) {
		t.Errorf("expected ErrCodeClosed after Destroy, got %v", err)
	}
}
