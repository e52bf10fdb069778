package filestore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAllocWriteReadFlush(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "zil.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	bp, _, err := e.AllocBlock(ctx, 1, 4096)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	if err := e.WriteBlock(ctx, bp, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := e.FlushVdev(ctx, bp.VdevID); err != nil {
		t.Fatalf("FlushVdev: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := e.ReadBlock(ctx, bp, buf)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if n != 4096 {
		t.Fatalf("ReadBlock returned %d bytes, want 4096", n)
	}
	for i := range payload {
		if buf[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], payload[i])
		}
	}
}

func TestClaimVerifiesReadability(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "zil.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	bp, _, _ := e.AllocBlock(ctx, 1, 16)
	if err := e.WriteBlock(ctx, bp, make([]byte, 16)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	done, err := e.ClaimBlock(ctx, 1, bp)
	if err != nil {
		t.Fatalf("ClaimBlock: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("claim notifier returned %v", err)
	}
}

func TestWaitCheckpointSync(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "zil.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.WaitCheckpointSync(context.Background(), 1); err != nil {
		t.Fatalf("WaitCheckpointSync: %v", err)
	}
}
