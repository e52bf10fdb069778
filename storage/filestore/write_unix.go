//go:build !giouring

package filestore

import (
	"context"

	"github.com/coldfs/zil/internal/storageiface"
)

// WriteBlock writes data at bp.Offset via a blocking Pwrite syscall
// (spec.md §6 submit_write). This is the portable default; building with
// -tags giouring swaps in an io_uring-backed implementation instead (see
// write_uring.go).
func (e *Engine) WriteBlock(ctx context.Context, bp storageiface.BlockPtr, data []byte) error {
	return e.pwrite(bp, data)
}

// FlushVdev issues a blocking Fdatasync against the backing file
// (spec.md §6 submit_flush_to_vdev).
func (e *Engine) FlushVdev(ctx context.Context, vdevID uint64) error {
	return e.fdatasync()
}
