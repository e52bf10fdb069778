package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldfs/zil/internal/logging"
	"github.com/coldfs/zil/internal/storageiface"
	"github.com/coldfs/zil/internal/wire"
)

// Handlers is the per-txtype dispatch table a front end supplies to
// Replay, indexed by the low bits of txtype (spec.md §6 "handlers[TX_MAX]").
type Handlers [storageiface.TxMax]storageiface.ReplayHandler

// ErrUnrecoverable is returned by Replay when a handler fails for good: a
// plain error on its first failure, or a Recoverable error that fails again
// after the forced checkpoint synchronize (or that gets no retry because
// no ReplaySync was supplied or the synchronize itself failed).
type ErrUnrecoverable struct {
	Seq uint64
	Err error
}

func (e *ErrUnrecoverable) Error() string {
	return fmt.Sprintf("recovery: record seq %d unrecoverable: %v", e.Seq, e.Err)
}

func (e *ErrUnrecoverable) Unwrap() error { return e.Err }

// Recoverable marks a ReplayHandler error as worth retrying once after a
// forced checkpoint sync (spec.md §4.9). Handlers that return a plain
// error are treated as unrecoverable on the first failure.
type Recoverable struct {
	Err error
}

func (r *Recoverable) Error() string { return r.Err.Error() }
func (r *Recoverable) Unwrap() error { return r.Err }

// ReplaySync is invoked between a recoverable failure and its retry, to
// force the main checkpoint to synchronize (spec.md §4.9). It is not
// invoked for records that apply successfully; replay_seq progress is
// reported through Replay's onApplied callback instead.
type ReplaySync func(ctx context.Context, txg uint64) error

// Replay walks log's chain from the beginning, applying each record whose
// seq is above replaySeq and whose txg is at or above claimTxg, through
// handlers. Record headers are decoded in native byte order; byteswap is
// only passed through to each handler. Records are dispatched as stored in
// the log block: the data block of an indirect write record is not read
// before dispatch. onApplied is called with each successfully applied
// record's seq so the caller can advance its persisted replay_seq. Returns
// the highest seq successfully replayed.
func Replay(ctx context.Context, engine storageiface.StorageEngine, log storageiface.BlockPtr, handlers Handlers, arg any, replaySeq, claimTxg uint64, byteswap bool, sync ReplaySync, onApplied func(seq uint64), logger *logging.Logger) (uint64, error) {
	highest := replaySeq

	visit := func(ctx context.Context, hdr wire.ItxHeader, payload []byte, _ bool) error {
		if hdr.Seq <= replaySeq {
			return nil
		}
		if hdr.Txg < claimTxg {
			return nil
		}

		handler := handlers[hdr.Type()%storageiface.TxMax]
		if handler == nil {
			return nil
		}

		record := append(wire.PutItxHeaderBytes(hdr), payload...)
		err := handler(ctx, arg, record, byteswap)
		if err != nil {
			var rec *Recoverable
			if errors.As(err, &rec) && sync != nil {
				if syncErr := sync(ctx, hdr.Txg); syncErr == nil {
					err = handler(ctx, arg, record, byteswap)
				}
			}
			if err != nil {
				if logger != nil {
					logger.Errorf("replay: record seq=%d txtype=%d failed: %v", hdr.Seq, hdr.Type(), err)
				}
				return &ErrUnrecoverable{Seq: hdr.Seq, Err: err}
			}
		}

		highest = hdr.Seq
		if onApplied != nil {
			onApplied(hdr.Seq)
		}
		return nil
	}

	_, err := walk(ctx, engine, log, 0, false, nil, visit)
	return highest, err
}

