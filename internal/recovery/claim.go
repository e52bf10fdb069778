// Package recovery walks the on-disk chain at pool import: claiming it so
// the allocator can't reuse its blocks (Claim), validating it without
// claiming (CheckLogChain), and replaying its records into a live dataset
// (Replay). Spec.md §4.8-§4.9.
package recovery

import (
	"context"
	"errors"

	"github.com/coldfs/zil/internal/storageiface"
	"github.com/coldfs/zil/internal/wire"
)

// errChainEnd names a normal end-of-chain (framing/checksum mismatch, or a
// hole): this is not a failure, it is how the walk discovers where the
// chain stops. walk does not return it; it leaves its loop and returns the
// result gathered so far with a nil error.
var errChainEnd = errors.New("recovery: end of chain")

// ClaimOptions bundles the parameters Claim needs to walk and claim one
// dataset's chain at pool import (spec.md §6 claim(dataset, tx)).
type ClaimOptions struct {
	Log            storageiface.BlockPtr
	Txg            uint64
	ClaimLrSeq     uint64
	HaveClaimLrSeq bool
}

// WalkResult summarizes one walk of the chain.
type WalkResult struct {
	BlockCount    uint64
	RecordCount   uint64
	HighestBlkSeq uint64
	HighestLrSeq  uint64
}

// recordVisitor is invoked once per record encountered during a walk, in
// on-disk order. byteswap indicates the chain was written on a
// differently-endian host.
type recordVisitor func(ctx context.Context, header wire.ItxHeader, payload []byte, byteswap bool) error

// walk is the shared chain walker behind both Claim and CheckLogChain: it
// reads each block starting at start, verifies its checksum against the
// seed chained from the predecessor, verifies nused, iterates its records
// (skipping any with seq above claimLrSeq, when that bound is valid),
// calls visit for each, and optionally claims the block via claimFn.
// Framing or checksum errors end the walk normally -- that is the logical
// end of chain (spec.md §4.8).
func walk(ctx context.Context, engine storageiface.StorageEngine, start storageiface.BlockPtr, claimLrSeq uint64, haveClaimLrSeq bool, claimFn func(context.Context, storageiface.BlockPtr) error, visit recordVisitor) (WalkResult, error) {
	var res WalkResult
	seed := wire.Checksum256{}
	bp := start

	for !bp.Hole() {
		buf := make([]byte, bp.Size)
		n, err := engine.ReadBlock(ctx, bp, buf)
		if err != nil || uint32(n) < bp.Size {
			break
		}

		hdr, err := wire.GetBlockHeader(buf[:wire.BlockHeaderSize])
		if err != nil {
			break
		}
		if hdr.Nused > uint64(bp.Size)-wire.BlockHeaderSize {
			break
		}
		body := buf[wire.BlockHeaderSize : wire.BlockHeaderSize+hdr.Nused]
		if hdr.Checksum != wire.Checksum(wire.NextSeed(seed, hdr.Seq-1), body) {
			break
		}

		if claimFn != nil {
			if err := claimFn(ctx, bp); err != nil {
				return res, err
			}
		}

		res.BlockCount++
		if hdr.Seq > res.HighestBlkSeq {
			res.HighestBlkSeq = hdr.Seq
		}

		recErr := walkRecords(ctx, body, claimLrSeq, haveClaimLrSeq, visit, &res)
		if recErr != nil {
			return res, recErr
		}

		seed = hdr.Checksum
		bp = toBlockPtr(hdr.Next)
	}

	return res, nil
}

func toBlockPtr(w wire.BlockPtrWire) storageiface.BlockPtr {
	return storageiface.BlockPtr{
		VdevID: w.VdevID,
		Offset: w.Offset,
		Size:   w.Size,
		Slog:   w.Slog != 0,
		Birth:  w.Birth,
	}
}

func walkRecords(ctx context.Context, data []byte, claimLrSeq uint64, haveClaimLrSeq bool, visit recordVisitor, res *WalkResult) error {
	off := uint64(0)
	for off+wire.ItxHeaderSize <= uint64(len(data)) {
		hdr, err := wire.GetItxHeader(data[off:], false)
		if err != nil {
			return nil
		}
		if hdr.Reclen == 0 || off+hdr.Reclen > uint64(len(data)) {
			return nil
		}
		if haveClaimLrSeq && hdr.Seq > claimLrSeq {
			off += hdr.Reclen
			continue
		}
		if hdr.Seq > res.HighestLrSeq {
			res.HighestLrSeq = hdr.Seq
		}
		payload := data[off+wire.ItxHeaderSize : off+hdr.Reclen]
		if visit != nil {
			if err := visit(ctx, hdr, payload, false); err != nil {
				return err
			}
		}
		res.RecordCount++
		off += hdr.Reclen
	}
	return nil
}

// Claim walks the chain starting at log, claiming every block it visits so
// the allocator won't reuse it. Only the log blocks themselves are claimed:
// data blocks referenced from inside write records are neither claimed nor
// checked for readability. claimLrSeq, if
// valid, bounds which records are considered already-claimed from a prior
// pass (spec.md §4.8 "ignore records with seq > claim-lr-seq").
func Claim(ctx context.Context, engine storageiface.StorageEngine, log storageiface.BlockPtr, txg, claimLrSeq uint64, haveClaimLrSeq bool) (WalkResult, error) {
	claimFn := func(ctx context.Context, bp storageiface.BlockPtr) error {
		done, err := engine.ClaimBlock(ctx, txg, bp)
		if err != nil {
			return err
		}
		return <-done
	}
	return walk(ctx, engine, log, claimLrSeq, haveClaimLrSeq, claimFn, nil)
}

// CheckLogChain performs the same walk as Claim but claims nothing,
// reporting log integrity only (spec.md §4.8 "Check").
func CheckLogChain(ctx context.Context, engine storageiface.StorageEngine, log storageiface.BlockPtr, claimLrSeq uint64, haveClaimLrSeq bool) (WalkResult, error) {
	return walk(ctx, engine, log, claimLrSeq, haveClaimLrSeq, nil, nil)
}
