// Package tunables holds the configuration knobs that shape commit latency,
// block sizing and replay behavior for the intent log.
package tunables

// Config mirrors the tunable table from the engine's external interface:
// values a deployment can change without altering on-disk format.
type Config struct {
	// CommitTimeoutPct scales the observed write latency to produce a
	// waiter's wake-up timeout (see Log.waiterTimeout in the root package). Expressed as a
	// percentage; default 10 means "10% of last_lwb_latency".
	CommitTimeoutPct uint

	// NoCacheFlush skips vdev cache-flush commands entirely. Unsafe unless
	// every backing device has a non-volatile write cache.
	NoCacheFlush bool

	// SlogBulk is the number of bytes of sync-priority write issued per
	// commit before the engine falls back to async-priority I/O.
	SlogBulk uint64

	// MaxBlockSize is the upper bound on any lwb's allocated block size.
	MaxBlockSize uint32

	// MaxCopiedBytes caps how many payload bytes may be stored inline as
	// COPIED before the record is downgraded to NEED_COPY (see
	// internal/commit's write-state selector, SPEC_FULL.md D.5).
	MaxCopiedBytes uint32

	// ImmediateWriteSize is the payload threshold above which the write
	// state selector prefers INDIRECT over COPIED/NEED_COPY.
	ImmediateWriteSize uint32

	// SpecialIsSlog treats the pool's "special" allocation tier as if it
	// were a dedicated slog device for block-placement purposes.
	SpecialIsSlog bool

	// ReplayDisable skips replay entirely; present for test harnesses that
	// want to inspect a claimed chain without applying it.
	ReplayDisable bool
}

// Default byte-size constants referenced by DefaultConfig and by callers
// that need the same defaults outside a Config value (e.g. buffer pool
// sizing in internal/lwb).
const (
	DefaultMaxBlockSize       = 128 * 1024
	DefaultMaxCopiedBytes     = 7680
	DefaultImmediateWriteSize = 32 * 1024
	DefaultSlogBulk           = 64 * 1024 * 1024
	DefaultCommitTimeoutPct   = 10

	// RecordHeaderSize is a fixed 64-byte per-block header allowance that
	// the predictor (internal/predictor) and the commit writer's
	// write-state selection subtract from MaxBlockSize. It is not derived
	// from internal/wire.ItxHeaderSize (32 bytes).
	RecordHeaderSize = 64

	// WasteBudgetDivisor expresses the default tolerated waste fraction of
	// 1/16th of a block as a divisor: budget = maxBlockSize / WasteBudgetDivisor.
	WasteBudgetDivisor = 16

	// BurstHistoryLen is the number of past bursts the predictor tracks
	// (spec.md §4.3: "typically 8").
	BurstHistoryLen = 8
)

// DefaultConfig returns the engine's out-of-the-box tunable values.
func DefaultConfig() Config {
	return Config{
		CommitTimeoutPct:   DefaultCommitTimeoutPct,
		NoCacheFlush:       false,
		SlogBulk:           DefaultSlogBulk,
		MaxBlockSize:       DefaultMaxBlockSize,
		MaxCopiedBytes:     DefaultMaxCopiedBytes,
		ImmediateWriteSize: DefaultImmediateWriteSize,
		SpecialIsSlog:      false,
		ReplayDisable:      false,
	}
}
