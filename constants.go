package zil

import "github.com/coldfs/zil/internal/tunables"

// Re-export the engine's default tunables at the public API surface,
// mirroring the teacher's own constants.go "re-export from internal"
// pattern (SPEC_FULL.md section B Configuration).
const (
	DefaultMaxBlockSize       = tunables.DefaultMaxBlockSize
	DefaultMaxCopiedBytes     = tunables.DefaultMaxCopiedBytes
	DefaultImmediateWriteSize = tunables.DefaultImmediateWriteSize
	DefaultSlogBulk           = tunables.DefaultSlogBulk
	DefaultCommitTimeoutPct   = tunables.DefaultCommitTimeoutPct
)

// DefaultConfig returns the engine's out-of-the-box tunable values.
func DefaultConfig() tunables.Config {
	return tunables.DefaultConfig()
}
