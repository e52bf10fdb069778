// Package predictor chooses lwb block sizes from recent burst history, the
// engine's attempt to balance write amplification (too many small blocks)
// against wasted space (blocks larger than the data that fills them)
// without knowing a burst's total size in advance (spec.md §4.3).
package predictor

import "github.com/coldfs/zil/internal/tunables"

// Sample is one burst's observed first-block sizing: the size that would
// have been optimal in hindsight, and the smallest size that would still
// have covered the burst without wasting more than the tolerated budget.
type Sample struct {
	Optimal uint32
	Minimum uint32
}

// Predictor tracks the last few bursts' Samples and derives plan/predict
// decisions from them. Not safe for concurrent use; callers serialize
// access under the issuer lock the way the commit pipeline already does
// (spec.md §4.4, §4.6's close()).
type Predictor struct {
	cfg tunables.Config

	history    []Sample
	historyLen int // ring write cursor

	// Waste budget: the even chunk is used when choosing it over a max-size
	// block saves at least maxBlockSize/WasteBudgetDivisor (max - chunk >=
	// budget); otherwise the plan falls back to max.
	wasteBudget uint32
}

// New returns a Predictor seeded with cfg's block-size tunables.
func New(cfg tunables.Config) *Predictor {
	return &Predictor{
		cfg:         cfg,
		history:     make([]Sample, 0, tunables.BurstHistoryLen),
		wasteBudget: cfg.MaxBlockSize / tunables.WasteBudgetDivisor,
	}
}

// Record appends s to the rolling burst history, evicting the oldest
// sample once the history is full (spec.md §4.3 "rolling burst history").
func (p *Predictor) Record(s Sample) {
	if len(p.history) < tunables.BurstHistoryLen {
		p.history = append(p.history, s)
		return
	}
	p.history[p.historyLen%tunables.BurstHistoryLen] = s
	p.historyLen++
}

// maxDataPerBlock is the data capacity of a maximum-size block once the
// fixed block header is subtracted.
func (p *Predictor) maxDataPerBlock() uint32 {
	if p.cfg.MaxBlockSize <= tunables.RecordHeaderSize {
		return p.cfg.MaxBlockSize
	}
	return p.cfg.MaxBlockSize - tunables.RecordHeaderSize
}

// Plan computes the first block's size and the minimum size that would
// still have sufficed, for a burst of known total size (spec.md §4.3
// plan()).
func (p *Predictor) Plan(size uint64) (firstBlock, minimum uint32) {
	maxData := p.maxDataPerBlock()
	max := p.cfg.MaxBlockSize

	if size <= uint64(maxData) {
		return uint32(size), uint32(size)
	}
	if size > 8*uint64(maxData) {
		return max, max
	}

	n := (size + uint64(maxData) - 1) / uint64(maxData)
	chunk := (size + n - 1) / n
	if chunk <= uint64(max)-uint64(p.wasteBudget) {
		return uint32(chunk), uint32(chunk)
	}
	return max, max
}

// Predict chooses the next block size when the burst size is not yet
// known (spec.md §4.3 predict()): take the smallest "optimal" size seen
// across the history, then look for a historical "minimum" greater than
// that optimal that would have saved at least half the space of the
// largest such minimum -- tolerating the occasional large burst without
// over-provisioning every block to cover it.
func (p *Predictor) Predict() uint32 {
	if len(p.history) == 0 {
		return p.cfg.MaxBlockSize
	}

	optimal := p.history[0].Optimal
	for _, s := range p.history {
		if s.Optimal < optimal {
			optimal = s.Optimal
		}
	}

	var largest, secondLargest uint32
	for _, s := range p.history {
		if s.Minimum <= optimal {
			continue
		}
		switch {
		case s.Minimum > largest:
			secondLargest = largest
			largest = s.Minimum
		case s.Minimum > secondLargest:
			secondLargest = s.Minimum
		}
	}

	if largest == 0 {
		return optimal
	}
	if secondLargest > 0 && secondLargest*2 <= largest {
		return secondLargest
	}
	return largest
}
