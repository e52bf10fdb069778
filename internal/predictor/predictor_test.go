package predictor

import (
	"testing"

	"github.com/coldfs/zil/internal/tunables"
)

func testConfig() tunables.Config {
	cfg := tunables.DefaultConfig()
	cfg.MaxBlockSize = 1024
	return cfg
}

func TestPlanSmallBurstIsOneBlock(t *testing.T) {
	p := New(testConfig())
	first, min := p.Plan(200)
	if first != 200 || min != 200 {
		t.Fatalf("Plan(200) = (%d, %d), want (200, 200)", first, min)
	}
}

func TestPlanHugeBurstUsesMaxBlocks(t *testing.T) {
	p := New(testConfig())
	maxData := p.maxDataPerBlock()
	first, min := p.Plan(uint64(maxData)*9)
	if first != 1024 || min != 1024 {
		t.Fatalf("Plan(huge) = (%d, %d), want (1024, 1024)", first, min)
	}
}

func TestPlanEvenDivisionWithinWasteBudget(t *testing.T) {
	p := New(testConfig())
	maxData := p.maxDataPerBlock()
	size := uint64(maxData) * 3 / 2 // just over one block, under 8
	first, min := p.Plan(size)
	if first == 0 || first > 1024 {
		t.Fatalf("Plan(%d) first block = %d out of range", size, first)
	}
	if first != min {
		t.Fatalf("Plan should return equal first/min for even division, got (%d, %d)", first, min)
	}
}

func TestRecordEvictsOldestOnceFull(t *testing.T) {
	p := New(testConfig())
	for i := uint32(0); i < tunables.BurstHistoryLen; i++ {
		p.Record(Sample{Optimal: i + 1, Minimum: i + 1})
	}
	if len(p.history) != tunables.BurstHistoryLen {
		t.Fatalf("history len = %d, want %d", len(p.history), tunables.BurstHistoryLen)
	}
	// One more sample should evict the oldest entry rather than growing the slice.
	p.Record(Sample{Optimal: 99, Minimum: 99})
	if len(p.history) != tunables.BurstHistoryLen {
		t.Fatalf("history grew past cap: len = %d", len(p.history))
	}
}

func TestPredictNoHistoryReturnsMaxBlockSize(t *testing.T) {
	p := New(testConfig())
	if got := p.Predict(); got != 1024 {
		t.Fatalf("Predict() with no history = %d, want MaxBlockSize", got)
	}
}

func TestPredictBiasesTowardSmallerBlocks(t *testing.T) {
	p := New(testConfig())
	// Seven small bursts, one outlier with a much larger minimum: predict
	// should favor the smaller minimums unless the second largest fails to
	// save at least half over the largest.
	for i := 0; i < 7; i++ {
		p.Record(Sample{Optimal: 50, Minimum: 60})
	}
	p.Record(Sample{Optimal: 50, Minimum: 900})

	got := p.Predict()
	if got != 60 {
		t.Fatalf("Predict() = %d, want 60 (second-largest saving >= 50%% over outlier)", got)
	}
}

func TestPredictFallsBackToLargestWhenNoSavings(t *testing.T) {
	p := New(testConfig())
	p.Record(Sample{Optimal: 50, Minimum: 400})
	p.Record(Sample{Optimal: 50, Minimum: 350})

	got := p.Predict()
	if got != 400 {
		t.Fatalf("Predict() = %d, want 400 (no candidate saves >= 50%%)", got)
	}
}
