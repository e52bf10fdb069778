package zil

import (
	"testing"
	"time"
)

func TestMetricsRecordCommit(t *testing.T) {
	m := NewMetrics()

	m.RecordCommit(500*time.Microsecond, true)
	m.RecordCommit(2*time.Millisecond, false)

	snap := m.Snapshot()
	if snap.Commits != 2 {
		t.Errorf("Commits = %d, want 2", snap.Commits)
	}
	if snap.CommitErrors != 1 {
		t.Errorf("CommitErrors = %d, want 1", snap.CommitErrors)
	}
	if m.LastLwbLatency() != 2*time.Millisecond {
		t.Errorf("LastLwbLatency = %v, want 2ms", m.LastLwbLatency())
	}
}

func TestMetricsBuckets(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(500*time.Nanosecond, true)
	m.RecordCommit(20*time.Second, true)

	snap := m.Snapshot()
	if snap.CommitBuckets[0] != 1 {
		t.Errorf("bucket[0] = %d, want 1", snap.CommitBuckets[0])
	}
	if snap.CommitOver != 1 {
		t.Errorf("CommitOver = %d, want 1", snap.CommitOver)
	}
}

func TestMetricsLwbAndFlush(t *testing.T) {
	m := NewMetrics()
	m.RecordLwbIssued(4096)
	m.RecordLwbIssued(8192)
	m.RecordFlush()
	m.RecordClaimBlock()
	m.RecordReplay(true)
	m.RecordReplay(false)

	snap := m.Snapshot()
	if snap.LwbsIssued != 2 {
		t.Errorf("LwbsIssued = %d, want 2", snap.LwbsIssued)
	}
	if snap.BytesLogged != 12288 {
		t.Errorf("BytesLogged = %d, want 12288", snap.BytesLogged)
	}
	if snap.FlushesDone != 1 {
		t.Errorf("FlushesDone = %d, want 1", snap.FlushesDone)
	}
	if snap.ClaimBlocks != 1 {
		t.Errorf("ClaimBlocks = %d, want 1", snap.ClaimBlocks)
	}
	if snap.ReplayOps != 2 || snap.ReplayErrors != 1 {
		t.Errorf("ReplayOps/Errors = %d/%d, want 2/1", snap.ReplayOps, snap.ReplayErrors)
	}
}

func TestGlobalMetrics(t *testing.T) {
	if GlobalMetrics() == nil {
		t.Fatal("GlobalMetrics should not be nil")
	}
	if GlobalMetrics() != GlobalMetrics() {
		t.Error("GlobalMetrics should return the same instance")
	}
}
