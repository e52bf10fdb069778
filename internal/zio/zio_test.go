package zio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChildAggregatorRunsAllAndReportsFirstError(t *testing.T) {
	var c ChildAggregator
	wantErr := errors.New("child failed")
	ran := make(chan int, 3)

	c.Enroll(func(ctx context.Context) error { ran <- 1; return nil })
	c.Enroll(func(ctx context.Context) error { ran <- 2; return wantErr })
	c.Enroll(func(ctx context.Context) error { ran <- 3; return nil })

	err := c.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
	if len(ran) != 3 {
		t.Fatalf("expected all 3 children to run, got %d", len(ran))
	}
}

func TestChildAggregatorEmptyIsNoop(t *testing.T) {
	var c ChildAggregator
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() on empty aggregator = %v, want nil", err)
	}
	var nilC *ChildAggregator
	if err := nilC.Run(context.Background()); err != nil {
		t.Fatalf("Run() on nil aggregator = %v, want nil", err)
	}
}

func TestWriteWaitsForChildrenBeforeSubmit(t *testing.T) {
	var c ChildAggregator
	childDone := false
	c.Enroll(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		childDone = true
		return nil
	})

	w := Write{
		Children: &c,
		Submit: func(ctx context.Context) error {
			if !childDone {
				t.Error("Submit ran before child completed")
			}
			return nil
		},
	}

	done := make(chan error, 1)
	w.Run(context.Background(), func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write never completed")
	}
}

func TestFlushRunsConcurrentlyPerVdev(t *testing.T) {
	f := Flush{
		VdevIDs: []uint64{1, 2, 3},
		Submit: func(ctx context.Context, vdevID uint64) error {
			if vdevID == 2 {
				return errors.New("flush failed")
			}
			return nil
		},
	}

	done := make(chan error, 1)
	f.Run(context.Background(), func(err error) { done <- err })

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected flush error to propagate")
		}
	case <-time.After(time.Second):
		t.Fatal("flush never completed")
	}
}
