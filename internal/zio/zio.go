// Package zio runs the actual write and flush I/O behind an lwb's state
// machine: the child aggregator that collects indirect-write work a front
// end enrolls via storageiface.GetDataFunc, and the goroutine-based
// completion plumbing that stands in for the original's zio parent/child
// graph (spec.md §4.4, §4.6). Real vdev I/O is out of scope for this
// engine (spec.md §1); this package only sequences calls into whatever
// storageiface.StorageEngine the caller supplied.
package zio

import (
	"context"
	"sync"
)

// ChildAggregator collects the asynchronous child tasks a write record's
// indirect data fetch enrolls (storageiface.GetDataFunc's enroll
// parameter) and runs them concurrently, the Go-idiom replacement for
// attaching zios under a parent's child count.
type ChildAggregator struct {
	mu    sync.Mutex
	tasks []func(context.Context) error
}

// Enroll registers fn as a child task. Safe to call from inside a
// get_data callback, including one running as a task of Run: such tasks
// run before that Run returns.
func (c *ChildAggregator) Enroll(fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, fn)
}

// Run executes every enrolled task concurrently and waits for all of them,
// then runs any tasks those tasks enrolled, until none are left, returning
// the first error encountered (if any). A nil receiver or one with no
// enrolled tasks returns immediately with a nil error.
func (c *ChildAggregator) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var first error
	ran := 0
	for {
		c.mu.Lock()
		tasks := append([]func(context.Context) error(nil), c.tasks[ran:]...)
		c.mu.Unlock()
		if len(tasks) == 0 {
			return first
		}
		ran += len(tasks)

		var wg sync.WaitGroup
		errs := make(chan error, len(tasks))
		for _, fn := range tasks {
			wg.Add(1)
			go func(fn func(context.Context) error) {
				defer wg.Done()
				errs <- fn(ctx)
			}(fn)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && first == nil {
				first = err
			}
		}
	}
}

// Write represents the lwb's own write I/O: it waits for children (the
// indirect data this block's records reference) to land, then writes the
// block itself, invoking onDone exactly once with the outcome.
type Write struct {
	Children *ChildAggregator
	Submit   func(ctx context.Context) error // performs the actual block write
}

// Run executes the write: children first, then the block write. onDone is
// invoked with the first error encountered (children's error takes
// precedence, mirroring "the write didn't even have valid data").
func (w Write) Run(ctx context.Context, onDone func(error)) {
	go func() {
		if err := w.Children.Run(ctx); err != nil {
			onDone(err)
			return
		}
		onDone(w.Submit(ctx))
	}()
}

// Flush represents one or more vdev cache-flush commands that must all
// acknowledge before an lwb's root completes. Flushes for distinct vdevs
// run concurrently; spec.md §4.4's deferred-flush policy decides which
// vdev ids actually get flushed for a given lwb (internal/vdev).
type Flush struct {
	VdevIDs []uint64
	Submit  func(ctx context.Context, vdevID uint64) error
}

// Run issues every flush concurrently and invokes onDone once with the
// first error (if any).
func (f Flush) Run(ctx context.Context, onDone func(error)) {
	if len(f.VdevIDs) == 0 {
		onDone(nil)
		return
	}
	go func() {
		var wg sync.WaitGroup
		errs := make(chan error, len(f.VdevIDs))
		for _, id := range f.VdevIDs {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				errs <- f.Submit(ctx, id)
			}(id)
		}
		wg.Wait()
		close(errs)

		var first error
		for err := range errs {
			if err != nil && first == nil {
				first = err
			}
		}
		onDone(first)
	}()
}
