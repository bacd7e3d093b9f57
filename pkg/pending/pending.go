// Package pending tracks outbound requests that are waiting for the broker's reply.
//
// Every request gets a correlation id from Allocate. The transport completes the
// entry when a Response or Error frame with that id arrives, and the caller that
// allocated the id consumes the result exactly once with Take. Id 0 is reserved
// for node-level frames and is never handed out.
package pending

import (
	"context"
	"errors"
	"sync"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
)

// ErrAbandoned is returned by Complete when the awaiter already gave up on the id
// (timeout or cancellation). The late reply is dropped.
var ErrAbandoned = errors.New("pending: awaiter abandoned the request")

type entry struct {
	done      chan struct{}
	completed bool
	taken     bool
	data      []byte
	err       error
}

// Table is safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	next      uint64
	entries   map[uint64]*entry
	abandoned map[uint64]struct{}
	drained   error
}

func New() *Table {
	return &Table{
		entries:   make(map[uint64]*entry),
		abandoned: make(map[uint64]struct{}),
	}
}

func notFound(id uint64) error {
	return apierr.Newf(apierr.NotFound, "pending request %d not found", id)
}

// Allocate mints the next correlation id and parks an empty entry under it.
// The returned channel is closed once the entry is completed.
// After Drain the new entry is born completed with the drain error.
func (t *Table) Allocate() (uint64, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	id := t.next
	e := &entry{done: make(chan struct{})}
	if t.drained != nil {
		e.completed = true
		e.err = t.drained
		close(e.done)
	}
	t.entries[id] = e
	return id, e.done
}

// Complete stores the result for id and wakes its awaiter. It fails with a
// NotFound error when id is unknown or already completed, and with ErrAbandoned
// when the awaiter gave up.
func (t *Table) Complete(id uint64, data []byte, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		if _, gone := t.abandoned[id]; gone {
			delete(t.abandoned, id)
			return ErrAbandoned
		}
		return notFound(id)
	}
	if e.completed {
		return notFound(id)
	}
	e.completed = true
	e.data = data
	e.err = err
	close(e.done)
	return nil
}

// Take waits for id to complete, removes it and returns its result. A second
// Take for the same id returns NotFound. If ctx ends first the entry is
// abandoned and a Timeout (deadline) or Closed (cancel) error is returned.
func (t *Table) Take(ctx context.Context, id uint64) ([]byte, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.taken {
		t.mu.Unlock()
		return nil, notFound(id)
	}
	e.taken = true
	t.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		if t.abandon(id, e) {
			return nil, ctxError(ctx, id)
		}
		// completed while we were giving up; deliver it
	}

	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
	return e.data, e.err
}

// Abandon drops id without waiting. Later completions for it return ErrAbandoned.
// It reports false when the id is unknown or already completed.
func (t *Table) Abandon(id uint64) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.abandon(id, e)
}

func (t *Table) abandon(id uint64, e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.completed {
		return false
	}
	delete(t.entries, id)
	t.abandoned[id] = struct{}{}
	return true
}

// Drain fails every outstanding entry with err and wakes all awaiters.
// Entries allocated afterwards fail immediately with the same error.
// It returns the number of entries it released.
func (t *Table) Drain(err error) int {
	if err == nil {
		err = apierr.New(apierr.Closed, "node closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drained = err
	n := 0
	for _, e := range t.entries {
		if e.completed {
			continue
		}
		e.completed = true
		e.err = err
		close(e.done)
		n++
	}
	clear(t.abandoned)
	return n
}

// Len is the number of entries not yet taken.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func ctxError(ctx context.Context, id uint64) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierr.Newf(apierr.Timeout, "request %d timed out", id)
	}
	return apierr.Newf(apierr.Closed, "request %d cancelled", id)
}
