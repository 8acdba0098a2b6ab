// SPDX-License-Identifier: MIT
/*
Package backpressure decouples a single producer from consumers that run at
their own pace.

Each consumer gets a Branch with its own worker goroutine and one of two
policies:

  - UnboundedBuffer queues every item without limit. Nothing is lost and the
    producer never waits; memory grows while the consumer lags.
  - DropNewest keeps one processing slot. An item published while the slot is
    busy is discarded, so the consumer samples the stream at its own rate.

Both policies deliver items to a consumer in publish order. There is no
ordering relation between different branches.
*/
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	applog "specrec/internal/log"
)

// ErrClosed is returned when publishing to or closing a closed branch.
var ErrClosed = errors.New("backpressure: branch closed")

// Policy selects what a branch does with items its consumer cannot keep up with.
type Policy int

const (
	UnboundedBuffer Policy = iota
	DropNewest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case UnboundedBuffer:
		return "unbounded"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration name (case-insensitive) to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "unbounded", "unbounded_buffer", "buffer":
		return UnboundedBuffer, nil
	case "drop_newest", "drop":
		return DropNewest, nil
	default:
		return UnboundedBuffer, fmt.Errorf("unknown backpressure policy: '%s'", name)
	}
}

// Stats counts what happened to published items.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"` // queued items thrown away by Cancel or a drain timeout
	Pending   int    `json:"pending"`
}

// Branch delivers items to one handler on a dedicated goroutine.
type Branch[T any] struct {
	name    string
	policy  Policy
	handler func(T)

	mu     sync.Mutex
	queue  []T  // UnboundedBuffer backlog
	busy   bool // DropNewest slot taken
	closed bool

	wake chan struct{} // UnboundedBuffer: cap 1, coalesced wake-ups
	slot chan T        // DropNewest: cap 1, only written while !busy
	stop chan struct{} // closed to make the worker discard and exit
	done chan struct{} // closed when the worker has exited

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

// NewBranch starts a worker that calls handler for every accepted item.
func NewBranch[T any](name string, policy Policy, handler func(T)) *Branch[T] {
	b := &Branch[T]{
		name:    name,
		policy:  policy,
		handler: handler,
		wake:    make(chan struct{}, 1),
		slot:    make(chan T, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	applog.Debugf("Backpressure: Starting branch %q (policy: %s)", name, policy)
	go b.run()
	return b
}

// Name returns the branch name.
func (b *Branch[T]) Name() string {
	return b.name
}

// Policy returns the branch policy.
func (b *Branch[T]) Policy() Policy {
	return b.policy
}

// Publish offers item to the branch without blocking. It reports whether the
// item was accepted; false means it was dropped by policy or the branch is closed.
func (b *Branch[T]) Publish(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.published.Add(1)

	switch b.policy {
	case DropNewest:
		if b.busy {
			b.mu.Unlock()
			b.dropped.Add(1)
			return false
		}
		b.busy = true
		b.slot <- item // never blocks: the slot is empty whenever busy is false
		b.mu.Unlock()
	default:
		b.queue = append(b.queue, item)
		b.mu.Unlock()
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return true
}

func (b *Branch[T]) run() {
	defer close(b.done)
	if b.policy == DropNewest {
		b.runSlot()
		return
	}
	b.runQueue()
}

func (b *Branch[T]) runSlot() {
	for {
		select {
		case <-b.stop:
			return
		case item, ok := <-b.slot:
			if !ok {
				return
			}
			b.deliver(item)
			b.mu.Lock()
			b.busy = false
			b.mu.Unlock()
		}
	}
}

func (b *Branch[T]) runQueue() {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			item := b.queue[0]
			var zero T
			b.queue[0] = zero
			b.queue = b.queue[1:]
			b.mu.Unlock()

			select {
			case <-b.stop:
				b.discarded.Add(1)
				return
			default:
			}
			b.deliver(item)
			continue
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-b.wake:
		case <-b.stop:
			return
		}
	}
}

func (b *Branch[T]) deliver(item T) {
	defer func() {
		if r := recover(); r != nil {
			applog.Errorf("Backpressure: Handler of branch %q panicked: %v", b.name, r)
		}
	}()
	b.handler(item)
	b.delivered.Add(1)
}

// Close stops accepting items and waits for the worker to deliver what is
// already queued. If ctx ends first the remaining items are discarded and
// ctx.Err() is returned once the in-flight item has finished.
func (b *Branch[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	if b.policy == DropNewest {
		close(b.slot)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.Cancel()
		return ctx.Err()
	}
}

// Cancel discards every queued item and waits for the in-flight item, if
// any, to finish. It is safe to call more than once and after Close.
func (b *Branch[T]) Cancel() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		if b.policy == DropNewest {
			close(b.slot)
		}
	}
	b.discarded.Add(uint64(len(b.queue)))
	b.queue = nil
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.mu.Unlock()

	<-b.done
	applog.Debugf("Backpressure: Branch %q stopped (%+v)", b.name, b.Stats())
}

// Done is closed once the worker has exited.
func (b *Branch[T]) Done() <-chan struct{} {
	return b.done
}

// Stats returns a snapshot of the branch counters.
func (b *Branch[T]) Stats() Stats {
	b.mu.Lock()
	pending := len(b.queue)
	b.mu.Unlock()
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Discarded: b.discarded.Load(),
		Pending:   pending,
	}
}
