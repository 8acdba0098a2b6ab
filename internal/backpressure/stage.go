// SPDX-License-Identifier: MIT
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stage fans every published item out to a set of branches. A slow branch
// never delays the producer or its siblings.
type Stage[T any] struct {
	mu       sync.RWMutex
	branches []*Branch[T]
	closed   bool
}

// NewStage returns an empty stage.
func NewStage[T any]() *Stage[T] {
	return &Stage[T]{}
}

// Add starts a new branch and attaches it to the stage.
func (s *Stage[T]) Add(name string, policy Policy, handler func(T)) (*Branch[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, b := range s.branches {
		if b.name == name {
			return nil, fmt.Errorf("backpressure: branch %q already exists", name)
		}
	}
	b := NewBranch(name, policy, handler)
	s.branches = append(s.branches, b)
	return b, nil
}

// Publish offers item to every branch and returns how many accepted it.
func (s *Stage[T]) Publish(item T) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accepted := 0
	for _, b := range s.branches {
		if b.Publish(item) {
			accepted++
		}
	}
	return accepted
}

// Close drains every branch concurrently, bounded by ctx. Branches that have
// not finished when ctx ends are cancelled.
func (s *Stage[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	branches := s.branches
	s.mu.Unlock()

	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
				errs[i] = fmt.Errorf("branch %q: %w", b.name, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Cancel discards queued items on every branch.
func (s *Stage[T]) Cancel() {
	s.mu.Lock()
	s.closed = true
	branches := s.branches
	s.mu.Unlock()
	for _, b := range branches {
		b.Cancel()
	}
}

// Stats returns the counters of every branch keyed by name.
func (s *Stage[T]) Stats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Stats, len(s.branches))
	for _, b := range s.branches {
		out[b.name] = b.Stats()
	}
	return out
}
