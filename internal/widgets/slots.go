package widgets

import (
	"context"
	"sync"
)

// modelSlot is the per-id registry cell. It moves through two stages:
// allocated (the model struct exists; references may resolve) and done
// (hydration finished with a value or an error). Each stage fires once.
type modelSlot struct {
	mu        sync.Mutex
	model     *Model
	err       error
	allocated chan struct{}
	done      chan struct{}
	allocSet  bool
	finished  bool
}

func newModelSlot() *modelSlot {
	return &modelSlot{
		allocated: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *modelSlot) allocate(m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocSet {
		return
	}
	s.model = m
	s.allocSet = true
	close(s.allocated)
}

func (s *modelSlot) resolve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.done)
}

// fail finishes the slot with err, releasing reference waiters too.
func (s *modelSlot) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.err = err
	s.finished = true
	if !s.allocSet {
		s.allocSet = true
		close(s.allocated)
	}
	close(s.done)
}

func (s *modelSlot) snapshot() (*Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.err
}

// ModelFuture resolves to a model once its hydration completes.
type ModelFuture struct {
	slot *modelSlot
}

// Await blocks until hydration finishes or ctx ends.
func (f *ModelFuture) Await(ctx context.Context) (*Model, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.slot.done:
	}
	model, err := f.slot.snapshot()
	if err != nil {
		return nil, err
	}
	return model, nil
}

// failedFuture wraps a pre-resolved error for invalid registrations.
func failedFuture(err error) *ModelFuture {
	slot := newModelSlot()
	slot.fail(err)
	return &ModelFuture{slot: slot}
}
