package widgets

import (
	"context"
	"sync"

	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/observability"
)

// View is whatever rendering host the caller binds a model into. The
// manager only ever releases it.
type View interface {
	Release()
}

// DisplayOptions decorate a surface at creation; later display calls for
// the same id keep the original options.
type DisplayOptions struct {
	Metadata map[string]any
}

// Surface binds one model to at most one view. Hooks fire on every
// attach; discard releases the wrapped view exactly once.
type Surface struct {
	mu        sync.Mutex
	model     *Model
	opts      DisplayOptions
	view      View
	hooks     []func(View)
	discarded bool
}

func newSurface(model *Model, opts DisplayOptions) *Surface {
	return &Surface{model: model, opts: opts}
}

// Model returns the bound model.
func (s *Surface) Model() *Model { return s.model }

// Metadata returns the options the surface was created with.
func (s *Surface) Metadata() map[string]any { return s.opts.Metadata }

// OnDisplayed registers a hook, firing it immediately when a view is
// already attached.
func (s *Surface) OnDisplayed(fn func(View)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	view := s.view
	s.mu.Unlock()
	if view != nil {
		fn(view)
	}
}

// Attach adopts view and fires every displayed hook. A previously
// attached view is released first; attaching to a discarded surface
// releases the incoming view instead.
func (s *Surface) Attach(view View) {
	if view == nil {
		return
	}
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		view.Release()
		return
	}
	prev := s.view
	s.view = view
	hooks := make([]func(View), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	if prev != nil && prev != view {
		prev.Release()
	}
	for _, fn := range hooks {
		fn(view)
	}
}

// Discard releases the attached view. Further attaches are rejected.
func (s *Surface) Discard() {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	view := s.view
	s.view = nil
	s.mu.Unlock()
	if view != nil {
		view.Release()
	}
}

// DisplayModel resolves id and binds it to view on the id's surface.
// One surface exists per model id; repeated calls return it, re-attach
// the new view, and keep the original options.
func (m *Manager) DisplayModel(ctx context.Context, id string, view View, opts DisplayOptions) (*Surface, error) {
	if m.disposed.Load() {
		return nil, ErrManagerDisposed
	}
	model, err := m.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}

	m.surfacesMu.Lock()
	s, ok := m.surfaces[id]
	if !ok {
		s = newSurface(model, opts)
		m.surfaces[id] = s
	}
	m.surfacesMu.Unlock()

	s.Attach(view)
	if !ok {
		observability.RecordModelEvent("displayed")
		logs.Infof("widgets.Manager display bound id=%q model=%q", id, model.ModelName())
	}
	return s, nil
}

func (m *Manager) discardSurface(id string) {
	m.surfacesMu.Lock()
	s, ok := m.surfaces[id]
	if ok {
		delete(m.surfaces, id)
	}
	m.surfacesMu.Unlock()
	if ok {
		s.Discard()
	}
}
