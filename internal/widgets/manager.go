package widgets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/kernel"
	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/notebook"
	"github.com/nraphael/ipywidgets/internal/observability"
)

var (
	ErrModelNotFound   = errors.New("widgets: model not found")
	ErrManagerDisposed = errors.New("widgets: manager disposed")
)

// URLResolver rewrites asset URLs for the hosting environment.
type URLResolver func(url string) (string, error)

// DocumentSource supplies the persisted document for lifecycle-triggered
// restorations.
type DocumentSource func() *notebook.Document

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	// Resolver overrides the built-in export registry; leave nil to accept
	// runtime registrations through Register.
	Resolver ExportResolver
	// URLResolver rewrites asset URLs; nil passes them through.
	URLResolver URLResolver
	// Document feeds restorations triggered by backend status signals.
	Document DocumentSource
}

// Manager is the authoritative id-to-model registry for one document
// session. It owns slot allocation, two-phase restoration, lifecycle
// reactions, and display surfaces.
type Manager struct {
	mu          sync.Mutex
	models      map[string]*modelSlot
	restoring   int
	lastRestore *restoreHandle

	resolver ExportResolver
	urls     URLResolver
	docFn    DocumentSource

	connMu sync.Mutex
	conn   kernel.Connection

	surfacesMu sync.Mutex
	surfaces   map[string]*Surface

	restoreGate atomic.Bool
	disposed    atomic.Bool
}

// restoreHandle signals completion of one restoration pass.
type restoreHandle struct {
	done chan struct{}
}

func newRestoreHandle() *restoreHandle {
	return &restoreHandle{done: make(chan struct{})}
}

func (h *restoreHandle) close() { close(h.done) }

// NewManager builds a manager; all config fields are optional.
func NewManager(cfg ManagerConfig) *Manager {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = newExportRegistry()
	}
	return &Manager{
		models:   make(map[string]*modelSlot),
		resolver: resolver,
		urls:     cfg.URLResolver,
		docFn:    cfg.Document,
		surfaces: make(map[string]*Surface),
	}
}

// Register installs an export bundle into the resolver.
func (m *Manager) Register(bundle ExportBundle) error {
	if err := bundle.Validate(); err != nil {
		return err
	}
	registrar, ok := m.resolver.(ExportRegistrar)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStaticResolver, bundle.Name)
	}
	if err := registrar.Register(bundle.Name, bundle.Version, bundle.Exports); err != nil {
		return err
	}
	logs.Infof("widgets.Manager registered module=%q range=%q classes=%d", bundle.Name, bundle.Version, len(bundle.Exports))
	return nil
}

// Reconciling reports whether a restoration pass is currently running.
func (m *Manager) Reconciling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoring > 0
}

// ModelIDs lists registered model ids, including in-flight slots.
func (m *Manager) ModelIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.models))
	for id := range m.models {
		ids = append(ids, id)
	}
	return ids
}

// Stats is a point-in-time registry counter set.
type Stats struct {
	Models      int  `json:"models"`
	Live        int  `json:"live"`
	Reconciling bool `json:"reconciling"`
}

// Stats counts registered and live models without blocking on hydration.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	slots := make([]*modelSlot, 0, len(m.models))
	for _, slot := range m.models {
		slots = append(slots, slot)
	}
	restoring := m.restoring > 0
	m.mu.Unlock()

	stats := Stats{Models: len(slots), Reconciling: restoring}
	for _, slot := range slots {
		model, _ := slot.snapshot()
		if model != nil && model.Live() {
			stats.Live++
		}
	}
	return stats
}

// ModelSummary is one registry listing entry.
type ModelSummary struct {
	ID                 string `json:"model_id"`
	ModelName          string `json:"model_name"`
	ModelModule        string `json:"model_module"`
	ModelModuleVersion string `json:"model_module_version"`
	Live               bool   `json:"live"`
	Status             string `json:"status"`
	Error              string `json:"error,omitempty"`
}

// Summaries lists every slot without blocking on in-flight hydrations.
func (m *Manager) Summaries() []ModelSummary {
	m.mu.Lock()
	slots := make(map[string]*modelSlot, len(m.models))
	for id, slot := range m.models {
		slots[id] = slot
	}
	m.mu.Unlock()

	out := make([]ModelSummary, 0, len(slots))
	for id, slot := range slots {
		summary := ModelSummary{ID: id, Status: "pending"}
		model, err := slot.snapshot()
		if model != nil {
			summary.ModelName = model.ModelName()
			summary.ModelModule = model.ModelModule()
			summary.ModelModuleVersion = model.ModelModuleVersion()
			summary.Live = model.Live()
		}
		select {
		case <-slot.done:
			if err != nil {
				summary.Status = "failed"
				summary.Error = err.Error()
			} else {
				summary.Status = "ready"
			}
		default:
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewModel allocates the id's registry slot synchronously and hydrates
// the model in the background. A second call for the same id returns the
// existing slot's future, never a duplicate.
func (m *Manager) NewModel(spec ModelSpec) *ModelFuture {
	if m.disposed.Load() {
		return failedFuture(ErrManagerDisposed)
	}
	if err := spec.Validate(); err != nil {
		return failedFuture(err)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	slot, model, fresh := m.register(spec)
	if fresh {
		go m.hydrate(slot, model, spec)
	}
	return &ModelFuture{slot: slot}
}

// register claims spec.ID's slot and allocates the bare model. The
// caller owns spawning hydration when fresh is true; restoration
// registers a whole batch before hydrating any of it so references
// between batch members always find their slot.
func (m *Manager) register(spec ModelSpec) (*modelSlot, *Model, bool) {
	m.mu.Lock()
	if slot, ok := m.models[spec.ID]; ok {
		m.mu.Unlock()
		return slot, nil, false
	}
	slot := newModelSlot()
	m.models[spec.ID] = slot
	m.mu.Unlock()

	model := &Model{
		id:                 spec.ID,
		modelName:          spec.ModelName,
		modelModule:        spec.ModelModule,
		modelModuleVersion: spec.ModelModuleVersion,
		state:              map[string]any{},
		manager:            m,
	}
	if spec.Comm != nil {
		model.bindComm(spec.Comm)
	}
	slot.allocate(model)
	observability.RecordModelEvent("registered")
	return slot, model, true
}

func (m *Manager) hydrate(slot *modelSlot, model *Model, spec ModelSpec) {
	state := cloneState(spec.State)
	if len(spec.BufferPaths) > 0 {
		if err := comm.InsertBuffers(state, spec.BufferPaths, spec.Buffers); err != nil {
			m.failHydration(slot, model, err)
			return
		}
	}

	exports, err := m.resolver.Resolve(spec.ModelModule, spec.ModelModuleVersion)
	if err != nil {
		m.failHydration(slot, model, err)
		return
	}
	ctor, ok := exports[spec.ModelName]
	if !ok {
		m.failHydration(slot, model, fmt.Errorf("%w: %s in %s@%s",
			ErrClassNotFound, spec.ModelName, spec.ModelModule, spec.ModelModuleVersion))
		return
	}

	resolved, err := m.resolveReferences(state)
	if err != nil {
		m.failHydration(slot, model, err)
		return
	}
	model.setState(resolved.(map[string]any))

	instance, err := ctor(model)
	if err != nil {
		m.failHydration(slot, model, err)
		return
	}
	model.setInstance(instance)
	model.markReady()
	slot.resolve()
}

// failHydration finishes the slot with err. The model stays registered so
// lookups surface the failure instead of a silent miss, and its comm
// buffer drains so live traffic cannot pile up behind a dead hydration.
func (m *Manager) failHydration(slot *modelSlot, model *Model, err error) {
	slot.fail(err)
	model.markReady()
	observability.RecordModelEvent("hydration_failed")
	logs.Errf("widgets.Manager hydrate id=%q err=%v", model.ID(), err)
}

// resolveReferences rewrites reference strings into model pointers,
// descending through nested containers. Awaiting only the allocated
// stage keeps reference cycles from deadlocking.
func (m *Manager) resolveReferences(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if id, ok := cutReference(val); ok {
			return m.resolveReference(id)
		}
		return val, nil
	case map[string]any:
		for k, item := range val {
			resolved, err := m.resolveReferences(item)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := m.resolveReferences(item)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return val, nil
	}
}

func (m *Manager) resolveReference(id string) (*Model, error) {
	slot, err := m.lookupSlot(id)
	if err != nil {
		return nil, err
	}
	<-slot.allocated
	model, slotErr := slot.snapshot()
	if model == nil {
		return nil, slotErr
	}
	return model, nil
}

// lookupSlot applies the two-tier miss policy: fail fast while a
// restoration is running, otherwise await the most recent restoration
// and retry exactly once.
func (m *Manager) lookupSlot(id string) (*modelSlot, error) {
	m.mu.Lock()
	slot, ok := m.models[id]
	restoring := m.restoring > 0
	last := m.lastRestore
	m.mu.Unlock()
	if ok {
		return slot, nil
	}
	if restoring {
		return nil, fmt.Errorf("%w: %s (restore in progress)", ErrModelNotFound, id)
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	<-last.done

	m.mu.Lock()
	slot, ok = m.models[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return slot, nil
}

// GetModel resolves id to its model, honoring the two-tier miss policy
// and awaiting in-flight hydration.
func (m *Manager) GetModel(ctx context.Context, id string) (*Model, error) {
	if m.disposed.Load() {
		return nil, ErrManagerDisposed
	}
	m.mu.Lock()
	slot, ok := m.models[id]
	restoring := m.restoring > 0
	last := m.lastRestore
	m.mu.Unlock()

	if !ok {
		if restoring {
			return nil, fmt.Errorf("%w: %s (restore in progress)", ErrModelNotFound, id)
		}
		if last == nil {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-last.done:
		}
		m.mu.Lock()
		slot, ok = m.models[id]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
	}
	return (&ModelFuture{slot: slot}).Await(ctx)
}

// removeModel drops id from the registry after its comm closed or the
// model was torn down.
func (m *Manager) removeModel(id string) {
	m.mu.Lock()
	slot, ok := m.models[id]
	if ok {
		delete(m.models, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	slot.fail(fmt.Errorf("%w: %s", ErrModelNotFound, id))
	model, _ := slot.snapshot()
	if model != nil {
		model.release(context.Background(), false)
	}
	m.discardSurface(id)
	observability.RecordModelEvent("removed")
	logs.Infof("widgets.Manager model removed id=%q", id)
}

// SeverComms cuts every live comm so later sends fail fast. Models and
// their state stay registered.
func (m *Manager) SeverComms() {
	m.mu.Lock()
	slots := make([]*modelSlot, 0, len(m.models))
	for _, slot := range m.models {
		slots = append(slots, slot)
	}
	m.mu.Unlock()

	count := 0
	for _, slot := range slots {
		model, _ := slot.snapshot()
		if model != nil && model.sever() {
			count++
		}
	}
	if count > 0 {
		logs.Warnf("widgets.Manager severed live comms count=%d", count)
	}
}

// SnapshotState serializes every resolved model into the persisted
// document shape. Model references flatten back to reference strings.
func (m *Manager) SnapshotState() (notebook.StateBlock, error) {
	if m.disposed.Load() {
		return nil, ErrManagerDisposed
	}
	m.mu.Lock()
	slots := make(map[string]*modelSlot, len(m.models))
	for id, slot := range m.models {
		slots[id] = slot
	}
	m.mu.Unlock()

	records := make(map[string]notebook.Record, len(slots))
	for id, slot := range slots {
		select {
		case <-slot.done:
		default:
			continue
		}
		model, err := slot.snapshot()
		if err != nil || model == nil {
			continue
		}
		records[id] = notebook.Record{
			ModelName:          model.ModelName(),
			ModelModule:        model.ModelModule(),
			ModelModuleVersion: model.ModelModuleVersion(),
			State:              model.ExportState(),
		}
	}
	return notebook.NewStateBlock(records), nil
}

// encodeState is the inverse of reference resolution: model pointers
// become reference strings; everything else passes through.
func encodeState(v any) any {
	switch val := v.(type) {
	case *Model:
		return ReferencePrefix + val.ID()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeState(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeState(item)
		}
		return out
	default:
		return val
	}
}

// ResolveURL rewrites an asset URL through the configured resolver.
func (m *Manager) ResolveURL(url string) (string, error) {
	if m.urls == nil {
		return url, nil
	}
	return m.urls(url)
}

// Dispose tears the registry down: deregisters the backend handler,
// fails pending slots, closes instances and live comms, discards
// surfaces. Idempotent.
func (m *Manager) Dispose() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	m.SetConnection(nil)

	m.mu.Lock()
	slots := m.models
	m.models = make(map[string]*modelSlot)
	m.mu.Unlock()

	for id, slot := range slots {
		slot.fail(fmt.Errorf("%w: %s", ErrManagerDisposed, id))
		model, _ := slot.snapshot()
		if model != nil {
			model.release(context.Background(), true)
		}
	}

	m.surfacesMu.Lock()
	surfaces := m.surfaces
	m.surfaces = make(map[string]*Surface)
	m.surfacesMu.Unlock()
	for _, s := range surfaces {
		s.Discard()
	}

	logs.Infof("widgets.Manager disposed models=%d", len(slots))
}

func cutReference(s string) (string, bool) {
	if len(s) > len(ReferencePrefix) && s[:len(ReferencePrefix)] == ReferencePrefix {
		return s[len(ReferencePrefix):], true
	}
	return "", false
}
