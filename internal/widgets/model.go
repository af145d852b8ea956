package widgets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nraphael/ipywidgets/internal/comm"
	logs "github.com/nraphael/ipywidgets/internal/logging"
)

// ReferencePrefix marks state string values that point at another model.
const ReferencePrefix = "IPY_MODEL_"

const (
	StateKeyModelName     = "_model_name"
	StateKeyModelModule   = "_model_module"
	StateKeyModuleVersion = "_model_module_version"
)

var (
	ErrInvalidModelSpec = errors.New("widgets: invalid model spec")
	ErrCommNotLive      = errors.New("widgets: comm not live")
)

// ModelSpec carries everything needed to register one model: the type
// descriptor, initial state, and an optional backing comm.
type ModelSpec struct {
	ID                 string
	ModelName          string
	ModelModule        string
	ModelModuleVersion string
	State              map[string]any
	BufferPaths        [][]any
	Buffers            [][]byte
	Comm               comm.Comm
}

func (s ModelSpec) Validate() error {
	if strings.TrimSpace(s.ModelName) == "" {
		return fmt.Errorf("%w: missing model name", ErrInvalidModelSpec)
	}
	if strings.TrimSpace(s.ModelModule) == "" {
		return fmt.Errorf("%w: missing model module", ErrInvalidModelSpec)
	}
	return nil
}

// specFromUpdate builds a spec from a live state payload; the descriptor
// rides inside the state fields.
func specFromUpdate(id string, c comm.Comm, msg comm.Message) (ModelSpec, error) {
	state := msg.Data.State
	if state == nil {
		return ModelSpec{}, fmt.Errorf("%w: no state for %s", ErrInvalidModelSpec, id)
	}
	name, _ := state[StateKeyModelName].(string)
	module, _ := state[StateKeyModelModule].(string)
	version, _ := state[StateKeyModuleVersion].(string)
	spec := ModelSpec{
		ID:                 id,
		ModelName:          name,
		ModelModule:        module,
		ModelModuleVersion: version,
		State:              state,
		BufferPaths:        msg.Data.BufferPaths,
		Buffers:            msg.Buffers,
		Comm:               c,
	}
	if err := spec.Validate(); err != nil {
		return ModelSpec{}, err
	}
	return spec, nil
}

// Model is one reconciled widget: a typed state bag, optionally backed
// by a live comm.
type Model struct {
	id                 string
	modelName          string
	modelModule        string
	modelModuleVersion string

	mu       sync.RWMutex
	state    map[string]any
	c        comm.Comm
	commLive bool
	instance Instance
	ready    bool
	pending  []comm.Message

	manager *Manager
}

func (m *Model) ID() string { return m.id }

func (m *Model) ModelName() string { return m.modelName }

func (m *Model) ModelModule() string { return m.modelModule }

func (m *Model) ModelModuleVersion() string { return m.modelModuleVersion }

// Live reports whether the model still has an open backing comm.
func (m *Model) Live() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.c != nil && m.commLive
}

// State returns a shallow copy of the current state.
func (m *Model) State() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.state)
}

// Get returns one state field.
func (m *Model) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok
}

// ExportState returns the state with model references flattened back to
// reference strings, safe for JSON encoding.
func (m *Model) ExportState() map[string]any {
	return encodeState(m.State()).(map[string]any)
}

// SendCustom ships an application payload over the backing comm.
func (m *Model) SendCustom(ctx context.Context, content any, buffers [][]byte) error {
	m.mu.RLock()
	c, live := m.c, m.commLive
	m.mu.RUnlock()
	if c == nil || !live {
		return fmt.Errorf("%w: %s", ErrCommNotLive, m.id)
	}
	return c.Send(ctx, comm.Message{
		Data:    comm.Data{Method: comm.MethodCustom, Content: content},
		Buffers: buffers,
	})
}

func (m *Model) setState(state map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *Model) setInstance(in Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instance = in
}

// bindComm wires inbound traffic and peer-close teardown to the model.
func (m *Model) bindComm(c comm.Comm) {
	m.mu.Lock()
	m.c = c
	m.commLive = true
	m.mu.Unlock()
	c.OnMessage(m.handleComm)
	c.OnClose(func() {
		m.manager.removeModel(m.id)
	})
}

// handleComm buffers traffic until hydration lands, then dispatches
// inline. Without the buffer an update racing hydration would merge into
// the pre-hydration state map and be wiped by setState.
func (m *Model) handleComm(msg comm.Message) {
	m.mu.Lock()
	if !m.ready {
		m.pending = append(m.pending, msg)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dispatchComm(msg)
}

// markReady flips the model to direct dispatch and replays anything that
// arrived mid-hydration, in order.
func (m *Model) markReady() {
	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return
	}
	m.ready = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, msg := range pending {
		m.dispatchComm(msg)
	}
}

func (m *Model) dispatchComm(msg comm.Message) {
	switch msg.Data.Method {
	case comm.MethodUpdate:
		m.applyUpdate(msg)
	case comm.MethodEchoUpdate:
		// Echoes of our own updates carry nothing new.
	case comm.MethodCustom:
		m.mu.RLock()
		in := m.instance
		m.mu.RUnlock()
		if in != nil {
			in.HandleCustom(msg.Data.Content, msg.Buffers)
		}
	default:
		logs.Debugf("widgets.Model unhandled method=%q id=%q", msg.Data.Method, m.id)
	}
}

func (m *Model) applyUpdate(msg comm.Message) {
	state := cloneState(msg.Data.State)
	if len(msg.Data.BufferPaths) > 0 {
		if err := comm.InsertBuffers(state, msg.Data.BufferPaths, msg.Buffers); err != nil {
			logs.Warnf("widgets.Model update buffers id=%q err=%v", m.id, err)
			return
		}
	}
	m.mu.Lock()
	if m.state == nil {
		m.state = make(map[string]any, len(state))
	}
	for k, v := range state {
		m.state[k] = v
	}
	m.mu.Unlock()
}

// sever cuts the live comm without touching state; later sends fail fast.
func (m *Model) sever() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil || !m.commLive {
		return false
	}
	m.commLive = false
	return true
}

// release closes the class instance and, when requested, the live comm.
func (m *Model) release(ctx context.Context, closeComm bool) {
	m.mu.Lock()
	in := m.instance
	m.instance = nil
	c, live := m.c, m.commLive
	m.c = nil
	m.commLive = false
	m.mu.Unlock()

	if in != nil {
		in.Close()
	}
	if closeComm && c != nil && live {
		if err := c.Close(ctx); err != nil {
			logs.Warnf("widgets.Model comm close id=%q err=%v", m.id, err)
		}
	}
}

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
