package widgets

// Shared fakes for the package tests: an in-memory backend connection,
// scriptable comms, a recording view, and a counting class instance.

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/kernel"
)

var errSendRefused = errors.New("fake comm: send refused")

type fakeComm struct {
	id     string
	target string

	mu       sync.Mutex
	onMsg    func(comm.Message)
	onClose  func()
	closed   bool
	failSend bool
	sent     []comm.Message
	respond  func(comm.Message) *comm.Message
}

func (f *fakeComm) ID() string         { return f.id }
func (f *fakeComm) TargetName() string { return f.target }

func (f *fakeComm) Send(ctx context.Context, msg comm.Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return comm.ErrCommClosed
	}
	if f.failSend {
		f.mu.Unlock()
		return errSendRefused
	}
	f.sent = append(f.sent, msg)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		if reply := respond(msg); reply != nil {
			f.deliver(*reply)
		}
	}
	return nil
}

func (f *fakeComm) OnMessage(fn func(comm.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = fn
}

func (f *fakeComm) OnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeComm) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return comm.ErrCommClosed
	}
	f.closed = true
	return nil
}

// deliver plays an inbound message into the bound handler.
func (f *fakeComm) deliver(msg comm.Message) {
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// peerClose simulates a backend-initiated comm_close.
func (f *fakeComm) peerClose() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeComm) sentMessages() []comm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]comm.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeConn is an in-memory backend: live ids answer request_state with a
// scripted update reply.
type fakeConn struct {
	mu        sync.Mutex
	targets   map[string]kernel.CommOpenHandler
	comms     map[string]*fakeComm
	replies   map[string]comm.Message
	infoErr   error
	infoCalls int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		targets: make(map[string]kernel.CommOpenHandler),
		comms:   make(map[string]*fakeComm),
		replies: make(map[string]comm.Message),
	}
}

// addLive scripts one live widget id with its request_state reply.
func (c *fakeConn) addLive(id string, reply comm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[id] = reply
}

// addBroken scripts a live id whose comm refuses sends.
func (c *fakeConn) addBroken(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[id] = comm.Message{}
	c.comms[id] = &fakeComm{id: id, target: comm.TargetName, failSend: true}
}

func (c *fakeConn) RegisterCommTarget(target string, h kernel.CommOpenHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[target] = h
}

func (c *fakeConn) RemoveCommTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, target)
}

func (c *fakeConn) CommInfo(ctx context.Context, target string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoCalls++
	if c.infoErr != nil {
		return nil, c.infoErr
	}
	ids := make([]string, 0, len(c.replies))
	for id := range c.replies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *fakeConn) OpenComm(id, target string) (comm.Comm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.comms[id]; ok {
		return fc, nil
	}
	fc := &fakeComm{id: id, target: target}
	if reply, ok := c.replies[id]; ok {
		fc.respond = func(msg comm.Message) *comm.Message {
			if msg.Data.Method != comm.MethodRequestState {
				return nil
			}
			r := reply
			return &r
		}
	}
	c.comms[id] = fc
	return fc, nil
}

func (c *fakeConn) CreateComm(ctx context.Context, id, target string, msg comm.Message) (comm.Comm, error) {
	return c.OpenComm(id, target)
}

// openFromBackend plays a backend-initiated comm_open into the
// registered target handler.
func (c *fakeConn) openFromBackend(id, target string, msg comm.Message) *fakeComm {
	c.mu.Lock()
	h := c.targets[target]
	fc, ok := c.comms[id]
	if !ok {
		fc = &fakeComm{id: id, target: target}
		c.comms[id] = fc
	}
	c.mu.Unlock()
	if h != nil {
		h(fc, msg)
	}
	return fc
}

func (c *fakeConn) comm(id string) *fakeComm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.comms[id]
}

func (c *fakeConn) hasTarget(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.targets[target]
	return ok
}

func (c *fakeConn) commInfoCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoCalls
}

// countingInstance records custom traffic and close calls.
type countingInstance struct {
	mu      sync.Mutex
	customs []any
	closed  int
}

func (i *countingInstance) HandleCustom(content any, buffers [][]byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.customs = append(i.customs, content)
}

func (i *countingInstance) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
}

func (i *countingInstance) customContents() []any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]any, len(i.customs))
	copy(out, i.customs)
	return out
}

func (i *countingInstance) closeCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type fakeView struct {
	mu       sync.Mutex
	released int
}

func (v *fakeView) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released++
}

func (v *fakeView) releaseCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.released
}

// testState builds a state payload carrying the type descriptor fields.
func testState(name, module, version string, extra map[string]any) map[string]any {
	state := map[string]any{
		StateKeyModelName:     name,
		StateKeyModelModule:   module,
		StateKeyModuleVersion: version,
	}
	for k, v := range extra {
		state[k] = v
	}
	return state
}

// updateMessage wraps state in a live update payload.
func updateMessage(state map[string]any) comm.Message {
	return comm.Message{Data: comm.Data{Method: comm.MethodUpdate, State: state}}
}

// newTestManager builds a manager with the base bundle plus a controls
// test bundle whose slider class records traffic.
func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(cfg)
	if err := m.Register(BaseExports()); err != nil {
		t.Fatalf("register base exports: %v", err)
	}
	bundle := ExportBundle{
		Name:    ControlsModule,
		Version: "^2.0.0",
		Exports: Exports{
			"FloatSliderModel": func(*Model) (Instance, error) {
				return &countingInstance{}, nil
			},
			"HTMLModel": NoopConstructor,
		},
	}
	if err := m.Register(bundle); err != nil {
		t.Fatalf("register controls exports: %v", err)
	}
	return m
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
