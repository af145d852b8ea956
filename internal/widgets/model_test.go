package widgets

import (
	"context"
	"errors"
	"testing"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/testutil/testlog"
)

func newLiveModel(t *testing.T, m *Manager, id string) (*Model, *fakeComm) {
	t.Helper()
	fc := &fakeComm{id: id, target: comm.TargetName}
	model, err := m.NewModel(ModelSpec{
		ID:                 id,
		ModelName:          "HTMLModel",
		ModelModule:        ControlsModule,
		ModelModuleVersion: "2.0.0",
		State:              map[string]any{"value": "initial"},
		Comm:               fc,
	}).Await(context.Background())
	if err != nil {
		t.Fatalf("await %s: %v", id, err)
	}
	return model, fc
}

func TestModelUpdateMergesState(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, fc := newLiveModel(t, m, "live-1")

	fc.deliver(updateMessage(map[string]any{"value": "changed", "extra": 7.0}))

	if v, _ := model.Get("value"); v != "changed" {
		t.Fatalf("expected merged value, got %v", v)
	}
	if v, _ := model.Get("extra"); v != 7.0 {
		t.Fatalf("expected new field, got %v", v)
	}
}

func TestModelUpdateInsertsBuffers(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, fc := newLiveModel(t, m, "live-2")

	fc.deliver(comm.Message{
		Data: comm.Data{
			Method:      comm.MethodUpdate,
			State:       map[string]any{"frames": []any{nil}},
			BufferPaths: [][]any{{"frames", 0}},
		},
		Buffers: [][]byte{{0xCA, 0xFE}},
	})

	frames, _ := model.Get("frames")
	list, ok := frames.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected frames: %#v", frames)
	}
	data, ok := list[0].([]byte)
	if !ok || len(data) != 2 {
		t.Fatalf("unexpected frame payload: %#v", list[0])
	}
}

func TestModelIgnoresEchoUpdates(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, fc := newLiveModel(t, m, "live-3")

	fc.deliver(comm.Message{Data: comm.Data{
		Method: comm.MethodEchoUpdate,
		State:  map[string]any{"value": "echoed"},
	}})

	if v, _ := model.Get("value"); v != "initial" {
		t.Fatalf("echo update must not touch state, got %v", v)
	}
}

func TestModelRoutesCustomToInstance(t *testing.T) {
	testlog.Start(t)

	inst := &countingInstance{}
	m := newTestManager(t, ManagerConfig{})
	if err := m.Register(ExportBundle{
		Name:    "probe-widgets",
		Version: "^1.0.0",
		Exports: Exports{"ProbeModel": func(*Model) (Instance, error) { return inst, nil }},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	fc := &fakeComm{id: "probe", target: comm.TargetName}
	if _, err := m.NewModel(ModelSpec{
		ID:                 "probe",
		ModelName:          "ProbeModel",
		ModelModule:        "probe-widgets",
		ModelModuleVersion: "1.0.0",
		Comm:               fc,
	}).Await(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}

	fc.deliver(comm.Message{Data: comm.Data{Method: comm.MethodCustom, Content: "ping"}})

	customs := inst.customContents()
	if len(customs) != 1 || customs[0] != "ping" {
		t.Fatalf("unexpected custom traffic: %#v", customs)
	}
}

func TestModelSendCustomOverLiveComm(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, fc := newLiveModel(t, m, "live-4")

	if err := model.SendCustom(context.Background(), map[string]any{"cmd": "refresh"}, nil); err != nil {
		t.Fatalf("send custom: %v", err)
	}
	sent := fc.sentMessages()
	if len(sent) != 1 || sent[0].Data.Method != comm.MethodCustom {
		t.Fatalf("unexpected outbound traffic: %#v", sent)
	}
}

func TestModelSendCustomWithoutCommFails(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, err := m.NewModel(ModelSpec{
		ID:                 "cold",
		ModelName:          "HTMLModel",
		ModelModule:        ControlsModule,
		ModelModuleVersion: "2.0.0",
	}).Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := model.SendCustom(context.Background(), "x", nil); !errors.Is(err, ErrCommNotLive) {
		t.Fatalf("expected ErrCommNotLive, got %v", err)
	}
}

func TestSeverCommsBlocksSendsKeepsState(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, _ := newLiveModel(t, m, "live-5")
	if !model.Live() {
		t.Fatal("expected a live model")
	}

	m.SeverComms()

	if model.Live() {
		t.Fatal("expected a severed model")
	}
	if err := model.SendCustom(context.Background(), "x", nil); !errors.Is(err, ErrCommNotLive) {
		t.Fatalf("expected ErrCommNotLive after sever, got %v", err)
	}
	if v, _ := model.Get("value"); v != "initial" {
		t.Fatalf("state must survive a sever, got %v", v)
	}
}

func TestPeerCloseRemovesModel(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	_, fc := newLiveModel(t, m, "live-6")

	fc.peerClose()

	if _, err := m.GetModel(context.Background(), "live-6"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound after peer close, got %v", err)
	}
	if len(m.ModelIDs()) != 0 {
		t.Fatalf("registry should be empty, got %v", m.ModelIDs())
	}
}
