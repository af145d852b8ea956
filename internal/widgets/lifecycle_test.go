package widgets

import (
	"context"
	"errors"
	"testing"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/kernel"
	"github.com/nraphael/ipywidgets/internal/testutil/testlog"
)

func TestSetConnectionMovesCommTarget(t *testing.T) {
	testlog.Start(t)

	connA := newFakeConn()
	connB := newFakeConn()
	m := newTestManager(t, ManagerConfig{})

	m.SetConnection(connA)
	if !connA.hasTarget(comm.TargetName) {
		t.Fatal("expected handler on connA")
	}

	m.SetConnection(connB)
	if connA.hasTarget(comm.TargetName) {
		t.Fatal("handler must leave connA on rebind")
	}
	if !connB.hasTarget(comm.TargetName) {
		t.Fatal("expected handler on connB")
	}

	m.SetConnection(nil)
	if connB.hasTarget(comm.TargetName) {
		t.Fatal("handler must detach on nil rebind")
	}
}

func TestHandleStatusConnectedRestoresOnce(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	m := newTestManager(t, ManagerConfig{})
	if err := m.Register(ExportBundle{
		Name:    "slow-widgets",
		Version: "^1.0.0",
		Exports: Exports{"SlowModel": func(*Model) (Instance, error) {
			<-release
			return noopInstance{}, nil
		}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := newFakeConn()
	conn.addLive("slow-1", updateMessage(testState("SlowModel", "slow-widgets", "1.0.0", nil)))
	m.SetConnection(conn)

	m.HandleStatus(kernel.StatusConnected)
	waitUntil(t, m.Reconciling, "restore to start")

	// The gate holds while the first pass runs.
	m.HandleStatus(kernel.StatusConnected)

	close(release)
	waitUntil(t, func() bool {
		_, err := m.GetModel(context.Background(), "slow-1")
		return err == nil
	}, "restored model")

	if calls := conn.commInfoCalls(); calls != 1 {
		t.Fatalf("expected one comm info query, got %d", calls)
	}
}

func TestHandleStatusRestartingSeversComms(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, ManagerConfig{})
	model, _ := newLiveModel(t, m, "live-lc")

	m.HandleStatus(kernel.StatusRestarting)

	if model.Live() {
		t.Fatal("expected a severed model after restart signal")
	}
	if err := model.SendCustom(context.Background(), "x", nil); !errors.Is(err, ErrCommNotLive) {
		t.Fatalf("expected ErrCommNotLive, got %v", err)
	}
}

func TestHandleStatusIgnoresExecutionStates(t *testing.T) {
	testlog.Start(t)

	conn := newFakeConn()
	m := newTestManager(t, ManagerConfig{})
	m.SetConnection(conn)

	m.HandleStatus(kernel.StatusBusy)
	m.HandleStatus(kernel.StatusIdle)

	if calls := conn.commInfoCalls(); calls != 0 {
		t.Fatalf("busy/idle must not trigger restores, got %d queries", calls)
	}
}

func TestBackendCommOpenRegistersModel(t *testing.T) {
	testlog.Start(t)

	conn := newFakeConn()
	m := newTestManager(t, ManagerConfig{})
	m.SetConnection(conn)

	open := comm.Message{Data: comm.Data{
		State: testState("HTMLModel", ControlsModule, "2.0.0",
			map[string]any{"value": "pushed"}),
	}}
	fc := conn.openFromBackend("fresh", comm.TargetName, open)

	model, err := m.GetModel(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !model.Live() {
		t.Fatal("backend-opened model must be live")
	}
	if v, _ := model.Get("value"); v != "pushed" {
		t.Fatalf("unexpected state: %v", v)
	}

	// Traffic on the announcing comm keeps flowing into the model.
	fc.deliver(updateMessage(map[string]any{"value": "again"}))
	if v, _ := model.Get("value"); v != "again" {
		t.Fatalf("expected update to merge, got %v", v)
	}
}

func TestBackendCommOpenRejectsMissingDescriptor(t *testing.T) {
	testlog.Start(t)

	conn := newFakeConn()
	m := newTestManager(t, ManagerConfig{})
	m.SetConnection(conn)

	conn.openFromBackend("junk", comm.TargetName, comm.Message{})

	if _, err := m.GetModel(context.Background(), "junk"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected no model for a descriptor-less open, got %v", err)
	}
}
