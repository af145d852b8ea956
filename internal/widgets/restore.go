package widgets

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/kernel"
	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/notebook"
	"github.com/nraphael/ipywidgets/internal/observability"
)

// livePull is one id's request_state round trip.
type livePull struct {
	id   string
	comm comm.Comm
	msg  comm.Message
	err  error
}

// pendingModel is a claimed slot whose hydration has not started yet.
type pendingModel struct {
	slot  *modelSlot
	model *Model
	spec  ModelSpec
}

// RestoreWidgets rebuilds the registry from the two state sources: live
// backend comms first, then the document's persisted block for whatever
// the live set did not cover. Per-id failures are logged and isolated;
// only a canceled context aborts the pass.
func (m *Manager) RestoreWidgets(ctx context.Context, doc *notebook.Document) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	start := time.Now()
	handle := newRestoreHandle()
	m.mu.Lock()
	m.restoring++
	m.lastRestore = handle
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.restoring--
		m.mu.Unlock()
		handle.close()
	}()

	degraded := false
	pulls := m.pullLiveState(ctx, &degraded)
	if err := ctx.Err(); err != nil {
		observability.RecordRestore("canceled", time.Since(start))
		return err
	}

	// Claim every slot from both phases before hydrating any of them so
	// references between batch members always find a slot.
	var batch []pendingModel
	futures := make([]*ModelFuture, 0, len(pulls))
	live := make(map[string]struct{}, len(pulls))

	for _, p := range pulls {
		if p.err != nil {
			observability.RecordLivePull("error")
			logs.Warnf("widgets.Manager live pull dropped id=%q err=%v", p.id, p.err)
			continue
		}
		spec, err := specFromUpdate(p.id, p.comm, p.msg)
		if err != nil {
			observability.RecordLivePull("error")
			logs.Warnf("widgets.Manager live descriptor rejected id=%q err=%v", p.id, err)
			continue
		}
		observability.RecordLivePull("ok")
		live[p.id] = struct{}{}
		slot, model, fresh := m.register(spec)
		if fresh {
			batch = append(batch, pendingModel{slot: slot, model: model, spec: spec})
		}
		futures = append(futures, &ModelFuture{slot: slot})
	}

	persisted := 0
	if doc != nil {
		block, err := doc.WidgetState()
		if err != nil {
			degraded = true
			logs.Warnf("widgets.Manager persisted state unreadable err=%v", err)
		}
		for id, rec := range block.Records() {
			if _, ok := live[id]; ok {
				continue
			}
			spec := ModelSpec{
				ID:                 id,
				ModelName:          rec.ModelName,
				ModelModule:        rec.ModelModule,
				ModelModuleVersion: rec.ModelModuleVersion,
				State:              rec.State,
			}
			if err := spec.Validate(); err != nil {
				logs.Warnf("widgets.Manager persisted record rejected id=%q err=%v", id, err)
				continue
			}
			persisted++
			slot, model, fresh := m.register(spec)
			if fresh {
				batch = append(batch, pendingModel{slot: slot, model: model, spec: spec})
			}
			futures = append(futures, &ModelFuture{slot: slot})
		}
	}

	for _, p := range batch {
		go m.hydrate(p.slot, p.model, p.spec)
	}

	failed := 0
	for _, f := range futures {
		if _, err := f.Await(ctx); err != nil {
			if ctx.Err() != nil {
				observability.RecordRestore("canceled", time.Since(start))
				return ctx.Err()
			}
			failed++
		}
	}

	outcome := "success"
	switch {
	case degraded:
		outcome = "degraded"
	case failed > 0:
		outcome = "partial"
	}
	observability.RecordRestore(outcome, time.Since(start))
	logs.Infof("widgets.Manager restore complete live=%d persisted=%d failed=%d outcome=%s",
		len(live), persisted, failed, outcome)
	return nil
}

// pullLiveState queries the backend for live widget comms and collects a
// request_state reply for each. The returned slice is complete before the
// caller registers anything; a backend without a bound connection yields
// an empty live set.
func (m *Manager) pullLiveState(ctx context.Context, degraded *bool) []livePull {
	conn := m.connection()
	if conn == nil {
		return nil
	}
	ids, err := conn.CommInfo(ctx, comm.TargetName)
	if err != nil {
		*degraded = true
		logs.Warnf("widgets.Manager comm info unavailable err=%v", err)
		return nil
	}

	pulls := make([]livePull, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			pulls[i] = m.pullOne(ctx, conn, id)
			return nil
		})
	}
	_ = g.Wait()
	return pulls
}

// pullOne opens the shim comm for one live id and trades a request_state
// for the first update reply. State requests carry no deadline of their
// own; the caller's context is the only bound.
func (m *Manager) pullOne(ctx context.Context, conn kernel.Connection, id string) livePull {
	c, err := conn.OpenComm(id, comm.TargetName)
	if err != nil {
		return livePull{id: id, err: err}
	}
	reply := make(chan comm.Message, 1)
	c.OnMessage(func(msg comm.Message) {
		if msg.Data.Method != comm.MethodUpdate {
			return
		}
		select {
		case reply <- msg:
		default:
		}
	})
	if err := c.Send(ctx, comm.RequestState()); err != nil {
		return livePull{id: id, err: err}
	}
	select {
	case msg := <-reply:
		return livePull{id: id, comm: c, msg: msg}
	case <-ctx.Done():
		return livePull{id: id, err: ctx.Err()}
	}
}
