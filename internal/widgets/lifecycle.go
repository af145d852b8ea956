package widgets

import (
	"context"

	"github.com/nraphael/ipywidgets/internal/comm"
	"github.com/nraphael/ipywidgets/internal/kernel"
	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/notebook"
)

// SetConnection rebinds the manager to a backend connection. The comm
// target handler moves from the previous connection to the new one; nil
// detaches entirely. Rebinding is explicit; the manager never chases
// connections on its own.
func (m *Manager) SetConnection(conn kernel.Connection) {
	m.connMu.Lock()
	prev := m.conn
	m.conn = conn
	m.connMu.Unlock()

	if prev != nil {
		prev.RemoveCommTarget(comm.TargetName)
	}
	if conn != nil {
		conn.RegisterCommTarget(comm.TargetName, m.handleCommOpen)
	}
}

func (m *Manager) connection() kernel.Connection {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

// HandleStatus reacts to backend lifecycle signals. A connected signal
// triggers a restoration pass unless one started here is still running;
// a restart severs every live comm. Everything else is informational.
func (m *Manager) HandleStatus(status kernel.Status) {
	switch status {
	case kernel.StatusConnected:
		if !m.restoreGate.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer m.restoreGate.Store(false)
			var doc *notebook.Document
			if m.docFn != nil {
				doc = m.docFn()
			}
			if err := m.RestoreWidgets(context.Background(), doc); err != nil {
				logs.Errf("widgets.Manager lifecycle restore err=%v", err)
			}
		}()
	case kernel.StatusRestarting, kernel.StatusAutoRestarting, kernel.StatusDead:
		m.SeverComms()
	}
}

// handleCommOpen admits a backend-initiated widget: the open payload
// carries the full descriptor and initial state.
func (m *Manager) handleCommOpen(c comm.Comm, msg comm.Message) {
	spec, err := specFromUpdate(c.ID(), c, msg)
	if err != nil {
		logs.Warnf("widgets.Manager comm open rejected id=%q err=%v", c.ID(), err)
		return
	}
	m.NewModel(spec)
}
