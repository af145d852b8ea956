package kernel

// Status is one backend lifecycle signal, merged from execution-state and
// connection-state transitions.
type Status string

const (
	StatusStarting       Status = "starting"
	StatusConnected      Status = "connected"
	StatusBusy           Status = "busy"
	StatusIdle           Status = "idle"
	StatusRestarting     Status = "restarting"
	StatusAutoRestarting Status = "autorestarting"
	StatusDead           Status = "dead"
	StatusDisconnected   Status = "disconnected"
)
