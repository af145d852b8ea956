package kernel

import (
	"context"

	"github.com/nraphael/ipywidgets/internal/comm"
)

// CommOpenHandler accepts one backend-initiated comm for a registered target.
// The opening message carries the peer's initial payload.
type CommOpenHandler func(c comm.Comm, msg comm.Message)

// Connection is the backend capability surface the widget manager binds to.
type Connection interface {
	// RegisterCommTarget routes future backend-opened comms for target to fn,
	// replacing any previous handler.
	RegisterCommTarget(target string, fn CommOpenHandler)
	RemoveCommTarget(target string)

	// CommInfo lists the ids of comms currently live on the backend for
	// target. It blocks until the backend answers or ctx is done.
	CommInfo(ctx context.Context, target string) ([]string, error)

	// OpenComm binds a local channel to a comm already live on the backend.
	// No open announcement is sent; the backend is assumed to know the id.
	OpenComm(id, target string) (comm.Comm, error)

	// CreateComm announces a new comm to the backend and returns the local
	// channel. An empty id is replaced with a fresh one.
	CreateComm(ctx context.Context, id, target string, msg comm.Message) (comm.Comm, error)
}
