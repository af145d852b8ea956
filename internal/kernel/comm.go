package kernel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nraphael/ipywidgets/internal/comm"
)

// clientComm is one comm channel multiplexed over the client socket.
type clientComm struct {
	id     string
	target string
	client *Client

	mu      sync.Mutex
	onMsg   func(comm.Message)
	onClose func()
	closed  bool
}

func newClientComm(client *Client, id, target string) *clientComm {
	return &clientComm{id: id, target: target, client: client}
}

func (cc *clientComm) ID() string { return cc.id }

func (cc *clientComm) TargetName() string { return cc.target }

func (cc *clientComm) Send(ctx context.Context, msg comm.Message) error {
	if err := msg.Data.Validate(); err != nil {
		return err
	}
	cc.mu.Lock()
	closed := cc.closed
	cc.mu.Unlock()
	if closed {
		return comm.ErrCommClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	env, err := NewEnvelope(uuid.NewString(), MsgCommMsg, CommMsgContent{CommID: cc.id, Data: msg.Data}, msg.Buffers)
	if err != nil {
		return err
	}
	return cc.client.send(env)
}

func (cc *clientComm) OnMessage(fn func(comm.Message)) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.onMsg = fn
}

func (cc *clientComm) OnClose(fn func()) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.onClose = fn
}

// Close announces teardown to the backend. A dead socket is not an error;
// the peer learns through its own connection state.
func (cc *clientComm) Close(ctx context.Context) error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil
	}
	cc.closed = true
	cc.mu.Unlock()

	cc.client.removeComm(cc.id)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	env, err := NewEnvelope(uuid.NewString(), MsgCommClose, CommCloseContent{CommID: cc.id}, nil)
	if err != nil {
		return err
	}
	if err := cc.client.send(env); err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClientClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (cc *clientComm) deliver(msg comm.Message) {
	cc.mu.Lock()
	fn := cc.onMsg
	cc.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// peerClosed runs the close hook once for a backend-initiated teardown.
func (cc *clientComm) peerClosed() {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	fn := cc.onClose
	cc.mu.Unlock()
	if fn != nil {
		fn()
	}
}
