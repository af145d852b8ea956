package comm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TargetName is the comm target widget channels are opened under.
const TargetName = "jupyter.widget"

const (
	MethodRequestState = "request_state"
	MethodUpdate       = "update"
	MethodEchoUpdate   = "echo_update"
	MethodCustom       = "custom"
)

var (
	ErrInvalidData = errors.New("comm: invalid payload")
	ErrCommClosed  = errors.New("comm: closed")
)

// Data is the JSON payload carried by one comm message.
type Data struct {
	Method      string         `json:"method"`
	State       map[string]any `json:"state,omitempty"`
	BufferPaths [][]any        `json:"buffer_paths,omitempty"`
	Content     any            `json:"content,omitempty"`
}

func (d Data) Validate() error {
	if strings.TrimSpace(d.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidData)
	}
	switch d.Method {
	case MethodUpdate, MethodEchoUpdate:
		if d.State == nil {
			return fmt.Errorf("%w: %s missing state", ErrInvalidData, d.Method)
		}
	case MethodRequestState, MethodCustom:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidData, d.Method)
	}
	return nil
}

// Message pairs the JSON payload with its out-of-band binary buffers.
// Buffers[i] is addressed by Data.BufferPaths[i].
type Message struct {
	Data    Data
	Buffers [][]byte
}

// RequestState is the canonical state-pull message.
func RequestState() Message {
	return Message{Data: Data{Method: MethodRequestState}}
}

// Comm is one bidirectional channel tied to a backend-side peer object.
// Implementations route inbound traffic to the OnMessage callback and
// signal peer-initiated teardown through OnClose.
type Comm interface {
	ID() string
	TargetName() string
	Send(ctx context.Context, msg Message) error
	OnMessage(fn func(Message))
	OnClose(fn func())
	Close(ctx context.Context) error
}
