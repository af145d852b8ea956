package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nraphael/ipywidgets/internal/comm"
)

const (
	MsgStatus          = "status"
	MsgCommOpen        = "comm_open"
	MsgCommMsg         = "comm_msg"
	MsgCommClose       = "comm_close"
	MsgCommInfoRequest = "comm_info_request"
	MsgCommInfoReply   = "comm_info_reply"
)

var ErrInvalidEnvelope = errors.New("kernel: invalid envelope")

// Envelope is one backend channel message. In text frames buffers
// marshal inline as base64; binary frames strip them from the JSON part
// and carry the raw bytes after it.
type Envelope struct {
	MsgID       string          `json:"msg_id"`
	MsgType     string          `json:"msg_type"`
	ParentMsgID string          `json:"parent_msg_id,omitempty"`
	Content     json.RawMessage `json:"content"`
	Buffers     [][]byte        `json:"buffers,omitempty"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.MsgID) == "" {
		return fmt.Errorf("%w: missing msg_id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.MsgType) == "" {
		return fmt.Errorf("%w: missing msg_type", ErrInvalidEnvelope)
	}
	switch e.MsgType {
	case MsgStatus, MsgCommOpen, MsgCommMsg, MsgCommClose, MsgCommInfoRequest, MsgCommInfoReply:
	default:
		return fmt.Errorf("%w: unknown msg_type %q", ErrInvalidEnvelope, e.MsgType)
	}
	if len(e.Content) == 0 {
		return fmt.Errorf("%w: missing content", ErrInvalidEnvelope)
	}
	return nil
}

// DecodeContent unmarshals the envelope content into dst.
func (e Envelope) DecodeContent(dst any) error {
	if err := json.Unmarshal(e.Content, dst); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrInvalidEnvelope, e.MsgType, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a fresh message id around content.
func NewEnvelope(msgID, msgType string, content any, buffers [][]byte) (Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal %s content: %v", ErrInvalidEnvelope, msgType, err)
	}
	env := Envelope{
		MsgID:   msgID,
		MsgType: msgType,
		Content: raw,
		Buffers: buffers,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// StatusContent reports the backend execution state.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// CommOpenContent announces one comm with its opening payload.
type CommOpenContent struct {
	CommID     string    `json:"comm_id"`
	TargetName string    `json:"target_name"`
	Data       comm.Data `json:"data"`
}

// CommMsgContent carries one payload on an established comm.
type CommMsgContent struct {
	CommID string    `json:"comm_id"`
	Data   comm.Data `json:"data"`
}

// CommCloseContent tears one comm down.
type CommCloseContent struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// CommInfoRequestContent queries live comms, optionally filtered by target.
type CommInfoRequestContent struct {
	TargetName string `json:"target_name,omitempty"`
}

// CommDescription is one live comm entry in a comm_info_reply.
type CommDescription struct {
	TargetName string `json:"target_name"`
}

// CommInfoReplyContent lists live comms by id.
type CommInfoReplyContent struct {
	Status string                     `json:"status,omitempty"`
	Comms  map[string]CommDescription `json:"comms"`
}
