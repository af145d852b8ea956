package comm

import (
	"errors"
	"testing"

	logs "github.com/nraphael/ipywidgets/internal/logging"
	"github.com/nraphael/ipywidgets/internal/testutil/testlog"
)

func TestDataValidate(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		data    Data
		wantErr bool
	}{
		{name: "request_state", data: Data{Method: MethodRequestState}, wantErr: false},
		{name: "update with state", data: Data{Method: MethodUpdate, State: map[string]any{"value": 1}}, wantErr: false},
		{name: "custom", data: Data{Method: MethodCustom, Content: "ping"}, wantErr: false},
		{name: "missing method", data: Data{}, wantErr: true},
		{name: "update missing state", data: Data{Method: MethodUpdate}, wantErr: true},
		{name: "echo_update missing state", data: Data{Method: MethodEchoUpdate}, wantErr: true},
		{name: "unknown method", data: Data{Method: "sync"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.data.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && !errors.Is(err, ErrInvalidData) {
				t.Fatalf("expected ErrInvalidData, got %v", err)
			}
		})
	}
	logs.Logf("comm/data: validation table complete")
}

func TestRequestStateShape(t *testing.T) {
	testlog.Start(t)

	msg := RequestState()
	if msg.Data.Method != MethodRequestState {
		t.Fatalf("unexpected method %q", msg.Data.Method)
	}
	if msg.Data.State != nil || len(msg.Buffers) != 0 {
		t.Fatalf("request_state must carry no state or buffers")
	}
	if err := msg.Data.Validate(); err != nil {
		t.Fatalf("request_state should validate: %v", err)
	}
}
