package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/nraphael/ipywidgets/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty stored token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		header string
		target string
		want   string
	}{
		{name: "authorization token scheme", header: "token s3cret", target: "/state", want: "s3cret"},
		{name: "scheme matches case insensitively", header: "Token s3cret", target: "/state", want: "s3cret"},
		{name: "foreign scheme falls through to query", header: "Bearer other", target: "/state?token=fallback", want: "fallback"},
		{name: "query parameter alone", header: "", target: "/state?token=qs", want: "qs"},
		{name: "nothing presented", header: "", target: "/state", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(req); got != tc.want {
				t.Fatalf("expected token %q, got %q", tc.want, got)
			}
		})
	}
}
