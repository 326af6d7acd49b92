package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type conflictErr struct{}

func (conflictErr) Error() string        { return "version moved" }
func (conflictErr) ErrorKind() ErrorKind { return KindConflict }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: Validation("parse", errors.New("bad tier")), want: KindValidation},
		{name: "wrapped transient", err: fmt.Errorf("outer: %w", Transient("publish", errors.New("broker down"))), want: KindTransient},
		{name: "terminal", err: Terminal("submit", errors.New("rejected")), want: KindTerminal},
		{name: "kinded", err: fmt.Errorf("cas: %w", conflictErr{}), want: KindConflict},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "connection refused text", err: errors.New("dial tcp: connection refused"), want: KindTransient},
		{name: "plain", err: errors.New("boom"), want: KindTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "api error", err: NewAPIError(http.StatusRequestEntityTooLarge, "too big"), want: http.StatusRequestEntityTooLarge},
		{name: "validation", err: Validation("op", errors.New("x")), want: http.StatusBadRequest},
		{name: "conflict", err: conflictErr{}, want: http.StatusConflict},
		{name: "transient", err: Transient("op", errors.New("x")), want: http.StatusServiceUnavailable},
		{name: "terminal", err: Terminal("op", errors.New("x")), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatusFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	sentinel := errors.New("not found")
	err := Validation("lookup", fmt.Errorf("order 7: %w", sentinel))

	if !errors.Is(err, sentinel) {
		t.Error("errors.Is() = false, want true through PipelineError")
	}
	if got, want := err.Error(), "lookup: validation: order 7: not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorCode(t *testing.T) {
	tests := map[int]string{
		http.StatusBadRequest:          "invalid_request",
		http.StatusNotFound:            "not_found",
		http.StatusTooManyRequests:     "rate_limited",
		http.StatusServiceUnavailable:  "unavailable",
		http.StatusInternalServerError: "internal_error",
		http.StatusTeapot:              "internal_error",
	}

	for status, want := range tests {
		if got := ErrorCode(status); got != want {
			t.Errorf("ErrorCode(%d) = %s, want %s", status, got, want)
		}
	}
}
