package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// ErrorKind classifies failures for retry and escalation decisions.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient"
	KindTerminal   ErrorKind = "terminal"
)

type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func Validation(op string, err error) error {
	return &PipelineError{Kind: KindValidation, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &PipelineError{Kind: KindTransient, Op: op, Err: err}
}

func Terminal(op string, err error) error {
	return &PipelineError{Kind: KindTerminal, Op: op, Err: err}
}

type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf walks the chain for an explicit classification and falls back to
// message heuristics for errors coming out of SDKs and the network stack.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	if IsRetryableError(err) {
		return KindTransient
	}
	return KindTerminal
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func WrapError(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"too many requests",
	}

	for _, retryableErr := range retryableErrors {
		if strings.Contains(errorStr, retryableErr) {
			return true
		}
	}

	return false
}

func GetHTTPStatusFromError(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// ErrorCode is the machine readable code written in error bodies for an
// HTTP status.
func ErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal_error"
}

func LogError(ctx context.Context, err error, message string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["error"] = err.Error()
	fields["error_kind"] = string(KindOf(err))

	Error(ctx, message, fields)
}
