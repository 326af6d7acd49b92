package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

func (ve ValidationErrors) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "validation_failed",
			"message": "Validation failed",
			"details": []ValidationError(ve),
		},
	}
}

// Add appends err when it is not nil.
func (ve *ValidationErrors) Add(err *ValidationError) {
	if err != nil {
		*ve = append(*ve, *err)
	}
}

// Err returns nil for an empty list so callers can return it directly.
func (ve ValidationErrors) Err() error {
	if len(ve) == 0 {
		return nil
	}
	return ve
}

func ValidateString(value, fieldName string, minLen, maxLen int, required bool) *ValidationError {
	if required && strings.TrimSpace(value) == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}

	if value != "" {
		if utf8.RuneCountInString(value) < minLen {
			return &ValidationError{Field: fieldName, Message: fmt.Sprintf("must be at least %d characters", minLen)}
		}
		if maxLen > 0 && utf8.RuneCountInString(value) > maxLen {
			return &ValidationError{Field: fieldName, Message: fmt.Sprintf("must be at most %d characters", maxLen)}
		}
	}

	return nil
}

func ValidateEmail(email, fieldName string) *ValidationError {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: fieldName, Message: "must be a valid email address"}
	}
	return nil
}

func ValidateUUID(id, fieldName string) *ValidationError {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: fieldName, Message: "must be a valid UUID"}
	}
	return nil
}

// ValidateOneOf accepts an empty value; pair it with ValidateString when the
// field is required.
func ValidateOneOf(value, fieldName string, allowed []string) *ValidationError {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{Field: fieldName, Message: "must be one of " + strings.Join(allowed, ", ")}
}

func ValidateRequestSize(r *http.Request, maxSize int64) error {
	if r.ContentLength > maxSize {
		return NewAPIError(http.StatusRequestEntityTooLarge, "Request body too large")
	}
	return nil
}

func WriteValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var validationErr ValidationErrors
	var apiErr *APIError
	switch {
	case errors.As(err, &validationErr):
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(validationErr.ToJSON())
	case errors.As(err, &apiErr):
		w.WriteHeader(apiErr.Code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": ErrorCode(apiErr.Code), "message": apiErr.Message},
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "invalid_request", "message": err.Error()},
		})
	}
}
