package verifier

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNotConfigured = errors.New("verification provider not configured")

const (
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeMissingEmail        = "MISSING_EMAIL"
	CodeMissingFileID       = "MISSING_FILE_ID"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeInvalidFilter       = "INVALID_FILTER"
	CodeAPIError            = "API_ERROR"
	CodeUnavailable         = "UNAVAILABLE"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// APIError is a provider failure with the status it maps to.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("millionverifier: %s (%s)", e.Message, e.Code)
}

func (e *APIError) Unwrap() error { return e.Err }

func mapError(msg string) *APIError {
	switch msg {
	case "apikey_not_found":
		return &APIError{Status: http.StatusUnauthorized, Code: CodeInvalidAPIKey, Message: "Invalid API key"}
	case "insufficient_credits":
		return &APIError{Status: http.StatusPaymentRequired, Code: CodeInsufficientCredits, Message: "Insufficient credits"}
	case "No email specified":
		return &APIError{Status: http.StatusBadRequest, Code: CodeMissingEmail, Message: "Email address is required"}
	case "parameter file_id is empty":
		return &APIError{Status: http.StatusBadRequest, Code: CodeMissingFileID, Message: "File ID is required"}
	case "file_not_found":
		return &APIError{Status: http.StatusNotFound, Code: CodeFileNotFound, Message: "File not found"}
	case "unsupported filter value":
		return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidFilter, Message: "Unsupported filter value"}
	default:
		return &APIError{Status: http.StatusBadRequest, Code: CodeAPIError, Message: msg}
	}
}

// ValidFilter reports whether f is a download filter the provider accepts.
func ValidFilter(f string) bool {
	switch f {
	case FilterOK, FilterOKAndCatchAll, FilterUnknown, FilterInvalid, FilterAll, FilterCustom:
		return true
	}
	return false
}
