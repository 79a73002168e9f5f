package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a devmem error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"      // 400
	ErrDuplicateThreshold ErrorCode = "DUPLICATE_THRESHOLD"  // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"            // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"       // 404
	ErrRebuildConflict    ErrorCode = "REBUILD_CONFLICT"     // 409
	ErrNormalization      ErrorCode = "NORMALIZATION_ERROR"  // 422
	ErrClassification     ErrorCode = "CLASSIFICATION_ERROR" // 500
	ErrInternal           ErrorCode = "INTERNAL"             // 500
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"    // 503
)

// DevmemError represents a structured error with code, status, and details.
type DevmemError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *DevmemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DevmemError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *DevmemError {
	return &DevmemError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewDuplicateThreshold creates a 400 error for an out-of-range similarity
// threshold or comparison window. Raised at configuration time.
func NewDuplicateThreshold(threshold float64, window time.Duration) *DevmemError {
	return &DevmemError{
		Code:    ErrDuplicateThreshold,
		Status:  400,
		Message: fmt.Sprintf("duplicate threshold must be in (0, 1] and window positive: threshold=%g window=%s", threshold, window),
		Details: map[string]any{"threshold": threshold, "window": window.String()},
	}
}

// NewNotFound creates a 404 error for a missing record or run.
func NewNotFound(identifier string) *DevmemError {
	return &DevmemError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing input file.
func NewFileNotFound(path string) *DevmemError {
	return &DevmemError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewRebuildConflict creates a 409 error when another rebuild holds the dataset lock.
func NewRebuildConflict(dataset, holder string) *DevmemError {
	return &DevmemError{
		Code:    ErrRebuildConflict,
		Status:  409,
		Message: fmt.Sprintf("rebuild already in progress for dataset %q", dataset),
		Details: map[string]any{"dataset": dataset, "holder": holder},
	}
}

// NewNormalization creates a 422 error for a raw record that cannot be normalized.
func NewNormalization(recordID, field, reason string) *DevmemError {
	msg := fmt.Sprintf("%s: %s", field, reason)
	if recordID != "" {
		msg = fmt.Sprintf("record %s: %s: %s", recordID, field, reason)
	}
	return &DevmemError{
		Code:    ErrNormalization,
		Status:  422,
		Message: msg,
		Details: map[string]any{"record_id": recordID, "field": field},
	}
}

// NewClassification creates a 500 error for a classification policy that
// cannot be compiled. Classification itself never fails.
func NewClassification(rule string, err error) *DevmemError {
	return &DevmemError{
		Code:    ErrClassification,
		Status:  500,
		Message: fmt.Sprintf("invalid classification rule %q: %v", rule, err),
		Details: map[string]any{"rule": rule},
		Err:     err,
	}
}

// NewStoreUnavailable creates a 503 error for a store that could not be queried.
func NewStoreUnavailable(store string, err error) *DevmemError {
	msg := fmt.Sprintf("store %s unavailable", store)
	if err != nil {
		msg = fmt.Sprintf("store %s unavailable: %v", store, err)
	}
	return &DevmemError{
		Code:    ErrStoreUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"store": store},
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *DevmemError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &DevmemError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if an error (or anything it wraps) is a DevmemError with the given code.
func Is(err error, code ErrorCode) bool {
	var dErr *DevmemError
	if stderrors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}
