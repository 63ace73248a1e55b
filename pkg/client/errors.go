package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/pms-bundler/pkg/reservation"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is matched by a FetchError whose every attempt failed
	// with a retryable error.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a fetch.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidPDF is returned when a response body lacks the PDF signature,
	// typically an HTML error page served as application/pdf.
	ErrInvalidPDF = errors.New("response is not a PDF document")

	// ErrDocumentTooLarge is returned when a document exceeds Config.MaxDocumentBytes.
	ErrDocumentTooLarge = errors.New("document too large")
)

// TransientFetchError is a failed attempt that may succeed when retried.
type TransientFetchError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *TransientFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("PMS %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("PMS %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// FetchError is returned when no attempt for a reservation succeeded, either
// because the attempts ran out or because one attempt failed fatally.
type FetchError struct {
	Ref      reservation.Ref
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if errors.Is(e.Err, ErrRetryExhausted) {
		return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Ref, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s failed: %v", e.Ref, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// classify returns the error class used for metrics and logs.
func classify(err error) ErrorClass {
	var te *TransientFetchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.ErrorClass
	case errors.Is(err, ErrContextCancelled):
		return ErrorClassCancelled
	case errors.Is(err, ErrDocumentTooLarge):
		return ErrorClassPayload
	default:
		return ErrorClassNetwork
	}
}
