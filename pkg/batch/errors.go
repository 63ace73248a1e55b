package batch

import "fmt"

// PanicError records a fetcher panic as a reservation failure.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("fetch panicked: %v", e.Value)
}
