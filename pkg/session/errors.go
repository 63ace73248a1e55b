package session

import "fmt"

// AuthenticationError is returned when a login response carries no session cookies.
type AuthenticationError struct {
	StatusCode int
	Location   string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("authentication failed: no session cookies returned (status %d, location %s)",
			e.StatusCode, e.Location)
	}
	return fmt.Sprintf("authentication failed: no session cookies returned (status %d)", e.StatusCode)
}
