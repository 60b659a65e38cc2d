package workerclient

import "fmt"

// APIError represents an error response from the worker API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the worker answered 404 for the external id.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}
