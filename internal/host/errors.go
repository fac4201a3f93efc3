package host

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError represents a non-2xx response from a host API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host API error (status %d): %s", e.StatusCode, e.Body)
}

// IsNotFound returns true if the error is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsTransient reports whether the error is worth retrying: 5xx responses
// and network-level failures are; 4xx responses are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
