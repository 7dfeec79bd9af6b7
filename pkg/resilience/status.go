package resilience

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx vendor HTTP response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusRequestTimeout
}

// IsTemporary reports whether err is a rate limit or a temporary status.
func IsTemporary(err error) bool {
	if IsRateLimit(err) {
		return true
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}
