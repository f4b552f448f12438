// Package kaiwa provides a Go client for the Kaiwa run API: start a Run and
// read its event stream, then steer it with stop, approval and parameter
// calls.
package kaiwa

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kaiwa API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kaiwa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsConflict returns true if the error is a 409. StartRun reports a
// conversation that already has an active Run this way.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsBadRequest returns true if the error is a 400.
func IsBadRequest(err error) bool { return statusIs(err, 400) }
