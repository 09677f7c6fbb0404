package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionInvalid marks a session the backend no longer recognizes
// (403/404 on a message fetch). The caller clears local state and
// re-resolves rather than surfacing it.
var ErrSessionInvalid = errors.New("session invalid or expired")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// IsServerFault reports whether err is a transient server fault (500/503)
// that blocks session creation until an explicit retry.
func IsServerFault(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 500 || se.StatusCode == 503
}

// IsUserNotFound reports whether err is a 400/404 whose body indicates the
// owning user is unknown, which triggers the corrective registration path.
func IsUserNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode != 400 && se.StatusCode != 404 {
		return false
	}
	return strings.Contains(strings.ToLower(se.Body), "user not found")
}

// IsClientRejection reports whether err is any other 400/404, treated as a
// permanent creation block.
func IsClientRejection(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 400 || se.StatusCode == 404
}
