package apply

import "errors"

// Error kinds a Source wraps its failures with. Callers classify with errors.Is.
var (
	// ErrAuth marks invalid credentials or an expired session.
	ErrAuth = errors.New("auth error")
	// ErrTransport marks network, timeout, and server-side failures.
	ErrTransport = errors.New("transport error")
	// ErrValidation marks an explicit rejection by the job source.
	ErrValidation = errors.New("validation error")
)

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsTransport reports whether err is transient.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsValidation reports whether err is a permanent rejection.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
