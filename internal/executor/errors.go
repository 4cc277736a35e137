package executor

import (
	"errors"
	"fmt"
)

// DependencyUnavailableError indicates a runtime the adapter needs is not
// present in this build or on this host.
type DependencyUnavailableError struct{ Reason string }

func (e DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency unavailable: %s", e.Reason)
}

// ErrDependencyUnavailable constructs a DependencyUnavailableError.
func ErrDependencyUnavailable(reason string) error { return DependencyUnavailableError{Reason: reason} }

// IsDependencyUnavailable reports whether err is or wraps a DependencyUnavailableError.
func IsDependencyUnavailable(err error) bool {
	var d DependencyUnavailableError
	return errors.As(err, &d)
}
