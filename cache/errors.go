package cache

import (
	"fmt"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// ErrInvalidArgument is returned for an empty key, nil data or a
	// non-positive duration. It is reported before any I/O.
	ErrInvalidArgument error = perrors.New(perrors.CodeInvalidInput, "cache: invalid argument")

	// ErrEngineClosed is returned by every operation after Close.
	ErrEngineClosed error = perrors.New(perrors.CodeUnavailable, "cache: engine closed")

	// ErrNotFound is returned by GetData for a missing key. TryGetData and Get
	// report a miss through their boolean instead.
	ErrNotFound error = perrors.New(perrors.CodeNotFound, "cache: key not found")

	// ErrStorageFault marks a failure of the storage engine. The transaction
	// in flight has been rolled back when it is returned.
	ErrStorageFault error = perrors.New(perrors.CodeDatabase, "cache: storage fault")
)

// IsStorageFault reports whether err came from the storage engine.
func IsStorageFault(err error) bool {
	return perrors.Is(err, ErrStorageFault)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func storageFault(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return perrors.Wrapf(fault{err}, perrors.CodeDatabase, format, args...)
}

// fault puts ErrStorageFault in the chain of a storage error without
// repeating its message.
type fault struct{ err error }

func (f fault) Error() string   { return f.err.Error() }
func (f fault) Unwrap() []error { return []error{ErrStorageFault, f.err} }
