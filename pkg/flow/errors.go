package flow

import (
	"errors"
	"fmt"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

// Error classes. Every error returned by the engine wraps exactly one of
// these; callers test with errors.Is.
var (
	ErrInvalidValue  = errors.New("invalid value")
	ErrNotSupported  = errors.New("not supported")
	ErrNoMemory      = errors.New("no memory")
	ErrDriver        = errors.New("driver error")
	ErrInUse         = errors.New("in use")
	ErrBadState      = errors.New("bad state")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

func errorf(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))
}

// driverErr classifies a driver failure: exhausted queues and tables are
// resource errors the caller may retry after draining, anything else is a
// driver fault.
func driverErr(what string, err error) error {
	if errors.Is(err, dataplane.ErrQueueFull) || errors.Is(err, dataplane.ErrNoSpace) {
		return fmt.Errorf("%s: %w: %w", what, ErrNoMemory, err)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrDriver, err)
}
