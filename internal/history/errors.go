package history

import (
	"errors"
	"fmt"
)

// Error classes. Configuration errors surface at registration time and mean
// the tracking declaration itself is wrong; usage errors surface at call time
// and are recoverable by fixing the call; database errors are passed through
// from the driver untouched.
var (
	ErrConfig   = errors.New("invalid tracking configuration")
	ErrNotFound = errors.New("tracker not registered")
	ErrUsage    = errors.New("invalid call")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}
