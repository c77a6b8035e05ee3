package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every parse and validation failure, whether
	// the value came from a file, a flag or the environment.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrMissingRequired marks an empty setting with no usable default.
	ErrMissingRequired = errors.New("config: missing required field")
)

// invalid reports a bad value for key.
func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...))
}
