package tool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no tool is registered under a key
var ErrNotFound = errors.New("tool not found")

// ValidationError reports bad or unrecognized user arguments.
// Problems holds every violation found, not only the first.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ConfigError reports a tool misconfiguration. It always fails the task and is never retried.
type ConfigError struct {
	Tool string
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("tool %s misconfigured: %s", e.Tool, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
