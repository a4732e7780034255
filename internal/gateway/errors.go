package gateway

import "fmt"

// ConfigError reports a missing or invalid configuration value. It is fatal
// for the attempt: surfaced immediately, never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway: config %s: %s", e.Field, e.Reason)
}

// SessionCreationError reports a failed call to the hosted-session source. The
// attempt never reached the provider; callers may retry with a fresh attempt.
type SessionCreationError struct {
	Endpoint string
	Err      error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("gateway: session source %s: %v", e.Endpoint, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }
