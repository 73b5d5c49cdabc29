package ratelimit

import "fmt"

// MalformedHeaderError reports rate-limit headers that could not be parsed.
// It is logged by the registry and never returned to dispatch callers.
type MalformedHeaderError struct {
	Scope  string
	Header string
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("malformed rate-limit header %s: %s", e.Header, e.Reason)
	}
	return fmt.Sprintf("malformed rate-limit header %s (scope %s): %s", e.Header, e.Scope, e.Reason)
}

// ConfigError reports an invalid rule definition.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rate-limit rule: %s %s", e.Field, e.Reason)
}
