package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is the sentinel wrapped by every ConfigError.
var ErrInvalidPolicy = errors.New("invalid policy")

// ConfigError reports a policy that cannot be used. It is fatal: no document
// is processed under a policy that fails validation.
type ConfigError struct {
	Rule  int    // index of the offending rule, -1 for policy-level problems
	Field string // e.g. "tag_pattern", "action", "parameters.shadow_as"
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Rule >= 0 {
		return fmt.Sprintf("%s: rule %d: %s: %v", ErrInvalidPolicy, e.Rule, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrInvalidPolicy, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidPolicy, e.Err}
}

func ruleError(i int, field, format string, args ...any) *ConfigError {
	return &ConfigError{Rule: i, Field: field, Err: fmt.Errorf(format, args...)}
}
