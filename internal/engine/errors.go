package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrConfiguration is the class of every startup-time misconfiguration.
	ErrConfiguration = errors.New("engine configuration error")

	// ErrRoleNotConfigured is returned when a role has no registered engine.
	ErrRoleNotConfigured = errors.New("role not configured")

	// ErrIncompatibleOptions is returned by Register for option sets that can never work.
	ErrIncompatibleOptions = errors.New("incompatible engine options")

	// ErrNoSessionAvailable is returned when no role in a preference list yields a session.
	ErrNoSessionAvailable = errors.New("no session available")

	// ErrAlreadyStarted is returned when a role is started twice within one request.
	ErrAlreadyStarted = errors.New("engine already started for request")

	// ErrDisposed is returned when starting a session on a disposed engine.
	ErrDisposed = errors.New("engine disposed")
)

// ConfigError describes a registration or lookup problem for a single role.
type ConfigError struct {
	Role   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine %q: %s", e.Role, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// RoleNotConfiguredError names the role that could not be resolved.
type RoleNotConfiguredError struct {
	Role string
}

func (e *RoleNotConfiguredError) Error() string {
	return fmt.Sprintf("no engine %q was configured", e.Role)
}

// Is reports true for both ErrRoleNotConfigured and ErrConfiguration.
func (e *RoleNotConfiguredError) Is(target error) bool {
	return target == ErrRoleNotConfigured || target == ErrConfiguration
}

// IncompatibleOptionsError is raised at registration time, before any traffic.
type IncompatibleOptionsError struct {
	Role   string
	Reason string
}

func (e *IncompatibleOptionsError) Error() string {
	return fmt.Sprintf("engine %q: incompatible options: %s", e.Role, e.Reason)
}

func (e *IncompatibleOptionsError) Unwrap() error { return ErrIncompatibleOptions }

// TeardownError aggregates per-role release failures from one request sweep.
type TeardownError struct {
	Failures map[string]error
}

func (e *TeardownError) add(role string, err error) {
	if e.Failures == nil {
		e.Failures = make(map[string]error)
	}
	e.Failures[role] = err
}

// Roles returns the failed roles in sorted order.
func (e *TeardownError) Roles() []string {
	roles := make([]string, 0, len(e.Failures))
	for role := range e.Failures {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, role := range e.Roles() {
		parts = append(parts, fmt.Sprintf("%s: %v", role, e.Failures[role]))
	}
	return "teardown failed for " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error {
	var combined error
	for _, role := range e.Roles() {
		combined = multierr.Append(combined, e.Failures[role])
	}
	return multierr.Errors(combined)
}

func (e *TeardownError) errOrNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e
}
