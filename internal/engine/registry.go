// Package engine maps logical role names to pooled database engines and
// tracks, per request, which of those engines have been started and ended.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/common/tracing"
)

// DefaultRole resolves through the registry's default pointer.
const DefaultRole = "!default"

// RegisterOptions configure a role at registration time.
type RegisterOptions struct {
	IsDefault bool
	// IsScoped selects ModeScoped; false selects ModeExclusive.
	IsScoped bool
	// UseExternalTxCoordinator enlists every started session with the
	// registry's TxCoordinator. Requires IsScoped.
	UseExternalTxCoordinator bool
	// IsReadOnly and IsAutocommit force Autocommit and disable ExpireOnCommit.
	IsReadOnly   bool
	IsAutocommit bool
	Session      *SessionOptions
}

// Registry is the process-wide role to Handle mapping. Build one at startup
// and pass it to whatever constructs brokers.
type Registry struct {
	log         *logger.Logger
	mu          sync.RWMutex
	handles     map[string]*Handle
	order       []string
	defaultRole string
	coordinator TxCoordinator
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		log:     log.WithFields(zap.String("component", "engine-registry")),
		handles: make(map[string]*Handle),
	}
}

// SetCoordinator installs the external transaction coordinator. It must be
// called before registering engines that use it.
func (r *Registry) SetCoordinator(c TxCoordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinator = c
}

// Register wraps pool in a Handle stored under role.
func (r *Registry) Register(role string, pool Pool, opts RegisterOptions) (*Handle, error) {
	if role == "" || role == DefaultRole {
		return nil, &ConfigError{Role: role, Reason: "invalid role name"}
	}
	if pool == nil {
		return nil, &ConfigError{Role: role, Reason: "nil pool"}
	}
	if opts.UseExternalTxCoordinator && !opts.IsScoped {
		return nil, &IncompatibleOptionsError{Role: role, Reason: "external transaction coordination requires scoped sessions"}
	}

	sessionOpts := DefaultSessionOptions()
	if opts.Session != nil {
		sessionOpts = *opts.Session
	}
	if opts.IsReadOnly || opts.IsAutocommit {
		sessionOpts.Autocommit = true
		sessionOpts.ExpireOnCommit = false
	}
	if opts.IsReadOnly {
		sessionOpts.ReadOnly = true
	}
	opts.Session = &sessionOpts

	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.UseExternalTxCoordinator && r.coordinator == nil {
		return nil, &IncompatibleOptionsError{Role: role, Reason: "no transaction coordinator installed"}
	}
	existing, exists := r.handles[role]
	if exists && !existing.Disposed() {
		return nil, &ConfigError{Role: role, Reason: "already registered; dispose it before registering again"}
	}

	h := &Handle{
		role:    role,
		pool:    pool,
		mode:    newSessionMode(opts.IsScoped, pool, sessionOpts),
		options: opts,
		tracer:  tracing.Tracer("sqlbroker/engine"),
		log:     r.log.WithRole(role),
	}
	if opts.UseExternalTxCoordinator {
		h.coordinator = r.coordinator
	}

	r.handles[role] = h
	if !exists {
		r.order = append(r.order, role)
	}
	if opts.IsDefault {
		r.defaultRole = role
	}

	r.log.Info("engine registered",
		zap.String("role", role),
		zap.String("driver", pool.DriverName()),
		zap.Stringer("mode", h.mode.kind()),
		zap.Bool("default", opts.IsDefault),
		zap.Bool("autocommit", sessionOpts.Autocommit))
	return h, nil
}

// Resolve returns the handle for role. DefaultRole resolves through the
// default pointer.
func (r *Registry) Resolve(role string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := role
	if role == DefaultRole {
		if r.defaultRole == "" {
			return nil, &RoleNotConfiguredError{Role: role}
		}
		name = r.defaultRole
	}
	h, ok := r.handles[name]
	if !ok {
		return nil, &RoleNotConfiguredError{Role: name}
	}
	return h, nil
}

// Roles returns registered roles in registration order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default returns the default role name, if one was registered.
func (r *Registry) Default() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRole, r.defaultRole != ""
}

// Dispose drops the pool behind role. Unknown roles are ignored.
func (r *Registry) Dispose(role string) error {
	h, err := r.Resolve(role)
	if err != nil {
		return nil
	}
	return h.Dispose()
}

// DisposeAll drops every pool, typically right after a process fork or at
// shutdown. It must never run while requests are in flight.
func (r *Registry) DisposeAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, role := range r.Roles() {
		h, err := r.Resolve(role)
		if err != nil {
			continue
		}
		g.Go(h.Dispose)
	}
	return g.Wait()
}

// Ping checks every registered pool and reports the first failure.
func (r *Registry) Ping(ctx context.Context) error {
	for _, role := range r.Roles() {
		h, err := r.Resolve(role)
		if err != nil {
			continue
		}
		if err := h.Ping(ctx); err != nil {
			return fmt.Errorf("engine %q: %w", role, err)
		}
	}
	return nil
}

// EndAll ends every role the tracker marked STARTED under key, skipping the
// rest. A failing role never prevents the remaining roles from being
// released.
func (r *Registry) EndAll(ctx context.Context, key string, tracker *Tracker) error {
	failures := &TeardownError{}
	for _, role := range r.Roles() {
		if !tracker.NoteEnded(role) {
			continue
		}
		if err := r.endRole(ctx, role, key); err != nil {
			failures.add(role, err)
		}
	}
	return failures.errOrNil()
}

func (r *Registry) endRole(ctx context.Context, role, key string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while releasing engine %q: %v", role, p)
		}
	}()
	h, err := r.Resolve(role)
	if err != nil {
		return err
	}
	return h.EndForRequest(ctx, key)
}
