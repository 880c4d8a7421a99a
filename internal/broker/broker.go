// Package broker hands out database sessions to a single request, starting
// each role's engine only when the request first asks for it and releasing
// every started engine exactly once when the request finishes.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/engine"
)

// Well-known roles.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
	RoleLogger = "logger"
)

// cleanupHook is the completion hook name the broker registers under.
const cleanupHook = "sqlbroker.cleanup"

// DefaultPreferences is the Any order when none is configured. It never
// includes the logger role.
var DefaultPreferences = []string{RoleReader, RoleWriter}

// ErrBrokerClosed is returned when a role is requested after the request's
// completion hook has run.
var ErrBrokerClosed = errors.New("session broker closed")

// Option configures a Broker.
type Option func(*Broker)

// WithPreferences sets the order Any falls back to when called without
// arguments.
func WithPreferences(roles ...string) Option {
	return func(b *Broker) {
		b.preferences = append([]string(nil), roles...)
	}
}

// WithLogger sets the broker's logger.
func WithLogger(log *logger.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// Broker is the request-facing view of the engine registry. It belongs
// to one request and must not be shared across goroutines serving other
// requests.
type Broker struct {
	req Request
	// key owns this request's sessions in every engine. It is minted here
	// and never taken from the client.
	key         string
	reg         *engine.Registry
	tracker     *engine.Tracker
	sessions    map[string]engine.Session
	preferences []string
	log         *logger.Logger

	closed      bool
	teardownErr error
}

// New returns the broker for req. A request has at most one broker: when
// one is already attached to req, that broker is returned so sessions stay
// memoized per request. The completion hook is registered at most once per
// request.
func New(req Request, reg *engine.Registry, opts ...Option) *Broker {
	b := &Broker{
		req:         req,
		reg:         reg,
		key:         uuid.New().String(),
		tracker:     engine.NewTracker(reg.Roles()...),
		sessions:    make(map[string]engine.Session),
		preferences: DefaultPreferences,
		log:         logger.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithRequestID(req.ID())

	if attached := req.AttachBroker(b); attached != b {
		return attached
	}
	if !req.HasCompletionHook(cleanupHook) {
		req.RegisterCompletionHook(cleanupHook, func() { _ = b.Close() })
	}
	return b
}

// RequestID returns the owning request's id.
func (b *Broker) RequestID() string { return b.req.ID() }

// Reader returns the memoized reader session, starting it on first use.
func (b *Broker) Reader() (engine.Session, error) { return b.Get(RoleReader) }

// Writer returns the memoized writer session, starting it on first use.
func (b *Broker) Writer() (engine.Session, error) { return b.Get(RoleWriter) }

// Logger returns the memoized logger session, starting it on first use.
func (b *Broker) Logger() (engine.Session, error) { return b.Get(RoleLogger) }

// Default returns the session for the registry's default role.
func (b *Broker) Default() (engine.Session, error) { return b.Get(engine.DefaultRole) }

// Lazy returns a getter for role that defers starting the engine until the
// getter is first called.
func (b *Broker) Lazy(role string) func() (engine.Session, error) {
	return func() (engine.Session, error) { return b.Get(role) }
}

// Get returns the session for role. The first call within a request
// resolves the engine and starts it; later calls return the same session
// without touching the registry or the tracker.
func (b *Broker) Get(role string) (engine.Session, error) {
	name := role
	if role == engine.DefaultRole {
		def, ok := b.reg.Default()
		if !ok {
			return nil, &engine.RoleNotConfiguredError{Role: role}
		}
		name = def
	}
	if s, ok := b.sessions[name]; ok {
		return s, nil
	}
	if b.closed {
		return nil, fmt.Errorf("%w: cannot start %q", ErrBrokerClosed, name)
	}

	h, err := b.reg.Resolve(name)
	if err != nil {
		return nil, err
	}
	if status := b.tracker.StatusOf(name); status != engine.StatusNotStarted {
		return nil, fmt.Errorf("%w: %s is %s", engine.ErrAlreadyStarted, name, status)
	}

	s, err := h.StartForRequest(b.req.Context(), b.key, &engine.RequestTag{RequestID: b.req.ID()})
	if err != nil {
		return nil, err
	}
	if err := b.tracker.NoteStarted(name); err != nil {
		_ = h.EndForRequest(b.req.Context(), b.key)
		return nil, err
	}
	b.sessions[name] = s
	return s, nil
}

// Memoized reports whether role already has a session in this request.
func (b *Broker) Memoized(role string) bool {
	_, ok := b.sessions[role]
	return ok
}

// Any returns the first already memoized role in preferences, or failing
// that starts the first role that can be started. With no arguments the
// broker's configured preferences are used.
func (b *Broker) Any(preferences ...string) (engine.Session, error) {
	if len(preferences) == 0 {
		preferences = b.preferences
	}
	if len(preferences) == 0 {
		return nil, fmt.Errorf("%w: empty preference order", engine.ErrNoSessionAvailable)
	}

	for _, role := range preferences {
		if s, ok := b.sessions[role]; ok {
			return s, nil
		}
	}

	var errs error
	for _, role := range preferences {
		s, err := b.Get(role)
		if err == nil {
			return s, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", engine.ErrNoSessionAvailable, errs)
}

// Status returns role's lifecycle status within this request.
func (b *Broker) Status(role string) engine.Status {
	return b.tracker.StatusOf(role)
}

// Statuses returns every tracked role's status.
func (b *Broker) Statuses() map[string]engine.Status {
	return b.tracker.Snapshot()
}

// Close ends every role this request started. It runs as the request's
// completion hook; later calls do nothing.
func (b *Broker) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	ctx := context.WithoutCancel(b.req.Context())
	err := b.reg.EndAll(ctx, b.key, b.tracker)
	b.sessions = make(map[string]engine.Session)

	if err != nil {
		b.teardownErr = err
		b.log.Error("request teardown failed", zap.Error(err))
	}
	return err
}

// TeardownErr returns the error from the completion sweep, if any.
func (b *Broker) TeardownErr() error { return b.teardownErr }
