package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/common/logger"
)

// Request is the host request as seen by the broker.
type Request interface {
	ID() string
	Context() context.Context
	// RegisterCompletionHook adds fn to run exactly once when the request
	// finishes, on every exit path. Hooks are keyed by name since funcs
	// cannot be compared. A hook registered after the request finished runs
	// immediately.
	RegisterCompletionHook(name string, fn func())
	HasCompletionHook(name string) bool
	// AttachBroker stores b as the request's broker unless one is already
	// attached, and returns the attached broker.
	AttachBroker(b *Broker) *Broker
}

type hook struct {
	name string
	fn   func()
}

// Scope is a Request for one inbound HTTP request, or any other unit of
// work with a clear end. Finish must be called on every exit path.
type Scope struct {
	id  string
	ctx context.Context
	log *logger.Logger

	mu       sync.Mutex
	hooks    []hook
	broker   *Broker
	finished bool
	once     sync.Once
}

var _ Request = (*Scope)(nil)

// NewScope returns a scope with a fresh request id.
func NewScope(ctx context.Context, log *logger.Logger) *Scope {
	return NewScopeWithID(ctx, uuid.New().String(), log)
}

// NewScopeWithID returns a scope using the caller's request id.
func NewScopeWithID(ctx context.Context, id string, log *logger.Logger) *Scope {
	if log == nil {
		log = logger.Default()
	}
	return &Scope{
		id:  id,
		ctx: logger.ContextWithRequestID(ctx, id),
		log: log.WithRequestID(id),
	}
}

func (s *Scope) ID() string { return s.id }

func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) RegisterCompletionHook(name string, fn func()) {
	h := hook{name: name, fn: fn}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	finished := s.finished
	s.mu.Unlock()

	if finished {
		s.log.Warn("completion hook registered after request finished, running it now",
			zap.String("hook", name))
		s.runHook(h)
	}
}

func (s *Scope) HasCompletionHook(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hooks {
		if h.name == name {
			return true
		}
	}
	return false
}

// Finish runs every registered hook once, in registration order. A
// panicking hook is logged and does not stop the hooks after it.
func (s *Scope) Finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.finished = true
		hooks := make([]hook, len(s.hooks))
		copy(hooks, s.hooks)
		s.mu.Unlock()

		for _, h := range hooks {
			s.runHook(h)
		}
	})
}

func (s *Scope) runHook(h hook) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("completion hook panicked",
				zap.String("hook", h.name),
				zap.String("panic", fmt.Sprint(p)))
		}
	}()
	h.fn()
}

func (s *Scope) AttachBroker(b *Broker) *Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broker == nil {
		s.broker = b
	}
	return s.broker
}

func (s *Scope) attached() *Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}
