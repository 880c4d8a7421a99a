package engine

import (
	"context"
	"fmt"
	"sync"
)

// Mode selects how an engine hands out sessions.
type Mode int

const (
	// ModeScoped keeps one re-entrant session per request scope.
	ModeScoped Mode = iota
	// ModeExclusive builds a fresh session on every start.
	ModeExclusive
)

func (m Mode) String() string {
	if m == ModeExclusive {
		return "exclusive"
	}
	return "scoped"
}

// MarshalText renders the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// sessionMode is resolved once at registration so that Handle never branches
// on the mode itself.
type sessionMode interface {
	start(ctx context.Context, key string) (Session, error)
	end(key string) error
	current(key string) Session
	kind() Mode
}

func newSessionMode(scoped bool, pool Pool, opts SessionOptions) sessionMode {
	if scoped {
		return &scopedMode{pool: pool, opts: opts, sessions: make(map[string]Session)}
	}
	return &exclusiveMode{pool: pool, opts: opts, sessions: make(map[string]Session)}
}

type scopedMode struct {
	pool Pool
	opts SessionOptions

	mu       sync.Mutex
	sessions map[string]Session
}

func (m *scopedMode) start(ctx context.Context, key string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()

	if !ok {
		var err error
		s, err = m.pool.NewSession(ctx, m.opts)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if existing, raced := m.sessions[key]; raced {
			m.mu.Unlock()
			_ = s.Close()
			s = existing
		} else {
			m.sessions[key] = s
			m.mu.Unlock()
		}
	}

	if err := s.Rollback(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset scoped session: %w", err)
	}
	return s, nil
}

// end drops the scope association. The pool itself stays open.
func (m *scopedMode) end(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

func (m *scopedMode) current(key string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *scopedMode) kind() Mode { return ModeScoped }

type exclusiveMode struct {
	pool Pool
	opts SessionOptions

	mu       sync.Mutex
	sessions map[string]Session
}

func (m *exclusiveMode) start(ctx context.Context, key string) (Session, error) {
	s, err := m.pool.NewSession(ctx, m.opts)
	if err != nil {
		return nil, err
	}
	if err := s.Rollback(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to reset session: %w", err)
	}

	m.mu.Lock()
	prev := m.sessions[key]
	m.sessions[key] = s
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return s, nil
}

func (m *exclusiveMode) end(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

func (m *exclusiveMode) current(key string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *exclusiveMode) kind() Mode { return ModeExclusive }
