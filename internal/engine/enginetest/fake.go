// Package enginetest provides in-memory engine.Pool and engine.Session
// implementations that count lifecycle calls.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/sqlbroker/internal/engine"
)

// Session is a fake engine.Session. Query methods are not implemented and
// panic if called.
type Session struct {
	sqlx.ExtContext

	pool *Pool

	mu        sync.Mutex
	rollbacks int
	commits   int
	closes    int
	tag       *engine.RequestTag
}

func (s *Session) DriverName() string { return "fake" }

func (s *Session) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *Session) Rollback(context.Context) error {
	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()
	return s.pool.rollbackErr()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	if err := s.pool.closeErr(); err != nil {
		return err
	}
	s.pool.closePanic()
	return nil
}

func (s *Session) SetTag(tag *engine.RequestTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag
}

func (s *Session) Tag() *engine.RequestTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

// Rollbacks returns how many times Rollback was called.
func (s *Session) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Pool is a fake engine.Pool.
type Pool struct {
	mu sync.Mutex

	// NewSessionErr, RollbackErr and CloseErr are returned by the matching
	// calls when set.
	NewSessionErr error
	RollbackErr   error
	CloseErr      error
	// ClosePanic makes Session.Close panic with this value when set.
	ClosePanic any
	PingErr    error

	sessions []*Session
	closed   int
}

var _ engine.Pool = (*Pool)(nil)

// ErrBackendDown is a convenient connectivity error for tests.
var ErrBackendDown = errors.New("backend unreachable")

func (p *Pool) NewSession(_ context.Context, _ engine.SessionOptions) (engine.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewSessionErr != nil {
		return nil, p.NewSessionErr
	}
	s := &Session{pool: p}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *Pool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

func (p *Pool) DriverName() string { return "fake" }

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// Sessions returns every session the pool has created.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Starts counts sessions reset to baseline, one per StartForRequest.
func (p *Pool) Starts() int {
	n := 0
	for _, s := range p.Sessions() {
		n += s.Rollbacks()
	}
	return n
}

// Ends counts session releases, one per EndForRequest that found a session.
func (p *Pool) Ends() int {
	n := 0
	for _, s := range p.Sessions() {
		n += s.Closes()
	}
	return n
}

// Disposals returns how many times Close was called on the pool.
func (p *Pool) Disposals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) rollbackErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RollbackErr
}

func (p *Pool) closeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseErr
}

func (p *Pool) closePanic() {
	p.mu.Lock()
	v := p.ClosePanic
	p.mu.Unlock()
	if v != nil {
		panic(v)
	}
}
