package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/common/logger"
)

// Handle owns one connection pool and the session factory for one role.
type Handle struct {
	role        string
	pool        Pool
	mode        sessionMode
	options     RegisterOptions
	coordinator TxCoordinator
	tracer      trace.Tracer
	log         *logger.Logger

	disposed atomic.Bool
}

// Role returns the role name this handle is registered under.
func (h *Handle) Role() string { return h.role }

// Mode returns the session mode chosen at registration.
func (h *Handle) Mode() Mode { return h.mode.kind() }

// Options returns the registration options, with session defaults applied.
func (h *Handle) Options() RegisterOptions { return h.options }

// DriverName returns the pool's database driver.
func (h *Handle) DriverName() string { return h.pool.DriverName() }

// Disposed reports whether Dispose has been called.
func (h *Handle) Disposed() bool { return h.disposed.Load() }

// StartForRequest activates the session held under key and resets it to a
// clean baseline. key identifies the owning request to the handle and must
// be private to that request's owner; tag is attached to the session for
// diagnostics only. Callers are responsible for calling it at most once per
// request.
func (h *Handle) StartForRequest(ctx context.Context, key string, tag *RequestTag) (Session, error) {
	if h.disposed.Load() {
		return nil, &ConfigError{Role: h.role, Reason: ErrDisposed.Error()}
	}

	ctx, span := h.tracer.Start(ctx, "engine.start", trace.WithAttributes(
		attribute.String("db.role", h.role),
		attribute.String("db.session_mode", h.mode.kind().String()),
		attribute.String("db.system", h.pool.DriverName()),
	))
	defer span.End()

	s, err := h.mode.start(ctx, key)
	if err == nil && h.coordinator != nil {
		if joinErr := h.coordinator.Join(ctx, h.role, s); joinErr != nil {
			err = fmt.Errorf("failed to join external transaction: %w", joinErr)
		}
	}
	if err != nil {
		// Release whatever the partial start left behind; the tracker will
		// never mark this role started, so no later end call will arrive.
		_ = h.mode.end(key)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to start engine %q: %w", h.role, err)
	}

	if tag == nil {
		tag = &RequestTag{}
	}
	if tag.StartedAt.IsZero() {
		tag.StartedAt = time.Now()
	}
	tag.Role = h.role
	s.SetTag(tag)

	h.log.Debug("engine started for request",
		zap.String("role", h.role),
		zap.String("request_id", tag.RequestID),
		zap.Stringer("mode", h.mode.kind()))
	return s, nil
}

// EndForRequest releases the session held under key back to the pool. It is
// best effort: releasing an already released session is not an error.
func (h *Handle) EndForRequest(ctx context.Context, key string) error {
	_, span := h.tracer.Start(ctx, "engine.end", trace.WithAttributes(
		attribute.String("db.role", h.role),
	))
	defer span.End()

	fields := []zap.Field{zap.String("role", h.role)}
	if s := h.mode.current(key); s != nil && s.Tag() != nil {
		fields = append(fields, zap.String("request_id", s.Tag().RequestID))
	}
	if err := h.mode.end(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to release engine %q: %w", h.role, err)
	}
	h.log.Debug("engine ended for request", fields...)
	return nil
}

// Current returns the session held under key, if any.
func (h *Handle) Current(key string) Session {
	return h.mode.current(key)
}

// Ping checks the pool's connectivity.
func (h *Handle) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

// Dispose closes the whole pool. It is never called per request; after a
// fork the role must be registered again before use.
func (h *Handle) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Info("disposing engine", zap.String("role", h.role))
	if err := h.pool.Close(); err != nil {
		return fmt.Errorf("failed to dispose engine %q: %w", h.role, err)
	}
	return nil
}
