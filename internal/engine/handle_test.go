package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sqlbroker/internal/engine"
	"github.com/kandev/sqlbroker/internal/engine/enginetest"
)

func TestHandle_ScopedStartResetsAndTags(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeScoped, h.Mode())
	assert.Equal(t, "writer", h.Role())
	assert.Equal(t, "fake", h.DriverName())

	tag := &engine.RequestTag{RequestID: "r1"}
	s, err := h.StartForRequest(context.Background(), "k1", tag)
	require.NoError(t, err)

	assert.Equal(t, 1, pool.Starts())
	assert.Equal(t, "writer", tag.Role)
	assert.False(t, tag.StartedAt.IsZero())
	assert.Same(t, tag, s.Tag())
	assert.Same(t, s, h.Current("k1"))
	assert.Nil(t, h.Current("r1"))

	require.NoError(t, h.EndForRequest(context.Background(), "k1"))
	assert.Equal(t, 1, pool.Ends())
	assert.Nil(t, h.Current("k1"))
}

func TestHandle_SessionsAreOwnedByKeyNotRequestID(t *testing.T) {
	tests := []struct {
		name   string
		scoped bool
	}{
		{name: "scoped", scoped: true},
		{name: "exclusive", scoped: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			pool := &enginetest.Pool{}
			h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: tt.scoped})
			require.NoError(t, err)

			ctx := context.Background()
			a, err := h.StartForRequest(ctx, "key-a", &engine.RequestTag{RequestID: "client-id"})
			require.NoError(t, err)
			b, err := h.StartForRequest(ctx, "key-b", &engine.RequestTag{RequestID: "client-id"})
			require.NoError(t, err)
			assert.NotSame(t, a, b)
			assert.Equal(t, 0, pool.Ends())

			require.NoError(t, h.EndForRequest(ctx, "key-a"))
			assert.Equal(t, 1, pool.Ends())
			assert.Same(t, b, h.Current("key-b"))

			require.NoError(t, h.EndForRequest(ctx, "key-b"))
			assert.Equal(t, 2, pool.Ends())
		})
	}
}

func TestHandle_ScopedSessionIsReentrantWithinScope(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)

	first, err := h.StartForRequest(context.Background(), "r1", &engine.RequestTag{RequestID: "r1"})
	require.NoError(t, err)
	second, err := h.StartForRequest(context.Background(), "r1", &engine.RequestTag{RequestID: "r1"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, pool.Sessions(), 1)
	assert.Equal(t, 2, pool.Starts())
}

func TestHandle_ScopedSessionsAreIndependentAcrossRequests(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := h.StartForRequest(ctx, "a", &engine.RequestTag{RequestID: "a"})
	require.NoError(t, err)
	b, err := h.StartForRequest(ctx, "b", &engine.RequestTag{RequestID: "b"})
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	require.NoError(t, h.EndForRequest(ctx, "a"))
	assert.Nil(t, h.Current("a"))
	assert.Same(t, b, h.Current("b"))
	require.NoError(t, h.EndForRequest(ctx, "b"))
}

func TestHandle_ExclusiveBuildsFreshSessions(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("logger", pool, engine.RegisterOptions{IsScoped: false})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeExclusive, h.Mode())

	ctx := context.Background()
	first, err := h.StartForRequest(ctx, "r1", &engine.RequestTag{RequestID: "r1"})
	require.NoError(t, err)
	second, err := h.StartForRequest(ctx, "r1", &engine.RequestTag{RequestID: "r1"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Len(t, pool.Sessions(), 2)
	// The replaced session is released rather than leaked.
	assert.Equal(t, 1, first.(*enginetest.Session).Closes())

	require.NoError(t, h.EndForRequest(ctx, "r1"))
	assert.Equal(t, 1, second.(*enginetest.Session).Closes())
}

func TestHandle_EndWithoutStartIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)

	require.NoError(t, h.EndForRequest(context.Background(), "never"))
	assert.Equal(t, 0, pool.Ends())
}

func TestHandle_StartFailures(t *testing.T) {
	tests := []struct {
		name      string
		scoped    bool
		pool      *enginetest.Pool
		wantEnds  int
		wantError error
	}{
		{
			name:      "scoped session creation fails",
			scoped:    true,
			pool:      &enginetest.Pool{NewSessionErr: enginetest.ErrBackendDown},
			wantEnds:  0,
			wantError: enginetest.ErrBackendDown,
		},
		{
			name:      "scoped reset fails",
			scoped:    true,
			pool:      &enginetest.Pool{RollbackErr: enginetest.ErrBackendDown},
			wantEnds:  1,
			wantError: enginetest.ErrBackendDown,
		},
		{
			name:      "exclusive reset fails",
			scoped:    false,
			pool:      &enginetest.Pool{RollbackErr: enginetest.ErrBackendDown},
			wantEnds:  1,
			wantError: enginetest.ErrBackendDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			h, err := reg.Register("writer", tt.pool, engine.RegisterOptions{IsScoped: tt.scoped})
			require.NoError(t, err)

			s, err := h.StartForRequest(context.Background(), "r1", &engine.RequestTag{RequestID: "r1"})
			require.Error(t, err)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tt.wantError)
			assert.Contains(t, err.Error(), `"writer"`)
			assert.Equal(t, tt.wantEnds, tt.pool.Ends())
			assert.Nil(t, h.Current("r1"))
		})
	}
}

func TestHandle_CoordinatorJoinFailureReleasesSession(t *testing.T) {
	reg := newTestRegistry(t)
	coord := &recordingCoordinator{err: errors.New("coordinator rejected")}
	reg.SetCoordinator(coord)
	pool := &enginetest.Pool{}

	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true, UseExternalTxCoordinator: true})
	require.NoError(t, err)

	_, err = h.StartForRequest(context.Background(), "r1", &engine.RequestTag{RequestID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordinator rejected")
	assert.Equal(t, 1, pool.Ends())
	assert.Nil(t, h.Current("r1"))
}

func TestHandle_DisposeIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	pool := &enginetest.Pool{}
	h, err := reg.Register("writer", pool, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)

	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())
	assert.Equal(t, 1, pool.Disposals())
	assert.True(t, h.Disposed())

	_, err = h.StartForRequest(context.Background(), "r1", &engine.RequestTag{RequestID: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
	assert.Contains(t, err.Error(), engine.ErrDisposed.Error())
}

func TestHandle_Ping(t *testing.T) {
	reg := newTestRegistry(t)
	h, err := reg.Register("writer", &enginetest.Pool{PingErr: enginetest.ErrBackendDown}, engine.RegisterOptions{IsScoped: true})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Ping(context.Background()), enginetest.ErrBackendDown)
}

func TestTeardownError_UnwrapsEveryFailure(t *testing.T) {
	reg := newTestRegistry(t)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	pools := map[string]*enginetest.Pool{"a": {}, "b": {}}
	for _, role := range []string{"a", "b"} {
		_, err := reg.Register(role, pools[role], engine.RegisterOptions{IsScoped: true})
		require.NoError(t, err)
	}

	ctx := context.Background()
	tracker := engine.NewTracker(reg.Roles()...)
	for _, role := range []string{"a", "b"} {
		h, err := reg.Resolve(role)
		require.NoError(t, err)
		_, err = h.StartForRequest(ctx, "r1", &engine.RequestTag{RequestID: "r1"})
		require.NoError(t, err)
		require.NoError(t, tracker.NoteStarted(role))
	}
	pools["a"].CloseErr = errA
	pools["b"].CloseErr = errB

	err := reg.EndAll(ctx, "r1", tracker)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, `teardown failed for a: failed to release engine "a": a failed; b: failed to release engine "b": b failed`, err.Error())
}
