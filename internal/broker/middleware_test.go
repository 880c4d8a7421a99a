package broker_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sqlbroker/internal/broker"
	"github.com/kandev/sqlbroker/internal/common/httpmw"
	"github.com/kandev/sqlbroker/internal/engine"
)

func newRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, _ any) {
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	r.Use(httpmw.RequestID())
	r.Use(broker.Middleware(f.reg, f.log, broker.MiddlewareConfig{
		PathExcludes: regexp.MustCompile(broker.DefaultPathExcludes),
	}))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestMiddleware_TearsDownAfterHandler(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := newRouter(f)

	var b *broker.Broker
	r.GET("/notes", func(c *gin.Context) {
		b = broker.FromGin(c)
		require.NotNil(t, b)
		assert.Same(t, b, broker.FromGin(c))
		assert.Equal(t, c.GetString(httpmw.RequestIDKey), b.RequestID())

		if _, err := b.Any(); err != nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusOK)
	})

	w := serve(r, http.MethodGet, "/notes")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.pools[broker.RoleReader].Ends())
	assert.Equal(t, 0, f.pools[broker.RoleWriter].Starts())
	assert.Equal(t, engine.StatusEnded, b.Status(broker.RoleReader))
}

func TestMiddleware_TearsDownOnPanic(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := newRouter(f)
	r.POST("/notes", func(c *gin.Context) {
		if _, err := broker.FromGin(c).Writer(); err != nil {
			t.Fatalf("writer: %v", err)
		}
		panic("handler exploded")
	})

	w := serve(r, http.MethodPost, "/notes")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, f.pools[broker.RoleWriter].Starts())
	assert.Equal(t, 1, f.pools[broker.RoleWriter].Ends())
}

func TestMiddleware_TearsDownOnAbort(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := newRouter(f)
	r.GET("/guarded", func(c *gin.Context) {
		_, _ = broker.FromGin(c).Logger()
		c.AbortWithStatus(http.StatusForbidden)
	}, func(c *gin.Context) {
		t.Fatal("aborted chain must not continue")
	})

	w := serve(r, http.MethodGet, "/guarded")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, f.pools[broker.RoleLogger].Ends())
}

func TestMiddleware_UnusedBrokerIsNeverBuilt(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := newRouter(f)
	var scope *broker.Scope
	r.GET("/healthz", func(c *gin.Context) {
		scope = broker.ScopeFromGin(c)
		c.Status(http.StatusOK)
	})

	serve(r, http.MethodGet, "/healthz")
	require.NotNil(t, scope)
	assert.False(t, scope.HasCompletionHook("sqlbroker.cleanup"))
	for role, p := range f.pools {
		assert.Empty(t, p.Sessions(), role)
	}
}

func TestMiddleware_ExcludedPathsGetNoScope(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := newRouter(f)
	var got *broker.Broker
	r.GET("/css/site.css", func(c *gin.Context) {
		got = broker.FromGin(c)
		c.Status(http.StatusOK)
	})

	w := serve(r, http.MethodGet, "/css/site.css")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, got)
	assert.Nil(t, broker.FromGin(&gin.Context{}))
}

func TestMiddleware_TeardownErrorsAttachedToContext(t *testing.T) {
	f := newFixture(t, allRoles()...)
	f.pools[broker.RoleWriter].CloseErr = errors.New("flush failed")

	var errs []string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		errs = c.Errors.Errors()
	})
	r.Use(broker.Middleware(f.reg, f.log, broker.MiddlewareConfig{}))
	r.GET("/x", func(c *gin.Context) {
		_, _ = broker.FromGin(c).Writer()
		c.Status(http.StatusOK)
	})

	serve(r, http.MethodGet, "/x")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "flush failed")
}

func TestDebugHandler(t *testing.T) {
	f := newFixture(t, allRoles()...)
	r := gin.New()
	r.Use(broker.Middleware(f.reg, f.log, broker.MiddlewareConfig{}))
	r.GET("/_debug/sqlbroker", func(c *gin.Context) {
		_, _ = broker.FromGin(c).Reader()
		c.Next()
	}, broker.DebugHandler(f.reg))

	w := serve(r, http.MethodGet, "/_debug/sqlbroker")
	require.Equal(t, http.StatusOK, w.Code)

	var report struct {
		Engines []struct {
			Role       string `json:"role"`
			Mode       string `json:"mode"`
			Default    bool   `json:"default"`
			ReadOnly   bool   `json:"read_only"`
			Autocommit bool   `json:"autocommit"`
		} `json:"engines"`
		Request map[string]string `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.Engines, 3)

	byRole := make(map[string]int)
	for i, e := range report.Engines {
		byRole[e.Role] = i
	}
	reader := report.Engines[byRole[broker.RoleReader]]
	assert.True(t, reader.ReadOnly)
	assert.True(t, reader.Autocommit)
	assert.Equal(t, "scoped", reader.Mode)
	assert.True(t, report.Engines[byRole[broker.RoleWriter]].Default)
	assert.Equal(t, "exclusive", report.Engines[byRole[broker.RoleLogger]].Mode)

	assert.Equal(t, "STARTED", report.Request[broker.RoleReader])
	assert.Equal(t, "NOT_STARTED", report.Request[broker.RoleWriter])
}
