package broker

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kandev/sqlbroker/internal/common/httpmw"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/engine"
)

const (
	scopeKey    = "sqlbroker.scope"
	registryKey = "sqlbroker.registry"
	optionsKey  = "sqlbroker.options"
)

// DefaultPathExcludes matches static asset and debug paths that never need
// a database.
const DefaultPathExcludes = "^/(img|_debug|js|css)"

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// PathExcludes is matched against the request path; matching requests
	// get no scope. Empty disables exclusion.
	PathExcludes *regexp.Regexp
	Preferences  []string
}

// Middleware opens a request scope for every non-excluded request and
// finishes it after the handler chain returns, including on abort and
// panic. Brokers are created lazily by FromGin.
func Middleware(reg *engine.Registry, log *logger.Logger, cfg MiddlewareConfig) gin.HandlerFunc {
	var opts []Option
	if cfg.Preferences != nil {
		opts = append(opts, WithPreferences(cfg.Preferences...))
	}
	opts = append(opts, WithLogger(log))

	return func(c *gin.Context) {
		if cfg.PathExcludes != nil && cfg.PathExcludes.MatchString(c.Request.URL.Path) {
			c.Next()
			return
		}

		scope := NewScopeWithID(c.Request.Context(), requestID(c), log)
		c.Request = c.Request.WithContext(scope.Context())
		c.Set(scopeKey, scope)
		c.Set(registryKey, reg)
		c.Set(optionsKey, opts)

		defer func() {
			scope.Finish()
			if b := scope.attached(); b != nil {
				if err := b.TeardownErr(); err != nil {
					_ = c.Error(err)
				}
			}
		}()
		c.Next()
	}
}

// requestID reuses an id set by earlier middleware, or a client supplied
// X-Request-ID header, before minting a new one.
func requestID(c *gin.Context) string {
	if id := c.GetString(httpmw.RequestIDKey); id != "" {
		return id
	}
	if id := c.GetHeader(httpmw.RequestIDHeader); id != "" {
		return id
	}
	return uuid.New().String()
}

// FromGin returns the request's broker, creating it on first use. It returns
// nil for requests that bypassed Middleware.
func FromGin(c *gin.Context) *Broker {
	v, ok := c.Get(scopeKey)
	if !ok {
		return nil
	}
	scope := v.(*Scope)
	if b := scope.attached(); b != nil {
		return b
	}
	reg := c.MustGet(registryKey).(*engine.Registry)
	opts, _ := c.Get(optionsKey)
	return New(scope, reg, opts.([]Option)...)
}

// ScopeFromGin returns the request scope, or nil outside Middleware.
func ScopeFromGin(c *gin.Context) *Scope {
	v, ok := c.Get(scopeKey)
	if !ok {
		return nil
	}
	return v.(*Scope)
}
