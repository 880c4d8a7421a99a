package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sqlbroker/internal/engine"
)

// EngineInfo describes one registered engine for the diagnostics panel.
type EngineInfo struct {
	Role       string      `json:"role"`
	Driver     string      `json:"driver"`
	Mode       engine.Mode `json:"mode"`
	Default    bool        `json:"default"`
	Disposed   bool        `json:"disposed"`
	ReadOnly   bool        `json:"read_only"`
	Autocommit bool        `json:"autocommit"`
	ExternalTx bool        `json:"external_tx"`
}

// DebugReport is the diagnostics panel payload.
type DebugReport struct {
	Engines []EngineInfo `json:"engines"`
	// Request holds the inspecting request's own tracker, when it has one.
	Request map[string]engine.Status `json:"request,omitempty"`
}

// Describe lists every registered engine.
func Describe(reg *engine.Registry) []EngineInfo {
	def, _ := reg.Default()
	roles := reg.Roles()
	out := make([]EngineInfo, 0, len(roles))
	for _, role := range roles {
		h, err := reg.Resolve(role)
		if err != nil {
			continue
		}
		opts := h.Options()
		info := EngineInfo{
			Role:       role,
			Driver:     h.DriverName(),
			Mode:       h.Mode(),
			Default:    role == def,
			Disposed:   h.Disposed(),
			ExternalTx: opts.UseExternalTxCoordinator,
		}
		if opts.Session != nil {
			info.ReadOnly = opts.Session.ReadOnly
			info.Autocommit = opts.Session.Autocommit
		}
		out = append(out, info)
	}
	return out
}

// DebugHandler serves the engine registry and, when the request itself runs
// under Middleware, its broker's role statuses.
func DebugHandler(reg *engine.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := DebugReport{Engines: Describe(reg)}
		if scope := ScopeFromGin(c); scope != nil {
			if b := scope.attached(); b != nil {
				report.Request = b.Statuses()
			}
		}
		c.JSON(http.StatusOK, report)
	}
}
