package notes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/broker"
	apperrors "github.com/kandev/sqlbroker/internal/common/errors"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/engine"
)

type Handlers struct {
	reg    *engine.Registry
	logger *logger.Logger
}

type createNoteRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func NewHandlers(reg *engine.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		reg:    reg,
		logger: log.WithFields(zap.String("component", "notes-handlers")),
	}
}

// RegisterRoutes mounts the notes API and the health check. The router must
// already run broker.Middleware.
func RegisterRoutes(router *gin.Engine, reg *engine.Registry, log *logger.Logger) *Handlers {
	h := NewHandlers(reg, log)
	router.GET("/healthz", h.httpHealth)
	router.GET("/notes", h.httpListNotes)
	router.GET("/notes/:id", h.httpGetNote)
	router.GET("/notes/:id/audit", h.httpGetAudit)
	router.POST("/notes", h.httpCreateNote)
	return h
}

func (h *Handlers) repository(c *gin.Context) (*Repository, bool) {
	b := broker.FromGin(c)
	if b == nil {
		h.handleError(c, apperrors.InternalError("request has no session broker", nil))
		return nil, false
	}
	return NewRepository(b, h.logger.WithContext(c.Request.Context())), true
}

func (h *Handlers) httpHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.reg.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engines": h.reg.Roles()})
}

func (h *Handlers) httpListNotes(c *gin.Context) {
	repo, ok := h.repository(c)
	if !ok {
		return
	}
	notes, err := repo.List(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes, "total": len(notes)})
}

func (h *Handlers) httpGetNote(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.handleError(c, apperrors.ValidationError("invalid note id", err))
		return
	}
	repo, ok := h.repository(c)
	if !ok {
		return
	}
	note, err := repo.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *Handlers) httpGetAudit(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.handleError(c, apperrors.ValidationError("invalid note id", err))
		return
	}
	repo, ok := h.repository(c)
	if !ok {
		return
	}
	entries, err := repo.Audit(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handlers) httpCreateNote(c *gin.Context) {
	var body createNoteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.handleError(c, apperrors.ValidationError("invalid request body", err))
		return
	}
	repo, ok := h.repository(c)
	if !ok {
		return
	}
	note, err := repo.Create(c.Request.Context(), body.Title, body.Body)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *Handlers) handleError(c *gin.Context, err error) {
	appErr := toAppError(c, err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func toAppError(c *gin.Context, err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return apperrors.NotFound("note", c.Param("id"), err)
	case errors.Is(err, ErrInvalidNote):
		return apperrors.ValidationError(err.Error(), err)
	case errors.Is(err, engine.ErrConfiguration), errors.Is(err, engine.ErrNoSessionAvailable):
		return apperrors.ServiceUnavailable("database", err)
	default:
		return apperrors.InternalError("request failed", err)
	}
}
