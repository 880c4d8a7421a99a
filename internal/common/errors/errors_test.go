package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_WrapsCause(t *testing.T) {
	cause := stderrors.New("database is closed")
	err := ServiceUnavailable("database", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "SERVICE_UNAVAILABLE: service 'database' is currently unavailable: database is closed", err.Error())
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatus(fmt.Errorf("ping: %w", err)))
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("note", "7", nil)))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatus(ValidationError("title is required", nil)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(InternalError("boom", nil)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(stderrors.New("plain")))
}
