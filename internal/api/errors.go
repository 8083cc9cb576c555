package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/engine"
	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/store"
)

// statusFor maps control surface errors to HTTP status codes. Classified
// provider failures surface as 502.
func statusFor(err error) int {
	var ce *connector.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, jobs.ErrJobRunning),
		errors.Is(err, jobs.ErrInvalidPhase),
		errors.Is(err, jobs.ErrAccountInUse),
		errors.Is(err, engine.ErrAlreadyActive),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidInput),
		errors.Is(err, jobs.ErrSameAccount),
		errors.Is(err, jobs.ErrAccountUnusable),
		errors.Is(err, jobs.ErrDataTypeDisabled),
		errors.Is(err, connector.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrPoolSaturated),
		errors.Is(err, engine.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
