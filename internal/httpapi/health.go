package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 3 * time.Second

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Engines   int               `json:"engines"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC(), Engines: s.registry.Len()})
}

// handleLive only reports that the process serves requests.
func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "alive", Timestamp: time.Now().UTC(), Engines: s.registry.Len()})
}

// handleReady reports 503 until storage answers a ping.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	res := HealthResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Engines:   s.registry.Len(),
		Checks:    map[string]string{"database": "ok"},
	}
	status := http.StatusOK
	if err := s.catalog.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "readiness check failed", slog.String("check", "database"), slog.Any("error", err))
		res.Status = "not_ready"
		res.Checks["database"] = "error"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}
