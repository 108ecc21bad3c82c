package handler

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	logger    *slog.Logger
	db        HealthChecker
	service   string
	startedAt time.Time
	now       func() time.Time
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	startedAt := deps.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return &HealthHandler{
		logger:    deps.Logger,
		db:        deps.DB,
		service:   deps.ServiceName,
		startedAt: startedAt,
		now:       time.Now,
	}
}

// Health handles GET /health. It only proves the process is serving.
func (h *HealthHandler) Health(c *gin.Context) {
	now := h.now()
	uptime := now.Sub(h.startedAt).Seconds()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        h.service,
		"uptime_seconds": math.Round(uptime*1000) / 1000,
		"timestamp":      now.UTC().Format(time.RFC3339Nano),
	})
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Readiness check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
