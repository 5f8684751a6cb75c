package http

import (
	"context"
	"net/http"
	"time"

	"peercall/internal/infrastructure/monitoring"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RelayEndpoint is the websocket side of the relay
type RelayEndpoint interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	PartyCount() int
}

type RelayHandler struct {
	relay   RelayEndpoint
	health  *monitoring.HealthChecker
	started time.Time
}

func NewRelayHandler(relay RelayEndpoint, health *monitoring.HealthChecker) *RelayHandler {
	return &RelayHandler{
		relay:   relay,
		health:  health,
		started: time.Now(),
	}
}

// SetupRoutes registers /ws, /health and /ready. Upgrade middleware such as a rate
// limiter runs before the websocket handshake only.
func (h *RelayHandler) SetupRoutes(router *gin.Engine, upgrade ...gin.HandlerFunc) {
	ws := append(append([]gin.HandlerFunc{}, upgrade...), h.Connect)
	router.GET("/ws", ws...)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RelayHandler) Connect(c *gin.Context) {
	h.relay.HandleWebSocket(c.Writer, c.Request)
}

func (h *RelayHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	if status.Status != monitoring.StatusHealthy {
		appErr := errors.NewServiceUnavailableError("relay unhealthy")
		for name, result := range status.Checks {
			appErr.WithContext(name, result)
		}
		_ = c.Error(appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status.Status,
		"timestamp": status.Timestamp,
		"uptime":    time.Since(h.started).String(),
		"parties":   h.relay.PartyCount(),
		"checks":    status.Checks,
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if !h.health.IsReady(ctx) {
		_ = c.Error(errors.NewServiceUnavailableError("relay not ready"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
