package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jstittsworth/wagering-core/pkg/database"
)

// HealthHandler serves liveness/readiness probes, grounded on the
// teacher's internal/api/handlers/health.go.
type HealthHandler struct {
	db *database.DB
}

func NewHealthHandler(db *database.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// GetHealth always returns 200 while the process is running.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "wagering-core",
	})
}

// GetReady returns 200 only when the database is reachable.
func (h *HealthHandler) GetReady(c *gin.Context) {
	sqlDB, err := h.db.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
