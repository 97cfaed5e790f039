package status

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves run progress
type Handler struct {
	tracker *Tracker
	service string
}

// NewHandler creates a new Handler instance
func NewHandler(tracker *Tracker, service string) *Handler {
	return &Handler{
		tracker: tracker,
		service: service,
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// GetStatus handles GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Progress())
}
