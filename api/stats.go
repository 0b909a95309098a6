package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// GetStats handles GET /api/stats
func (h *Handlers) GetStats(c *gin.Context) {
	var total, live, connected, pending, archived int

	for _, s := range h.server.Manager().Sessions() {
		total++
		info := s.Info()
		if info.Archived {
			archived++
		}
		if s.Active() {
			live++
		}
		connected += s.ClientCount()
		pending += info.PendingRequests
	}

	var decisions int64
	err := db.GetDB().QueryRow(`SELECT COUNT(*) FROM approval_decisions`).Scan(&decisions)
	if err != nil {
		log.Error().Err(err).Msg("failed to count decisions")
		decisions = 0
	}

	schemaVersion, err := db.GetCurrentVersion()
	if err != nil {
		log.Error().Err(err).Msg("failed to read schema version")
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": gin.H{
			"total":    total,
			"live":     live,
			"archived": archived,
		},
		"clients": gin.H{
			"connected": connected,
		},
		"approvals": gin.H{
			"pending":  pending,
			"recorded": decisions,
		},
		"db": gin.H{
			"schemaVersion": schemaVersion,
		},
	})
}
