package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers all API routes on the Gin router
func SetupRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")
	{
		// Session CRUD
		api.GET("/sessions", h.ListSessions)
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.PATCH("/sessions/:id", h.UpdateSession)
		api.DELETE("/sessions/:id", h.DeleteSession)

		// Live process lifecycle
		api.POST("/sessions/:id/activate", h.ActivateSession)
		api.POST("/sessions/:id/deactivate", h.DeactivateSession)
		api.POST("/sessions/:id/messages", h.SendMessage)
		api.POST("/sessions/:id/interrupt", h.InterruptSession)

		// Approval flow (HTTP fallback; the WebSocket is the primary path)
		api.POST("/sessions/:id/requests/:requestId/decision", h.DecideRequest)
		api.POST("/sessions/:id/requests/:requestId/answer", h.AnswerRequest)

		// Transcript projections
		api.GET("/sessions/:id/transcript", h.GetTranscript)
		api.GET("/sessions/:id/markdown", h.GetMarkdown)
		api.GET("/sessions/:id/export", h.ExportSession)
		api.POST("/sessions/:id/title/generate", h.GenerateTitle)

		// WebSocket streams (own prefix so gzip can skip them)
		api.GET("/ws/sessions", h.SessionListStream)
		api.GET("/ws/sessions/:id", h.SessionStream)

		// Search
		api.GET("/search", h.Search)

		// Stats
		api.GET("/stats", h.GetStats)

		// Transcript import (resumable uploads)
		api.POST("/import/finalize", h.FinalizeImport)
		api.Any("/import/tus/*path", h.TUSHandler)
	}
}
