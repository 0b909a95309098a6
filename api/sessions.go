package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
	"github.com/xiaoyuanzhu-com/claude-console/workers/autotitle"
)

// SessionDetail is the full session payload: metadata plus the grouped,
// correlation-resolved transcript.
type SessionDetail struct {
	Session claude.SessionInfo    `json:"session"`
	Items   []transcript.ViewItem `json:"items"`
}

// ListSessions handles GET /api/sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	status := c.DefaultQuery("status", "active")

	page := h.server.Manager().ListSessions(c.Query("cursor"), limit, status)

	pagination := &Pagination{
		HasMore: page.HasMore,
		Total:   &page.TotalCount,
	}
	if page.NextCursor != "" {
		pagination.NextCursor = &page.NextCursor
	}
	RespondList(c, page.Sessions, pagination)
}

// CreateSession handles POST /api/sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var body struct {
		WorkingDir     string `json:"workingDir"`
		PermissionMode string `json:"permissionMode"`
		Model          string `json:"model"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	session, err := h.server.Manager().CreateSession(body.WorkingDir, body.PermissionMode, body.Model)
	if err != nil {
		if errors.Is(err, claude.ErrTooManyLiveSessions) {
			RespondTooManyRequests(c, "Too many live sessions")
			return
		}
		log.Error().Err(err).Msg("failed to create session")
		RespondInternalError(c, "Failed to create session")
		return
	}

	RespondCreated(c, session.Info(), "/api/sessions/"+session.ID)
}

// GetSession handles GET /api/sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	items, err := session.View()
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to build transcript view")
		RespondInternalError(c, "Failed to build transcript")
		return
	}

	RespondData(c, SessionDetail{Session: session.Info(), Items: items})
}

// GetTranscript handles GET /api/sessions/:id/transcript
func (h *Handlers) GetTranscript(c *gin.Context) {
	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	items, err := session.View()
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to build transcript view")
		RespondInternalError(c, "Failed to build transcript")
		return
	}

	RespondList(c, items, nil)
}

// GetMarkdown handles GET /api/sessions/:id/markdown
func (h *Handlers) GetMarkdown(c *gin.Context) {
	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	c.Data(200, "text/markdown; charset=utf-8", []byte(session.Markdown()))
}

// UpdateSession handles PATCH /api/sessions/:id
// Pointer fields distinguish "not provided" from zero values.
func (h *Handlers) UpdateSession(c *gin.Context) {
	var body struct {
		CustomTitle    *string `json:"customTitle"`
		Archived       *bool   `json:"archived"`
		PermissionMode *string `json:"permissionMode"`
		LastReadCount  *int    `json:"lastReadCount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	if body.CustomTitle != nil {
		if err := session.SetCustomTitle(*body.CustomTitle); err != nil {
			RespondInternalError(c, "Failed to update title")
			return
		}
	}
	if body.Archived != nil {
		if err := session.SetArchived(*body.Archived); err != nil {
			RespondInternalError(c, "Failed to update archive state")
			return
		}
	}
	if body.PermissionMode != nil {
		if err := session.SetPermissionMode(c.Request.Context(), *body.PermissionMode); err != nil {
			RespondInternalError(c, "Failed to update permission mode")
			return
		}
	}
	if body.LastReadCount != nil {
		if err := session.MarkRead(*body.LastReadCount); err != nil {
			RespondInternalError(c, "Failed to update read position")
			return
		}
	}

	RespondData(c, session.Info())
}

// GenerateTitle handles POST /api/sessions/:id/title/generate
// Produces a fresh LLM title, replacing any existing custom title.
func (h *Handlers) GenerateTitle(c *gin.Context) {
	sessionID := c.Param("id")

	title, err := h.server.TitleWorker().GenerateNow(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, claude.ErrSessionNotFound):
			RespondNotFound(c, "Session not found")
		case errors.Is(err, autotitle.ErrDisabled):
			RespondServiceUnavailable(c, "Title generation is not configured")
		case errors.Is(err, autotitle.ErrNoContent):
			RespondBadRequest(c, "Session has no content to title")
		default:
			log.Error().Err(err).Str("sessionId", sessionID).Msg("title generation failed")
			RespondInternalError(c, "Failed to generate title")
		}
		return
	}

	RespondData(c, gin.H{"sessionId": sessionID, "title": title})
}

// DeleteSession handles DELETE /api/sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.server.Manager().DeleteSession(c.Param("id")); err != nil {
		if errors.Is(err, claude.ErrSessionNotFound) {
			RespondNotFound(c, "Session not found")
			return
		}
		RespondInternalError(c, "Failed to delete session")
		return
	}
	RespondNoContent(c)
}

// ActivateSession handles POST /api/sessions/:id/activate
// Spawns a CLI process resuming the session's transcript.
func (h *Handlers) ActivateSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.server.Manager().ActivateSession(sessionID); err != nil {
		switch {
		case errors.Is(err, claude.ErrSessionNotFound):
			RespondNotFound(c, "Session not found")
		case errors.Is(err, claude.ErrTooManyLiveSessions):
			RespondTooManyRequests(c, "Too many live sessions")
		default:
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to activate session")
			RespondInternalError(c, "Failed to activate session")
		}
		return
	}

	session, err := h.server.Manager().GetSession(sessionID)
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}
	RespondData(c, session.Info())
}

// DeactivateSession handles POST /api/sessions/:id/deactivate
// Stops the CLI process; the transcript stays listed.
func (h *Handlers) DeactivateSession(c *gin.Context) {
	if err := h.server.Manager().DeactivateSession(c.Param("id")); err != nil {
		if errors.Is(err, claude.ErrSessionNotFound) {
			RespondNotFound(c, "Session not found")
			return
		}
		RespondInternalError(c, "Failed to deactivate session")
		return
	}
	RespondNoContent(c)
}

// SendMessage handles POST /api/sessions/:id/messages
// HTTP alternative to the WebSocket user_message frame.
func (h *Handlers) SendMessage(c *gin.Context) {
	var body struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request: "+err.Error())
		return
	}

	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	if err := session.SendUserMessage(c.Request.Context(), body.Content); err != nil {
		if errors.Is(err, claude.ErrTooManyLiveSessions) {
			RespondTooManyRequests(c, "Too many live sessions")
			return
		}
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to send message")
		RespondInternalError(c, "Failed to send message")
		return
	}

	RespondData(c, gin.H{"sessionId": session.ID, "status": "sent"})
}

// InterruptSession handles POST /api/sessions/:id/interrupt
func (h *Handlers) InterruptSession(c *gin.Context) {
	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	if err := session.Interrupt(c.Request.Context()); err != nil {
		if errors.Is(err, claude.ErrNotActive) {
			RespondConflict(c, "Session has no active run")
			return
		}
		RespondInternalError(c, "Failed to interrupt session")
		return
	}
	RespondNoContent(c)
}

// DecideRequest handles POST /api/sessions/:id/requests/:requestId/decision
// HTTP alternative to the WebSocket permission_decision frame. A request that
// is already terminal stays unchanged; the response reflects the applied state.
func (h *Handlers) DecideRequest(c *gin.Context) {
	var body struct {
		Allow    bool `json:"allow"`
		Remember bool `json:"remember"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	requestID := c.Param("requestId")
	if err := session.DecidePermission(requestID, body.Allow, body.Remember, transcript.OriginLocal); err != nil {
		RespondNotFound(c, "Unknown request")
		return
	}
	RespondNoContent(c)
}

// AnswerRequest handles POST /api/sessions/:id/requests/:requestId/answer
// Submits a free-text or question-form response.
func (h *Handlers) AnswerRequest(c *gin.Context) {
	var body struct {
		Selected map[int][]string `json:"selected"`
		FreeText string           `json:"freeText"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	requestID := c.Param("requestId")
	sel := transcript.AnswerSelection{Selected: body.Selected, FreeText: body.FreeText}
	if err := session.SubmitAnswers(requestID, sel); err != nil {
		RespondNotFound(c, "Unknown request")
		return
	}
	RespondNoContent(c)
}
