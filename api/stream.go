package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
)

// streamFrame is one inbound WebSocket message from a connected client.
// Type selects which fields apply.
type streamFrame struct {
	Type string `json:"type"`

	// user_message
	Content string `json:"content,omitempty"`

	// permission_decision / input_response / question_response
	RequestID string           `json:"requestId,omitempty"`
	Allow     bool             `json:"allow,omitempty"`
	Remember  bool             `json:"remember,omitempty"`
	Text      string           `json:"text,omitempty"`
	Selected  map[int][]string `json:"selected,omitempty"`
	FreeText  string           `json:"freeText,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// mark_read
	Count int `json:"count,omitempty"`
}

// SessionStream handles GET /api/ws/sessions/:id.
//
// Outbound frames are produced by the session (snapshot on connect, then
// transcript / status / elapsed updates); inbound frames carry user actions.
// Decisions arriving here are local in origin; other clients observe them
// through the rebroadcast transcript.
func (h *Handlers) SessionStream(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.server.Manager().GetSession(sessionID)
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	// Gin wraps the response writer; WebSocket needs the raw one for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host console; no cross-origin surface
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Abort Gin context to prevent middleware from writing headers on the
	// hijacked connection
	log.MarkHijacked(c)
	c.Abort()

	// The request context does not cancel when the WebSocket closes, so make
	// our own and also tie it to server shutdown.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-h.server.ShutdownContext().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	client := &claude.Client{
		Conn: conn,
		Send: make(chan []byte, 256),
	}
	session.AddClient(client)
	defer session.RemoveClient(client)

	// Session → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-client.Send:
				if !ok {
					return // channel closed
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	// Periodic pings keep the connection alive through proxies
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("WebSocket ping failed")
					return
				}
			}
		}
	}()

	// WebSocket → session
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			// Normal closures (page refresh, navigation, switching sessions)
			// → DEBUG; unexpected errors → INFO
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Str("sessionId", sessionID).Int("closeStatus", int(closeStatus)).Msg("session WebSocket closed normally")
			} else {
				log.Info().Err(err).Str("sessionId", sessionID).Msg("session WebSocket read error")
			}
			cancel()
			break
		}

		if msgType != websocket.MessageText {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Debug().Err(err).Msg("failed to parse stream frame")
			continue
		}

		if err := h.dispatchFrame(ctx, session, frame); err != nil {
			log.Debug().
				Err(err).
				Str("sessionId", sessionID).
				Str("type", frame.Type).
				Msg("stream frame rejected")
			sendError(client, frame.Type, err)
		}
	}

	<-sendDone
	<-pingDone
}

// dispatchFrame routes one inbound frame to the session operation it names.
func (h *Handlers) dispatchFrame(ctx context.Context, session *claude.Session, frame streamFrame) error {
	switch frame.Type {
	case "user_message":
		return session.SendUserMessage(ctx, frame.Content)

	case "permission_decision":
		return session.DecidePermission(frame.RequestID, frame.Allow, frame.Remember, transcript.OriginLocal)

	case "input_response":
		return session.SubmitInput(frame.RequestID, frame.Text)

	case "question_response":
		sel := transcript.AnswerSelection{Selected: frame.Selected, FreeText: frame.FreeText}
		return session.SubmitAnswers(frame.RequestID, sel)

	case "interrupt":
		return session.Interrupt(ctx)

	case "set_permission_mode":
		return session.SetPermissionMode(ctx, frame.Mode)

	case "mark_read":
		return session.MarkRead(frame.Count)

	default:
		log.Debug().Str("type", frame.Type).Msg("unknown stream frame type")
		return nil
	}
}

// SessionListStream handles GET /api/ws/sessions.
//
// Pushes session store events so clients keep their session list current
// without polling. Frames carry the refreshed SessionInfo except for
// deletions, where only the id remains.
func (h *Handlers) SessionListStream(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-h.server.ShutdownContext().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	events, unsubscribe := h.server.Manager().Subscribe()
	defer unsubscribe()

	// Store events → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				frame := gin.H{
					"type":      "session_event",
					"event":     event.Type,
					"sessionId": event.SessionID,
				}
				if event.Type != claude.SessionEventDeleted {
					if session, err := h.server.Manager().GetSession(event.SessionID); err == nil {
						frame["session"] = session.Info()
					}
				}
				data, err := json.Marshal(frame)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					if ctx.Err() == nil {
						log.Debug().Err(err).Msg("session list write failed")
					}
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("WebSocket ping failed")
					return
				}
			}
		}
	}()

	// The list stream carries no inbound operations; reading is only for
	// close detection.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Int("closeStatus", int(closeStatus)).Msg("session list WebSocket closed normally")
			} else {
				log.Debug().Err(err).Msg("session list WebSocket read error")
			}
			cancel()
			break
		}
	}

	<-sendDone
	<-pingDone
}

// sendError queues an error frame for the client, dropping it if the client
// is too far behind.
func sendError(client *claude.Client, frameType string, err error) {
	data, marshalErr := json.Marshal(map[string]string{
		"type":  "error",
		"op":    frameType,
		"error": err.Error(),
	})
	if marshalErr != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
