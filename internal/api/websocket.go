package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/openfolio/advisor-agent/internal/llm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the gateway; this service is not
	// internet-facing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is one message pushed to the client.
type wsEvent struct {
	Type           string `json:"type"` // conversation, chunk, tool, done, error
	ConversationID string `json:"conversationId,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	Tool           string `json:"tool,omitempty"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleChatWS runs a chat session over a WebSocket. The client sends
// {conversationId?, message} frames; each one produces a conversation
// event, streamed chunk and tool events, and a final done event. The
// connection stays open for follow-up messages.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	s.stats.inc(&s.stats.wsRequests)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	uid := userID(r)
	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if req.Message == "" {
			conn.WriteJSON(wsEvent{Type: "error", Error: "message is required"})
			continue
		}

		convID := req.ConversationID
		if convID == "" {
			convID = s.svc.NewConversationID()
		}
		if err := conn.WriteJSON(wsEvent{Type: "conversation", ConversationID: convID}); err != nil {
			return
		}

		reply, err := s.svc.Chat(r.Context(), uid, convID, req.Message, func(ev llm.StreamEvent) {
			switch ev.Kind {
			case llm.KindToken:
				if ev.Token != "" {
					conn.WriteJSON(wsEvent{Type: "chunk", Chunk: ev.Token})
				}
			case llm.KindToolCallDone:
				conn.WriteJSON(wsEvent{Type: "tool", Tool: ev.ToolName})
			}
		})
		if err != nil {
			s.stats.inc(&s.stats.errors)
			if werr := conn.WriteJSON(wsEvent{Type: "error", Error: userFacingError(err)}); werr != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(wsEvent{Type: "done", ConversationID: reply.ConversationID, Text: reply.Text}); err != nil {
			return
		}
	}
}
