// Package ws exposes the realtime channel: one websocket per client, with
// session establishment, history replay, and inbound message handling.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/chatsupport/relay/internal/chat"
	"github.com/chatsupport/relay/internal/common"
	"github.com/chatsupport/relay/internal/hub"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second

	maxMessageSize = 64 << 10
)

// Presence records session liveness outside the relational store. Optional.
type Presence interface {
	Touch(ctx context.Context, sessionID string) error
}

type Server struct {
	hub      *hub.Hub
	repo     *chat.Repo
	svc      *chat.Service
	presence Presence // nil when redis is not configured

	historyLimit int
	upgrader     websocket.Upgrader
}

func NewServer(h *hub.Hub, repo *chat.Repo, svc *chat.Service, presence Presence, historyLimit int, allowedOrigin string) *Server {
	return &Server{
		hub:          h,
		repo:         repo,
		svc:          svc,
		presence:     presence,
		historyLimit: historyLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || origin == allowedOrigin
			},
		},
	}
}

// clientEvent is the inbound frame shape: {"event":"message","data":{...}}.
type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type inboundMessage struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

// Handle upgrades the request and runs the connection lifecycle: session
// establishment, history replay, then the read loop. Admin panels connect
// with ?role=admin and only receive the admin broadcast feed.
func (s *Server) Handle(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed err=%v", err)
		return
	}

	conn := s.hub.NewConnection(ws)
	conn.Admin = c.Query("role") == "admin"
	s.hub.Register(conn)

	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)

	if !conn.Admin {
		s.establishSession(c.Request.Context(), conn, c.Query("session_id"))
	}

	go s.readPump(conn)
}

// establishSession creates or refreshes the session, announces it, and
// replays history. A store failure notifies only this connection; the
// socket stays open so the client can retry by reconnecting.
func (s *Server) establishSession(ctx context.Context, conn *hub.Connection, sessionID string) {
	if sessionID == "" {
		id, err := common.NewULID()
		if err != nil {
			log.Printf("ws: session id generation failed conn=%s err=%v", conn.ID, err)
			s.sendError(conn, hub.EventSessionError, "failed to create session")
			return
		}
		sessionID = id
	}

	if err := s.repo.EnsureSession(ctx, sessionID); err != nil {
		log.Printf("ws: ensure session failed conn=%s session=%s err=%v", conn.ID, sessionID, err)
		s.sendError(conn, hub.EventSessionError, "failed to create session")
		return
	}

	s.hub.JoinRoom(conn, sessionID)
	s.touchPresence(ctx, sessionID)

	if err := s.hub.SendEvent(conn, hub.EventSessionCreated, gin.H{"sessionId": sessionID}); err != nil {
		log.Printf("ws: send session_created failed conn=%s err=%v", conn.ID, err)
	}

	history, err := s.repo.ListBySession(ctx, sessionID, s.historyLimit)
	if err != nil {
		log.Printf("ws: history fetch failed session=%s err=%v", sessionID, err)
		history = []chat.Message{}
	}
	if err := s.hub.SendEvent(conn, hub.EventChatHistory, history); err != nil {
		log.Printf("ws: send chat_history failed conn=%s err=%v", conn.ID, err)
	}
}

func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ws: read loop panic conn=%s err=%v", conn.ID, rec)
		}
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error conn=%s err=%v", conn.ID, err)
			}
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("ws: write failed conn=%s err=%v", conn.ID, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(conn *hub.Connection, data []byte) {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(conn, hub.EventMessageError, "invalid message")
		return
	}

	switch ev.Event {
	case "message":
		s.handleMessage(conn, ev.Data)
	default:
		s.sendError(conn, hub.EventMessageError, "unknown event: "+ev.Event)
	}
}

func (s *Server) handleMessage(conn *hub.Connection, raw json.RawMessage) {
	if conn.Admin || conn.SessionID == "" {
		s.sendError(conn, hub.EventMessageError, "no session established")
		return
	}

	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError(conn, hub.EventMessageError, "invalid message")
		return
	}
	// The session id always comes from the binding made at connect time; a
	// stale client-supplied id cannot write into another session's thread.
	if in.SessionID != "" && in.SessionID != conn.SessionID {
		s.sendError(conn, hub.EventMessageError, "session mismatch")
		return
	}

	ctx := context.Background()
	err := s.svc.HandleInbound(ctx, chat.InboundJob{
		Text:      in.Text,
		SessionID: conn.SessionID,
		Sender:    chat.SenderUser,
	})
	if err != nil {
		if errors.Is(err, chat.ErrEmptyText) {
			s.sendError(conn, hub.EventMessageError, "message text is required")
			return
		}
		log.Printf("ws: inbound failed conn=%s session=%s err=%v", conn.ID, conn.SessionID, err)
		s.sendError(conn, hub.EventMessageError, "failed to send message")
		return
	}

	s.touchPresence(ctx, conn.SessionID)
}

func (s *Server) sendError(conn *hub.Connection, event, msg string) {
	if err := s.hub.SendEvent(conn, event, gin.H{"error": msg}); err != nil {
		log.Printf("ws: send %s failed conn=%s err=%v", event, conn.ID, err)
	}
}

func (s *Server) touchPresence(ctx context.Context, sessionID string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Touch(ctx, sessionID); err != nil {
		log.Printf("ws: presence touch failed session=%s err=%v", sessionID, err)
	}
}
