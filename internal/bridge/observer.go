package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/perch/internal/auth"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/proto"
	"github.com/ehrlich-b/perch/internal/registry"
	"github.com/ehrlich-b/perch/internal/session"
)

const authDeadline = 10 * time.Second

// handleObserverWS upgrades an observer connection. The first message must
// be auth; every later command requires session ownership except
// subscribe bookkeeping itself, which checks ownership before replay.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("observer accept failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	ctx := r.Context()

	userID, err := s.awaitAuth(ctx, ws)
	if err != nil {
		writeWS(ctx, ws, proto.AuthError{Type: proto.TypeAuthError, Message: err.Error()})
		ws.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}
	writeWS(ctx, ws, proto.AuthOK{Type: proto.TypeAuthOK, UserID: userID})

	c := &observerConn{
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]bool),
	}
	s.hub.register(c)
	defer s.hub.unregister(c)

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go c.writePump(pumpCtx)

	// Inbound commands are throttled per connection; a client that floods
	// gets errors, not a dead daemon.
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 20)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			c.trySend(mustMarshal(proto.ErrorMsg{Type: proto.TypeError, Message: "rate limited"}))
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.trySend(mustMarshal(proto.ErrorMsg{Type: proto.TypeError, Message: "invalid JSON"}))
			continue
		}
		s.dispatchObserver(ctx, c, env.Type, data)
	}
}

// awaitAuth reads the mandatory first message and validates its token.
func (s *Server) awaitAuth(ctx context.Context, ws *websocket.Conn) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := ws.Read(authCtx)
	if err != nil {
		return "", errors.New("auth handshake timed out")
	}
	var msg proto.Auth
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != proto.TypeAuth {
		return "", errors.New("first message must be auth")
	}
	userID, err := auth.ValidateToken(s.jwtSecret, msg.Token)
	if err != nil {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

func (s *Server) dispatchObserver(ctx context.Context, c *observerConn, msgType string, data []byte) {
	switch msgType {
	case proto.TypeSubscribe:
		var msg proto.Subscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleSubscribe(c, msg.SessionID)

	case proto.TypeUnsubscribe:
		var msg proto.Subscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.hub.unsubscribe(c, msg.SessionID)

	case proto.TypeSendPrompt:
		var msg proto.SendPrompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			return m.SendMessage(msg.Content, "user")
		})

	case proto.TypeApproveTool:
		var msg proto.ApproveTool
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			// Stale approval IDs are no-ops, not errors.
			m.ApproveTool(msg.ApprovalID, msg.Allow, msg.Message)
			return nil
		})

	case proto.TypeAnswerQuestion:
		var msg proto.AnswerQuestion
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			m.AnswerQuestion(msg.QuestionID, msg.Answers)
			return nil
		})

	case proto.TypeInterrupt:
		var msg proto.InterruptMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			return m.Interrupt()
		})

	case proto.TypeUpdateSettings:
		var msg proto.UpdateSettings
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			var mode *session.PermissionMode
			if msg.Settings.PermissionMode != nil {
				pm := session.PermissionMode(*msg.Settings.PermissionMode)
				mode = &pm
			}
			return m.UpdateSettings(msg.Settings.Name, mode, msg.Settings.NotificationsEnabled)
		})

	case proto.TypeGetModels:
		var msg proto.GetModels
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			m.RequestModels()
			return nil
		})

	case proto.TypeSetModel:
		var msg proto.SetModel
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			m.SetModel(msg.Model)
			return nil
		})

	case proto.TypePauseManager:
		var msg proto.ManagerControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		var resumeAt *time.Time
		if msg.ResumeAt != "" {
			t, err := time.Parse(time.RFC3339, msg.ResumeAt)
			if err != nil {
				s.sendError(c, msg.SessionID, "invalid resume_at")
				return
			}
			resumeAt = &t
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			return s.supervisor.Pause(msg.SessionID, resumeAt)
		})

	case proto.TypeResumeManager:
		var msg proto.ManagerControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.withMachine(c, msg.SessionID, func(m *session.Machine) error {
			return s.supervisor.Resume(msg.SessionID)
		})

	default:
		s.sendError(c, "", "unknown command type: "+msgType)
	}
}

// handleSubscribe checks ownership, then replays everything a fresh
// client needs: full transcript, current snapshot, and any live pending
// approval or question.
func (s *Server) handleSubscribe(c *observerConn, sessionID string) {
	m, err := s.registry.Machine(c.userID, sessionID)
	if err != nil {
		s.sendError(c, sessionID, subscribeError(err))
		return
	}
	s.hub.subscribe(c, sessionID)

	if msgs := m.Messages(); len(msgs) > 0 {
		if raw, err := json.Marshal(msgs); err == nil {
			c.trySend(mustMarshal(proto.Messages{Type: proto.TypeMessages, SessionID: sessionID, Messages: raw}))
		}
	}
	if raw, err := json.Marshal(m.Snapshot()); err == nil {
		c.trySend(mustMarshal(proto.SessionUpdate{Type: proto.TypeSessionUpdate, Session: raw}))
	}
	if req := m.PendingApproval(); req != nil {
		if raw, err := json.Marshal(req); err == nil {
			c.trySend(mustMarshal(proto.ApprovalRequest{Type: proto.TypeApprovalRequest, SessionID: sessionID, Approval: raw}))
		}
	}
	if q := m.PendingQuestion(); q != nil {
		if raw, err := json.Marshal(q); err == nil {
			c.trySend(mustMarshal(proto.QuestionMsg{Type: proto.TypeQuestion, SessionID: sessionID, Question: raw}))
		}
	}
}

// withMachine resolves the session with an ownership check and runs the
// command, reporting any error back on the connection.
func (s *Server) withMachine(c *observerConn, sessionID string, fn func(*session.Machine) error) {
	m, err := s.registry.Machine(c.userID, sessionID)
	if err != nil {
		s.sendError(c, sessionID, subscribeError(err))
		return
	}
	if err := fn(m); err != nil {
		s.sendError(c, sessionID, err.Error())
	}
}

func (s *Server) sendError(c *observerConn, sessionID, message string) {
	c.trySend(mustMarshal(proto.ErrorMsg{Type: proto.TypeError, SessionID: sessionID, Message: message}))
}

func subscribeError(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return "session not found"
	case errors.Is(err, registry.ErrUnauthorized):
		return "not the session owner"
	default:
		return err.Error()
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound message", "error", err)
		return []byte("{}")
	}
	return data
}

func writeWS(ctx context.Context, ws *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, mustMarshal(v))
}
