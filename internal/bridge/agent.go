package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/perch/internal/auth"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/proto"
	"github.com/ehrlich-b/perch/internal/session"
)

// agentLink adapts an agent WebSocket to session.AgentLink. All writes
// share one mutex; the coder/websocket connection allows one concurrent
// writer.
type agentLink struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (l *agentLink) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return l.ws.Write(writeCtx, websocket.MessageText, data)
}

func (l *agentLink) Prompt(ctx context.Context, content, source string) error {
	return l.write(ctx, proto.AgentPrompt{Type: proto.TypeAgentPrompt, Content: content, Source: source})
}

func (l *agentLink) Decide(ctx context.Context, requestID string, allow bool, message string, updatedInput map[string]any) error {
	return l.write(ctx, proto.AgentDecision{
		Type:         proto.TypeAgentDecision,
		RequestID:    requestID,
		Allow:        allow,
		Message:      message,
		UpdatedInput: updatedInput,
	})
}

func (l *agentLink) Interrupt(ctx context.Context) error {
	return l.write(ctx, proto.AgentInterrupt{Type: proto.TypeAgentInterrupt})
}

func (l *agentLink) SetPermissionMode(ctx context.Context, mode session.PermissionMode) error {
	return l.write(ctx, proto.AgentSetMode{Type: proto.TypeAgentSetMode, Mode: string(mode)})
}

func (l *agentLink) SetModel(ctx context.Context, model string) error {
	return l.write(ctx, proto.AgentSetModel{Type: proto.TypeAgentSetModel, Model: model})
}

func (l *agentLink) ListModels(ctx context.Context) error {
	return l.write(ctx, proto.AgentListModels{Type: proto.TypeAgentListModels})
}

func (l *agentLink) Close() error {
	return l.ws.Close(websocket.StatusNormalClosure, "session terminated")
}

// handleAgentWS accepts the agent-process link. It authenticates with the
// deployment shared secret, never a user token; the agent then binds to
// its session with agent.register.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !auth.CheckAgentSecret(s.agentSecret, presented) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("agent accept failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	ctx := r.Context()

	m, err := s.awaitRegister(ctx, ws)
	if err != nil {
		writeWS(ctx, ws, proto.ErrorMsg{Type: proto.TypeError, Message: err.Error()})
		ws.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}

	info := m.Snapshot()
	writeWS(ctx, ws, proto.AgentRegistered{Type: proto.TypeAgentRegistered, SessionID: info.ID})
	logger.Info("agent connected", "session_id", info.ID, "pid", info.AgentPID)

	defer m.LinkLost()
	s.agentReadLoop(ctx, ws, m)
}

func (s *Server) awaitRegister(ctx context.Context, ws *websocket.Conn) (*session.Machine, error) {
	regCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := ws.Read(regCtx)
	if err != nil {
		return nil, fmt.Errorf("registration timed out")
	}
	var msg proto.AgentRegister
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != proto.TypeAgentRegister {
		return nil, fmt.Errorf("first message must be agent.register")
	}
	m, ok := s.registry.Lookup(msg.SessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session %s", msg.SessionID)
	}
	if m.Snapshot().Status.Terminal() {
		return nil, fmt.Errorf("session %s is closed", msg.SessionID)
	}
	m.Attach(&agentLink{ws: ws}, msg.PID)
	return m, nil
}

// agentReadLoop decodes inference events and feeds them to the machine.
// can_use_tool is the only request/response pair; everything else is
// one-way.
func (s *Server) agentReadLoop(ctx context.Context, ws *websocket.Conn, m *session.Machine) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad agent message", "error", err)
			continue
		}

		switch env.Type {
		case proto.TypeAgentInit:
			var ev proto.AgentInit
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentAssistant:
			var ev proto.AgentAssistant
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentDelta:
			var ev proto.AgentDelta
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentToolUse:
			var ev proto.AgentToolUse
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentToolResult:
			var ev proto.AgentToolResult
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentResult:
			var ev proto.AgentResult
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentStep:
			var ev proto.AgentStep
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentAuthStatus:
			var ev proto.AgentAuthStatus
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentModels:
			var ev proto.AgentModels
			if json.Unmarshal(data, &ev) == nil {
				m.Ingest(ev)
			}
		case proto.TypeAgentCanUseTool:
			var ev proto.AgentCanUseTool
			if json.Unmarshal(data, &ev) == nil {
				m.HandleCanUseTool(ev.RequestID, ev.Tool, ev.Input)
			}
		default:
			logger.Warn("unknown agent message type", "type", env.Type)
		}
	}
}
