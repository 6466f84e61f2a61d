// Package bridge is the WebSocket and REST surface of perchd: observer
// connections, the agent-process link, and notification fan-out.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/perch/internal/gate"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/proto"
	"github.com/ehrlich-b/perch/internal/session"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 512 * 1024
)

// observerConn is one authenticated observer WebSocket. Writes go through
// the buffered send channel; a full buffer drops the notification, since
// the reconnect contract is a full resync anyway.
type observerConn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	subs   map[string]bool
}

func (c *observerConn) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// writePump drains the send channel onto the socket until ctx ends.
func (c *observerConn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Hub tracks observer connections and their subscriptions, and implements
// session.Notifier by fanning notifications out to subscribers.
type Hub struct {
	mu    sync.Mutex
	conns map[*observerConn]bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*observerConn]bool)}
}

func (h *Hub) register(c *observerConn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *observerConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) subscribe(c *observerConn, sessionID string) {
	h.mu.Lock()
	c.subs[sessionID] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *observerConn, sessionID string) {
	h.mu.Lock()
	delete(c.subs, sessionID)
	h.mu.Unlock()
}

func (h *Hub) toSession(sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal notification", "error", err)
		return
	}
	h.mu.Lock()
	for c := range h.conns {
		if c.subs[sessionID] {
			c.trySend(data)
		}
	}
	h.mu.Unlock()
}

// ToUser delivers to every connection of a user regardless of subscription.
func (h *Hub) ToUser(userID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal notification", "error", err)
		return
	}
	h.mu.Lock()
	for c := range h.conns {
		if c.userID == userID {
			c.trySend(data)
		}
	}
	h.mu.Unlock()
}

// BroadcastShutdown tells every observer perchd is going down and a full
// resync is needed on reconnect.
func (h *Hub) BroadcastShutdown() {
	data, _ := json.Marshal(proto.ServerRestart{Type: proto.TypeServerRestart})
	h.mu.Lock()
	for c := range h.conns {
		c.trySend(data)
	}
	h.mu.Unlock()
}

// session.Notifier implementation.

func (h *Hub) SessionUpdate(info session.Info) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	h.toSession(info.ID, proto.SessionUpdate{Type: proto.TypeSessionUpdate, Session: raw})
}

func (h *Hub) Messages(sessionID string, msgs []session.Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	h.toSession(sessionID, proto.Messages{Type: proto.TypeMessages, SessionID: sessionID, Messages: raw})
}

func (h *Hub) Stream(sessionID, messageID, token string) {
	h.toSession(sessionID, proto.Stream{Type: proto.TypeStream, SessionID: sessionID, MessageID: messageID, Token: token})
}

func (h *Hub) StreamEnd(sessionID, messageID string) {
	h.toSession(sessionID, proto.StreamEnd{Type: proto.TypeStreamEnd, SessionID: sessionID, MessageID: messageID})
}

func (h *Hub) ApprovalRequest(sessionID string, req *gate.Request) {
	raw, err := json.Marshal(req)
	if err != nil {
		return
	}
	h.toSession(sessionID, proto.ApprovalRequest{Type: proto.TypeApprovalRequest, SessionID: sessionID, Approval: raw})
}

func (h *Hub) Question(sessionID string, q *gate.Question) {
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	h.toSession(sessionID, proto.QuestionMsg{Type: proto.TypeQuestion, SessionID: sessionID, Question: raw})
}

func (h *Hub) Result(sessionID string, res session.TurnResult) {
	h.toSession(sessionID, proto.Result{
		Type:         proto.TypeResult,
		SessionID:    sessionID,
		Result:       res.Result,
		CostUSD:      res.CostUSD,
		IsError:      res.IsError,
		ContextUsage: res.ContextUsage,
	})
}

func (h *Hub) SessionError(sessionID, message string) {
	h.toSession(sessionID, proto.ErrorMsg{Type: proto.TypeError, SessionID: sessionID, Message: message})
}

func (h *Hub) ModelsList(sessionID string, models []string) {
	h.toSession(sessionID, proto.ModelsList{Type: proto.TypeModelsList, SessionID: sessionID, Models: models})
}

func (h *Hub) AuthAlert(userID, status, message string) {
	h.ToUser(userID, proto.AuthAlert{Type: proto.TypeAuthAlert, Status: status, Message: message})
}
