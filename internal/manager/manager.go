// Package manager turns child-session lifecycle transitions into the
// fixed-envelope notifications a manager session consumes as turns.
package manager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/perch/internal/gate"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/session"
)

// DefaultStaleAfter is how long a running child may go without transcript
// activity before the manager is told it looks stuck.
const DefaultStaleAfter = 10 * time.Minute

// SessionControl is the slice of registry behavior the supervisor needs.
// The registry implements it; the supervisor never imports the registry.
type SessionControl interface {
	SendChildEvent(managerID, content string) error
	SetPaused(managerID string, paused bool, resumeAt *time.Time) error
}

type childState struct {
	managerID    string
	name         string
	status       session.Status
	lastActivity time.Time
	staleFired   bool
}

type managerState struct {
	paused      bool
	resumeTimer *time.Timer
	queued      []string
}

// Supervisor watches session notifications for managed children and
// injects formatted child events into their manager's turn stream. It
// also owns manager pause/resume, including scheduled resumes.
type Supervisor struct {
	mu       sync.Mutex
	ctl      SessionControl
	children map[string]*childState
	managers map[string]*managerState

	staleAfter time.Duration
	now        func() time.Time
}

func NewSupervisor(ctl SessionControl) *Supervisor {
	return &Supervisor{
		ctl:        ctl,
		children:   make(map[string]*childState),
		managers:   make(map[string]*managerState),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// Pause suppresses child-event delivery to the manager. Events arriving
// while paused queue up and flush on resume; an in-flight turn is never
// interrupted. A resumeAt in the future schedules an automatic resume.
func (s *Supervisor) Pause(managerID string, resumeAt *time.Time) error {
	if err := s.ctl.SetPaused(managerID, true, resumeAt); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.manager(managerID)
	st.paused = true
	if st.resumeTimer != nil {
		st.resumeTimer.Stop()
		st.resumeTimer = nil
	}
	if resumeAt != nil {
		delay := time.Until(*resumeAt)
		if delay < 0 {
			delay = 0
		}
		st.resumeTimer = time.AfterFunc(delay, func() {
			if err := s.Resume(managerID); err != nil {
				logger.Warn("scheduled resume failed", "manager_id", managerID, "error", err)
			}
		})
	}
	s.mu.Unlock()
	return nil
}

// Resume clears the pause flag and any scheduled auto-resume, then
// flushes events queued while paused. Resuming an unpaused manager is a
// no-op beyond reasserting the cleared state.
func (s *Supervisor) Resume(managerID string) error {
	if err := s.ctl.SetPaused(managerID, false, nil); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.manager(managerID)
	st.paused = false
	if st.resumeTimer != nil {
		st.resumeTimer.Stop()
		st.resumeTimer = nil
	}
	queued := st.queued
	st.queued = nil
	s.mu.Unlock()

	for _, content := range queued {
		s.deliver(managerID, content)
	}
	return nil
}

// CheckStale fires a one-shot stale notification for each active child
// with no transcript activity past the threshold. Called from a ticker
// in the daemon.
func (s *Supervisor) CheckStale() {
	now := s.now()
	s.mu.Lock()
	type firing struct{ managerID, content string }
	var fire []firing
	for id, c := range s.children {
		if c.staleFired || c.status.Terminal() || c.lastActivity.IsZero() {
			continue
		}
		idle := now.Sub(c.lastActivity)
		if idle < s.staleAfter {
			continue
		}
		c.staleFired = true
		fire = append(fire, firing{
			managerID: c.managerID,
			content: fmt.Sprintf("[CHILD STALE] Session: %q (ID: %s)\nNo activity for %s.",
				c.name, id, idle.Round(time.Minute)),
		})
	}
	s.mu.Unlock()

	for _, f := range fire {
		s.send(f.managerID, f.content)
	}
}

// send queues the event if the manager is paused, otherwise delivers it.
func (s *Supervisor) send(managerID, content string) {
	s.mu.Lock()
	st := s.manager(managerID)
	if st.paused {
		st.queued = append(st.queued, content)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliver(managerID, content)
}

func (s *Supervisor) deliver(managerID, content string) {
	if err := s.ctl.SendChildEvent(managerID, content); err != nil {
		logger.Warn("child event dropped", "manager_id", managerID, "error", err)
	}
}

// manager returns the state record, creating it. Caller holds the lock.
func (s *Supervisor) manager(managerID string) *managerState {
	st, ok := s.managers[managerID]
	if !ok {
		st = &managerState{}
		s.managers[managerID] = st
	}
	return st
}

// header is the first line shared by every child-event envelope.
func header(event, name, id string) string {
	return fmt.Sprintf("[CHILD %s] Session: %q (ID: %s)", event, name, id)
}

// SessionUpdate tracks managed children and announces readiness and
// failures. Unmanaged sessions pass through untouched.
func (s *Supervisor) SessionUpdate(info session.Info) {
	if info.ManagedBy == "" {
		return
	}

	s.mu.Lock()
	c, known := s.children[info.ID]
	if !known {
		c = &childState{managerID: info.ManagedBy, name: info.Name, status: info.Status}
		s.children[info.ID] = c
	}
	prev := c.status
	c.status = info.Status
	c.name = info.Name
	if info.LastMessageAt != nil {
		c.lastActivity = *info.LastMessageAt
		c.staleFired = false
	}
	s.mu.Unlock()

	// Errors are relayed through SessionError, which fires on the same
	// transition; announcing them here would double-send.
	if prev == session.StatusStarting && !info.Status.Terminal() && info.Status != session.StatusStarting {
		s.send(info.ManagedBy, header("READY", info.Name, info.ID)+
			"\nThe child session is initialized and accepting instructions.")
	}
}

// ApprovalRequest relays a child's pending tool approval to its manager
// with enough detail to decide.
func (s *Supervisor) ApprovalRequest(sessionID string, req *gate.Request) {
	managerID, name, ok := s.managedBy(sessionID)
	if !ok {
		return
	}
	input, _ := json.Marshal(req.Input)
	s.send(managerID, fmt.Sprintf("%s\nTool: %s\nInput: %s\nApproval ID: %s",
		header("APPROVAL NEEDED", name, sessionID), req.Tool, input, req.ID))
}

// Result relays a child's completed turn, full output included.
func (s *Supervisor) Result(sessionID string, res session.TurnResult) {
	managerID, name, ok := s.managedBy(sessionID)
	if !ok {
		return
	}
	event := "COMPLETED"
	if res.IsError {
		event = "ERRORED"
	}
	s.send(managerID, fmt.Sprintf("%s\nOutput:\n%s", header(event, name, sessionID), res.Result))
}

// SessionError relays a child's fatal error to its manager.
func (s *Supervisor) SessionError(sessionID, message string) {
	managerID, name, ok := s.managedBy(sessionID)
	if !ok {
		return
	}
	s.send(managerID, fmt.Sprintf("%s\nError: %s", header("ERRORED", name, sessionID), message))
}

func (s *Supervisor) managedBy(sessionID string) (managerID, name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, known := s.children[sessionID]
	if !known {
		return "", "", false
	}
	return c.managerID, c.name, true
}

// The remaining Notifier methods carry nothing a manager reacts to.

func (s *Supervisor) Messages(sessionID string, msgs []session.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	if c, ok := s.children[sessionID]; ok {
		c.lastActivity = msgs[len(msgs)-1].CreatedAt
		c.staleFired = false
	}
	s.mu.Unlock()
}

func (s *Supervisor) Stream(sessionID, messageID, token string) {}
func (s *Supervisor) StreamEnd(sessionID, messageID string)     {}
func (s *Supervisor) Question(sessionID string, q *gate.Question) {
}
func (s *Supervisor) ModelsList(sessionID string, models []string) {}
func (s *Supervisor) AuthAlert(userID, status, message string)     {}
