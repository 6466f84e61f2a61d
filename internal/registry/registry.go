// Package registry owns the live session map: creation, lookup with
// ownership checks, deletion, and restore from persisted state.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/mailbox"
	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/store"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrUnauthorized = errors.New("not the session owner")
)

// Launcher abstracts agent process spawning so tests can fake it.
type Launcher interface {
	Launch(info session.Info) (int, error)
	Alive(pid int) bool
	Kill(pid int)
}

// Registry maps session IDs to machines. Structural mutation (insert and
// remove) is serialized under the mutex; dispatches to distinct sessions
// proceed concurrently once the machine is looked up.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Machine

	store           *store.Store
	launch          Launcher
	notify          session.Notifier
	approvalTimeout time.Duration
}

func New(st *store.Store, launch Launcher, notify session.Notifier, approvalTimeout time.Duration) *Registry {
	return &Registry{
		sessions:        make(map[string]*session.Machine),
		store:           st,
		launch:          launch,
		notify:          notify,
		approvalTimeout: approvalTimeout,
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	OwnerID        string
	Name           string
	RepoURL        string
	Branch         string
	WorkDir        string
	PermissionMode session.PermissionMode
	IsManager      bool
	ManagedBy      string
}

// Create registers a new session and returns its snapshot immediately,
// in the starting state. The agent process launches asynchronously; a
// launch failure moves the session to the error state rather than
// failing the create call.
func (r *Registry) Create(p CreateParams) (session.Info, error) {
	if p.OwnerID == "" {
		return session.Info{}, fmt.Errorf("owner is required")
	}
	mode := p.PermissionMode
	if mode == "" {
		mode = session.ModeNormal
	}
	if !session.ValidMode(mode) {
		return session.Info{}, fmt.Errorf("unknown permission mode %q", mode)
	}

	info := session.Info{
		ID:                   uuid.NewString(),
		Name:                 p.Name,
		OwnerID:              p.OwnerID,
		RepoURL:              p.RepoURL,
		Branch:               p.Branch,
		WorkDir:              p.WorkDir,
		Status:               session.StatusStarting,
		PermissionMode:       mode,
		NotificationsEnabled: true,
		IsManager:            p.IsManager,
		ManagedBy:            p.ManagedBy,
		CreatedAt:            time.Now().UTC(),
	}
	m := session.New(info, nil, r.notify, r.approvalTimeout)

	r.mu.Lock()
	r.sessions[info.ID] = m
	r.mu.Unlock()
	m.Start()

	if p.ManagedBy != "" {
		if parent, ok := r.lookup(p.ManagedBy); ok {
			parent.AddChild(info.ID)
		}
	}

	go func() {
		if _, err := r.launch.Launch(info); err != nil {
			logger.Error("agent launch failed", "session_id", info.ID, "error", err)
			m.MarkError(fmt.Sprintf("failed to launch agent: %v", err))
		}
	}()

	r.notify.SessionUpdate(info)
	return info, nil
}

// Get returns a session snapshot after an ownership check.
func (r *Registry) Get(userID, sessionID string) (session.Info, error) {
	m, err := r.Machine(userID, sessionID)
	if err != nil {
		return session.Info{}, err
	}
	return m.Snapshot(), nil
}

// List returns snapshots of every session the user owns.
func (r *Registry) List(userID string) []session.Info {
	r.mu.RLock()
	machines := make([]*session.Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	var infos []session.Info
	for _, m := range machines {
		info := m.Snapshot()
		if info.OwnerID == userID {
			infos = append(infos, info)
		}
	}
	return infos
}

// Messages returns a session's transcript after an ownership check.
func (r *Registry) Messages(userID, sessionID string) ([]session.Message, error) {
	m, err := r.Machine(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.Messages(), nil
}

// Delete terminates and removes a session. Deleting an unknown ID is a
// no-op; deleting someone else's session is not.
func (r *Registry) Delete(userID, sessionID string) error {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	if ok && m.Snapshot().OwnerID != userID {
		r.mu.Unlock()
		return ErrUnauthorized
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	pid := m.Snapshot().AgentPID
	m.Terminate()
	if pid > 0 && r.launch.Alive(pid) {
		r.launch.Kill(pid)
	}
	if err := r.store.DeleteSession(sessionID); err != nil {
		return fmt.Errorf("delete persisted session: %w", err)
	}
	return nil
}

// Machine returns the live machine for command dispatch, enforcing that
// the caller owns the session.
func (r *Registry) Machine(userID, sessionID string) (*session.Machine, error) {
	m, ok := r.lookup(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	if m.Snapshot().OwnerID != userID {
		return nil, ErrUnauthorized
	}
	return m, nil
}

// Lookup returns the machine without an ownership check. The agent link
// authenticates with the deployment secret, not a user identity.
func (r *Registry) Lookup(sessionID string) (*session.Machine, bool) {
	return r.lookup(sessionID)
}

func (r *Registry) lookup(sessionID string) (*session.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[sessionID]
	return m, ok
}

// Restore rebuilds the session map from the store at startup. Sessions
// that ended in a terminal state are registered read-only. For the rest,
// a still-alive agent process keeps its session intact and is expected
// to re-dial; a dead one moves the session to the error state.
func (r *Registry) Restore() error {
	infos, err := r.store.ListSessions()
	if err != nil {
		return fmt.Errorf("list persisted sessions: %w", err)
	}

	for _, info := range infos {
		msgs, err := r.store.ListMessages(info.ID)
		if err != nil {
			return fmt.Errorf("load transcript for %s: %w", info.ID, err)
		}
		m := session.New(info, msgs, r.notify, r.approvalTimeout)

		r.mu.Lock()
		r.sessions[info.ID] = m
		r.mu.Unlock()

		if info.Status.Terminal() {
			continue
		}
		if r.launch.Alive(info.AgentPID) {
			m.Start()
			logger.Info("session restored, awaiting agent reconnect",
				"session_id", info.ID, "pid", info.AgentPID)
			continue
		}
		m.MarkError("agent process is gone; session cannot continue")
		logger.Warn("session restored without agent", "session_id", info.ID, "pid", info.AgentPID)
	}
	logger.Info("sessions restored", "count", len(infos))
	return nil
}

// PersistAll writes every session's snapshot and transcript to the store.
// Called on shutdown and after significant transitions.
func (r *Registry) PersistAll() error {
	r.mu.RLock()
	machines := make([]*session.Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, m := range machines {
		info := m.Snapshot()
		if err := r.store.SaveSession(info, m.Messages()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist session %s: %w", info.ID, err)
		}
	}
	return firstErr
}

// UsageTotals aggregates cost and token usage across a user's sessions.
func (r *Registry) UsageTotals(userID string) (float64, session.Usage) {
	var cost float64
	var usage session.Usage
	for _, info := range r.List(userID) {
		cost += info.CostUSD
		usage.InputTokens += info.Usage.InputTokens
		usage.OutputTokens += info.Usage.OutputTokens
		usage.CacheReadTokens += info.Usage.CacheReadTokens
		usage.CacheCreationTokens += info.Usage.CacheCreationTokens
	}
	return cost, usage
}

// SendChildEvent injects a supervisor-formatted child event as a turn on
// the manager session, marked with the child-event source.
func (r *Registry) SendChildEvent(managerID, content string) error {
	m, ok := r.lookup(managerID)
	if !ok {
		return ErrNotFound
	}
	return m.SendMessage(content, mailbox.SourceChildEvent)
}

// SetPaused updates a manager session's pause state.
func (r *Registry) SetPaused(managerID string, paused bool, resumeAt *time.Time) error {
	m, ok := r.lookup(managerID)
	if !ok {
		return ErrNotFound
	}
	m.SetPaused(paused, resumeAt)
	return nil
}
