package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/gate"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/mailbox"
	"github.com/ehrlich-b/perch/internal/proto"
)

// ErrSessionClosed is returned for commands against a terminated or
// errored session.
var ErrSessionClosed = errors.New("session is terminated")

const previewLen = 100

// AgentLink is the control channel to the external agent process. The
// bridge provides one per connected agent.
type AgentLink interface {
	Prompt(ctx context.Context, content, source string) error
	Decide(ctx context.Context, requestID string, allow bool, message string, updatedInput map[string]any) error
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode PermissionMode) error
	SetModel(ctx context.Context, model string) error
	ListModels(ctx context.Context) error
	Close() error
}

// Notifier fans machine notifications out to subscribed observers.
type Notifier interface {
	SessionUpdate(info Info)
	Messages(sessionID string, msgs []Message)
	Stream(sessionID, messageID, token string)
	StreamEnd(sessionID, messageID string)
	ApprovalRequest(sessionID string, req *gate.Request)
	Question(sessionID string, q *gate.Question)
	Result(sessionID string, res TurnResult)
	SessionError(sessionID, message string)
	ModelsList(sessionID string, models []string)
	AuthAlert(userID, status, message string)
}

// Machine owns one session's state. It is the sole mutator of its fields;
// everything handed to observers is a copy.
type Machine struct {
	mu       sync.Mutex
	info     Info
	messages []Message
	link     AgentLink
	sawText  bool

	mbox   *mailbox.Mailbox
	gate   *gate.Gate
	notify Notifier

	ctx      context.Context
	cancel   context.CancelFunc
	turnDone chan struct{}
	linkCh   chan struct{}
	inflight sync.WaitGroup
}

// New builds a machine in the given state. The caller starts the turn loop
// with Start once the session is registered.
func New(info Info, messages []Message, notify Notifier, approvalTimeout time.Duration) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		info:     info,
		messages: messages,
		mbox:     mailbox.New(),
		gate:     gate.New(approvalTimeout),
		notify:   notify,
		ctx:      ctx,
		cancel:   cancel,
		turnDone: make(chan struct{}, 1),
		linkCh:   make(chan struct{}, 1),
	}
	m.gate.OnApprovalPublish = func(req *gate.Request) {
		m.setStatus(StatusAwaitingApproval)
		m.notify.ApprovalRequest(m.info.ID, req)
	}
	m.gate.OnApprovalResolve = func() {
		m.revertToRunning(StatusAwaitingApproval)
	}
	m.gate.OnQuestionPublish = func(q *gate.Question) {
		m.setStatus(StatusAwaitingAnswer)
		m.notify.Question(m.info.ID, q)
	}
	m.gate.OnQuestionResolve = func() {
		m.revertToRunning(StatusAwaitingAnswer)
	}
	return m
}

// Start launches the turn loop.
func (m *Machine) Start() {
	go m.run()
}

// run feeds queued turns to the agent one at a time. The next turn starts
// only after the prior turn's terminal result event; overlapping turns
// would corrupt the agent's conversation state.
func (m *Machine) run() {
	for {
		turn, err := m.mbox.Next(m.ctx)
		if err != nil {
			return
		}
		link := m.waitLink()
		if link == nil {
			return
		}

		m.mu.Lock()
		m.sawText = false
		dispatched := m.info.Status == StatusIdle
		if dispatched {
			m.info.Status = StatusRunning
		}
		m.mu.Unlock()
		if dispatched {
			m.broadcastInfo()
		}

		if err := link.Prompt(m.ctx, turn.Content, turn.Source); err != nil {
			m.recordError(fmt.Sprintf("failed to deliver prompt: %v", err))
			m.revertToIdle()
			continue
		}

		select {
		case <-m.turnDone:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Machine) waitLink() AgentLink {
	for {
		m.mu.Lock()
		link := m.link
		m.mu.Unlock()
		if link != nil {
			return link
		}
		select {
		case <-m.linkCh:
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Attach binds a connected agent process to the session. Used both at
// launch and when reattaching after an orchestrator restart.
func (m *Machine) Attach(link AgentLink, pid int) {
	m.mu.Lock()
	m.link = link
	m.info.AgentPID = pid
	m.mu.Unlock()
	select {
	case m.linkCh <- struct{}{}:
	default:
	}
	m.broadcastInfo()
}

// Ingest applies one inbound agent event. The event union is closed; an
// unknown type is a protocol bug, not an extension point.
func (m *Machine) Ingest(ev any) {
	switch e := ev.(type) {
	case proto.AgentInit:
		m.mu.Lock()
		m.info.Model = e.Model
		if m.info.Status == StatusStarting {
			m.info.Status = StatusRunning
		}
		m.mu.Unlock()
		m.broadcastInfo()

	case proto.AgentDelta:
		m.notify.Stream(m.info.ID, e.MessageID, e.Text)

	case proto.AgentAssistant:
		m.mu.Lock()
		m.sawText = true
		m.mu.Unlock()
		m.appendMessage(Message{ID: e.MessageID, Type: MessageAssistant, Content: e.Text})
		m.notify.StreamEnd(m.info.ID, e.MessageID)

	case proto.AgentToolUse:
		if e.Tool == "EnterPlanMode" {
			m.mu.Lock()
			m.info.PermissionMode = ModePlan
			m.mu.Unlock()
			m.broadcastInfo()
		}
		m.appendMessage(Message{Type: MessageToolCall, Tool: e.Tool, ToolInput: e.Input, Content: e.Tool})

	case proto.AgentToolResult:
		m.appendMessage(Message{Type: MessageToolResult, Tool: e.Tool, Content: e.Output})

	case proto.AgentResult:
		m.finishTurn(e)

	case proto.AgentStep:
		if !ValidStep(Step(e.Step)) {
			logger.Warn("unknown manager step", "session", m.info.ID, "step", e.Step)
			return
		}
		m.SetStep(Step(e.Step))

	case proto.AgentAuthStatus:
		// Credential trouble concerns the owner, not just this session's
		// subscribers.
		m.notify.AuthAlert(m.info.OwnerID, e.Status, e.Message)

	case proto.AgentModels:
		if e.Error != "" {
			m.recordError(fmt.Sprintf("model listing failed: %s", e.Error))
			return
		}
		m.notify.ModelsList(m.info.ID, e.Models)

	default:
		logger.Warn("unknown agent event", "session", m.info.ID, "event", fmt.Sprintf("%T", ev))
	}
}

func (m *Machine) finishTurn(e proto.AgentResult) {
	m.mu.Lock()
	m.info.CostUSD += e.CostUSD
	m.info.Usage.InputTokens += e.InputTokens
	m.info.Usage.OutputTokens += e.OutputTokens
	m.info.Usage.CacheReadTokens += e.CacheReadTokens
	m.info.Usage.CacheCreationTokens += e.CacheCreationTokens
	if !m.info.Status.Terminal() {
		m.info.Status = StatusIdle
	}
	synthesize := !m.sawText && e.Result != ""
	m.mu.Unlock()

	// Slash-command style turns produce no assistant text; surface the
	// plain result so the turn stays visible in the transcript.
	if synthesize {
		m.appendMessage(Message{Type: MessageSystem, Content: e.Result})
	}

	select {
	case m.turnDone <- struct{}{}:
	default:
	}

	m.notify.Result(m.info.ID, TurnResult{
		Result:       e.Result,
		CostUSD:      e.CostUSD,
		IsError:      e.IsError,
		ContextUsage: e.ContextUsage,
	})
	m.broadcastInfo()
}

// HandleCanUseTool resolves a tool permission request from the agent,
// consulting mode tiers first and the approval gate only when required.
// It never blocks the caller; the wait happens on a per-request goroutine.
func (m *Machine) HandleCanUseTool(requestID, tool string, input map[string]any) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		m.mu.Lock()
		link := m.link
		m.mu.Unlock()
		if link == nil {
			return
		}

		allow, message, updated := m.decideTool(tool, input)
		if err := link.Decide(m.ctx, requestID, allow, message, updated); err != nil {
			logger.Warn("failed to deliver tool decision", "session", m.info.ID, "tool", tool, "error", err)
		}
	}()
}

func (m *Machine) decideTool(tool string, input map[string]any) (allow bool, message string, updated map[string]any) {
	// AskUserQuestion has its own single-outstanding slot and always
	// resolves allow; the answers ride back in the tool input.
	if tool == "AskUserQuestion" {
		answers := m.gate.AskQuestion(m.ctx, parseQuestions(input))
		updated = make(map[string]any, len(input)+1)
		for k, v := range input {
			updated[k] = v
		}
		updated["answers"] = answers
		return true, "", updated
	}

	m.mu.Lock()
	mode := m.info.PermissionMode
	workDir := m.info.WorkDir
	m.mu.Unlock()

	if mode == ModeDangerous {
		return true, "", nil
	}
	if IsReadOnlyTool(tool, input) {
		return true, "", nil
	}

	if mode == ModePlan {
		if tool == "ExitPlanMode" {
			d := m.gate.RequestApproval(m.ctx, tool, input)
			if d.Allow {
				m.applyPermissionMode(ModeNormal)
			}
			return d.Allow, d.Message, nil
		}
		if !IsMutatingTool(tool, input) {
			return true, "", nil
		}
		// Mutating tools are denied outright in plan mode; the gate is
		// never consulted and no approval is published.
		return false, "Tool not permitted in plan mode", nil
	}

	if mode == ModeAutoEdits && EditsInsideDir(tool, input, workDir) {
		return true, "", nil
	}

	d := m.gate.RequestApproval(m.ctx, tool, input)
	if d.Allow && tool == "ExitPlanMode" {
		m.applyPermissionMode(ModeNormal)
	}
	return d.Allow, d.Message, nil
}

func parseQuestions(input map[string]any) []gate.Item {
	raw, err := json.Marshal(input["questions"])
	if err != nil {
		return nil
	}
	var items []gate.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func (m *Machine) applyPermissionMode(mode PermissionMode) {
	m.mu.Lock()
	m.info.PermissionMode = mode
	link := m.link
	m.mu.Unlock()
	if link != nil {
		if err := link.SetPermissionMode(m.ctx, mode); err != nil {
			m.recordError(fmt.Sprintf("failed to push permission mode: %v", err))
		}
	}
	m.broadcastInfo()
}

// SendMessage appends a user turn and queues it for the agent.
func (m *Machine) SendMessage(content, source string) error {
	m.mu.Lock()
	if m.info.Status.Terminal() {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.mu.Unlock()

	m.appendMessage(Message{Type: MessageUser, Content: content})
	m.mbox.Push(mailbox.Turn{Content: content, Source: source})
	return nil
}

// Interrupt aborts the current turn. Pending approvals and questions
// resolve first, and their decisions finish delivery before the abort
// signal reaches the agent; racing the two corrupts turn tracking.
func (m *Machine) Interrupt() error {
	m.mu.Lock()
	if m.info.Status == StatusIdle || m.info.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	link := m.link
	m.mu.Unlock()

	m.gate.Interrupt()
	m.inflight.Wait()

	if link != nil {
		if err := link.Interrupt(m.ctx); err != nil {
			return fmt.Errorf("signal interrupt: %w", err)
		}
	}
	return nil
}

// ApproveTool resolves the pending approval. Stale IDs are no-ops.
func (m *Machine) ApproveTool(approvalID string, allow bool, message string) bool {
	return m.gate.Resolve(approvalID, allow, message)
}

// AnswerQuestion resolves the pending question. Stale IDs are no-ops.
func (m *Machine) AnswerQuestion(questionID string, answers map[string]string) bool {
	return m.gate.Answer(questionID, answers)
}

// UpdateSettings applies the provided fields. A permission-mode change is
// pushed to the live agent so gating changes mid-session. Validation runs
// before any field is touched; a rejected update changes nothing.
func (m *Machine) UpdateSettings(name *string, mode *PermissionMode, notifications *bool) error {
	if mode != nil && !ValidMode(*mode) {
		return fmt.Errorf("unknown permission mode %q", *mode)
	}

	m.mu.Lock()
	if m.info.Status.Terminal() {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if name != nil {
		m.info.Name = *name
	}
	if notifications != nil {
		m.info.NotificationsEnabled = *notifications
	}
	m.mu.Unlock()

	if mode != nil {
		m.applyPermissionMode(*mode)
		return nil
	}
	m.broadcastInfo()
	return nil
}

// SetModel forwards a model change to the agent. Failure is reported as an
// error message in the transcript, never as a hard fault.
func (m *Machine) SetModel(model string) {
	m.mu.Lock()
	link := m.link
	closed := m.info.Status.Terminal()
	m.mu.Unlock()
	if closed || link == nil {
		return
	}
	if err := link.SetModel(m.ctx, model); err != nil {
		m.recordError(fmt.Sprintf("model change failed: %v", err))
		return
	}
	m.mu.Lock()
	m.info.Model = model
	m.mu.Unlock()
	m.broadcastInfo()
}

// RequestModels asks the agent for its supported models; the reply arrives
// as an AgentModels event.
func (m *Machine) RequestModels() {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		m.recordError("model listing failed: agent not connected")
		return
	}
	if err := link.ListModels(m.ctx); err != nil {
		m.recordError(fmt.Sprintf("model listing failed: %v", err))
	}
}

// MarkError moves the session to the absorbing error state with one
// explanatory transcript message.
func (m *Machine) MarkError(reason string) {
	m.mu.Lock()
	if m.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.info.Status = StatusError
	m.mu.Unlock()

	m.appendMessage(Message{Type: MessageError, Content: reason})
	m.gate.Interrupt()
	m.mbox.Close()
	m.cancel()
	m.broadcastInfo()
	m.notify.SessionError(m.info.ID, reason)
}

// Terminate moves the session to the absorbing terminated state and tears
// down the agent link.
func (m *Machine) Terminate() {
	m.mu.Lock()
	if m.info.Status == StatusTerminated {
		m.mu.Unlock()
		return
	}
	m.info.Status = StatusTerminated
	link := m.link
	m.link = nil
	m.mu.Unlock()

	m.gate.Interrupt()
	m.mbox.Close()
	m.cancel()
	if link != nil {
		link.Close()
	}
	m.broadcastInfo()
}

// LinkLost handles an unexpected agent disconnect: terminal states keep
// their status, everything else becomes an error.
func (m *Machine) LinkLost() {
	m.mu.Lock()
	m.link = nil
	terminal := m.info.Status.Terminal()
	m.mu.Unlock()
	if terminal {
		return
	}
	m.MarkError("agent process disconnected unexpectedly")
}

// Snapshot returns a copy of the session's observable state.
func (m *Machine) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	info.Children = append([]string(nil), m.info.Children...)
	return info
}

// Messages returns a copy of the transcript.
func (m *Machine) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// PendingApproval returns the live approval for subscribe replay, if any.
func (m *Machine) PendingApproval() *gate.Request {
	return m.gate.Pending()
}

// PendingQuestion returns the live question for subscribe replay, if any.
func (m *Machine) PendingQuestion() *gate.Question {
	return m.gate.PendingQuestion()
}

// SetStep overwrites the manager's orchestration step label.
func (m *Machine) SetStep(step Step) {
	m.mu.Lock()
	m.info.CurrentStep = step
	m.mu.Unlock()
	m.broadcastInfo()
}

// SetPaused updates the manager pause flag and optional scheduled resume.
func (m *Machine) SetPaused(paused bool, resumeAt *time.Time) {
	m.mu.Lock()
	m.info.Paused = paused
	m.info.ResumeAt = resumeAt
	m.mu.Unlock()
	m.broadcastInfo()
}

// AddChild records a child session spawned by this manager.
func (m *Machine) AddChild(childID string) {
	m.mu.Lock()
	m.info.Children = append(m.info.Children, childID)
	m.mu.Unlock()
	m.broadcastInfo()
}

func (m *Machine) appendMessage(msg Message) {
	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = m.info.ID
	msg.CreatedAt = now

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.info.LastMessageAt = &now
	m.info.LastMessagePreview = preview(msg.Content)
	m.mu.Unlock()

	m.notify.Messages(m.info.ID, []Message{msg})
}

func (m *Machine) recordError(reason string) {
	logger.Warn("session error message", "session", m.info.ID, "reason", reason)
	m.appendMessage(Message{Type: MessageError, Content: reason})
}

func (m *Machine) setStatus(s Status) {
	m.mu.Lock()
	if m.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.info.Status = s
	m.mu.Unlock()
	m.broadcastInfo()
}

// revertToIdle undoes the dispatch transition after a failed prompt
// delivery; no turn is in flight.
func (m *Machine) revertToIdle() {
	m.mu.Lock()
	if m.info.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	m.info.Status = StatusIdle
	m.mu.Unlock()
	m.broadcastInfo()
}

// revertToRunning flips back to running only if still in the given waiting
// state; a concurrent error/terminate wins.
func (m *Machine) revertToRunning(from Status) {
	m.mu.Lock()
	if m.info.Status != from {
		m.mu.Unlock()
		return
	}
	m.info.Status = StatusRunning
	m.mu.Unlock()
	m.broadcastInfo()
}

func (m *Machine) broadcastInfo() {
	m.notify.SessionUpdate(m.Snapshot())
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
