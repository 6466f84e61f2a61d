package session

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/perch/internal/gate"
)

// FakeLink is an in-memory AgentLink for tests. It records every control
// call and exposes the decisions delivered back to the agent.
type FakeLink struct {
	mu         sync.Mutex
	Prompts    []string
	Sources    []string
	Decisions  []FakeDecision
	Modes      []PermissionMode
	Models     []string
	Interrupts int
	Closed     bool

	PromptErr    error
	SetModelErr  error
	ListErr      error
	InterruptErr error

	promptCh   chan string
	decisionCh chan FakeDecision
}

type FakeDecision struct {
	RequestID    string
	Allow        bool
	Message      string
	UpdatedInput map[string]any
}

func NewFakeLink() *FakeLink {
	return &FakeLink{
		promptCh:   make(chan string, 16),
		decisionCh: make(chan FakeDecision, 16),
	}
}

func (f *FakeLink) Prompt(ctx context.Context, content, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PromptErr != nil {
		return f.PromptErr
	}
	f.Prompts = append(f.Prompts, content)
	f.Sources = append(f.Sources, source)
	select {
	case f.promptCh <- content:
	default:
	}
	return nil
}

func (f *FakeLink) Decide(ctx context.Context, requestID string, allow bool, message string, updatedInput map[string]any) error {
	d := FakeDecision{RequestID: requestID, Allow: allow, Message: message, UpdatedInput: updatedInput}
	f.mu.Lock()
	f.Decisions = append(f.Decisions, d)
	f.mu.Unlock()
	select {
	case f.decisionCh <- d:
	default:
	}
	return nil
}

func (f *FakeLink) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InterruptErr != nil {
		return f.InterruptErr
	}
	f.Interrupts++
	return nil
}

func (f *FakeLink) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Modes = append(f.Modes, mode)
	return nil
}

func (f *FakeLink) SetModel(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetModelErr != nil {
		return f.SetModelErr
	}
	f.Models = append(f.Models, model)
	return nil
}

func (f *FakeLink) ListModels(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListErr
}

func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// WaitPrompt blocks until the next prompt reaches the link.
func (f *FakeLink) WaitPrompt(timeout time.Duration) (string, bool) {
	select {
	case p := <-f.promptCh:
		return p, true
	case <-time.After(timeout):
		return "", false
	}
}

// WaitDecision blocks until the next tool decision reaches the link.
func (f *FakeLink) WaitDecision(timeout time.Duration) (FakeDecision, bool) {
	select {
	case d := <-f.decisionCh:
		return d, true
	case <-time.After(timeout):
		return FakeDecision{}, false
	}
}

func (f *FakeLink) PromptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

func (NullNotifier) SessionUpdate(Info)                     {}
func (NullNotifier) Messages(string, []Message)             {}
func (NullNotifier) Stream(string, string, string)          {}
func (NullNotifier) StreamEnd(string, string)               {}
func (NullNotifier) ApprovalRequest(string, *gate.Request)  {}
func (NullNotifier) Question(string, *gate.Question)        {}
func (NullNotifier) Result(string, TurnResult)              {}
func (NullNotifier) SessionError(string, string)            {}
func (NullNotifier) ModelsList(string, []string)            {}
func (NullNotifier) AuthAlert(string, string, string)       {}

// RecordingNotifier captures notifications for assertions.
type RecordingNotifier struct {
	mu        sync.Mutex
	Updates   []Info
	Msgs      []Message
	Approvals []*gate.Request
	Questions []*gate.Question
	Results   []TurnResult
	Errors    []string
	Tokens    []string
	Alerts    []string

	approvalCh chan *gate.Request
	resultCh   chan TurnResult
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{
		approvalCh: make(chan *gate.Request, 16),
		resultCh:   make(chan TurnResult, 16),
	}
}

func (r *RecordingNotifier) SessionUpdate(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = append(r.Updates, info)
}

func (r *RecordingNotifier) Messages(_ string, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Msgs = append(r.Msgs, msgs...)
}

func (r *RecordingNotifier) Stream(_, _, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens = append(r.Tokens, token)
}

func (r *RecordingNotifier) StreamEnd(string, string) {}

func (r *RecordingNotifier) ApprovalRequest(_ string, req *gate.Request) {
	r.mu.Lock()
	r.Approvals = append(r.Approvals, req)
	r.mu.Unlock()
	select {
	case r.approvalCh <- req:
	default:
	}
}

func (r *RecordingNotifier) Question(_ string, q *gate.Question) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Questions = append(r.Questions, q)
}

func (r *RecordingNotifier) Result(_ string, res TurnResult) {
	r.mu.Lock()
	r.Results = append(r.Results, res)
	r.mu.Unlock()
	select {
	case r.resultCh <- res:
	default:
	}
}

func (r *RecordingNotifier) SessionError(_, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, msg)
}

func (r *RecordingNotifier) ModelsList(string, []string) {}

func (r *RecordingNotifier) AuthAlert(_, status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, status+": "+message)
}

// WaitApproval blocks until an approval is published.
func (r *RecordingNotifier) WaitApproval(timeout time.Duration) (*gate.Request, bool) {
	select {
	case req := <-r.approvalCh:
		return req, true
	case <-time.After(timeout):
		return nil, false
	}
}

// WaitResult blocks until a turn result is broadcast.
func (r *RecordingNotifier) WaitResult(timeout time.Duration) (TurnResult, bool) {
	select {
	case res := <-r.resultCh:
		return res, true
	case <-time.After(timeout):
		return TurnResult{}, false
	}
}

// ApprovalCount returns how many approvals were ever published.
func (r *RecordingNotifier) ApprovalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Approvals)
}

// MessageTypes returns the transcript notification types in order.
func (r *RecordingNotifier) MessageTypes() []MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]MessageType, 0, len(r.Msgs))
	for _, m := range r.Msgs {
		types = append(types, m.Type)
	}
	return types
}
