// Package gate serializes tool-approval requests for one session. At most
// one approval and one question are ever outstanding; queued requests
// resolve strictly in arrival order.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long an unanswered approval or question waits
// before resolving as denied/unanswered.
const DefaultTimeout = 5 * time.Minute

const interruptedMsg = "Interrupted by user"

// Decision is the outcome of one approval request.
type Decision struct {
	Allow   bool
	Message string
}

// Request is a published tool approval awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	CreatedAt time.Time      `json:"created_at"`
}

// Item is a single question inside a Question prompt.
type Item struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Question is a published multi-question prompt awaiting answers.
type Question struct {
	ID        string    `json:"id"`
	Questions []Item    `json:"questions"`
	CreatedAt time.Time `json:"created_at"`
}

type waiter struct {
	ready       chan struct{}
	interrupted bool
}

// Gate is the per-session approval serializer. Callbacks fire outside the
// gate's lock; the session machine uses them to flip status and notify
// observers.
type Gate struct {
	Timeout time.Duration

	OnApprovalPublish func(*Request)
	OnApprovalResolve func()
	OnQuestionPublish func(*Question)
	OnQuestionResolve func()

	mu      sync.Mutex
	holder  *waiter
	queue   []*waiter
	pending *Request
	decide  chan Decision

	qsem     chan struct{}
	qpending *Question
	answers  chan map[string]string
}

func New(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		Timeout: timeout,
		qsem:    make(chan struct{}, 1),
	}
}

// RequestApproval queues behind any held gate, publishes once admitted, and
// blocks until a decision, the timeout, or an interrupt. A request already
// interrupted while queued denies without ever publishing.
func (g *Gate) RequestApproval(ctx context.Context, tool string, input map[string]any) Decision {
	w := &waiter{ready: make(chan struct{})}
	g.mu.Lock()
	g.queue = append(g.queue, w)
	g.admitLocked()
	g.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		g.mu.Lock()
		if g.holder == w {
			g.releaseLocked()
		} else {
			g.dropLocked(w)
		}
		g.mu.Unlock()
		return Decision{Allow: false, Message: interruptedMsg}
	}

	// Admitted. The interrupted check and the publish must share one
	// critical section so an interrupt cannot slip between them.
	g.mu.Lock()
	if w.interrupted {
		g.releaseLocked()
		g.mu.Unlock()
		return Decision{Allow: false, Message: interruptedMsg}
	}
	req := &Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	decide := make(chan Decision, 1)
	g.pending = req
	g.decide = decide
	g.mu.Unlock()

	if g.OnApprovalPublish != nil {
		g.OnApprovalPublish(req)
	}

	timer := time.NewTimer(g.Timeout)
	var d Decision
	select {
	case d = <-decide:
	case <-timer.C:
		d = Decision{Allow: false, Message: "Approval timed out"}
	case <-ctx.Done():
		d = Decision{Allow: false, Message: interruptedMsg}
	}
	timer.Stop()

	g.mu.Lock()
	g.pending = nil
	g.decide = nil
	g.mu.Unlock()

	// The resolve callback must run before the next waiter is admitted;
	// otherwise its publish can interleave with this resolution and the
	// two status flips land out of order.
	if g.OnApprovalResolve != nil {
		g.OnApprovalResolve()
	}

	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
	return d
}

// Resolve delivers an allow/deny decision for the pending approval. Returns
// false if the ID does not match or the request was already resolved —
// first resolution wins, later ones are no-ops.
func (g *Gate) Resolve(approvalID string, allow bool, message string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pending.ID != approvalID || g.decide == nil {
		return false
	}
	g.decide <- Decision{Allow: allow, Message: message}
	g.decide = nil
	return true
}

// Interrupt denies the pending approval, marks every queued request so it
// denies without publishing, and resolves any pending question with empty
// answers.
func (g *Gate) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.queue {
		w.interrupted = true
	}
	if g.holder != nil && g.pending == nil {
		g.holder.interrupted = true
	}
	if g.decide != nil {
		g.decide <- Decision{Allow: false, Message: interruptedMsg}
		g.decide = nil
	}
	if g.answers != nil {
		g.answers <- map[string]string{}
		g.answers = nil
	}
}

// AskQuestion publishes a multi-question prompt and waits for answers. It
// always resolves as allowed: timeout and interrupt yield an empty map.
// A second concurrent question waits for the slot.
func (g *Gate) AskQuestion(ctx context.Context, items []Item) map[string]string {
	select {
	case g.qsem <- struct{}{}:
	case <-ctx.Done():
		return map[string]string{}
	}
	defer func() { <-g.qsem }()

	q := &Question{
		ID:        uuid.NewString(),
		Questions: items,
		CreatedAt: time.Now().UTC(),
	}
	ans := make(chan map[string]string, 1)
	g.mu.Lock()
	g.qpending = q
	g.answers = ans
	g.mu.Unlock()

	if g.OnQuestionPublish != nil {
		g.OnQuestionPublish(q)
	}

	timer := time.NewTimer(g.Timeout)
	var got map[string]string
	select {
	case got = <-ans:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	g.mu.Lock()
	g.qpending = nil
	g.answers = nil
	g.mu.Unlock()

	if g.OnQuestionResolve != nil {
		g.OnQuestionResolve()
	}
	if got == nil {
		got = map[string]string{}
	}
	return got
}

// Answer delivers answers for the pending question. Duplicate or stale
// answers are no-ops.
func (g *Gate) Answer(questionID string, answers map[string]string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.qpending == nil || g.qpending.ID != questionID || g.answers == nil {
		return false
	}
	if answers == nil {
		answers = map[string]string{}
	}
	g.answers <- answers
	g.answers = nil
	return true
}

// Pending returns the currently published approval, if any.
func (g *Gate) Pending() *Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// PendingQuestion returns the currently published question, if any.
func (g *Gate) PendingQuestion() *Question {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.qpending
}

func (g *Gate) admitLocked() {
	if g.holder != nil || len(g.queue) == 0 {
		return
	}
	g.holder = g.queue[0]
	g.queue = g.queue[1:]
	close(g.holder.ready)
}

func (g *Gate) releaseLocked() {
	g.holder = nil
	g.admitLocked()
}

func (g *Gate) dropLocked(w *waiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}
