package session

import "time"

// Status is the session lifecycle state. Terminated and error are
// absorbing: the session stays queryable but accepts no further commands.
type Status string

const (
	StatusStarting         Status = "starting"
	StatusIdle             Status = "idle"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusAwaitingAnswer   Status = "awaiting_answer"
	StatusError            Status = "error"
	StatusTerminated       Status = "terminated"
)

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusTerminated
}

// PermissionMode governs which tool calls bypass the approval gate.
type PermissionMode string

const (
	ModeNormal    PermissionMode = "normal"
	ModePlan      PermissionMode = "plan"
	ModeAutoEdits PermissionMode = "auto_edits"
	ModeDangerous PermissionMode = "dangerous"
)

// ValidMode reports whether m is a known permission mode.
func ValidMode(m PermissionMode) bool {
	switch m {
	case ModeNormal, ModePlan, ModeAutoEdits, ModeDangerous:
		return true
	}
	return false
}

type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageSystem     MessageType = "system"
	MessageError      MessageType = "error"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
)

// Message is one entry in a session's append-only transcript.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Tool      string         `json:"tool,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Usage holds cumulative token counters for a session.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// Step is a manager session's self-reported orchestration phase.
type Step string

const (
	StepExploring Step = "exploring"
	StepTriaging  Step = "triaging"
	StepPlanning  Step = "planning"
	StepReviewing Step = "reviewing"
	StepFixing    Step = "fixing"
	StepTesting   Step = "testing"
	StepMerging   Step = "merging"
	StepIdle      Step = "idle"
)

// ValidStep reports whether s is a known manager step label.
func ValidStep(s Step) bool {
	switch s {
	case StepExploring, StepTriaging, StepPlanning, StepReviewing,
		StepFixing, StepTesting, StepMerging, StepIdle:
		return true
	}
	return false
}

// Info is the observable snapshot of one session. Observers always receive
// copies, never references into the machine's state.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	WorkDir string `json:"work_dir"`

	Status         Status         `json:"status"`
	PermissionMode PermissionMode `json:"permission_mode"`
	Model          string         `json:"model,omitempty"`

	CostUSD float64 `json:"cost_usd"`
	Usage   Usage   `json:"usage"`

	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`

	NotificationsEnabled bool `json:"notifications_enabled"`

	IsManager   bool       `json:"is_manager,omitempty"`
	CurrentStep Step       `json:"current_step,omitempty"`
	Paused      bool       `json:"paused,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
	Children    []string   `json:"children,omitempty"`
	ManagedBy   string     `json:"managed_by,omitempty"`

	AgentPID  int       `json:"agent_pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnResult is the terminal outcome of one turn, surfaced to observers.
type TurnResult struct {
	Result       string  `json:"result"`
	CostUSD      float64 `json:"cost_usd"`
	IsError      bool    `json:"is_error"`
	ContextUsage float64 `json:"context_usage"`
}
