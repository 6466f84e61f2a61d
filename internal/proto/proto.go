package proto

import "encoding/json"

// Message types for the perchd WebSocket protocol.
const (
	// Observer → orchestrator
	TypeAuth           = "auth"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeSendPrompt     = "send_prompt"
	TypeApproveTool    = "approve_tool"
	TypeAnswerQuestion = "answer_question"
	TypeInterrupt      = "interrupt"
	TypeUpdateSettings = "update_session_settings"
	TypeGetModels      = "get_models"
	TypeSetModel       = "set_model"
	TypePauseManager   = "pause_manager"
	TypeResumeManager  = "resume_manager"

	// Orchestrator → observer
	TypeAuthOK          = "auth_ok"
	TypeAuthError       = "auth_error"
	TypeSessionUpdate   = "session_update"
	TypeMessages        = "messages"
	TypeStream          = "stream"
	TypeStreamEnd       = "stream_end"
	TypeApprovalRequest = "approval_request"
	TypeQuestion        = "question"
	TypeResult          = "result"
	TypeModelsList      = "models_list"
	TypeAuthAlert       = "auth_alert"
	TypeError           = "error"
	TypeServerRestart   = "server_restart" // perchd shutting down, full resync on reconnect

	// Agent process → orchestrator
	TypeAgentRegister   = "agent.register"
	TypeAgentInit       = "agent.init"
	TypeAgentAssistant  = "agent.assistant"
	TypeAgentDelta      = "agent.delta"
	TypeAgentToolUse    = "agent.tool_use"
	TypeAgentToolResult = "agent.tool_result"
	TypeAgentResult     = "agent.result"
	TypeAgentCanUseTool = "agent.can_use_tool"
	TypeAgentStep       = "agent.step"
	TypeAgentAuthStatus = "agent.auth_status"
	TypeAgentModels     = "agent.models"

	// Orchestrator → agent process
	TypeAgentPrompt     = "agent.prompt"
	TypeAgentDecision   = "agent.decision"
	TypeAgentInterrupt  = "agent.interrupt"
	TypeAgentSetMode    = "agent.set_mode"
	TypeAgentSetModel   = "agent.set_model"
	TypeAgentListModels = "agent.list_models"
	TypeAgentRegistered = "agent.registered"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is the first message an observer must send after connecting.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type AuthOK struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Subscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type SendPrompt struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type ApproveTool struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ApprovalID string `json:"approval_id"`
	Allow      bool   `json:"allow"`
	Message    string `json:"message,omitempty"`
}

type AnswerQuestion struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id"`
	QuestionID string            `json:"question_id"`
	Answers    map[string]string `json:"answers"`
}

type InterruptMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SettingsPatch carries optional session settings; nil fields are left unchanged.
type SettingsPatch struct {
	Name                 *string `json:"name,omitempty"`
	PermissionMode       *string `json:"permission_mode,omitempty"`
	NotificationsEnabled *bool   `json:"notifications_enabled,omitempty"`
}

type UpdateSettings struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Settings  SettingsPatch `json:"settings"`
}

type GetModels struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type SetModel struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type ManagerControl struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ResumeAt  string `json:"resume_at,omitempty"` // RFC3339, pause only
}

// SessionUpdate carries a full session snapshot; observers replace, never merge.
type SessionUpdate struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session"`
}

type Messages struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Messages  json.RawMessage `json:"messages"`
}

type Stream struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Token     string `json:"token"`
}

type StreamEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

type ApprovalRequest struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Approval  json.RawMessage `json:"approval"`
}

type QuestionMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Question  json.RawMessage `json:"question"`
}

type Result struct {
	Type         string  `json:"type"`
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	CostUSD      float64 `json:"cost_usd"`
	IsError      bool    `json:"is_error"`
	ContextUsage float64 `json:"context_usage"`
}

type ModelsList struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Models    []string `json:"models"`
}

// AuthAlert is delivered to every connection of a user, regardless of subscriptions.
type AuthAlert struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type ServerRestart struct {
	Type string `json:"type"`
}

// AgentRegister is sent by the agent process on connect, after the
// shared-secret handshake, to bind the link to its session.
type AgentRegister struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

type AgentRegistered struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AgentInit is the agent's initialization event; carries the concrete model.
type AgentInit struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// AgentAssistant is a finalized assistant text block.
type AgentAssistant struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// AgentDelta is a partial-token streaming event; not persisted until finalized.
type AgentDelta struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type AgentToolUse struct {
	Type  string         `json:"type"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type AgentToolResult struct {
	Type    string `json:"type"`
	Tool    string `json:"tool"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// AgentResult is the terminal event of one turn.
type AgentResult struct {
	Type                string  `json:"type"`
	Result              string  `json:"result"`
	CostUSD             float64 `json:"cost_usd"`
	IsError             bool    `json:"is_error"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	ContextUsage        float64 `json:"context_usage"`
}

// AgentCanUseTool asks the orchestrator for permission to run a tool.
// The orchestrator answers with an AgentDecision carrying the same request ID.
type AgentCanUseTool struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
}

type AgentDecision struct {
	Type         string         `json:"type"`
	RequestID    string         `json:"request_id"`
	Allow        bool           `json:"allow"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// AgentStep is a manager session reporting its orchestration phase.
type AgentStep struct {
	Type string `json:"type"`
	Step string `json:"step"`
}

// AgentAuthStatus reports the agent's upstream credential state, relayed
// to every connection of the session owner as an auth_alert.
type AgentAuthStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type AgentPrompt struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

type AgentInterrupt struct {
	Type string `json:"type"`
}

type AgentSetMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type AgentSetModel struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type AgentListModels struct {
	Type string `json:"type"`
}

type AgentModels struct {
	Type   string   `json:"type"`
	Models []string `json:"models"`
	Error  string   `json:"error,omitempty"`
}
