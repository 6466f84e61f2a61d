package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/perch/internal/session"
)

const timeFormat = time.RFC3339Nano

// SaveSession upserts a session snapshot and replaces its transcript.
// Called in bulk at shutdown; messages are replaced wholesale so the
// persisted transcript always matches the in-memory one.
func (s *Store) SaveSession(info session.Info, messages []session.Message) error {
	children, err := json.Marshal(info.Children)
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions (
		id, owner_id, name, repo_url, branch, work_dir, status,
		permission_mode, model, cost_usd, input_tokens, output_tokens,
		cache_read_tokens, cache_creation_tokens, last_message_at,
		last_message_preview, notifications_enabled, is_manager,
		current_step, paused, resume_at, children, managed_by, agent_pid,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		permission_mode = excluded.permission_mode,
		model = excluded.model,
		cost_usd = excluded.cost_usd,
		input_tokens = excluded.input_tokens,
		output_tokens = excluded.output_tokens,
		cache_read_tokens = excluded.cache_read_tokens,
		cache_creation_tokens = excluded.cache_creation_tokens,
		last_message_at = excluded.last_message_at,
		last_message_preview = excluded.last_message_preview,
		notifications_enabled = excluded.notifications_enabled,
		current_step = excluded.current_step,
		paused = excluded.paused,
		resume_at = excluded.resume_at,
		children = excluded.children,
		managed_by = excluded.managed_by,
		agent_pid = excluded.agent_pid`,
		info.ID, info.OwnerID, info.Name, info.RepoURL, info.Branch,
		info.WorkDir, string(info.Status), string(info.PermissionMode),
		info.Model, info.CostUSD, info.Usage.InputTokens,
		info.Usage.OutputTokens, info.Usage.CacheReadTokens,
		info.Usage.CacheCreationTokens, nullableTime(info.LastMessageAt),
		info.LastMessagePreview, info.NotificationsEnabled, info.IsManager,
		string(info.CurrentStep), info.Paused, nullableTime(info.ResumeAt),
		string(children), info.ManagedBy, info.AgentPID,
		info.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", info.ID, err)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", info.ID); err != nil {
		return fmt.Errorf("clear messages %s: %w", info.ID, err)
	}
	for _, m := range messages {
		input := ""
		if m.ToolInput != nil {
			raw, err := json.Marshal(m.ToolInput)
			if err != nil {
				return fmt.Errorf("marshal tool input: %w", err)
			}
			input = string(raw)
		}
		_, err := tx.Exec(`INSERT INTO messages (id, session_id, type, content, tool, tool_input, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, string(m.Type), m.Content, m.Tool, input,
			m.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListSessions loads every persisted session snapshot.
func (s *Store) ListSessions() ([]session.Info, error) {
	rows, err := s.db.Query(`SELECT id, owner_id, name, repo_url, branch,
		work_dir, status, permission_mode, model, cost_usd, input_tokens,
		output_tokens, cache_read_tokens, cache_creation_tokens,
		last_message_at, last_message_preview, notifications_enabled,
		is_manager, current_step, paused, resume_at, children, managed_by,
		agent_pid, created_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []session.Info
	for rows.Next() {
		var (
			info                session.Info
			status, mode, step  string
			lastAt, resumeAt    sql.NullString
			children, createdAt string
		)
		err := rows.Scan(&info.ID, &info.OwnerID, &info.Name, &info.RepoURL,
			&info.Branch, &info.WorkDir, &status, &mode, &info.Model,
			&info.CostUSD, &info.Usage.InputTokens, &info.Usage.OutputTokens,
			&info.Usage.CacheReadTokens, &info.Usage.CacheCreationTokens,
			&lastAt, &info.LastMessagePreview, &info.NotificationsEnabled,
			&info.IsManager, &step, &info.Paused, &resumeAt, &children,
			&info.ManagedBy, &info.AgentPID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Status = session.Status(status)
		info.PermissionMode = session.PermissionMode(mode)
		info.CurrentStep = session.Step(step)
		if t, ok := parseTime(lastAt); ok {
			info.LastMessageAt = &t
		}
		if t, ok := parseTime(resumeAt); ok {
			info.ResumeAt = &t
		}
		if err := json.Unmarshal([]byte(children), &info.Children); err != nil {
			return nil, fmt.Errorf("unmarshal children for %s: %w", info.ID, err)
		}
		if info.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", info.ID, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ListMessages loads a session's transcript in insertion order.
func (s *Store) ListMessages(sessionID string) ([]session.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, type, content, tool,
		tool_input, created_at FROM messages WHERE session_id = ? ORDER BY rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var (
			m         session.Message
			mtype     string
			input     string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &mtype, &m.Content, &m.Tool, &input, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = session.MessageType(mtype)
		if input != "" {
			if err := json.Unmarshal([]byte(input), &m.ToolInput); err != nil {
				return nil, fmt.Errorf("unmarshal tool input for %s: %w", m.ID, err)
			}
		}
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteSession removes a session and, via cascade, its transcript.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
