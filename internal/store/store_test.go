package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/perch/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	resumeAt := now.Add(time.Hour)
	info := session.Info{
		ID:                   "s1",
		OwnerID:              "u1",
		Name:                 "fix-tests",
		RepoURL:              "https://github.com/acme/widget",
		Branch:               "main",
		WorkDir:              "/work/widget",
		Status:               session.StatusIdle,
		PermissionMode:       session.ModeAutoEdits,
		Model:                "sonnet",
		CostUSD:              1.23,
		Usage:                session.Usage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 10, CacheCreationTokens: 5},
		LastMessageAt:        &now,
		LastMessagePreview:   "done",
		NotificationsEnabled: true,
		IsManager:            true,
		CurrentStep:          session.StepMerging,
		Paused:               true,
		ResumeAt:             &resumeAt,
		Children:             []string{"c1", "c2"},
		AgentPID:             999,
		CreatedAt:            now,
	}
	msgs := []session.Message{
		{ID: "m1", SessionID: "s1", Type: session.MessageUser, Content: "hi", CreatedAt: now},
		{ID: "m2", SessionID: "s1", Type: session.MessageToolCall, Tool: "Bash", ToolInput: map[string]any{"command": "ls"}, Content: "Bash", CreatedAt: now.Add(time.Second)},
		{ID: "m3", SessionID: "s1", Type: session.MessageToolResult, Tool: "Bash", Content: "main.go", CreatedAt: now.Add(2 * time.Second)},
	}

	if err := s.SaveSession(info, msgs); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	infos, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d sessions, want 1", len(infos))
	}
	got := infos[0]
	if got.ID != "s1" || got.Status != session.StatusIdle || got.Model != "sonnet" {
		t.Errorf("session fields lost: %+v", got)
	}
	if got.CostUSD != 1.23 || got.Usage.CacheReadTokens != 10 {
		t.Errorf("usage lost: %+v", got)
	}
	if !got.IsManager || got.CurrentStep != session.StepMerging || !got.Paused {
		t.Errorf("manager fields lost: %+v", got)
	}
	if got.ResumeAt == nil || !got.ResumeAt.Equal(resumeAt) {
		t.Errorf("resume_at lost: %v", got.ResumeAt)
	}
	if len(got.Children) != 2 || got.Children[0] != "c1" {
		t.Errorf("children lost: %v", got.Children)
	}

	loaded, err := s.ListMessages("s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("got %d messages, want 3", len(loaded))
	}
	if loaded[1].ToolInput["command"] != "ls" {
		t.Errorf("tool input lost: %v", loaded[1].ToolInput)
	}
	for i := 1; i < len(loaded); i++ {
		if loaded[i].CreatedAt.Before(loaded[i-1].CreatedAt) {
			t.Errorf("message order lost at %d", i)
		}
	}
}

func TestSaveSessionReplacesTranscript(t *testing.T) {
	s := openTestStore(t)
	info := session.Info{ID: "s1", OwnerID: "u1", Name: "n", Status: session.StatusIdle, PermissionMode: session.ModeNormal, CreatedAt: time.Now().UTC()}

	msgs := []session.Message{{ID: "m1", SessionID: "s1", Type: session.MessageUser, Content: "one", CreatedAt: time.Now().UTC()}}
	if err := s.SaveSession(info, msgs); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	msgs = append(msgs, session.Message{ID: "m2", SessionID: "s1", Type: session.MessageUser, Content: "two", CreatedAt: time.Now().UTC()})
	if err := s.SaveSession(info, msgs); err != nil {
		t.Fatalf("SaveSession again: %v", err)
	}

	loaded, err := s.ListMessages("s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("got %d messages, want 2", len(loaded))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	info := session.Info{ID: "s1", OwnerID: "u1", Name: "n", Status: session.StatusIdle, PermissionMode: session.ModeNormal, CreatedAt: time.Now().UTC()}
	msgs := []session.Message{{ID: "m1", SessionID: "s1", Type: session.MessageUser, Content: "x", CreatedAt: time.Now().UTC()}}
	if err := s.SaveSession(info, msgs); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	infos, _ := s.ListSessions()
	if len(infos) != 0 {
		t.Error("session survived delete")
	}
	loaded, _ := s.ListMessages("s1")
	if len(loaded) != 0 {
		t.Error("messages survived delete")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if v, err := s.GetConfig("jwt_secret"); err != nil || v != "" {
		t.Fatalf("unset config: %q, %v", v, err)
	}
	if err := s.SetConfig("jwt_secret", "abc"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := s.SetConfig("jwt_secret", "def"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	if v, _ := s.GetConfig("jwt_secret"); v != "def" {
		t.Errorf("config = %q, want def", v)
	}
}
