package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/perch/internal/auth"
	"github.com/ehrlich-b/perch/internal/manager"
	"github.com/ehrlich-b/perch/internal/proto"
	"github.com/ehrlich-b/perch/internal/registry"
	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/store"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (f *fakeLauncher) Launch(info session.Info) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, info.ID)
	return 4321, nil
}

func (f *fakeLauncher) Alive(pid int) bool { return false }
func (f *fakeLauncher) Kill(pid int)       {}

type testBridge struct {
	srv         *httptest.Server
	registry    *registry.Registry
	token       string
	agentSecret []byte
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	jwtSecret, err := auth.LoadJWTSecret(st, "")
	if err != nil {
		t.Fatalf("jwt secret: %v", err)
	}
	agentSecret, err := auth.LoadAgentSecret(st, "")
	if err != nil {
		t.Fatalf("agent secret: %v", err)
	}
	passwordHash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	hub := NewHub()
	fan := &session.MultiNotifier{hub}
	reg := registry.New(st, &fakeLauncher{}, fan, time.Minute)
	sup := manager.NewSupervisor(reg)
	*fan = append(*fan, sup)

	server := NewServer(":0", reg, sup, hub, jwtSecret, agentSecret, passwordHash)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	token, _, err := auth.IssueToken(jwtSecret, "u1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &testBridge{srv: srv, registry: reg, token: token, agentSecret: agentSecret}
}

func (b *testBridge) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + path
}

func dialObserver(t *testing.T, b *testBridge) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, b.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad envelope %s: %v", data, err)
	}
	return env.Type, data
}

// readUntil skips notifications until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) []byte {
	t.Helper()
	for i := 0; i < 20; i++ {
		typ, data := readWS(t, conn)
		if typ == wantType {
			return data
		}
	}
	t.Fatalf("never received %s", wantType)
	return nil
}

func authObserver(t *testing.T, b *testBridge, conn *websocket.Conn) {
	t.Helper()
	sendWS(t, conn, proto.Auth{Type: proto.TypeAuth, Token: b.token})
	typ, data := readWS(t, conn)
	if typ != proto.TypeAuthOK {
		t.Fatalf("auth reply = %s: %s", typ, data)
	}
}

func TestCommandBeforeAuthRejected(t *testing.T) {
	b := newTestBridge(t)
	conn := dialObserver(t, b)

	sendWS(t, conn, proto.Subscribe{Type: proto.TypeSubscribe, SessionID: "s1"})
	typ, _ := readWS(t, conn)
	if typ != proto.TypeAuthError {
		t.Errorf("got %s, want auth_error", typ)
	}
}

func TestAuthWithBadTokenRejected(t *testing.T) {
	b := newTestBridge(t)
	conn := dialObserver(t, b)

	sendWS(t, conn, proto.Auth{Type: proto.TypeAuth, Token: "garbage"})
	typ, _ := readWS(t, conn)
	if typ != proto.TypeAuthError {
		t.Errorf("got %s, want auth_error", typ)
	}
}

func TestSubscribeReplaysTranscriptAndSnapshot(t *testing.T) {
	b := newTestBridge(t)
	info, err := b.registry.Create(registry.CreateParams{OwnerID: "u1", Name: "fix"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, _ := b.registry.Lookup(info.ID)
	if err := m.SendMessage("hello", "user"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	conn := dialObserver(t, b)
	authObserver(t, b, conn)
	sendWS(t, conn, proto.Subscribe{Type: proto.TypeSubscribe, SessionID: info.ID})

	data := readUntil(t, conn, proto.TypeMessages)
	var msgs proto.Messages
	json.Unmarshal(data, &msgs)
	var replayed []session.Message
	json.Unmarshal(msgs.Messages, &replayed)
	if len(replayed) != 1 || replayed[0].Content != "hello" {
		t.Errorf("replayed = %v", replayed)
	}

	data = readUntil(t, conn, proto.TypeSessionUpdate)
	var upd proto.SessionUpdate
	json.Unmarshal(data, &upd)
	var got session.Info
	json.Unmarshal(upd.Session, &got)
	if got.ID != info.ID {
		t.Errorf("snapshot id = %s, want %s", got.ID, info.ID)
	}
}

func TestSubscribeToForeignSessionDenied(t *testing.T) {
	b := newTestBridge(t)
	info, _ := b.registry.Create(registry.CreateParams{OwnerID: "someone-else", Name: "private"})

	conn := dialObserver(t, b)
	authObserver(t, b, conn)
	sendWS(t, conn, proto.Subscribe{Type: proto.TypeSubscribe, SessionID: info.ID})

	data := readUntil(t, conn, proto.TypeError)
	var msg proto.ErrorMsg
	json.Unmarshal(data, &msg)
	if !strings.Contains(msg.Message, "owner") {
		t.Errorf("error = %q", msg.Message)
	}
}

func TestAgentLinkRequiresSecret(t *testing.T) {
	b := newTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, b.wsURL("/ws/agent"), nil)
	if err == nil {
		t.Fatal("dial without secret succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}
}

func dialAgent(t *testing.T, b *testBridge, sessionID string, pid int) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: make(http.Header)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+auth.EncodeSecret(b.agentSecret))
	conn, _, err := websocket.Dial(ctx, b.wsURL("/ws/agent"), opts)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	sendWS(t, conn, proto.AgentRegister{Type: proto.TypeAgentRegister, SessionID: sessionID, PID: pid})
	typ, data := readWS(t, conn)
	if typ != proto.TypeAgentRegistered {
		t.Fatalf("register reply = %s: %s", typ, data)
	}
	return conn
}

func TestAgentEventsReachSubscribedObserver(t *testing.T) {
	b := newTestBridge(t)
	info, _ := b.registry.Create(registry.CreateParams{OwnerID: "u1", Name: "fix"})

	obs := dialObserver(t, b)
	authObserver(t, b, obs)
	sendWS(t, obs, proto.Subscribe{Type: proto.TypeSubscribe, SessionID: info.ID})
	readUntil(t, obs, proto.TypeSessionUpdate)

	agent := dialAgent(t, b, info.ID, 4321)
	sendWS(t, agent, proto.AgentInit{Type: proto.TypeAgentInit, Model: "sonnet"})

	data := readUntil(t, obs, proto.TypeSessionUpdate)
	var upd proto.SessionUpdate
	json.Unmarshal(data, &upd)
	var got session.Info
	json.Unmarshal(upd.Session, &got)
	if got.Model != "sonnet" || got.Status != session.StatusRunning {
		t.Errorf("snapshot after init = %+v", got)
	}

	sendWS(t, agent, proto.AgentAssistant{Type: proto.TypeAgentAssistant, MessageID: "m1", Text: "working on it"})
	data = readUntil(t, obs, proto.TypeMessages)
	var msgs proto.Messages
	json.Unmarshal(data, &msgs)
	if !bytes.Contains(msgs.Messages, []byte("working on it")) {
		t.Errorf("messages = %s", msgs.Messages)
	}
}

func TestPromptFlowsObserverToAgent(t *testing.T) {
	b := newTestBridge(t)
	info, _ := b.registry.Create(registry.CreateParams{OwnerID: "u1", Name: "fix"})
	agent := dialAgent(t, b, info.ID, 4321)

	obs := dialObserver(t, b)
	authObserver(t, b, obs)
	sendWS(t, obs, proto.SendPrompt{Type: proto.TypeSendPrompt, SessionID: info.ID, Content: "run the tests"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := agent.Read(ctx)
		if err != nil {
			t.Fatalf("agent read: %v", err)
		}
		var env proto.Envelope
		json.Unmarshal(data, &env)
		if env.Type != proto.TypeAgentPrompt {
			continue
		}
		var p proto.AgentPrompt
		json.Unmarshal(data, &p)
		if p.Content != "run the tests" || p.Source != "user" {
			t.Errorf("prompt = %+v", p)
		}
		return
	}
}

func TestRESTSessionLifecycle(t *testing.T) {
	b := newTestBridge(t)
	client := b.srv.Client()

	// Exchange the password for a token.
	resp, err := client.Post(b.srv.URL+"/auth/token", "application/json",
		strings.NewReader(`{"password":"hunter2"}`))
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&tokenResp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || tokenResp.Token == "" {
		t.Fatalf("auth status = %d, token = %q", resp.StatusCode, tokenResp.Token)
	}

	do := func(method, path, body string) (*http.Response, []byte) {
		t.Helper()
		req, _ := http.NewRequest(method, b.srv.URL+path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tokenResp.Token)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return resp, buf.Bytes()
	}

	resp2, body := do("POST", "/api/sessions", `{"name":"fix-ci","repo_url":"https://github.com/acme/widget"}`)
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp2.StatusCode, body)
	}
	var created session.Info
	json.Unmarshal(body, &created)
	if created.Status != session.StatusStarting {
		t.Errorf("created status = %s, want starting", created.Status)
	}

	resp2, body = do("GET", "/api/sessions", "")
	var listed []session.Info
	json.Unmarshal(body, &listed)
	if resp2.StatusCode != http.StatusOK || len(listed) != 1 {
		t.Fatalf("list = %d %s", resp2.StatusCode, body)
	}

	resp2, _ = do("GET", "/api/sessions/"+created.ID, "")
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp2.StatusCode)
	}

	resp2, _ = do("GET", "/api/sessions/"+created.ID+"/messages", "")
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("messages status = %d", resp2.StatusCode)
	}

	resp2, _ = do("GET", "/api/usage", "")
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("usage status = %d", resp2.StatusCode)
	}

	resp2, _ = do("DELETE", "/api/sessions/"+created.ID, "")
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp2.StatusCode)
	}
	resp2, _ = do("GET", "/api/sessions/"+created.ID, "")
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp2.StatusCode)
	}
}

func TestRESTWrongPassword(t *testing.T) {
	b := newTestBridge(t)
	resp, err := b.srv.Client().Post(b.srv.URL+"/auth/token", "application/json",
		strings.NewReader(`{"password":"wrong"}`))
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRESTRequiresToken(t *testing.T) {
	b := newTestBridge(t)
	resp, err := b.srv.Client().Get(b.srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	b := newTestBridge(t)
	resp, err := b.srv.Client().Get(b.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
