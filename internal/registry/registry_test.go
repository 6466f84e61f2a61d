package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/store"
)

var errLaunch = errors.New("spawn failed")

type fakeLauncher struct {
	mu        sync.Mutex
	launched  []string
	killed    []int
	launchErr error
	alivePIDs map[int]bool
}

func (f *fakeLauncher) Launch(info session.Info) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return 0, f.launchErr
	}
	f.launched = append(f.launched, info.ID)
	return 1234, nil
}

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alivePIDs[pid]
}

func (f *fakeLauncher) Kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
}

func newTestRegistry(t *testing.T, launch Launcher) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, launch, session.NullNotifier{}, time.Minute), st
}

func waitStatus(t *testing.T, r *Registry, userID, id string, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := r.Get(userID, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := r.Get(userID, id)
	t.Fatalf("status = %s, want %s", info.Status, want)
}

func TestCreateReturnsStartingImmediately(t *testing.T) {
	launch := &fakeLauncher{}
	r, _ := newTestRegistry(t, launch)

	info, err := r.Create(CreateParams{OwnerID: "u1", Name: "fix"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Status != session.StatusStarting {
		t.Errorf("status = %s, want starting", info.Status)
	}
	if info.PermissionMode != session.ModeNormal {
		t.Errorf("default mode = %s, want normal", info.PermissionMode)
	}
	if !info.NotificationsEnabled {
		t.Error("notifications should default on")
	}

	deadline := time.Now().Add(time.Second)
	for {
		launch.mu.Lock()
		n := len(launch.launched)
		launch.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never launched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateLaunchFailureBecomesError(t *testing.T) {
	launch := &fakeLauncher{launchErr: errLaunch}
	r, _ := newTestRegistry(t, launch)

	info, err := r.Create(CreateParams{OwnerID: "u1", Name: "fix"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitStatus(t, r, "u1", info.ID, session.StatusError)

	msgs, _ := r.Messages("u1", info.ID)
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != session.MessageError {
		t.Errorf("expected explanatory error message, got %v", msgs)
	}
}

func TestCreateRejectsBadMode(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	if _, err := r.Create(CreateParams{OwnerID: "u1", PermissionMode: "yolo"}); err == nil {
		t.Error("bad mode accepted")
	}
}

func TestOwnershipEnforced(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	info, _ := r.Create(CreateParams{OwnerID: "u1", Name: "fix"})

	if _, err := r.Get("u2", info.ID); err != ErrUnauthorized {
		t.Errorf("Get by non-owner: %v, want ErrUnauthorized", err)
	}
	if _, err := r.Get("u1", "nope"); err != ErrNotFound {
		t.Errorf("Get unknown: %v, want ErrNotFound", err)
	}
	if err := r.Delete("u2", info.ID); err != ErrUnauthorized {
		t.Errorf("Delete by non-owner: %v, want ErrUnauthorized", err)
	}
	if got := r.List("u2"); len(got) != 0 {
		t.Errorf("List leaked %d sessions across owners", len(got))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	info, _ := r.Create(CreateParams{OwnerID: "u1", Name: "fix"})

	if err := r.Delete("u1", info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete("u1", info.ID); err != nil {
		t.Errorf("second Delete: %v, want nil", err)
	}
	if _, err := r.Get("u1", info.ID); err != ErrNotFound {
		t.Errorf("deleted session still resolvable: %v", err)
	}
}

func TestRestore(t *testing.T) {
	launch := &fakeLauncher{alivePIDs: map[int]bool{42: true}}
	st, err := store.Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	seed := []session.Info{
		{ID: "alive", OwnerID: "u1", Name: "a", Status: session.StatusIdle, PermissionMode: session.ModeNormal, AgentPID: 42, CreatedAt: now},
		{ID: "dead", OwnerID: "u1", Name: "d", Status: session.StatusIdle, PermissionMode: session.ModeNormal, AgentPID: 77, CreatedAt: now},
		{ID: "done", OwnerID: "u1", Name: "t", Status: session.StatusTerminated, PermissionMode: session.ModeNormal, CreatedAt: now},
	}
	for _, info := range seed {
		if err := st.SaveSession(info, nil); err != nil {
			t.Fatalf("seed %s: %v", info.ID, err)
		}
	}

	r := New(st, launch, session.NullNotifier{}, time.Minute)
	if err := r.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if info, _ := r.Get("u1", "alive"); info.Status != session.StatusIdle {
		t.Errorf("alive session status = %s, want idle", info.Status)
	}
	if info, _ := r.Get("u1", "dead"); info.Status != session.StatusError {
		t.Errorf("dead session status = %s, want error", info.Status)
	}
	if info, _ := r.Get("u1", "done"); info.Status != session.StatusTerminated {
		t.Errorf("terminated session status = %s, want terminated", info.Status)
	}
	msgs, _ := r.Messages("u1", "dead")
	if len(msgs) != 1 || msgs[0].Type != session.MessageError {
		t.Errorf("dead session missing explanatory message: %v", msgs)
	}
}

func TestPersistAllRoundTrips(t *testing.T) {
	r, st := newTestRegistry(t, &fakeLauncher{})
	info, _ := r.Create(CreateParams{OwnerID: "u1", Name: "fix"})

	if err := r.PersistAll(); err != nil {
		t.Fatalf("PersistAll: %v", err)
	}
	infos, err := st.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != info.ID {
		t.Errorf("persisted sessions = %v", infos)
	}
}

func TestChildEventInjection(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	mgr, _ := r.Create(CreateParams{OwnerID: "u1", Name: "mgr", IsManager: true})

	if err := r.SendChildEvent(mgr.ID, "[CHILD READY] Session: \"fix\" (ID: c1)"); err != nil {
		t.Fatalf("SendChildEvent: %v", err)
	}
	msgs, _ := r.Messages("u1", mgr.ID)
	if len(msgs) != 1 || msgs[0].Type != session.MessageUser {
		t.Fatalf("messages = %v", msgs)
	}
	if err := r.SendChildEvent("nope", "x"); err != ErrNotFound {
		t.Errorf("unknown manager: %v, want ErrNotFound", err)
	}
}

func TestChildLinkedToManager(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	mgr, _ := r.Create(CreateParams{OwnerID: "u1", Name: "mgr", IsManager: true})
	child, _ := r.Create(CreateParams{OwnerID: "u1", Name: "fix", ManagedBy: mgr.ID})

	got, _ := r.Get("u1", mgr.ID)
	if len(got.Children) != 1 || got.Children[0] != child.ID {
		t.Errorf("manager children = %v, want [%s]", got.Children, child.ID)
	}
}

func TestUsageTotals(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	r.Create(CreateParams{OwnerID: "u1", Name: "a"})
	r.Create(CreateParams{OwnerID: "u1", Name: "b"})
	cost, usage := r.UsageTotals("u1")
	if cost != 0 || usage.InputTokens != 0 {
		t.Errorf("fresh totals nonzero: %v %v", cost, usage)
	}
}
