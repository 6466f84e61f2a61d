package auth

import (
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/perch/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSecretStableAcrossLoads(t *testing.T) {
	s := testStore(t)
	first, err := LoadJWTSecret(s, "")
	if err != nil {
		t.Fatalf("LoadJWTSecret: %v", err)
	}
	second, err := LoadJWTSecret(s, "")
	if err != nil {
		t.Fatalf("LoadJWTSecret again: %v", err)
	}
	if string(first) != string(second) {
		t.Error("secret changed between loads")
	}
	if len(first) != 32 {
		t.Errorf("secret length = %d, want 32", len(first))
	}
}

func TestAgentAndJWTSecretsDiffer(t *testing.T) {
	s := testStore(t)
	jwtSecret, _ := LoadJWTSecret(s, "")
	agentSecret, _ := LoadAgentSecret(s, "")
	if string(jwtSecret) == string(agentSecret) {
		t.Error("user and agent secrets must be distinct")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := testStore(t)
	secret, _ := LoadJWTSecret(s, "")

	token, _, err := IssueToken(secret, "u1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := ValidateToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "u1" {
		t.Errorf("userID = %q, want u1", userID)
	}
}

func TestTokenRejectedWithWrongSecret(t *testing.T) {
	s := testStore(t)
	secret, _ := LoadJWTSecret(s, "")
	token, _, _ := IssueToken(secret, "u1")

	other := make([]byte, 32)
	if _, err := ValidateToken(other, token); err == nil {
		t.Error("token validated with wrong secret")
	}
	if _, err := ValidateToken(secret, "garbage"); err == nil {
		t.Error("garbage token validated")
	}
}

func TestAgentSecretCheck(t *testing.T) {
	s := testStore(t)
	secret, _ := LoadAgentSecret(s, "")
	if !CheckAgentSecret(secret, EncodeSecret(secret)) {
		t.Error("agent secret rejected")
	}
	if CheckAgentSecret(secret, "bm90IHRoZSBzZWNyZXQ=") {
		t.Error("wrong agent secret accepted")
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "hunter3") {
		t.Error("wrong password accepted")
	}
}
