package pairing

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "pairing.json"), nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndApprove(t *testing.T) {
	s := newTestStore(t)

	code, err := s.CreateCode("whatsapp", "+15555550123")
	if err != nil {
		t.Fatalf("CreateCode: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code length = %d, want exactly 6", len(code))
	}

	if s.IsAllowed("whatsapp", "+15555550123") {
		t.Error("unapproved principal must not be allowed")
	}

	principal, err := s.Approve("whatsapp", code, "owner")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if principal != "+15555550123" {
		t.Errorf("principal = %q", principal)
	}
	if !s.IsAllowed("whatsapp", "+15555550123") {
		t.Error("approved principal must be allowed")
	}
	if len(s.Pending()) != 0 {
		t.Error("pending entry must be removed on approval")
	}
}

func TestCodeAlwaysSixChars(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 200; i++ {
		code, err := s.CreateCode("whatsapp", fmt.Sprintf("+1555%04d", i))
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q has length %d, want 6", code, len(code))
		}
	}
}

func TestCodeReuseForSamePrincipal(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.CreateCode("telegram", "42")
	b, _ := s.CreateCode("telegram", "42")
	if a != b {
		t.Errorf("same pending pair should reuse the code: %q vs %q", a, b)
	}
}

func TestExpiredCodeCannotBeApproved(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	s := newTestStore(t, WithClock(clock), WithCodeTTL(time.Minute))

	code, _ := s.CreateCode("discord", "user#1")
	now = now.Add(2 * time.Minute)

	if _, err := s.Approve("discord", code, "owner"); err == nil {
		t.Error("expired code must not be redeemable")
	}
}

func TestApproveWrongProvider(t *testing.T) {
	s := newTestStore(t)
	code, _ := s.CreateCode("whatsapp", "p")
	if _, err := s.Approve("telegram", code, "owner"); err == nil {
		t.Error("code is scoped to its provider")
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)
	code, _ := s.CreateCode("whatsapp", "p")
	s.Approve("whatsapp", code, "owner")

	if err := s.Revoke("whatsapp", "p"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.IsAllowed("whatsapp", "p") {
		t.Error("revoked principal must not be allowed")
	}
}

func TestTokens(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetToken("bridge-token/node-1", "tok123"); err != nil {
		t.Fatal(err)
	}
	if got := s.Token("bridge-token/node-1"); got != "tok123" {
		t.Errorf("token = %q", got)
	}
	if got := s.Token("bridge-token/ghost"); got != "" {
		t.Errorf("missing token = %q, want empty", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s1, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	code, _ := s1.CreateCode("whatsapp", "p")
	s1.Approve("whatsapp", code, "owner")
	s1.SetToken("bridge-token/n", "tok")

	s2, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.IsAllowed("whatsapp", "p") {
		t.Error("allow-list lost across reopen")
	}
	if s2.Token("bridge-token/n") != "tok" {
		t.Error("tokens lost across reopen")
	}
}

func TestReplyText(t *testing.T) {
	text := ReplyText("WhatsApp +15555550123", "whatsapp", "ABC123")

	if !strings.HasPrefix(text, "Clawdbot: access not configured.") {
		t.Errorf("bad header: %q", text)
	}
	if !strings.Contains(text, "Pairing code: ABC123") {
		t.Error("missing pairing code line")
	}
	if !strings.Contains(text, "clawdbot pairing approve whatsapp ABC123") {
		t.Error("missing approver command line")
	}
}
