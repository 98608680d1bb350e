package bridge

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	frame, err := NewFrame(FrameHello, 1, Hello{NodeID: "node-1", DisplayName: "Mac"})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != FrameHello || got.Seq != 1 {
		t.Errorf("frame = %+v", got)
	}
	var hello Hello
	if err := DecodePayload(got, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.NodeID != "node-1" {
		t.Errorf("hello = %+v", hello)
	}
}

func TestReadFrameRejectsGarbageLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF, 1, 2, 3})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("oversized length must be rejected")
	}
}

// fakeStore implements TokenStore in memory.
type fakeStore struct {
	mu      sync.Mutex
	tokens  map[string]string
	allowed map[string]bool
	codes   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: map[string]string{}, allowed: map[string]bool{}}
}

func (f *fakeStore) Token(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[key]
}

func (f *fakeStore) SetToken(key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[key] = token
	return nil
}

func (f *fakeStore) IsAllowed(provider, principal string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[provider+"/"+principal]
}

func (f *fakeStore) CreateCode(provider, principal string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := "CODE01"
	f.codes = append(f.codes, provider+"/"+principal)
	return code, nil
}

func startServer(t *testing.T, store TokenStore, onMsg MessageHandler) *Server {
	t.Helper()
	s := NewServer(Options{ServerName: "test-gw", Store: store, OnMessage: onMsg})
	if err := s.Listen(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sendHello(t *testing.T, c net.Conn, seq uint64, hello Hello) {
	t.Helper()
	frame, err := NewFrame(FrameHello, seq, hello)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(c, frame); err != nil {
		t.Fatal(err)
	}
}

func readFrameTimeout(t *testing.T, c net.Conn) Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := ReadFrame(c)
	if err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Time{})
	return f
}

func TestHandshakeUnknownNodeGetsPairingCode(t *testing.T) {
	store := newFakeStore()
	s := startServer(t, store, nil)

	c := dial(t, s)
	sendHello(t, c, 1, Hello{NodeID: "new-node", DisplayName: "Phone"})

	frame := readFrameTimeout(t, c)
	if frame.Type != FramePair {
		t.Fatalf("frame type = %q, want pair", frame.Type)
	}
	var pair Pair
	if err := DecodePayload(frame, &pair); err != nil {
		t.Fatal(err)
	}
	if pair.Status != "pair" || pair.Code == "" {
		t.Errorf("pair = %+v", pair)
	}
}

func TestHandshakeApprovedNodeGetsTokenAndWelcome(t *testing.T) {
	store := newFakeStore()
	store.allowed["bridge/node-a"] = true
	s := startServer(t, store, nil)

	c := dial(t, s)
	sendHello(t, c, 1, Hello{NodeID: "node-a", DisplayName: "Laptop"})

	frame := readFrameTimeout(t, c)
	if frame.Type != FrameWelcome {
		t.Fatalf("frame type = %q, want welcome", frame.Type)
	}
	var welcome Welcome
	DecodePayload(frame, &welcome)
	if welcome.ServerName != "test-gw" || welcome.Token == "" {
		t.Errorf("welcome = %+v", welcome)
	}
	if store.Token("bridge-token/node-a") != welcome.Token {
		t.Error("issued token not persisted")
	}

	// Session is registered.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Sessions()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].NodeID != "node-a" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestHandshakeValidToken(t *testing.T) {
	store := newFakeStore()
	store.tokens["bridge-token/node-b"] = "tok-b"
	s := startServer(t, store, nil)

	c := dial(t, s)
	sendHello(t, c, 1, Hello{NodeID: "node-b", Token: "tok-b"})

	frame := readFrameTimeout(t, c)
	if frame.Type != FrameWelcome {
		t.Fatalf("frame type = %q, want welcome", frame.Type)
	}
}

func TestSecondAttachDisplacesFirst(t *testing.T) {
	store := newFakeStore()
	store.tokens["bridge-token/node-c"] = "tok-c"
	s := startServer(t, store, nil)

	first := dial(t, s)
	sendHello(t, first, 1, Hello{NodeID: "node-c", Token: "tok-c"})
	if f := readFrameTimeout(t, first); f.Type != FrameWelcome {
		t.Fatalf("first attach: %q", f.Type)
	}

	second := dial(t, s)
	sendHello(t, second, 1, Hello{NodeID: "node-c", Token: "tok-c"})
	if f := readFrameTimeout(t, second); f.Type != FrameWelcome {
		t.Fatalf("second attach: %q", f.Type)
	}

	// The first connection receives a graceful goodbye.
	gotGoodbye := false
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		f, err := ReadFrame(first)
		if err != nil {
			break
		}
		if f.Type == FrameGoodbye {
			gotGoodbye = true
			break
		}
	}
	if !gotGoodbye {
		t.Error("displaced session should receive goodbye")
	}

	if n := len(s.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestMessageForwardedAndOutOfOrderDropped(t *testing.T) {
	store := newFakeStore()
	store.tokens["bridge-token/node-d"] = "tok-d"

	var mu sync.Mutex
	var got []Message
	s := startServer(t, store, func(_ context.Context, nodeID string, msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	c := dial(t, s)
	sendHello(t, c, 1, Hello{NodeID: "node-d", Token: "tok-d"})
	readFrameTimeout(t, c) // welcome

	write := func(seq uint64, text string) {
		frame, _ := NewFrame(FrameMessage, seq, Message{Text: text, MessageID: text})
		if err := WriteFrame(c, frame); err != nil {
			t.Fatal(err)
		}
	}
	write(2, "first")
	write(2, "replayed") // out-of-order: same seq, dropped
	write(3, "second")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("messages = %+v", got)
	}
}

func TestDashboardAuth(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	auth := DashboardAuth{Token: "tok", PasswordHash: hash}

	if !auth.valid("tok") {
		t.Error("token must pass")
	}
	if !auth.valid("hunter2") {
		t.Error("password must pass")
	}
	if auth.valid("wrong") {
		t.Error("bad credential must fail")
	}
	if auth.valid("") {
		t.Error("empty credential must fail")
	}
}

func TestResolveBindLiteralAddresses(t *testing.T) {
	if host, err := resolveBind("0.0.0.0"); err != nil || host != "0.0.0.0" {
		t.Errorf("resolveBind(0.0.0.0) = %q, %v", host, err)
	}
	if host, err := resolveBind("127.0.0.1"); err != nil || host != "127.0.0.1" {
		t.Errorf("resolveBind(127.0.0.1) = %q, %v", host, err)
	}
}
