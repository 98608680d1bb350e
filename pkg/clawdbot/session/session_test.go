package session

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := MainKey("clawd"); got != "agent:clawd:main" {
		t.Errorf("MainKey = %q", got)
	}
	if got := GlobalKey("clawd"); got != "agent:clawd:global" {
		t.Errorf("GlobalKey = %q", got)
	}
	if got := PeerKey("clawd", "whatsapp", "+1555"); got != "agent:clawd:whatsapp:+1555" {
		t.Errorf("PeerKey = %q", got)
	}
	if !MainKey("clawd").IsMain() {
		t.Error("main key should be main")
	}
	if PeerKey("clawd", "p", "u").IsMain() {
		t.Error("peer key should not be main")
	}
}

func TestGetOrCreateStableID(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	key := MainKey("clawd")

	a := s.GetOrCreate(key)
	b := s.GetOrCreate(key)
	if a.ID != b.ID {
		t.Errorf("ids differ: %q vs %q", a.ID, b.ID)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	key := MainKey("clawd")

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = s.GetOrCreate(key).ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent callers observed different ids: %v", ids)
		}
	}
}

func TestUpdateAdditiveCounters(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	key := MainKey("clawd")
	s.GetOrCreate(key)

	s.Update(key, Patch{AddInput: 100, AddOutput: 40})
	got := s.Update(key, Patch{AddInput: 10, AddOutput: 5})

	if got.Usage.Input != 110 || got.Usage.Output != 45 || got.Usage.Total != 155 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	key := MainKey("clawd")

	level := "high"
	model := ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4-20250514"}
	got := s.Update(key, Patch{ThinkingLevel: &level, LastModel: &model})

	if got.ThinkingLevel != "high" {
		t.Errorf("thinking = %q", got.ThinkingLevel)
	}
	if got.LastModel.String() != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("lastModel = %q", got.LastModel.String())
	}

	// Untouched fields survive further patches.
	got = s.Update(key, Patch{AddInput: 1})
	if got.ThinkingLevel != "high" {
		t.Errorf("thinking lost on later patch: %q", got.ThinkingLevel)
	}
}

func TestResetAllocatesFreshID(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	key := MainKey("clawd")

	before := s.GetOrCreate(key)
	s.Update(key, Patch{AddInput: 50})

	after := s.Reset(key)
	if after.ID == before.ID {
		t.Error("reset must allocate a new id")
	}
	if after.Usage.Total != 0 {
		t.Errorf("reset must zero counters, got %+v", after.Usage)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	key := MainKey("clawd")

	s1 := NewStore(dir, nil)
	created := s1.GetOrCreate(key)
	s1.Update(key, Patch{AddInput: 7})

	s2 := NewStore(dir, nil)
	got, ok := s2.Get(key)
	if !ok {
		t.Fatal("session lost across reopen")
	}
	if got.ID != created.ID {
		t.Errorf("id changed: %q vs %q", got.ID, created.ID)
	}
	if got.Usage.Input != 7 {
		t.Errorf("usage lost: %+v", got.Usage)
	}
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/sessions.json", []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir, nil)
	if len(s.List()) != 0 {
		t.Error("corrupt store should load empty")
	}
}

func TestListOrderedByRecency(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	s := NewStore(t.TempDir(), nil, WithClock(clock))

	s.GetOrCreate(PeerKey("clawd", "p", "old"))
	now = now.Add(time.Minute)
	s.GetOrCreate(PeerKey("clawd", "p", "new"))

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].Key != PeerKey("clawd", "p", "new") {
		t.Errorf("most recent first, got %q", list[0].Key)
	}
}

func TestTranscriptAppendAndRead(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	err := s.AppendTranscript("sess-1", TranscriptRecord{
		At: time.Unix(1, 0), Role: "user", Text: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.AppendTranscript("sess-1", TranscriptRecord{
		At: time.Unix(2, 0), Role: "assistant", Text: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := s.ReadTranscript("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Text != "hi" || recs[1].Role != "assistant" {
		t.Errorf("recs = %+v", recs)
	}
}

func TestTranscriptSkipsTornTail(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	s.AppendTranscript("sess-1", TranscriptRecord{Role: "user", Text: "ok"})

	// Simulate a crash mid-append.
	f, err := os.OpenFile(s.TranscriptPath("sess-1"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"role":"assist`)
	f.Close()

	recs, err := s.ReadTranscript("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("torn tail should be skipped, got %d records", len(recs))
	}
}

func TestSessionJSONShape(t *testing.T) {
	sess := Session{
		ID:        "abc",
		UpdatedAt: 123,
		Usage:     Usage{Input: 1, Output: 2, Total: 3},
		LastModel: ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4-20250514"},
	}
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["id"] != "abc" {
		t.Errorf("id field missing: %s", data)
	}
	if _, ok := m["usage"]; !ok {
		t.Errorf("usage field missing: %s", data)
	}
}
