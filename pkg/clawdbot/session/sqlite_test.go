package session

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteHistoryRecordAndCount(t *testing.T) {
	h, err := OpenSQLiteHistory(filepath.Join(t.TempDir(), "clawdbot.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer h.Close()

	key := MainKey("clawd")
	rec := TranscriptRecord{At: time.Now(), Role: "user", Text: "hi"}
	if err := h.RecordTurn(key, "sess-1", rec); err != nil {
		t.Fatal(err)
	}
	rec.Role = "assistant"
	rec.Text = "hello"
	rec.Model = "anthropic/claude-sonnet-4-20250514"
	if err := h.RecordTurn(key, "sess-1", rec); err != nil {
		t.Fatal(err)
	}

	n, err := h.TurnCount("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("turns = %d", n)
	}

	if n, _ := h.TurnCount("ghost"); n != 0 {
		t.Errorf("ghost turns = %d", n)
	}
}
