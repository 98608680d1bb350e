// Package session implements the conversation session store: the mapping
// from session keys to session metadata, persisted atomically as
// sessions.json under the agent's state directory.
package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/storage"
)

// Key is the canonical identity of a conversation:
// "agent:<agentId>:<scopeKey>", where scopeKey is "main", "global", or
// "<provider>:<peer>". Uniqueness of the key is the basis of single-flight.
type Key string

// MainKey returns the main session key for an agent.
func MainKey(agentID string) Key {
	return Key("agent:" + agentID + ":main")
}

// GlobalKey returns the shared global session key for an agent.
func GlobalKey(agentID string) Key {
	return Key("agent:" + agentID + ":global")
}

// PeerKey returns the per-sender session key for an agent.
func PeerKey(agentID, provider, peer string) Key {
	return Key("agent:" + agentID + ":" + provider + ":" + peer)
}

// Scope returns the scope part of the key (everything after the agent id).
func (k Key) Scope() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) < 3 {
		return string(k)
	}
	return parts[2]
}

// IsMain reports whether k is an agent's main session.
func (k Key) IsMain() bool {
	return k.Scope() == "main"
}

// ModelRef identifies the model that served the last turn.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// String renders "provider/modelId".
func (m ModelRef) String() string {
	if m.Provider == "" {
		return m.ModelID
	}
	return m.Provider + "/" + m.ModelID
}

// Usage holds cumulative token counters for a session.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Session is the persisted metadata of one conversation. Created on first
// reference; admission logic never deletes it.
type Session struct {
	ID              string   `json:"id"`
	UpdatedAt       int64    `json:"updatedAt"`
	ThinkingLevel   string   `json:"thinkingLevel,omitempty"`
	VerboseLevel    string   `json:"verboseLevel,omitempty"`
	ModelOverride   string   `json:"modelOverride,omitempty"`
	Usage           Usage    `json:"usage"`
	LastModel       ModelRef `json:"lastModel,omitzero"`
	ContextTokens   int      `json:"contextTokens,omitempty"`
	CompactionCount int      `json:"compactionCount,omitempty"`
	DisplayName     string   `json:"displayName,omitempty"`
}

// Patch is a partial session update. Nil pointer fields are left
// untouched; token counters are added, not replaced.
type Patch struct {
	ThinkingLevel *string
	VerboseLevel  *string
	ModelOverride *string
	DisplayName   *string
	LastModel     *ModelRef
	ContextTokens *int
	AddCompaction int
	AddInput      int64
	AddOutput     int64
}

// Store owns sessions.json and the key → session mapping.
type Store struct {
	dir    string
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (or initializes) the session store in dir. A load failure
// is treated as an empty store.
func NewStore(dir string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:      dir,
		path:     filepath.Join(dir, "sessions.json"),
		now:      time.Now,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[Key]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := storage.LoadJSON(s.path, &s.sessions); err != nil {
		s.logger.Warn("session store unreadable, starting empty",
			"path", s.path, "error", err)
		s.sessions = make(map[Key]*Session)
	}
	if s.sessions == nil {
		s.sessions = make(map[Key]*Session)
	}
	return s
}

// Dir returns the directory holding sessions.json and transcripts.
func (s *Store) Dir() string { return s.dir }

// GetOrCreate returns the session for key, creating it on first reference.
// Concurrent callers observe the same id.
func (s *Store) GetOrCreate(key Key) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return *sess
	}

	sess := &Session{
		ID:        uuid.NewString(),
		UpdatedAt: s.now().UnixMilli(),
	}
	s.sessions[key] = sess
	s.persistLocked()
	s.logger.Info("session created", "key", string(key), "id", sess.ID)
	return *sess
}

// Get returns a copy of the session for key.
func (s *Store) Get(key Key) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Update merges patch into the session for key (created on demand) and
// persists the store. Token counters are additive; UpdatedAt is bumped.
func (s *Store) Update(key Key, patch Patch) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{ID: uuid.NewString()}
		s.sessions[key] = sess
	}

	if patch.ThinkingLevel != nil {
		sess.ThinkingLevel = *patch.ThinkingLevel
	}
	if patch.VerboseLevel != nil {
		sess.VerboseLevel = *patch.VerboseLevel
	}
	if patch.ModelOverride != nil {
		sess.ModelOverride = *patch.ModelOverride
	}
	if patch.DisplayName != nil {
		sess.DisplayName = *patch.DisplayName
	}
	if patch.LastModel != nil {
		sess.LastModel = *patch.LastModel
	}
	if patch.ContextTokens != nil {
		sess.ContextTokens = *patch.ContextTokens
	}
	sess.CompactionCount += patch.AddCompaction
	sess.Usage.Input += patch.AddInput
	sess.Usage.Output += patch.AddOutput
	sess.Usage.Total += patch.AddInput + patch.AddOutput
	sess.UpdatedAt = s.now().UnixMilli()

	s.persistLocked()
	return *sess
}

// Reset allocates a fresh id for key and zeroes its counters. The old
// transcript file is left in place; new turns append to the new id.
func (s *Store) Reset(key Key) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:        uuid.NewString(),
		UpdatedAt: s.now().UnixMilli(),
	}
	s.sessions[key] = sess
	s.persistLocked()
	s.logger.Info("session reset", "key", string(key), "id", sess.ID)
	return *sess
}

// Entry pairs a key with its session for listing.
type Entry struct {
	Key     Key
	Session Session
}

// List returns all sessions sorted by recency (most recent first).
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.sessions))
	for k, sess := range s.sessions {
		out = append(out, Entry{Key: k, Session: *sess})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session.UpdatedAt != out[j].Session.UpdatedAt {
			return out[i].Session.UpdatedAt > out[j].Session.UpdatedAt
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// persistLocked writes sessions.json atomically. On failure the in-memory
// state is preserved and the next mutation retries.
func (s *Store) persistLocked() {
	if err := storage.SaveJSON(s.path, s.sessions); err != nil {
		s.logger.Error("failed to persist sessions", "path", s.path, "error", err)
	}
}

// TranscriptPath returns the append-only transcript path for a session id.
func (s *Store) TranscriptPath(sessionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.jsonl", sessionID))
}
