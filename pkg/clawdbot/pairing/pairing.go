// Package pairing implements the authorization store: pending pairing codes
// plus the approved allow-list keyed by provider and principal. Unknown
// senders get a pairing code; the owner approves it from the CLI.
package pairing

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/storage"
)

// DefaultCodeTTL is how long a pairing code stays redeemable.
const DefaultCodeTTL = 10 * time.Minute

// Code is a pending pairing request.
type Code struct {
	Code        string `json:"code"`
	Provider    string `json:"provider"`
	Principal   string `json:"principal"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
	ApprovedBy  string `json:"approvedBy,omitempty"`
}

// fileState is the persisted shape of pairing.json.
type fileState struct {
	// Allow maps provider → approved principals.
	Allow map[string][]string `json:"allow"`

	// Pending holds unredeemed pairing codes.
	Pending []Code `json:"pending"`

	// Tokens holds issued bearer tokens, keyed "bridge-token/<nodeId>".
	Tokens map[string]string `json:"tokens,omitempty"`
}

// Store owns pairing.json. All mutations persist atomically.
type Store struct {
	path    string
	codeTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	state fileState
}

// Option configures a Store.
type Option func(*Store)

// WithCodeTTL overrides the pairing code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Store) { s.codeTTL = ttl }
}

// WithClock injects a wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads (or initializes) the pairing store at path.
func NewStore(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		codeTTL: DefaultCodeTTL,
		now:     time.Now,
		logger:  logger.With("component", "pairing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := storage.LoadJSON(path, &s.state); err != nil {
		// Corrupt store: start empty. The unreadable file stays on disk until
		// the next mutation replaces it.
		s.logger.Warn("pairing store unreadable, starting empty", "path", path, "error", err)
		s.state = fileState{}
	}
	if s.state.Allow == nil {
		s.state.Allow = make(map[string][]string)
	}
	if s.state.Tokens == nil {
		s.state.Tokens = make(map[string]string)
	}
	return s, nil
}

// IsAllowed reports whether principal is approved for provider.
func (s *Store) IsAllowed(provider, principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.state.Allow[provider] {
		if p == principal {
			return true
		}
	}
	return false
}

// CreateCode issues a pairing code for (provider, principal). An unexpired
// pending code for the same pair is reused so repeated messages from the
// same stranger do not churn codes.
func (s *Store) CreateCode(provider, principal string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	s.pruneLocked(now)

	for _, c := range s.state.Pending {
		if c.Provider == provider && c.Principal == principal {
			return c.Code, nil
		}
	}

	code, err := s.generateCodeLocked()
	if err != nil {
		return "", err
	}

	s.state.Pending = append(s.state.Pending, Code{
		Code:        code,
		Provider:    provider,
		Principal:   principal,
		CreatedAtMs: now,
		ExpiresAtMs: now + s.codeTTL.Milliseconds(),
	})
	return code, s.persistLocked()
}

// codeSpace is 36^6: the number of distinct 6-char base36 codes.
const codeSpace = 36 * 36 * 36 * 36 * 36 * 36

// generateCodeLocked draws a 32-bit random value reduced into [0, 36^6),
// renders it base36 padded to exactly 6 chars, and retries on collision
// with a pending code.
func (s *Store) generateCodeLocked() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		n := uint64(binary.BigEndian.Uint32(buf[:])) % codeSpace
		code := strings.ToUpper(strconv.FormatUint(n, 36))
		for len(code) < 6 {
			code = "0" + code
		}
		if !s.codeExistsLocked(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("pairing code space exhausted")
}

func (s *Store) codeExistsLocked(code string) bool {
	for _, c := range s.state.Pending {
		if c.Code == code {
			return true
		}
	}
	return false
}

// Approve redeems a pending code for provider, moving its principal into
// the allow-list. The pending entry is removed.
func (s *Store) Approve(provider, code, approvedBy string) (principal string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	s.pruneLocked(now)

	idx := -1
	for i, c := range s.state.Pending {
		if c.Provider == provider && strings.EqualFold(c.Code, code) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("no pending pairing code %q for provider %q", code, provider)
	}

	principal = s.state.Pending[idx].Principal
	s.state.Pending = append(s.state.Pending[:idx], s.state.Pending[idx+1:]...)

	if !containsString(s.state.Allow[provider], principal) {
		s.state.Allow[provider] = append(s.state.Allow[provider], principal)
	}

	s.logger.Info("pairing approved",
		"provider", provider, "principal", principal, "by", approvedBy)
	return principal, s.persistLocked()
}

// Revoke removes a principal from the allow-list.
func (s *Store) Revoke(provider, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.state.Allow[provider]
	out := list[:0]
	for _, p := range list {
		if p != principal {
			out = append(out, p)
		}
	}
	if len(out) == len(list) {
		return fmt.Errorf("%s/%s is not in the allow-list", provider, principal)
	}
	s.state.Allow[provider] = out
	return s.persistLocked()
}

// Allowed returns the approved principals for provider.
func (s *Store) Allowed(provider string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.state.Allow[provider]))
	copy(out, s.state.Allow[provider])
	return out
}

// Pending returns the unexpired pending codes.
func (s *Store) Pending() []Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now().UnixMilli())
	out := make([]Code, len(s.state.Pending))
	copy(out, s.state.Pending)
	return out
}

// SetToken stores a bearer token under key (e.g. "bridge-token/<nodeId>").
func (s *Store) SetToken(key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tokens[key] = token
	return s.persistLocked()
}

// Token returns the stored token for key ("" when absent).
func (s *Store) Token(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Tokens[key]
}

// pruneLocked drops expired pending codes.
func (s *Store) pruneLocked(nowMs int64) {
	out := s.state.Pending[:0]
	for _, c := range s.state.Pending {
		if c.ExpiresAtMs > nowMs {
			out = append(out, c)
		}
	}
	s.state.Pending = out
}

func (s *Store) persistLocked() error {
	if err := storage.SaveJSON(s.path, &s.state); err != nil {
		// Keep in-memory state; a later mutation retries the write.
		s.logger.Error("failed to persist pairing store", "path", s.path, "error", err)
		return err
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ReplyText renders the exact not-authorized reply sent to strangers.
func ReplyText(idLine, provider, code string) string {
	return fmt.Sprintf(`Clawdbot: access not configured.

%s

Pairing code: %s

Ask the bot owner to approve with:
clawdbot pairing approve %s %s`, idLine, code, provider, code)
}
