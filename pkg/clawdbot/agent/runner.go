package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/directive"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// defaultTools is the core tool set offered to the model before the
// config filter is applied.
var defaultTools = []string{
	"read", "write", "edit", "grep", "find", "ls", "bash", "process",
}

// RunParams is the input of one agent turn.
type RunParams struct {
	// Message is the inbound text.
	Message string

	// SessionKey selects the conversation. Empty means the main session.
	SessionKey session.Key

	// ThinkingOverride forces a thinking level for this turn.
	ThinkingOverride string

	// ModelOverride forces a primary model for this turn.
	ModelOverride string

	// SkipDirectives suppresses directive extraction (cron payloads,
	// heartbeats).
	SkipDirectives bool

	// SkipMemory suppresses daily memory loading.
	SkipMemory bool

	// AbortPrevious cancels an in-flight run on the same key instead of
	// queueing behind it.
	AbortPrevious bool

	// Events receives streaming events when non-nil. The runner closes
	// it when the turn completes.
	Events chan<- Event
}

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Response   string
	SessionID  string
	SessionKey session.Key
	Usage      *Usage
	Model      string
	Directives *directive.Result
	Attempts   []Attempt
}

// Runner executes agent turns with strict single flight per session key.
type Runner struct {
	cfg      *config.Config
	backend  Backend
	sessions *session.Store
	profile  string
	now      func() time.Time
	logger   *slog.Logger

	// bundledSkillsDir ships with the install; managedSkillsDir is
	// populated by the agent itself.
	bundledSkillsDir string
	managedSkillsDir string

	// history mirrors turns into the optional queryable backend
	// (session.store = "sqlite"); nil when disabled.
	history session.HistoryStore

	mu      sync.Mutex
	flights map[session.Key]*flight
}

// flight serializes turns for one session key. The semaphore has
// capacity one; waiters acquire in FIFO order.
type flight struct {
	sem  chan struct{}
	refs int

	mu     sync.Mutex
	cancel context.CancelFunc // of the active run, for AbortPrevious
}

// Options configures a Runner.
type Options struct {
	Profile          string
	BundledSkillsDir string
	ManagedSkillsDir string
	History          session.HistoryStore
	Clock            func() time.Time
	Logger           *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, backend Backend, sessions *session.Store, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{
		cfg:              cfg,
		backend:          backend,
		sessions:         sessions,
		profile:          opts.Profile,
		now:              now,
		logger:           logger.With("component", "agent"),
		bundledSkillsDir: opts.BundledSkillsDir,
		managedSkillsDir: opts.ManagedSkillsDir,
		history:          opts.History,
		flights:          make(map[session.Key]*flight),
	}
}

// Sessions exposes the runner's session store.
func (r *Runner) Sessions() *session.Store { return r.sessions }

// MainKey returns the runner's main session key.
func (r *Runner) MainKey() session.Key {
	if r.cfg.Session.MainKey != "" {
		return session.Key(r.cfg.Session.MainKey)
	}
	return session.MainKey("clawd")
}

// Run executes one agent turn. Calls for the same session key are
// serialized in arrival order; with AbortPrevious the in-flight run is
// cancelled first.
func (r *Runner) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	if params.SessionKey == "" {
		params.SessionKey = r.MainKey()
	}

	fl := r.acquireFlight(params.SessionKey, params.AbortPrevious)
	defer r.releaseFlight(params.SessionKey, fl)

	select {
	case fl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-fl.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fl.mu.Lock()
	fl.cancel = cancel
	fl.mu.Unlock()
	defer func() {
		fl.mu.Lock()
		fl.cancel = nil
		fl.mu.Unlock()
	}()

	return r.runTurn(runCtx, params)
}

func (r *Runner) acquireFlight(key session.Key, abortPrevious bool) *flight {
	r.mu.Lock()
	fl, ok := r.flights[key]
	if !ok {
		fl = &flight{sem: make(chan struct{}, 1)}
		r.flights[key] = fl
	}
	fl.refs++
	r.mu.Unlock()

	if abortPrevious {
		fl.mu.Lock()
		if fl.cancel != nil {
			fl.cancel()
		}
		fl.mu.Unlock()
	}
	return fl
}

// releaseFlight drops the reference, deleting the per-key state once the
// last caller returns. Cleanup is synchronous: the runner holds no
// timers.
func (r *Runner) releaseFlight(key session.Key, fl *flight) {
	r.mu.Lock()
	fl.refs--
	if fl.refs == 0 {
		delete(r.flights, key)
	}
	r.mu.Unlock()
}

// runTurn performs the execution steps for one admitted turn.
func (r *Runner) runTurn(ctx context.Context, params RunParams) (result *RunResult, err error) {
	events := params.Events
	if events != nil {
		defer close(events)
	}

	// 1. Directives.
	message := params.Message
	var directives *directive.Result
	if !params.SkipDirectives {
		d := directive.Parse(message)
		directives = &d
		if d.Cleaned != "" || !d.HasDirectives {
			message = d.Cleaned
		}
	}

	// 2. Workspace and bootstrap files.
	workspace := r.cfg.WorkspacePath(r.profile)
	contextFiles, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}

	// 3. Daily memory.
	if !params.SkipMemory {
		if mem := LoadDailyMemory(workspace, r.now()); mem != nil {
			contextFiles = append(contextFiles, *mem)
		}
	}

	// 4. Skills.
	skillDirs := []string{r.bundledSkillsDir}
	skillDirs = append(skillDirs, r.cfg.Skills.ExtraDirs...)
	skillDirs = append(skillDirs, r.managedSkillsDir, filepath.Join(workspace, "skills"))
	skills := FilterSkills(DiscoverSkills(skillDirs), r.cfg, DefaultSkillEnvironment())

	// 5. Env overrides; the undo closure runs on every exit path.
	undoEnv := ApplySkillEnv(skills, r.cfg)
	defer undoEnv()

	// 6. Model chain.
	override := params.ModelOverride
	sessKey := params.SessionKey
	sess := r.sessions.GetOrCreate(sessKey)
	if override == "" && sess.ModelOverride != "" {
		override = sess.ModelOverride
	}
	chain, err := ResolveModelChain(r.cfg, override)
	if err != nil {
		return nil, err
	}

	// 7. System prompt suffix.
	thinking := params.ThinkingOverride
	if thinking == "" && directives != nil && directives.ThinkLevel != "" {
		thinking = directives.ThinkLevel
	}
	if thinking == "" && sess.ThinkingLevel != "" {
		thinking = sess.ThinkingLevel
	}
	if thinking == "" {
		thinking = r.cfg.Agent.Thinking
	}
	tools, denied := filterTools(defaultTools, r.cfg.Agent.Tools)
	suffix := BuildSystemPromptSuffix(PromptInfo{
		Tools:         tools,
		DeniedTools:   denied,
		Workspace:     workspace,
		Now:           r.now(),
		ThinkingLevel: thinking,
	})

	// 8. Transcript.
	transcript := r.sessions.TranscriptPath(sess.ID)
	if message != "" {
		r.appendTranscript(sessKey, sess.ID, session.TranscriptRecord{
			At: r.now(), Role: "user", Text: message,
		})
	}

	// 9–10. Invoke with fallback discipline.
	req := BackendRequest{
		Message:            message,
		SystemPromptSuffix: suffix,
		ContextFiles:       contextFiles,
		SkillsPrompt:       SkillsPrompt(skills),
		Tools:              tools,
		ThinkingLevel:      thinking,
		SessionID:          sess.ID,
		TranscriptPath:     transcript,
	}

	backendEvents := make(chan Event, 16)
	var forward sync.WaitGroup
	forward.Add(1)
	go func() {
		defer forward.Done()
		for ev := range backendEvents {
			if events != nil {
				events <- ev
			}
		}
	}()

	var attempts []Attempt
	var res BackendResult
	var winner string
	for _, ref := range chain {
		req.Model = ref
		res, err = r.backend.Run(ctx, req, backendEvents)
		if err == nil {
			winner = ref
			break
		}
		if IsCancellation(err) {
			close(backendEvents)
			forward.Wait()
			return nil, err
		}
		provider, model := SplitModelRef(ref)
		attempts = append(attempts, Attempt{Provider: provider, Model: model, Err: err})
		r.logger.Warn("model attempt failed", "model", ref, "error", err)
	}
	close(backendEvents)
	forward.Wait()

	if winner == "" {
		return nil, &ChainError{Attempts: attempts}
	}

	// 11. Record outcome. Aborted turns never reach this point, so
	// counters only move for completed turns.
	provider, model := SplitModelRef(winner)
	updated := r.sessions.Update(sessKey, session.Patch{
		AddInput:  res.Usage.Input,
		AddOutput: res.Usage.Output,
		LastModel: &session.ModelRef{Provider: provider, ModelID: model},
	})
	if res.Text != "" {
		r.appendTranscript(sessKey, sess.ID, session.TranscriptRecord{
			At: r.now(), Role: "assistant", Text: res.Text, Model: winner,
		})
	}

	usage := res.Usage
	return &RunResult{
		Response:   res.Text,
		SessionID:  updated.ID,
		SessionKey: sessKey,
		Usage:      &usage,
		Model:      winner,
		Directives: directives,
		Attempts:   attempts,
	}, nil
}

func (r *Runner) appendTranscript(key session.Key, sessionID string, rec session.TranscriptRecord) {
	if err := r.sessions.AppendTranscript(sessionID, rec); err != nil {
		r.logger.Warn("transcript append failed", "session", sessionID, "error", err)
	}
	if r.history != nil {
		if err := r.history.RecordTurn(key, sessionID, rec); err != nil {
			r.logger.Warn("history record failed", "session", sessionID, "error", err)
		}
	}
}

// filterTools applies the allow/deny config to the core tool set.
func filterTools(all []string, filter config.ToolFilterConfig) (tools, denied []string) {
	allow := make(map[string]bool, len(filter.Allow))
	for _, t := range filter.Allow {
		allow[t] = true
	}
	deny := make(map[string]bool, len(filter.Deny))
	for _, t := range filter.Deny {
		deny[t] = true
	}

	for _, t := range all {
		switch {
		case deny[t]:
			denied = append(denied, t)
		case len(allow) > 0 && !allow[t]:
			denied = append(denied, t)
		default:
			tools = append(tools, t)
		}
	}
	return tools, denied
}
