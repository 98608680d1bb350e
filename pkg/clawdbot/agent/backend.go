// Package agent implements the per-conversation agent runner: single
// flight per session key, workspace and memory context assembly, skill
// discovery, the model fallback chain, and streaming event dispatch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventKind classifies streaming events from the model backend.
type EventKind string

const (
	// EventTextChunk carries an assistant text delta.
	EventTextChunk EventKind = "text_chunk"

	// EventToolUse marks the start of a tool execution.
	EventToolUse EventKind = "tool_use"

	// EventToolResult marks the end of a tool execution.
	EventToolResult EventKind = "tool_result"
)

// Event is one streaming event. Consumers receive events on a single
// channel; ordering on the channel is the delivery order.
type Event struct {
	Kind   EventKind
	Text   string
	Tool   string
	Args   map[string]any
	Result string
}

// Usage is the token usage of one backend invocation.
type Usage struct {
	Input  int64
	Output int64
}

// Total returns input + output.
func (u Usage) Total() int64 { return u.Input + u.Output }

// ContextFile is one named prompt fragment loaded into the model context.
type ContextFile struct {
	Name    string
	Content string
}

// BackendRequest is everything a model backend needs for one turn.
type BackendRequest struct {
	// Model is the "provider/model" reference to invoke.
	Model string

	// Message is the user (or system-event) text for this turn.
	Message string

	// SystemPromptSuffix is appended to the backend's base prompt.
	SystemPromptSuffix string

	// ContextFiles are the workspace bootstrap files and daily memory.
	ContextFiles []ContextFile

	// SkillsPrompt is the assembled skills prompt fragment.
	SkillsPrompt string

	// Tools are the tool names offered for this turn.
	Tools []string

	// ThinkingLevel is the effective reasoning effort.
	ThinkingLevel string

	// SessionID identifies the conversation for backend-side state.
	SessionID string

	// TranscriptPath is the session's append-only transcript file.
	TranscriptPath string
}

// BackendResult is the final outcome of one backend invocation.
type BackendResult struct {
	Text  string
	Usage Usage
}

// Backend is the Model Backend contract. Implementations stream events
// into the channel as they occur and return the accumulated final text.
// The channel is owned by the caller and stays open across fallback
// attempts.
type Backend interface {
	Run(ctx context.Context, req BackendRequest, events chan<- Event) (BackendResult, error)
}

// IsCancellation reports whether err is a cooperative abort. Cancellation
// propagates unchanged and never advances the fallback chain.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Attempt records one failed model invocation in the fallback chain.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// ChainError aggregates every failed attempt when the whole chain is
// exhausted.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err)
	}
	return "all models failed: " + strings.Join(parts, "; ")
}

// SplitModelRef splits "provider/model" into its parts. A bare model id
// has an empty provider.
func SplitModelRef(ref string) (provider, model string) {
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
