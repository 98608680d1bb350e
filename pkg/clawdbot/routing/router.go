// Package routing matches inbound text against the registry of chat
// commands. Commands short-circuit the agent: a matched command either
// replies directly or is consumed silently; everything else passes through
// to the admission pipeline.
package routing

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Policy gates who may invoke a command and where.
type Policy struct {
	// AllowInGroup permits the command inside group chats.
	AllowInGroup bool

	// RequiresAuth restricts the command to paired principals.
	RequiresAuth bool

	// RequireMainSession restricts the command to the main session.
	RequireMainSession bool
}

// Request carries the normalized context of one inbound message.
type Request struct {
	Text          string
	Provider      string
	Peer          string
	PeerName      string
	IsGroup       bool
	SessionKey    string
	IsMainSession bool
}

// Handler executes a matched command. args is the remainder after the
// alias (trimmed, possibly empty). The returned reply is sent verbatim;
// an empty reply consumes the message silently.
type Handler func(ctx context.Context, req Request, args string) (reply string, err error)

// Command is one registry entry.
type Command struct {
	// Name is the canonical command name.
	Name string

	// Aliases are the literal text forms that match (without the
	// leading slash).
	Aliases []string

	// AcceptsArgs permits trailing tokens after the alias.
	AcceptsArgs bool

	Policy Policy

	Handler Handler
}

// Decision is the router's verdict for one message.
type Decision int

const (
	// PassThrough means no command matched: continue to the agent.
	PassThrough Decision = iota

	// Consumed means a command matched and produced no reply.
	Consumed

	// Replied means a command matched and Reply should be delivered.
	Replied
)

// Result is the outcome of Dispatch.
type Result struct {
	Decision Decision
	Reply    string
	Command  string
}

// AccessStore is the part of the pairing store the router consults: the
// allow-list check and pairing code issuance.
type AccessStore interface {
	IsAllowed(provider, principal string) bool
	CreateCode(provider, principal string) (string, error)
}

// UnauthorizedReply renders the reply for a stranger invoking an
// auth-gated command. Injected so the pairing package owns the exact text.
type UnauthorizedReply func(req Request, code string) string

// Router holds the ordered command registry.
type Router struct {
	commands     []Command
	access       AccessStore
	unauthorized UnauthorizedReply
	logger       *slog.Logger
}

// New creates a Router. access may be nil, in which case auth-gated
// commands are denied without a pairing code.
func New(access AccessStore, unauthorized UnauthorizedReply, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		access:       access,
		unauthorized: unauthorized,
		logger:       logger.With("component", "commands"),
	}
}

// Register appends commands to the registry. Registration order is match
// order.
func (r *Router) Register(cmds ...Command) {
	r.commands = append(r.commands, cmds...)
}

// Commands returns the registered command names in order.
func (r *Router) Commands() []string {
	out := make([]string, len(r.commands))
	for i, c := range r.commands {
		out[i] = c.Name
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

// Normalize canonicalizes inbound text for matching: trim, collapse
// whitespace, lowercase, strip a single leading slash.
func Normalize(text string) string {
	s := spaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	s = strings.ToLower(s)
	s = strings.TrimPrefix(s, "/")
	return s
}

// Dispatch matches req.Text against the registry. The first alias match
// wins; policy is evaluated only for the matched command.
func (r *Router) Dispatch(ctx context.Context, req Request) Result {
	normalized := Normalize(req.Text)
	if normalized == "" {
		return Result{Decision: PassThrough}
	}

	for _, cmd := range r.commands {
		args, ok := matchAlias(normalized, cmd)
		if !ok {
			continue
		}
		return r.run(ctx, cmd, req, args)
	}
	return Result{Decision: PassThrough}
}

// matchAlias reports whether normalized text starts with one of the
// command's aliases. For AcceptsArgs=false no trailing token is permitted.
func matchAlias(normalized string, cmd Command) (args string, ok bool) {
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(alias)
		if normalized == alias {
			return "", true
		}
		if strings.HasPrefix(normalized, alias+" ") {
			if !cmd.AcceptsArgs {
				continue
			}
			return strings.TrimSpace(normalized[len(alias):]), true
		}
	}
	return "", false
}

func (r *Router) run(ctx context.Context, cmd Command, req Request, args string) Result {
	if req.IsGroup && !cmd.Policy.AllowInGroup {
		return Result{Decision: Consumed, Command: cmd.Name}
	}

	if cmd.Policy.RequiresAuth {
		allowed := r.access != nil && r.access.IsAllowed(req.Provider, req.Peer)
		if !allowed {
			return r.deny(cmd, req)
		}
	}

	if cmd.Policy.RequireMainSession && !req.IsMainSession {
		return Result{
			Decision: Replied,
			Reply:    "This command is only available in the main session.",
			Command:  cmd.Name,
		}
	}

	reply, err := cmd.Handler(ctx, req, args)
	if err != nil {
		r.logger.Warn("command failed", "command", cmd.Name, "error", err)
		return Result{Decision: Replied, Reply: "Error: " + err.Error(), Command: cmd.Name}
	}
	if reply == "" {
		return Result{Decision: Consumed, Command: cmd.Name}
	}
	return Result{Decision: Replied, Reply: reply, Command: cmd.Name}
}

// deny issues (or reuses) a pairing code and replies with the pairing
// instructions.
func (r *Router) deny(cmd Command, req Request) Result {
	var code string
	if r.access != nil {
		if c, err := r.access.CreateCode(req.Provider, req.Peer); err == nil {
			code = c
		} else {
			r.logger.Error("failed to issue pairing code",
				"provider", req.Provider, "peer", req.Peer, "error", err)
		}
	}

	reply := "Not authorized."
	if r.unauthorized != nil && code != "" {
		reply = r.unauthorized(req, code)
	}

	r.logger.Info("unauthorized command",
		"command", cmd.Name, "provider", req.Provider, "peer", req.Peer)
	return Result{Decision: Replied, Reply: reply, Command: cmd.Name}
}
