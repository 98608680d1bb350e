package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/routing"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// registerCommands installs the built-in chat commands. Registration
// order is match order.
func (g *Gateway) registerCommands() {
	g.router.Register(
		routing.Command{
			Name:    "help",
			Aliases: []string{"help"},
			Policy:  routing.Policy{AllowInGroup: true},
			Handler: func(_ context.Context, _ routing.Request, _ string) (string, error) {
				return strings.Join([]string{
					"Commands:",
					"/status — session and model info",
					"/new or /reset — start a fresh session",
					"/thinking-level <level> — set default thinking level",
					"/model <name> — override the session model",
				}, "\n"), nil
			},
		},
		routing.Command{
			Name:        "status",
			Aliases:     []string{"status"},
			AcceptsArgs: false,
			Policy:      routing.Policy{AllowInGroup: true, RequiresAuth: true},
			Handler:     g.cmdStatus,
		},
		routing.Command{
			Name:        "reset",
			Aliases:     []string{"reset", "new"},
			AcceptsArgs: false,
			Policy:      routing.Policy{RequiresAuth: true},
			Handler:     g.cmdReset,
		},
		routing.Command{
			Name:        "think",
			Aliases:     []string{"thinking-level"},
			AcceptsArgs: true,
			Policy:      routing.Policy{RequiresAuth: true},
			Handler:     g.cmdThink,
		},
		routing.Command{
			Name:        "model",
			Aliases:     []string{"model"},
			AcceptsArgs: true,
			Policy:      routing.Policy{RequiresAuth: true},
			Handler:     g.cmdModel,
		},
	)
}

func (g *Gateway) cmdStatus(_ context.Context, req routing.Request, _ string) (string, error) {
	key := session.Key(req.SessionKey)
	sess := g.runner.Sessions().GetOrCreate(key)

	model := sess.LastModel.String()
	if model == "" {
		model = g.cfg.Agent.Model.Primary()
	}
	return fmt.Sprintf(
		"Session %s\nModel: %s\nTokens: %d in / %d out (%d total)",
		sess.ID[:8], model,
		sess.Usage.Input, sess.Usage.Output, sess.Usage.Total,
	), nil
}

func (g *Gateway) cmdReset(_ context.Context, req routing.Request, _ string) (string, error) {
	sess := g.runner.Sessions().Reset(session.Key(req.SessionKey))
	return "Fresh session started (" + sess.ID[:8] + ").", nil
}

func (g *Gateway) cmdThink(_ context.Context, req routing.Request, args string) (string, error) {
	level := strings.TrimSpace(args)
	if level == "" {
		sess := g.runner.Sessions().GetOrCreate(session.Key(req.SessionKey))
		if sess.ThinkingLevel == "" {
			return "Thinking level: default", nil
		}
		return "Thinking level: " + sess.ThinkingLevel, nil
	}
	g.runner.Sessions().Update(session.Key(req.SessionKey), session.Patch{
		ThinkingLevel: &level,
	})
	return "Thinking level set to " + level + ".", nil
}

func (g *Gateway) cmdModel(_ context.Context, req routing.Request, args string) (string, error) {
	name := strings.TrimSpace(args)
	if name == "" {
		return "Usage: /model <name>", nil
	}
	ref := g.cfg.ResolveModelRef(name)
	g.runner.Sessions().Update(session.Key(req.SessionKey), session.Patch{
		ModelOverride: &ref,
	})
	return "Model set to " + ref + " for this session.", nil
}
