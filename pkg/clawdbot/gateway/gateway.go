// Package gateway implements the inbound admission pipeline: dedup,
// command routing, authorization, directive-aware agent turns, and the
// fan-out of cron and bridge admissions into the same path.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/channels"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/cron"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/dedup"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/dispatch"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/pairing"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/routing"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// AgentID is the single agent identity this gateway serves.
const AgentID = "clawd"

// HeartbeatTrigger runs a heartbeat immediately ("now" wake mode).
type HeartbeatTrigger interface {
	TriggerNow() string
}

// Gateway admits inbound messages and schedules agent work.
type Gateway struct {
	cfg        *config.Config
	runner     *agent.Runner
	dedup      *dedup.Deduper
	router     *routing.Router
	pairing    *pairing.Store
	channelMgr *channels.Manager
	logger     *slog.Logger

	heartbeat HeartbeatTrigger // optional, set via SetHeartbeat

	mu          sync.Mutex
	dispatchers map[string]*dispatch.Dispatcher

	ctx context.Context
}

// Options configures a Gateway.
type Options struct {
	Config     *config.Config
	Runner     *agent.Runner
	Pairing    *pairing.Store
	ChannelMgr *channels.Manager
	Logger     *slog.Logger
}

// New creates a Gateway and registers the built-in chat commands.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:         opts.Config,
		runner:      opts.Runner,
		dedup:       dedup.New(),
		pairing:     opts.Pairing,
		channelMgr:  opts.ChannelMgr,
		logger:      logger.With("component", "gateway"),
		dispatchers: make(map[string]*dispatch.Dispatcher),
		ctx:         context.Background(),
	}

	g.router = routing.New(opts.Pairing, func(req routing.Request, code string) string {
		return pairing.ReplyText(idLine(req), req.Provider, code)
	}, logger)
	g.registerCommands()
	return g
}

// SetHeartbeat wires the heartbeat driver (after construction, since the
// driver needs the gateway's run function).
func (g *Gateway) SetHeartbeat(h HeartbeatTrigger) {
	g.heartbeat = h
}

// Start pumps the channel manager's inbound stream.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx = ctx
	if g.channelMgr == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-g.channelMgr.Inbound():
				go g.HandleInbound(ctx, msg)
			}
		}
	}()
}

// idLine renders the identity line of the pairing reply.
func idLine(req routing.Request) string {
	if req.PeerName != "" {
		return fmt.Sprintf("%s (%s %s)", req.PeerName, req.Provider, req.Peer)
	}
	return fmt.Sprintf("%s %s", req.Provider, req.Peer)
}

// SessionKeyFor maps an inbound message to its session key per the
// configured session scope.
func (g *Gateway) SessionKeyFor(msg *channels.IncomingMessage) session.Key {
	switch g.cfg.Session.Effective().Scope {
	case "global":
		return session.GlobalKey(AgentID)
	default:
		return session.PeerKey(AgentID, msg.Provider, msg.ChatID)
	}
}

// HandleInbound admits one provider message.
func (g *Gateway) HandleInbound(ctx context.Context, msg *channels.IncomingMessage) {
	key := g.SessionKeyFor(msg)

	// Dedup replays.
	if g.dedup.ShouldSkip(dedup.Inbound{
		Provider:   msg.Provider,
		Peer:       msg.From,
		MessageID:  msg.ID,
		SessionKey: string(key),
	}) {
		g.logger.Debug("duplicate inbound suppressed",
			"provider", msg.Provider, "message_id", msg.ID)
		return
	}

	req := routing.Request{
		Text:          msg.Text,
		Provider:      msg.Provider,
		Peer:          msg.From,
		PeerName:      msg.FromName,
		IsGroup:       msg.IsGroup,
		SessionKey:    string(key),
		IsMainSession: key.IsMain() || key == g.runner.MainKey(),
	}

	// Commands short-circuit the agent.
	result := g.router.Dispatch(ctx, req)
	switch result.Decision {
	case routing.Consumed:
		return
	case routing.Replied:
		g.deliver(msg.Provider, msg.ChatID, dispatch.KindFinal, result.Reply)
		return
	}

	// Plain messages require pairing too.
	if g.pairing != nil && !g.pairing.IsAllowed(msg.Provider, msg.From) {
		code, err := g.pairing.CreateCode(msg.Provider, msg.From)
		if err != nil {
			g.logger.Error("pairing code issuance failed", "error", err)
			return
		}
		g.deliver(msg.Provider, msg.ChatID, dispatch.KindFinal,
			pairing.ReplyText(idLine(req), msg.Provider, code))
		return
	}

	// Inbound voice: run the configured external transcriber.
	if msg.MediaPath != "" && strings.TrimSpace(msg.Text) == "" {
		text, err := transcribeVoice(ctx, g.cfg.Tools.Audio.Transcription, msg.MediaPath)
		if err != nil {
			g.logger.Warn("voice transcription failed", "error", err)
		} else {
			msg.Text = text
		}
	}

	if strings.TrimSpace(msg.Text) == "" && msg.MediaPath == "" {
		return
	}

	g.runTurn(ctx, key, msg.Provider, msg.ChatID, agent.RunParams{
		Message:    msg.Text,
		SessionKey: key,
	})
}

// runTurn executes an agent turn, streaming events into the
// conversation's dispatcher.
func (g *Gateway) runTurn(ctx context.Context, key session.Key, provider, chatID string, params agent.RunParams) {
	d := g.dispatcher(provider, chatID)

	events := make(chan agent.Event, 16)
	params.Events = events

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Kind {
			case agent.EventToolUse:
				d.Enqueue(dispatch.KindTool, dispatch.Payload{
					Text: fmt.Sprintf("⚙ %s", ev.Tool),
				})
			case agent.EventToolResult, agent.EventTextChunk:
				// Text is delivered once as the final reply; tool
				// results stay in the transcript.
			}
		}
	}()

	res, err := g.runner.Run(ctx, params)
	<-done
	if err != nil {
		if agent.IsCancellation(err) {
			return
		}
		g.logger.Error("agent turn failed", "session", string(key), "error", err)
		d.Enqueue(dispatch.KindFinal, dispatch.Payload{
			Text: "Something went wrong: " + summarizeError(err),
		})
		return
	}
	d.Enqueue(dispatch.KindFinal, dispatch.Payload{Text: res.Response})
}

// summarizeError keeps user-visible errors to a best-effort reason, not
// an internal dump.
func summarizeError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "…"
	}
	return msg
}

// dispatcher returns (creating on demand) the reply dispatcher for one
// surface/session pair.
func (g *Gateway) dispatcher(provider, chatID string) *dispatch.Dispatcher {
	keyStr := provider + ":" + chatID
	g.mu.Lock()
	defer g.mu.Unlock()

	if d, ok := g.dispatchers[keyStr]; ok {
		return d
	}

	delay := dispatch.DelayConfig{
		Mode:  dispatch.DelayMode(g.cfg.Replies.HumanDelay.Mode),
		MinMs: g.cfg.Replies.HumanDelay.MinMs,
		MaxMs: g.cfg.Replies.HumanDelay.MaxMs,
	}
	d := dispatch.New(g.ctx, func(ctx context.Context, task dispatch.Task) error {
		if g.channelMgr == nil {
			return nil
		}
		return g.channelMgr.Send(ctx, provider, chatID, &channels.OutgoingMessage{
			Text:     task.Payload.Text,
			MediaURL: task.Payload.MediaURL,
		})
	}, dispatch.Options{
		ResponsePrefix: g.cfg.Replies.ResponsePrefix,
		Delay:          delay,
		OnReplyStart: func() {
			if g.channelMgr != nil {
				g.channelMgr.SendTyping(g.ctx, provider, chatID)
			}
		},
		Logger: g.logger,
	})
	g.dispatchers[keyStr] = d
	return d
}

// deliver enqueues one payload for a surface.
func (g *Gateway) deliver(provider, chatID string, kind dispatch.Kind, text string) {
	g.dispatcher(provider, chatID).Enqueue(kind, dispatch.Payload{Text: text})
}

// WaitForIdle drains every dispatcher (tests and shutdown).
func (g *Gateway) WaitForIdle(ctx context.Context) error {
	g.mu.Lock()
	ds := make([]*dispatch.Dispatcher, 0, len(g.dispatchers))
	for _, d := range g.dispatchers {
		ds = append(ds, d)
	}
	g.mu.Unlock()

	for _, d := range ds {
		if err := d.WaitForIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ── Cron integration ──

// RunJob implements cron.JobRunner: payloads fire into admission.
func (g *Gateway) RunJob(ctx context.Context, job cron.Job) error {
	switch job.Target {
	case cron.TargetIsolated:
		return g.runIsolatedJob(ctx, job)
	default:
		return g.runMainJob(ctx, job)
	}
}

// runMainJob admits the payload into the main session, honoring the
// wake mode.
func (g *Gateway) runMainJob(ctx context.Context, job cron.Job) error {
	key := g.runner.MainKey()

	var message string
	switch job.Payload.Kind {
	case cron.PayloadSystemEvent:
		message = "[System event] " + job.Payload.Text
	case cron.PayloadAgentTurn:
		message = job.Payload.Message
	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}

	if job.Wake == cron.WakeNow && g.heartbeat != nil {
		defer g.heartbeat.TriggerNow()
	}

	res, err := g.runner.Run(ctx, agent.RunParams{
		Message:          message,
		SessionKey:       key,
		ThinkingOverride: job.Payload.Thinking,
		SkipDirectives:   true,
	})
	if err != nil {
		return err
	}
	g.deliverJobResult(job, res.Response)
	return nil
}

// runIsolatedJob spawns a disjoint session for the run and optionally
// posts a summary to the main session.
func (g *Gateway) runIsolatedJob(ctx context.Context, job cron.Job) error {
	key := session.Key(fmt.Sprintf("agent:%s:cron:%s", AgentID, job.ID))

	message := job.Payload.Message
	if message == "" {
		message = job.Payload.Text
	}

	res, err := g.runner.Run(ctx, agent.RunParams{
		Message:          message,
		SessionKey:       key,
		ThinkingOverride: job.Payload.Thinking,
		SkipDirectives:   true,
	})
	if err != nil {
		return err
	}

	if job.Isolation != nil && job.Isolation.PostToMainPrefix != "" && res.Response != "" {
		summary := job.Isolation.PostToMainPrefix + " " + res.Response
		if _, err := g.runner.Run(ctx, agent.RunParams{
			Message:        "[System event] " + summary,
			SessionKey:     g.runner.MainKey(),
			SkipDirectives: true,
		}); err != nil {
			g.logger.Warn("posting isolated summary to main failed",
				"job", job.ID, "error", err)
		}
	}

	g.deliverJobResult(job, res.Response)
	return nil
}

// deliverJobResult sends an agentTurn result to its configured surface.
func (g *Gateway) deliverJobResult(job cron.Job, response string) {
	if job.Payload.Kind != cron.PayloadAgentTurn || response == "" {
		return
	}
	if job.Payload.Deliver != nil && !*job.Payload.Deliver {
		return
	}
	if job.Payload.Provider == "" || job.Payload.To == "" {
		return
	}
	if g.channelMgr == nil {
		return
	}
	if err := g.channelMgr.Send(g.ctx, job.Payload.Provider, job.Payload.To,
		&channels.OutgoingMessage{Text: response}); err != nil {
		if job.Payload.BestEffortDeliver {
			g.logger.Warn("best-effort job delivery failed", "job", job.ID, "error", err)
			return
		}
		g.logger.Error("job delivery failed", "job", job.ID, "error", err)
	}
}

// Wake implements the cron wake path: forwards straight to the
// heartbeat driver.
func (g *Gateway) Wake(ctx context.Context, mode cron.WakeMode, text, reason string) error {
	if mode == cron.WakeNow && g.heartbeat != nil {
		g.heartbeat.TriggerNow()
		return nil
	}
	// next-heartbeat: nothing to do now; the next tick picks it up.
	g.logger.Debug("wake deferred to next heartbeat", "reason", reason)
	return nil
}

// ── Bridge integration ──

// HandleBridgeMessage admits a message forwarded by an attached node.
func (g *Gateway) HandleBridgeMessage(ctx context.Context, nodeID, messageID, text string) {
	g.HandleInbound(ctx, &channels.IncomingMessage{
		ID:       messageID,
		Provider: "bridge",
		From:     nodeID,
		ChatID:   nodeID,
		Text:     text,
	})
}
