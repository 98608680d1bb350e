// Package heartbeat implements the timer-driven agent turn: every
// interval the agent runs the heartbeat prompt, and silent
// acknowledgements are suppressed instead of delivered.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/dispatch"
)

// DefaultPrompt is sent on each tick unless configured otherwise.
const DefaultPrompt = "Heartbeat: review HEARTBEAT.md and check whether anything needs attention. " +
	"Reply " + dispatch.HeartbeatToken + " if not."

// RunFunc executes one heartbeat agent turn and returns the response.
type RunFunc func(ctx context.Context, prompt string) (string, error)

// DeliverFunc forwards a non-silent heartbeat response to the reply
// dispatcher.
type DeliverFunc func(text string)

// Driver owns the heartbeat timer.
type Driver struct {
	interval    time.Duration
	ackMaxChars int
	prompt      string
	run         RunFunc
	deliver     DeliverFunc
	logger      *slog.Logger

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Driver.
type Options struct {
	Interval    time.Duration
	AckMaxChars int
	Prompt      string
	Logger      *slog.Logger
}

// New creates a heartbeat driver.
func New(run RunFunc, deliver DeliverFunc, opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ackMax := opts.AckMaxChars
	if ackMax <= 0 {
		ackMax = 30
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Driver{
		interval:    interval,
		ackMaxChars: ackMax,
		prompt:      prompt,
		run:         run,
		deliver:     deliver,
		logger:      logger.With("component", "heartbeat"),
	}
}

// Start begins ticking. Cancelling ctx stops the timer.
func (d *Driver) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.tick()
			}
		}
	}()
	d.logger.Info("heartbeat started", "interval", d.interval)
}

// Stop halts the timer and waits for an in-flight tick.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// TriggerNow runs one heartbeat immediately. Returns "skipped" when a
// tick is already running, otherwise "ok" or "error".
func (d *Driver) TriggerNow() string {
	return d.tick()
}

// tick runs one heartbeat under the re-entrancy lock.
func (d *Driver) tick() string {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return "skipped"
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	response, err := d.run(ctx, d.prompt)
	if err != nil {
		d.logger.Warn("heartbeat turn failed", "error", err)
		return "error"
	}

	if IsSilentAck(response, d.ackMaxChars) {
		d.logger.Debug("heartbeat ack suppressed")
		return "ok"
	}
	if strings.TrimSpace(response) != "" && d.deliver != nil {
		d.deliver(response)
	}
	return "ok"
}

// IsSilentAck reports whether response is just the heartbeat token plus
// at most ackMaxChars of surrounding narration. Responses without the
// token are never silent.
func IsSilentAck(response string, ackMaxChars int) bool {
	if !strings.Contains(response, dispatch.HeartbeatToken) {
		return false
	}
	rest := strings.ReplaceAll(response, dispatch.HeartbeatToken, "")
	return len(strings.TrimSpace(rest)) <= ackMaxChars
}
