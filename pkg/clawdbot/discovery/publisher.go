package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// watchdogInterval is how often the publisher re-verifies its
// announcement.
const watchdogInterval = 30 * time.Second

// Publisher advertises one gateway beacon over mDNS and, optionally,
// wide-area DNS-SD.
type Publisher struct {
	beacon   Beacon
	wideArea *WideAreaServer // nil when disabled
	logger   *slog.Logger

	mu       sync.Mutex
	server   *zeroconf.Server
	instance string // effective instance name after conflict resolution
	suffix   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher for beacon. wideArea may be nil.
func NewPublisher(beacon Beacon, wideArea *WideAreaServer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		beacon:   beacon,
		wideArea: wideArea,
		logger:   logger.With("component", "discovery"),
		instance: beacon.InstanceName,
	}
}

// Start registers the service and begins the watchdog.
func (p *Publisher) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.register(); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.verify(ctx)
			}
		}
	}()
	return nil
}

// Stop withdraws the advertisement.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Instance returns the effective (possibly suffixed) instance name.
func (p *Publisher) Instance() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instance
}

// register announces on local. and, when enabled, clawdbot.internal.
// A name conflict backs off softly and retries with "(N)" appended.
func (p *Publisher) register() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	port := p.beacon.BridgePort
	if port == 0 {
		port = 18790
	}

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		server, err := zeroconf.Register(
			p.instance, ServiceType, LocalDomain, port, p.beacon.TXT(), nil)
		if err == nil {
			p.server = server
			p.logger.Info("mdns registered",
				"instance", p.instance, "service", ServiceType, "port", port)
			break
		}
		lastErr = err
		p.suffix++
		p.instance = fmt.Sprintf("%s (%d)", p.beacon.InstanceName, p.suffix)
		p.logger.Warn("mdns name conflict, retrying",
			"error", err, "next", p.instance)
		time.Sleep(time.Duration(attempt+1) * 250 * time.Millisecond)
	}
	if p.server == nil {
		return fmt.Errorf("mdns register: %w", lastErr)
	}

	if p.wideArea != nil {
		b := p.beacon
		b.InstanceName = p.instance
		p.wideArea.Publish(b)
	}
	return nil
}

// verify checks that the service is still resolvable and re-registers on
// failure.
func (p *Publisher) verify(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		p.logger.Warn("mdns resolver unavailable", "error", err)
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	found := make(chan bool, 1)
	instance := p.Instance()

	go func() {
		for entry := range entries {
			if DecodeInstance(entry.Instance) == DecodeInstance(instance) {
				select {
				case found <- true:
				default:
				}
			}
		}
	}()

	if err := resolver.Lookup(lookupCtx, instance, ServiceType, LocalDomain, entries); err != nil {
		p.logger.Warn("mdns lookup failed", "error", err)
	}

	select {
	case <-found:
		return
	case <-lookupCtx.Done():
	}

	p.logger.Warn("mdns announcement lost, re-registering", "instance", instance)
	p.mu.Lock()
	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
	p.mu.Unlock()
	if err := p.register(); err != nil {
		p.logger.Error("mdns re-register failed", "error", err)
	}
}
