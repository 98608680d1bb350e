package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Browser runs concurrent discovery on local. and, when configured, the
// wide-area domain. Results are deduplicated by instance name; the
// freshest advertisement wins.
type Browser struct {
	wideAreaAddr string // "" disables wide-area browsing
	logger       *slog.Logger

	mu      sync.Mutex
	beacons map[string]timedBeacon
	out     chan Beacon
}

type timedBeacon struct {
	beacon Beacon
	seenAt time.Time
}

// NewBrowser creates a browser. wideAreaAddr is the wide-area responder
// address ("" to browse mDNS only).
func NewBrowser(wideAreaAddr string, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		wideAreaAddr: wideAreaAddr,
		logger:       logger.With("component", "discovery-browse"),
		beacons:      make(map[string]timedBeacon),
		out:          make(chan Beacon, 16),
	}
}

// Beacons returns the stream of discovered beacons. Re-advertisements of
// a known instance are re-emitted only when their content changes.
func (b *Browser) Beacons() <-chan Beacon {
	return b.out
}

// Snapshot returns the currently known beacons.
func (b *Browser) Snapshot() []Beacon {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Beacon, 0, len(b.beacons))
	for _, tb := range b.beacons {
		out = append(out, tb.beacon)
	}
	return out
}

// Start launches the browsers. They stop when ctx is cancelled.
func (b *Browser) Start(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			if entry == nil {
				continue
			}
			beacon := BeaconFromTXT(entry.Instance, entry.Text)
			if beacon.LanHost == "" && len(entry.AddrIPv4) > 0 {
				beacon.LanHost = entry.AddrIPv4[0].String()
			}
			if beacon.BridgePort == 0 {
				beacon.BridgePort = entry.Port
			}
			b.observe(beacon)
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, LocalDomain, entries); err != nil {
		return err
	}

	if b.wideAreaAddr != "" {
		go b.pollWideArea(ctx)
	}
	return nil
}

// pollWideArea browses the wide-area responder on a fixed cadence; DNS
// has no push channel.
func (b *Browser) pollWideArea(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		beacons, err := WideAreaBrowse(b.wideAreaAddr)
		if err != nil {
			b.logger.Debug("wide-area browse failed", "error", err)
		}
		for _, beacon := range beacons {
			b.observe(beacon)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observe records a beacon, emitting it when new or changed.
func (b *Browser) observe(beacon Beacon) {
	b.mu.Lock()
	prev, known := b.beacons[beacon.InstanceName]
	b.beacons[beacon.InstanceName] = timedBeacon{beacon: beacon, seenAt: time.Now()}
	b.mu.Unlock()

	if known && prev.beacon == beacon {
		return
	}
	select {
	case b.out <- beacon:
	default:
		b.logger.Debug("beacon channel full, dropping", "instance", beacon.InstanceName)
	}
}
