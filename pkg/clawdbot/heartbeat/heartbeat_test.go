package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestIsSilentAck(t *testing.T) {
	tests := []struct {
		response string
		max      int
		want     bool
	}{
		{"[HEARTBEAT_OK]", 30, true},
		{"[HEARTBEAT_OK] all quiet", 30, true},
		{"[HEARTBEAT_OK] " + strings.Repeat("x", 31), 30, false},
		{"all quiet", 30, false},
		{"Your build finished. [HEARTBEAT_OK] I also noticed the disk is nearly full, you should clean up.", 30, false},
	}
	for _, tt := range tests {
		if got := IsSilentAck(tt.response, tt.max); got != tt.want {
			t.Errorf("IsSilentAck(%q, %d) = %v, want %v", tt.response, tt.max, got, tt.want)
		}
	}
}

func TestTriggerNowDeliversNonSilent(t *testing.T) {
	var delivered []string
	var mu sync.Mutex
	d := New(
		func(_ context.Context, prompt string) (string, error) {
			return "the oven is still on", nil
		},
		func(text string) {
			mu.Lock()
			delivered = append(delivered, text)
			mu.Unlock()
		},
		Options{},
	)

	if status := d.TriggerNow(); status != "ok" {
		t.Errorf("status = %q", status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "the oven is still on" {
		t.Errorf("delivered = %v", delivered)
	}
}

func TestTriggerNowSuppressesSilentAck(t *testing.T) {
	var delivered int
	d := New(
		func(_ context.Context, _ string) (string, error) {
			return "[HEARTBEAT_OK] nothing new", nil
		},
		func(string) { delivered++ },
		Options{},
	)

	if status := d.TriggerNow(); status != "ok" {
		t.Errorf("status = %q", status)
	}
	if delivered != 0 {
		t.Errorf("silent ack delivered %d times", delivered)
	}
}

func TestTriggerNowSkippedWhileRunning(t *testing.T) {
	block := make(chan struct{})
	d := New(
		func(_ context.Context, _ string) (string, error) {
			<-block
			return "[HEARTBEAT_OK]", nil
		},
		nil,
		Options{},
	)

	first := make(chan string, 1)
	go func() { first <- d.TriggerNow() }()

	// Wait until the first tick holds the lock.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if running {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if status := d.TriggerNow(); status != "skipped" {
		t.Errorf("concurrent trigger = %q, want skipped", status)
	}
	close(block)
	if status := <-first; status != "ok" {
		t.Errorf("first trigger = %q", status)
	}
}

func TestTickerFires(t *testing.T) {
	ticks := make(chan struct{}, 8)
	d := New(
		func(_ context.Context, _ string) (string, error) {
			select {
			case ticks <- struct{}{}:
			default:
			}
			return "[HEARTBEAT_OK]", nil
		},
		nil,
		Options{Interval: 20 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer d.Stop()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never ticked")
	}
	cancel()
}

func TestRunErrorReported(t *testing.T) {
	d := New(
		func(_ context.Context, _ string) (string, error) {
			return "", errors.New("model down")
		},
		nil,
		Options{},
	)
	if status := d.TriggerNow(); status != "error" {
		t.Errorf("status = %q", status)
	}
}
