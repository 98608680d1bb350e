package dedup

import (
	"fmt"
	"testing"
	"time"
)

func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestReplayWithinTTLIsSkipped(t *testing.T) {
	now, _ := fakeClock(time.Unix(1000, 0))
	d := New(WithClock(now))

	in := Inbound{Provider: "whatsapp", Peer: "+15555550123", MessageID: "msg-1"}

	if d.ShouldSkip(in) {
		t.Error("first sight must not skip")
	}
	if !d.ShouldSkip(in) {
		t.Error("replay within TTL must skip")
	}
}

func TestReplayAfterTTLIsDeliveredAgain(t *testing.T) {
	now, advance := fakeClock(time.Unix(1000, 0))
	d := New(WithClock(now))

	in := Inbound{Provider: "telegram", Peer: "42", MessageID: "m1"}
	d.ShouldSkip(in)

	advance(61 * time.Second)
	if d.ShouldSkip(in) {
		t.Error("replay after TTL must be delivered again")
	}
	if !d.ShouldSkip(in) {
		t.Error("and the fresh sighting is remembered")
	}
}

func TestMissingMessageIDBypassesDedup(t *testing.T) {
	d := New()
	in := Inbound{Provider: "whatsapp", Peer: "p"}

	for i := 0; i < 3; i++ {
		if d.ShouldSkip(in) {
			t.Fatal("missing messageId must never suppress")
		}
	}
	if d.Len() != 0 {
		t.Errorf("missing messageId must not be recorded, len = %d", d.Len())
	}
}

func TestDistinctSessionKeysAreDistinct(t *testing.T) {
	d := New()
	a := Inbound{Provider: "p", Peer: "u", MessageID: "m", SessionKey: "agent:main:a"}
	b := Inbound{Provider: "p", Peer: "u", MessageID: "m", SessionKey: "agent:main:b"}

	d.ShouldSkip(a)
	if d.ShouldSkip(b) {
		t.Error("different session keys must not collide")
	}
}

func TestCapacityEviction(t *testing.T) {
	now, _ := fakeClock(time.Unix(1000, 0))
	d := New(WithClock(now), WithCapacity(1024))

	for i := 0; i < 2000; i++ {
		d.ShouldSkip(Inbound{Provider: "p", Peer: "u", MessageID: fmt.Sprintf("m%d", i)})
	}
	if d.Len() > 1024 {
		t.Errorf("capacity exceeded: %d", d.Len())
	}

	// The most recent key is still remembered.
	if !d.ShouldSkip(Inbound{Provider: "p", Peer: "u", MessageID: "m1999"}) {
		t.Error("most recent key was evicted")
	}
}

func TestExpiredEntriesEvictedOnInsert(t *testing.T) {
	now, advance := fakeClock(time.Unix(1000, 0))
	d := New(WithClock(now))

	d.ShouldSkip(Inbound{Provider: "p", Peer: "u", MessageID: "old"})
	advance(2 * time.Minute)
	d.ShouldSkip(Inbound{Provider: "p", Peer: "u", MessageID: "new"})

	if d.Len() != 1 {
		t.Errorf("expired entry should be dropped, len = %d", d.Len())
	}
}
