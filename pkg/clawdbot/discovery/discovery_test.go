package discovery

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDecodeInstanceSpaces(t *testing.T) {
	if got := DecodeInstance(`Living\032Room\032Gateway`); got != "Living Room Gateway" {
		t.Errorf("decoded = %q", got)
	}
}

func TestDecodeInstanceMultiByteUTF8(t *testing.T) {
	// "é" is 0xC3 0xA9: two consecutive \DDD escapes forming one rune.
	if got := DecodeInstance(`Caf\195\169`); got != "Café" {
		t.Errorf("decoded = %q", got)
	}
}

func TestDecodeInstanceBackslashLiteral(t *testing.T) {
	if got := DecodeInstance(`a\.b`); got != "a.b" {
		t.Errorf("decoded = %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	names := []string{
		"Living Room Gateway",
		"Café",
		"plain",
		"dots.and\\slashes",
	}
	for _, name := range names {
		if got := DecodeInstance(EncodeInstance(name)); got != name {
			t.Errorf("round trip of %q = %q (encoded %q)", name, got, EncodeInstance(name))
		}
	}
}

func TestBeaconTXTRoundTrip(t *testing.T) {
	b := Beacon{
		Role:         "gateway",
		InstanceName: "office",
		DisplayName:  "Office Gateway",
		LanHost:      "192.168.1.10",
		GatewayPort:  18789,
		BridgePort:   18790,
		SSHPort:      22,
		TailnetDNS:   "office.tail.net",
		CLIPath:      "/usr/local/bin/clawdbot",
		Transport:    "bridge",
	}

	got := BeaconFromTXT("office", b.TXT())
	if !reflect.DeepEqual(got, b) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, b)
	}
}

func TestBeaconTXTDefaults(t *testing.T) {
	txt := Beacon{InstanceName: "x"}.TXT()
	joined := strings.Join(txt, " ")
	if !strings.Contains(joined, "role=gateway") {
		t.Errorf("missing role default: %v", txt)
	}
	if !strings.Contains(joined, "transport=bridge") {
		t.Errorf("missing transport default: %v", txt)
	}
}

func TestBeaconFromTXTIgnoresUnknownKeys(t *testing.T) {
	b := BeaconFromTXT("x", []string{"role=gateway", "mystery=42", "notakv"})
	if b.Role != "gateway" {
		t.Errorf("role = %q", b.Role)
	}
}

func TestWideAreaPublishAndBrowse(t *testing.T) {
	addr, err := localUDPAddr()
	if err != nil {
		t.Fatal(err)
	}

	server := NewWideAreaServer(nil)
	server.Publish(Beacon{
		InstanceName: "Office Gateway",
		DisplayName:  "Office Gateway",
		LanHost:      "192.168.1.10",
		BridgePort:   18790,
	})

	go server.ListenAndServe(addr)
	defer server.Shutdown()
	time.Sleep(100 * time.Millisecond) // responder startup

	beacons, err := WideAreaBrowse(addr)
	if err != nil {
		t.Fatalf("WideAreaBrowse: %v", err)
	}
	if len(beacons) != 1 {
		t.Fatalf("beacons = %d", len(beacons))
	}
	got := beacons[0]
	if got.InstanceName != "Office Gateway" {
		t.Errorf("instance = %q (escape decode must restore spaces)", got.InstanceName)
	}
	if got.BridgePort != 18790 || got.LanHost != "192.168.1.10" {
		t.Errorf("beacon = %+v", got)
	}
}

func TestBrowserDedupByInstance(t *testing.T) {
	b := NewBrowser("", nil)

	beacon := Beacon{InstanceName: "gw", DisplayName: "GW", BridgePort: 18790}
	b.observe(beacon)
	b.observe(beacon) // unchanged re-advertisement

	select {
	case <-b.Beacons():
	case <-time.After(time.Second):
		t.Fatal("first observation not emitted")
	}
	select {
	case dup := <-b.Beacons():
		t.Errorf("unchanged beacon re-emitted: %+v", dup)
	case <-time.After(50 * time.Millisecond):
	}

	// A changed advertisement for the same instance is emitted again.
	beacon.BridgePort = 19000
	b.observe(beacon)
	select {
	case <-b.Beacons():
	case <-time.After(time.Second):
		t.Fatal("changed beacon not emitted")
	}

	if len(b.Snapshot()) != 1 {
		t.Errorf("snapshot = %+v", b.Snapshot())
	}
}
