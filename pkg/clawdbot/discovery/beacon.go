// Package discovery publishes and browses gateway beacons: mDNS
// (_clawdbot-bridge._tcp on local.) plus optional wide-area DNS-SD under
// clawdbot.internal. served by a local DNS responder.
package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// Service constants.
const (
	ServiceType    = "_clawdbot-bridge._tcp"
	LocalDomain    = "local."
	WideAreaDomain = "clawdbot.internal."
)

// Beacon is one advertisement describing a reachable gateway instance.
type Beacon struct {
	Role         string `json:"role"` // always "gateway"
	InstanceName string `json:"instanceName"`
	DisplayName  string `json:"displayName"`
	LanHost      string `json:"lanHost,omitempty"`
	GatewayPort  int    `json:"gatewayPort,omitempty"`
	BridgePort   int    `json:"bridgePort,omitempty"`
	CanvasPort   int    `json:"canvasPort,omitempty"`
	SSHPort      int    `json:"sshPort,omitempty"`
	TailnetDNS   string `json:"tailnetDns,omitempty"`
	CLIPath      string `json:"cliPath,omitempty"`
	Transport    string `json:"transport"` // always "bridge"
}

// TXT renders the beacon as DNS-SD TXT key=value strings.
func (b Beacon) TXT() []string {
	role := b.Role
	if role == "" {
		role = "gateway"
	}
	transport := b.Transport
	if transport == "" {
		transport = "bridge"
	}

	txt := []string{"role=" + role, "transport=" + transport}
	add := func(key, value string) {
		if value != "" {
			txt = append(txt, key+"="+value)
		}
	}
	addPort := func(key string, port int) {
		if port > 0 {
			txt = append(txt, key+"="+strconv.Itoa(port))
		}
	}
	add("displayName", b.DisplayName)
	add("lanHost", b.LanHost)
	addPort("gatewayPort", b.GatewayPort)
	addPort("bridgePort", b.BridgePort)
	addPort("canvasPort", b.CanvasPort)
	addPort("sshPort", b.SSHPort)
	add("tailnetDns", b.TailnetDNS)
	add("cliPath", b.CLIPath)
	return txt
}

// BeaconFromTXT parses TXT records into a Beacon. Unknown keys are
// ignored.
func BeaconFromTXT(instanceName string, txt []string) Beacon {
	b := Beacon{InstanceName: DecodeInstance(instanceName)}
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "role":
			b.Role = value
		case "transport":
			b.Transport = value
		case "displayName":
			b.DisplayName = value
		case "lanHost":
			b.LanHost = value
		case "gatewayPort":
			b.GatewayPort, _ = strconv.Atoi(value)
		case "bridgePort":
			b.BridgePort, _ = strconv.Atoi(value)
		case "canvasPort":
			b.CanvasPort, _ = strconv.Atoi(value)
		case "sshPort":
			b.SSHPort, _ = strconv.Atoi(value)
		case "tailnetDns":
			b.TailnetDNS = value
		case "cliPath":
			b.CLIPath = value
		}
	}
	return b
}

// DecodeInstance decodes DNS-SD escape sequences in an instance name.
// `\DDD` (three decimal digits) yields one raw byte; `\X` yields X. The
// decoded byte stream is then interpreted as UTF-8 as a whole, so
// consecutive \DDD escapes can form one multi-byte rune.
func DecodeInstance(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			n, err := strconv.Atoi(s[i+1 : i+4])
			if err == nil && n < 256 {
				out = append(out, byte(n))
				i += 3
				continue
			}
		}
		if i+1 < len(s) {
			out = append(out, s[i+1])
			i++
		}
	}
	return string(out)
}

// EncodeInstance escapes an instance name for the wire: spaces, bytes
// outside printable ASCII, '.' and '\' become `\DDD` (space is `\032`,
// matching Avahi).
func EncodeInstance(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c > 0x7e || c == '.' || c == '\\' {
			fmt.Fprintf(&b, "\\%03d", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
