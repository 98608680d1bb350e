package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// WideAreaServer answers DNS-SD queries for clawdbot.internal. from a
// local DNS responder, so nodes off the mDNS link (tailnet peers) can
// still browse gateways.
type WideAreaServer struct {
	logger *slog.Logger

	mu      sync.RWMutex
	beacons map[string]Beacon // keyed by instance name

	server *dns.Server
}

// NewWideAreaServer creates the responder (not yet listening).
func NewWideAreaServer(logger *slog.Logger) *WideAreaServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WideAreaServer{
		logger:  logger.With("component", "discovery-wan"),
		beacons: make(map[string]Beacon),
	}
}

// Publish adds or refreshes a beacon in the zone.
func (w *WideAreaServer) Publish(b Beacon) {
	w.mu.Lock()
	w.beacons[b.InstanceName] = b
	w.mu.Unlock()
	w.logger.Info("wide-area beacon published", "instance", b.InstanceName)
}

// Withdraw removes a beacon.
func (w *WideAreaServer) Withdraw(instanceName string) {
	w.mu.Lock()
	delete(w.beacons, instanceName)
	w.mu.Unlock()
}

// ListenAndServe starts the UDP responder on addr (e.g. ":8053").
func (w *WideAreaServer) ListenAndServe(addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(WideAreaDomain, w.handle)
	w.server = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	w.logger.Info("wide-area dns responder listening", "addr", addr)
	return w.server.ListenAndServe()
}

// Shutdown stops the responder.
func (w *WideAreaServer) Shutdown() {
	if w.server != nil {
		w.server.Shutdown()
	}
}

// serviceName is the browse domain PTR owner.
func serviceName() string {
	return ServiceType + "." + WideAreaDomain
}

func instanceFQDN(instance string) string {
	return EncodeInstance(instance) + "." + serviceName()
}

// handle answers PTR (browse), SRV and TXT (resolve) queries for the
// clawdbot.internal. zone.
func (w *WideAreaServer) handle(rw dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, q := range req.Question {
		switch q.Qtype {
		case dns.TypePTR:
			if !strings.EqualFold(q.Name, serviceName()) {
				continue
			}
			for instance := range w.beacons {
				resp.Answer = append(resp.Answer, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR,
						Class: dns.ClassINET, Ttl: 120},
					Ptr: instanceFQDN(instance),
				})
			}
		case dns.TypeSRV:
			if b, ok := w.beaconForFQDN(q.Name); ok {
				target := b.LanHost
				if target == "" {
					target = "gateway"
				}
				resp.Answer = append(resp.Answer, &dns.SRV{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV,
						Class: dns.ClassINET, Ttl: 120},
					Port:   uint16(b.BridgePort),
					Target: dns.Fqdn(target),
				})
			}
		case dns.TypeTXT:
			if b, ok := w.beaconForFQDN(q.Name); ok {
				resp.Answer = append(resp.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT,
						Class: dns.ClassINET, Ttl: 120},
					Txt: b.TXT(),
				})
			}
		}
	}

	if err := rw.WriteMsg(resp); err != nil {
		w.logger.Debug("wide-area reply failed", "error", err)
	}
}

// beaconForFQDN finds the beacon whose instance FQDN matches name. Names
// are compared decoded, since the same label may arrive with a different
// escape spelling (a space as `\032` or as `\ `).
func (w *WideAreaServer) beaconForFQDN(name string) (Beacon, bool) {
	for instance, b := range w.beacons {
		if strings.EqualFold(DecodeInstance(name), DecodeInstance(instanceFQDN(instance))) {
			return b, true
		}
	}
	return Beacon{}, false
}

// WideAreaBrowse queries a wide-area responder for all beacons.
func WideAreaBrowse(serverAddr string) ([]Beacon, error) {
	client := new(dns.Client)

	ptr := new(dns.Msg)
	ptr.SetQuestion(serviceName(), dns.TypePTR)
	ptrResp, _, err := client.Exchange(ptr, serverAddr)
	if err != nil {
		return nil, fmt.Errorf("wide-area browse: %w", err)
	}

	var beacons []Beacon
	for _, ans := range ptrResp.Answer {
		p, ok := ans.(*dns.PTR)
		if !ok {
			continue
		}

		txtReq := new(dns.Msg)
		txtReq.SetQuestion(p.Ptr, dns.TypeTXT)
		txtResp, _, err := client.Exchange(txtReq, serverAddr)
		if err != nil {
			continue
		}

		instance := strings.TrimSuffix(p.Ptr, "."+serviceName())
		for _, tans := range txtResp.Answer {
			if txt, ok := tans.(*dns.TXT); ok {
				beacons = append(beacons, BeaconFromTXT(instance, txt.Txt))
			}
		}
	}
	return beacons, nil
}

// localUDPAddr is a helper for tests binding an ephemeral responder.
func localUDPAddr() (string, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr, nil
}
