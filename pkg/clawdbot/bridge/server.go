package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// handshakeTimeout bounds accept → Welcome.
	handshakeTimeout = 30 * time.Second

	// pingInterval is how often each side sends Ping. Missing two
	// consecutive pings closes the connection.
	pingInterval = 15 * time.Second
)

// TokenStore is the pairing-store surface the bridge needs: bearer
// tokens under "bridge-token/<nodeId>", pairing codes, and the
// allow-list under the "bridge" provider.
type TokenStore interface {
	Token(key string) string
	SetToken(key, token string) error
	IsAllowed(provider, principal string) bool
	CreateCode(provider, principal string) (string, error)
}

// Session is one live node attachment.
type Session struct {
	Endpoint       string    `json:"endpoint"`
	NodeID         string    `json:"nodeId"`
	DisplayName    string    `json:"displayName"`
	Caps           []string  `json:"caps,omitempty"`
	Commands       []string  `json:"commands,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	Version        string    `json:"version,omitempty"`
	AttachedAt     time.Time `json:"attachedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// MessageHandler receives admissions forwarded by attached nodes.
type MessageHandler func(ctx context.Context, nodeID string, msg Message)

// Server is the bridge listener. At most one attached session exists per
// nodeId; a second successful handshake displaces the first after a
// graceful Goodbye.
type Server struct {
	serverName string
	store      TokenStore
	onMessage  MessageHandler
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*conn

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// conn is one accepted connection after handshake.
type conn struct {
	net.Conn
	session Session

	writeMu  sync.Mutex
	seq      uint64
	lastSeq  uint64 // highest seq received
	lastPing time.Time
	pingMu   sync.Mutex

	closeOnce sync.Once
}

// Options configures a Server.
type Options struct {
	ServerName string
	Store      TokenStore
	OnMessage  MessageHandler
	Logger     *slog.Logger
}

// NewServer creates a bridge server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.ServerName
	if name == "" {
		name = "clawdbot"
	}
	return &Server{
		serverName: name,
		store:      opts.Store,
		onMessage:  opts.OnMessage,
		logger:     logger.With("component", "bridge"),
		sessions:   make(map[string]*conn),
	}
}

// Listen binds and serves. bind may be an address, "0.0.0.0", or
// "tailnet" (the host's CGNAT 100.64.0.0/10 address).
func (s *Server) Listen(ctx context.Context, bind string, port int) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	host, err := resolveBind(bind)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("bridge listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address ("" before Listen).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener and all sessions.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.sessions {
		c.shutdown("server closing")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Sessions lists the live attachments.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, c.session)
	}
	return out
}

// Send delivers an event frame to an attached node.
func (s *Server) Send(nodeID string, payload any) error {
	s.mu.Lock()
	c, ok := s.sessions[nodeID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %q is not attached", nodeID)
	}
	return c.writeFrame(FrameEvent, payload)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("bridge accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(raw)
		}()
	}
}

// handle performs the handshake and, on success, runs the session.
func (s *Server) handle(raw net.Conn) {
	raw.SetDeadline(time.Now().Add(handshakeTimeout))

	frame, err := ReadFrame(raw)
	if err != nil {
		raw.Close()
		return
	}
	if frame.Type != FrameHello {
		s.logger.Warn("bridge: first frame is not hello", "type", frame.Type)
		raw.Close()
		return
	}
	var hello Hello
	if err := DecodePayload(frame, &hello); err != nil || hello.NodeID == "" {
		s.logger.Warn("bridge: bad hello", "error", err)
		raw.Close()
		return
	}

	c := &conn{Conn: raw, lastSeq: frame.Seq, lastPing: time.Now()}

	welcome, ok := s.authenticate(c, hello)
	if !ok {
		// authenticate already sent the pair frame.
		raw.Close()
		return
	}

	if err := c.writeFrame(FrameWelcome, welcome); err != nil {
		raw.Close()
		return
	}
	raw.SetDeadline(time.Time{})

	c.session = Session{
		Endpoint:       raw.RemoteAddr().String(),
		NodeID:         hello.NodeID,
		DisplayName:    hello.DisplayName,
		Caps:           hello.Caps,
		Commands:       hello.Commands,
		Platform:       hello.Platform,
		Version:        hello.Version,
		AttachedAt:     time.Now(),
		LastActivityAt: time.Now(),
	}
	s.attach(c)

	s.logger.Info("node attached",
		"node", hello.NodeID, "name", hello.DisplayName, "endpoint", c.session.Endpoint)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(c)
	}()
	s.readLoop(c)
}

// authenticate validates the hello token against the pairing store. An
// unknown node gets a pairing code; an approved node with a stale token
// gets a fresh one.
func (s *Server) authenticate(c *conn, hello Hello) (Welcome, bool) {
	tokenKey := "bridge-token/" + hello.NodeID

	stored := s.store.Token(tokenKey)
	if stored != "" && hello.Token == stored {
		return Welcome{ServerName: s.serverName}, true
	}

	if s.store.IsAllowed("bridge", hello.NodeID) {
		// Paired but no valid token yet: issue a fresh bearer.
		token, err := newToken()
		if err == nil {
			if err = s.store.SetToken(tokenKey, token); err == nil {
				return Welcome{ServerName: s.serverName, Token: token}, true
			}
		}
		s.logger.Error("bridge token issuance failed", "node", hello.NodeID, "error", err)
		return Welcome{}, false
	}

	code, err := s.store.CreateCode("bridge", hello.NodeID)
	if err != nil {
		s.logger.Error("bridge pairing code failed", "node", hello.NodeID, "error", err)
		return Welcome{}, false
	}
	c.writeFrame(FramePair, Pair{Status: "pair", Code: code})
	s.logger.Info("bridge pairing required", "node", hello.NodeID, "code", code)
	return Welcome{}, false
}

// attach registers the session, displacing a prior one for the same
// nodeId after a graceful goodbye.
func (s *Server) attach(c *conn) {
	s.mu.Lock()
	prior := s.sessions[c.session.NodeID]
	s.sessions[c.session.NodeID] = c
	s.mu.Unlock()

	if prior != nil {
		s.logger.Info("displacing prior bridge session", "node", c.session.NodeID)
		prior.shutdown("displaced by new attach")
	}
}

// detach removes the session if c is still the registered one.
func (s *Server) detach(c *conn) {
	s.mu.Lock()
	if cur, ok := s.sessions[c.session.NodeID]; ok && cur == c {
		delete(s.sessions, c.session.NodeID)
	}
	s.mu.Unlock()
}

// readLoop consumes frames until the connection dies. Out-of-order
// frames are dropped.
func (s *Server) readLoop(c *conn) {
	defer func() {
		s.detach(c)
		c.Close()
		s.logger.Info("node detached", "node", c.session.NodeID)
	}()

	for {
		frame, err := ReadFrame(c)
		if err != nil {
			return
		}
		if frame.Seq <= c.lastSeq {
			s.logger.Debug("dropping out-of-order frame",
				"node", c.session.NodeID, "seq", frame.Seq, "last", c.lastSeq)
			continue
		}
		c.lastSeq = frame.Seq

		s.mu.Lock()
		c.session.LastActivityAt = time.Now()
		s.mu.Unlock()

		switch frame.Type {
		case FramePing:
			c.pingMu.Lock()
			c.lastPing = time.Now()
			c.pingMu.Unlock()
		case FrameGoodbye:
			return
		case FrameMessage:
			var msg Message
			if err := DecodePayload(frame, &msg); err != nil {
				s.logger.Warn("bad message frame", "node", c.session.NodeID, "error", err)
				continue
			}
			if s.onMessage != nil {
				s.onMessage(s.ctx, c.session.NodeID, msg)
			}
		default:
			s.logger.Debug("ignoring frame", "type", frame.Type, "node", c.session.NodeID)
		}
	}
}

// pingLoop sends pings and enforces liveness: two missed peer pings
// close the connection.
func (s *Server) pingLoop(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(FramePing, Ping{TS: time.Now().UnixMilli()}); err != nil {
				return
			}
			c.pingMu.Lock()
			silent := time.Since(c.lastPing)
			c.pingMu.Unlock()
			if silent > 2*pingInterval+pingInterval/2 {
				s.logger.Warn("node missed pings, closing",
					"node", c.session.NodeID, "silent", silent)
				c.shutdown("ping timeout")
				return
			}
		}
	}
}

// writeFrame sends one frame with the next sequence number.
func (c *conn) writeFrame(frameType string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	frame, err := NewFrame(frameType, c.seq, payload)
	if err != nil {
		return err
	}
	return WriteFrame(c.Conn, frame)
}

// shutdown sends a goodbye and closes.
func (c *conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.writeFrame(FrameGoodbye, Goodbye{Reason: reason})
		c.Close()
	})
}

// newToken returns a 128-bit random bearer token.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// resolveBind maps the configured bind to a host address. "tailnet"
// selects the host's 100.64.0.0/10 address.
func resolveBind(bind string) (string, error) {
	switch bind {
	case "", "0.0.0.0":
		return "0.0.0.0", nil
	case "tailnet":
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return "", fmt.Errorf("enumerating interfaces: %w", err)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			// 100.64.0.0/10
			if ip[0] == 100 && ip[1] >= 64 && ip[1] < 128 {
				return ip.String(), nil
			}
		}
		return "", fmt.Errorf("no tailnet interface found")
	default:
		if strings.Contains(bind, ":") && net.ParseIP(bind) == nil {
			return "", fmt.Errorf("invalid bridge bind %q", bind)
		}
		return bind, nil
	}
}
