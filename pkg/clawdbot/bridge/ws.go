package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// connectParams is the first client frame on the dashboard websocket.
type connectParams struct {
	Type   string `json:"type"` // "connect"
	Params struct {
		Auth string `json:"auth"` // token or password
	} `json:"params"`
}

// DashboardAuth validates dashboard credentials: a bearer token compared
// verbatim, or a password checked against a bcrypt hash. Either may be
// empty (that method is then disabled).
type DashboardAuth struct {
	Token        string
	PasswordHash string // bcrypt
}

// valid reports whether the presented credential passes either method.
func (a DashboardAuth) valid(auth string) bool {
	if auth == "" {
		return false
	}
	if a.Token != "" && auth == a.Token {
		return true
	}
	if a.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(auth)) == nil
	}
	return false
}

// HashPassword bcrypt-hashes a dashboard password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from the gateway itself or a paired node.
	CheckOrigin: func(*http.Request) bool { return true },
}

// DashboardHandler upgrades dashboard websocket connections. The first
// client frame must be connect with valid params.auth; anything else
// closes with policy-violation.
func DashboardHandler(auth DashboardAuth, serve func(*websocket.Conn), logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge-ws")

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("dashboard upgrade failed", "error", err)
			return
		}

		ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
		var connect connectParams
		if err := ws.ReadJSON(&connect); err != nil ||
			connect.Type != "connect" || !auth.valid(connect.Params.Auth) {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
				time.Now().Add(time.Second))
			ws.Close()
			logger.Info("dashboard auth rejected", "remote", r.RemoteAddr)
			return
		}
		ws.SetReadDeadline(time.Time{})

		logger.Info("dashboard connected", "remote", r.RemoteAddr)
		serve(ws)
	}
}
