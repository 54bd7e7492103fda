package gate

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openclaw/chatrelay/internal/errors"
)

// TrustedProxyHeader marks requests that already passed an identity-aware
// proxy in front of the relay.
const TrustedProxyHeader = "tailscale-user-login"

// Gate decides whether an incoming connection or HTTP call is permitted.
// Evaluation order: trusted proxy header, loopback peer, no token configured,
// token match. First match wins.
type Gate struct {
	token string
}

// New creates a gate requiring the given token from non-local callers.
// An empty token leaves the gate open.
func New(token string) *Gate {
	return &Gate{token: strings.TrimSpace(token)}
}

// Permit reports whether the request may proceed.
func (g *Gate) Permit(r *http.Request) bool {
	if strings.TrimSpace(r.Header.Get(TrustedProxyHeader)) != "" {
		return true
	}

	if isLoopbackAddr(r.RemoteAddr) {
		return true
	}

	if g.token == "" {
		return true
	}

	return tokensEqual(g.token, callerSecret(r))
}

// Middleware rejects unauthorized HTTP requests with a 401 JSON body.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Permit(c.Request) {
			errors.AbortWithUnauthorized(c, "unauthorized", nil)
			return
		}
		c.Next()
	}
}

// RejectUpgrade refuses a websocket upgrade attempt with a raw 401 status
// line before tearing the socket down. Plain WriteHeader is the fallback
// when the connection cannot be hijacked.
func RejectUpgrade(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\n\r\n"))
	conn.Close()
}

// callerSecret extracts the secret a caller presented, in precedence order:
// Authorization header (with optional Bearer prefix), X-Auth-Token header,
// then the token query parameter.
func callerSecret(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(bearer)
		}
		return auth
	}

	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	// IsLoopback covers 127.0.0.0/8, ::1 and the v4-mapped form.
	return ip.IsLoopback()
}

// tokensEqual performs constant-time comparison of two tokens.
func tokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
