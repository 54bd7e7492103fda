package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openclaw/chatrelay/internal/chat"
	"github.com/openclaw/chatrelay/internal/gate"
	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers are the only callers; the gate already decided admission.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundHandler consumes one user message. Invoked asynchronously, once per
// message; invocations for one user are not serialized.
type InboundHandler func(ctx context.Context, userKey, text string, images []chat.ImageAttachment)

// Handler runs the per-socket protocol: admission, handshake, resync
// decision and the receive loop.
type Handler struct {
	relay     *Relay
	gate      *gate.Gate
	onInbound InboundHandler
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewHandler creates the websocket handler.
func NewHandler(r *Relay, g *gate.Gate, onInbound InboundHandler, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		relay:     r,
		gate:      g,
		onInbound: onInbound,
		logger:    log.WithComponent("ws"),
		metrics:   m,
	}
}

// HandleWS is the gin route for GET /ws.
func (h *Handler) HandleWS(c *gin.Context) {
	if h.gate != nil && !h.gate.Permit(c.Request) {
		gate.RejectUpgrade(c.Writer)
		c.Abort()
		return
	}

	userID := c.DefaultQuery("userId", chat.DefaultSession)
	sessionID := c.DefaultQuery("sessionId", chat.DefaultSession)
	prevConnectionID := c.Query("connection_id")

	prevSeq := int64(0)
	hasPrevSeq := false
	if raw := c.Query("sequence_number"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			prevSeq = parsed
			hasPrevSeq = true
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return
	}

	userKey := chat.DeriveUserKey(userID, sessionID)
	client := NewClient(conn)

	res := h.relay.Attach(userKey, client, prevConnectionID, prevSeq, hasPrevSeq)
	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ConnectionsActive.Inc()
	}

	log := h.logger.With(
		slog.String("user_key", userKey),
		slog.String("connection_id", res.ConnectionID))
	log.Info("client connected",
		slog.Bool("full_sync", res.FullSync),
		slog.Int64("hello_seq", res.HelloSeq))

	defer func() {
		h.relay.Detach(userKey, client)
		conn.Close()
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
		log.Info("client disconnected")
	}()

	if res.FullSync {
		h.relay.FullSync(userKey)
	}

	// Dispatches outlive the socket; they must not inherit the request
	// context's cancellation.
	ctx := context.WithValue(context.Background(), logger.ContextKeyUserID, userKey)
	ctx = context.WithValue(ctx, logger.ContextKeyConnectionID, res.ConnectionID)

	h.readLoop(ctx, log, userKey, client, conn)
}

func (h *Handler) readLoop(ctx context.Context, log *slog.Logger, userKey string, client *Client, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}

		var ev ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Malformed input never disconnects and never answers.
			continue
		}

		switch ev.Type {
		case "ping":
			// Pong bypasses the per-user ordering lock: no seq, no buffer.
			if err := client.writeJSON(NewPong()); err != nil {
				log.Debug("pong write failed", slog.String("error", err.Error()))
			}

		case "resync":
			h.relay.FullSync(userKey)

		case "message":
			h.handleMessage(ctx, log, userKey, ev)

		default:
			// Unknown event types are ignored silently.
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, log *slog.Logger, userKey string, ev ClientEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Images) == 0 {
		return
	}

	msg := chat.StoredMessage{
		ID:        chat.NewMessageID("in"),
		Text:      text,
		Timestamp: chat.NowMillis(),
		Role:      chat.RoleUser,
	}
	if len(ev.Images) > 0 {
		msg.HasImages = true
		msg.ImageCount = len(ev.Images)
	}

	if store := h.relay.History(); store != nil {
		if err := store.Append(userKey, msg); err != nil {
			log.Error("failed to persist user message", slog.String("error", err.Error()))
		}
	}

	h.relay.Broadcast(userKey, NewMessage(&msg))

	if h.onInbound != nil {
		// Fire-and-forget: dispatches for one user may overlap.
		go h.onInbound(ctx, userKey, text, ev.Images)
	}
}
