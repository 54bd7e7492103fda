package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/chatrelay/internal/chat"
	"github.com/openclaw/chatrelay/internal/history"
	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/metrics"
)

const (
	// EventBufferSize bounds the per-user replay buffer.
	EventBufferSize = 500
	// StreamingTimeout is the sliding inactivity window after which a
	// partial reply is force-ended. It protects against a hung agent that
	// never signals a final chunk.
	StreamingTimeout = 30 * time.Second
	// KeepaliveInterval is the transport-level ping period.
	KeepaliveInterval = 30 * time.Second

	// pushBodyLimit caps the notification body copied from an outbound
	// message.
	pushBodyLimit = 100
)

// PushNotifier is the fire-and-forget hook invoked when an outbound message
// arrives for a user with no connected clients.
type PushNotifier interface {
	Notify(userKey, title, body, tag string)
}

type bufferedEvent struct {
	seq  int64
	data []byte
}

type streamingState struct {
	text  string
	timer *time.Timer
	gen   uint64
}

// userState is the in-memory state of one conversation. Its mutex covers
// sequence assignment, buffer appends and socket writes, which is what keeps
// every client's event order identical.
type userState struct {
	mu        sync.Mutex
	seq       int64
	buffer    []bufferedEvent
	clients   map[*Client]struct{}
	streaming *streamingState
	streamGen uint64
}

// Relay owns all per-user state and implements sequencing, fan-out,
// streaming and the outbound push path.
//
// The user map only grows: one entry per user key seen for the process
// lifetime. Idle-entry eviction is a known gap carried over from the
// original behavior.
type Relay struct {
	mu    sync.Mutex
	users map[string]*userState

	history  *history.Store
	notifier PushNotifier
	logger   *logger.Logger
	metrics  *metrics.Metrics

	stopKeepalive chan struct{}
	stopOnce      sync.Once

	streamingTimeout time.Duration
}

// New creates a relay. notifier and m may be nil.
func New(store *history.Store, notifier PushNotifier, log *logger.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		users:            make(map[string]*userState),
		history:          store,
		notifier:         notifier,
		logger:           log.WithComponent("relay"),
		metrics:          m,
		stopKeepalive:    make(chan struct{}),
		streamingTimeout: StreamingTimeout,
	}
}

// History exposes the backing store to the connection handler.
func (r *Relay) History() *history.Store {
	return r.history
}

func (r *Relay) state(userKey string) *userState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.users[userKey]
	if !ok {
		st = &userState{clients: make(map[*Client]struct{})}
		r.users[userKey] = st
	}
	return st
}

// AttachResult reports how a connection was admitted.
type AttachResult struct {
	ConnectionID string
	HelloSeq     int64
	// FullSync is true when the caller must follow up with history (the
	// reconnect window was not covered by the buffer).
	FullSync bool
}

// Attach admits a client: it decides between catch-up and full sync, emits
// the hello event and, on catch-up, replays the buffered events. The whole
// handshake runs under the user lock so no broadcast can slide between the
// hello and the replay.
//
// The hello consumes a sequence number but is not buffered: it belongs to
// this connection only.
func (r *Relay) Attach(userKey string, c *Client, prevConnectionID string, prevSeq int64, hasPrevSeq bool) AttachResult {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	covered := false
	if prevConnectionID != "" && hasPrevSeq && len(st.buffer) > 0 {
		min := st.buffer[0].seq
		max := st.buffer[len(st.buffer)-1].seq
		covered = prevSeq >= min && prevSeq <= max
	}

	res := AttachResult{FullSync: !covered}
	if covered {
		res.ConnectionID = prevConnectionID
	} else {
		res.ConnectionID = uuid.NewString()
	}
	c.connectionID = res.ConnectionID

	st.clients[c] = struct{}{}

	hello := NewHello(res.ConnectionID)
	res.HelloSeq = st.seq
	hello.setSeq(st.seq)
	st.seq++
	if data, err := json.Marshal(hello); err == nil {
		if err := c.writeText(data); err != nil {
			r.logger.Debug("hello write failed",
				slog.String("user_key", userKey),
				slog.String("connection_id", res.ConnectionID),
				slog.String("error", err.Error()))
		}
	}

	if covered {
		for _, ev := range st.buffer {
			if ev.seq < prevSeq {
				continue
			}
			if err := c.writeText(ev.data); err != nil {
				r.logger.Debug("replay write failed",
					slog.String("user_key", userKey),
					slog.String("connection_id", res.ConnectionID),
					slog.String("error", err.Error()))
				break
			}
		}
	}

	return res
}

// Detach removes a client from its user. Safe to call once per client at
// socket termination.
func (r *Relay) Detach(userKey string, c *Client) {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.clients, c)
}

// ClientCount returns the number of live clients of a user.
func (r *Relay) ClientCount(userKey string) int {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.clients)
}

// Sequence returns the user's next unassigned sequence number.
func (r *Relay) Sequence(userKey string) int64 {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// BufferedSeqs returns the seq numbers currently held in the replay buffer,
// oldest first.
func (r *Relay) BufferedSeqs(userKey string) []int64 {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	seqs := make([]int64, len(st.buffer))
	for i, ev := range st.buffer {
		seqs[i] = ev.seq
	}
	return seqs
}

// Broadcast assigns the next sequence number to the event, appends it to
// the replay buffer and fans it out to every live client of the user.
// Individual send failures are logged and skipped.
func (r *Relay) Broadcast(userKey string, ev Event) {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	r.broadcastLocked(userKey, st, ev)
}

func (r *Relay) broadcastLocked(userKey string, st *userState, ev Event) {
	ev.setSeq(st.seq)
	st.seq++

	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal event",
			slog.String("user_key", userKey),
			slog.String("error", err.Error()))
		return
	}

	st.buffer = append(st.buffer, bufferedEvent{seq: st.seq - 1, data: data})
	if len(st.buffer) > EventBufferSize {
		st.buffer = st.buffer[1:]
	}

	if r.metrics != nil {
		r.metrics.BroadcastsTotal.Inc()
	}

	for c := range st.clients {
		if err := c.writeText(data); err != nil {
			if r.metrics != nil {
				r.metrics.SendErrors.Inc()
			}
			r.logger.Debug("send to client failed",
				slog.String("user_key", userKey),
				slog.String("connection_id", c.connectionID),
				slog.String("error", err.Error()))
			continue
		}
		if r.metrics != nil {
			r.metrics.EventsSent.Inc()
		}
	}
}

// FullSync broadcasts the user's persisted history and, when a reply is in
// flight, the current partial text. Serves both the full-sync branch of a
// reconnect and the client-initiated resync event.
func (r *Relay) FullSync(userKey string) {
	messages := []chat.StoredMessage{}
	if r.history != nil {
		messages = r.history.Read(userKey)
	}

	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	r.broadcastLocked(userKey, st, NewHistory(messages))
	if st.streaming != nil {
		r.broadcastLocked(userKey, st, NewStreaming(st.streaming.text))
	}
}

// SetStreamingText publishes the latest cumulative partial text and re-arms
// the inactivity deadline.
func (r *Relay) SetStreamingText(userKey, text string) {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.streaming != nil && st.streaming.timer != nil {
		st.streaming.timer.Stop()
	}

	st.streamGen++
	gen := st.streamGen
	st.streaming = &streamingState{
		text: text,
		gen:  gen,
		timer: time.AfterFunc(r.streamingTimeout, func() {
			r.streamingExpired(userKey, gen)
		}),
	}

	r.broadcastLocked(userKey, st, NewStreaming(text))
}

// EndStreaming drops the streaming state and broadcasts streaming_end. The
// final message must already have been broadcast: clients hide the
// streaming UI when either arrives, in that order.
func (r *Relay) EndStreaming(userKey string) {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.streaming != nil {
		if st.streaming.timer != nil {
			st.streaming.timer.Stop()
		}
		st.streaming = nil
	}

	r.broadcastLocked(userKey, st, NewStreamingEnd())
}

// streamingExpired fires when a partial reply saw no update for
// StreamingTimeout. The generation check discards stale timers that lost a
// race with a newer update.
func (r *Relay) streamingExpired(userKey string, gen uint64) {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.streaming == nil || st.streaming.gen != gen {
		return
	}
	st.streaming = nil

	r.logger.Info("streaming timed out", slog.String("user_key", userKey))
	r.broadcastLocked(userKey, st, NewStreamingEnd())
}

// IsStreaming reports whether a reply is currently being produced.
func (r *Relay) IsStreaming(userKey string) bool {
	st := r.state(userKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.streaming != nil
}

// PushOutboundMessage persists an assistant message for the target, fans it
// out, and fires a push notification when the user has no live client.
// The target may carry the channel prefix; it is stripped before use.
func (r *Relay) PushOutboundMessage(target, text, mediaURL string) chat.StoredMessage {
	userKey := chat.StripTargetPrefix(target)

	msg := chat.StoredMessage{
		ID:        chat.NewMessageID("out"),
		Text:      text,
		Timestamp: chat.NowMillis(),
		Role:      chat.RoleAssistant,
		MediaURL:  mediaURL,
	}

	if r.history != nil {
		if err := r.history.Append(userKey, msg); err != nil {
			r.logger.Error("failed to persist outbound message",
				slog.String("user_key", userKey),
				slog.String("error", err.Error()))
		}
	}

	st := r.state(userKey)
	st.mu.Lock()
	r.broadcastLocked(userKey, st, NewMessage(&msg))
	clientCount := len(st.clients)
	st.mu.Unlock()

	if clientCount == 0 && r.notifier != nil {
		r.notifier.Notify(userKey, "New message", notificationBody(text), chat.TargetPrefix+userKey)
	}

	return msg
}

func notificationBody(text string) string {
	runes := []rune(text)
	if len(runes) <= pushBodyLimit {
		return text
	}
	return string(runes[:pushBodyLimit]) + "…"
}

// RunKeepalive sends a transport-level ping to every open socket each
// KeepaliveInterval until Shutdown.
func (r *Relay) RunKeepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pingAll()
		case <-r.stopKeepalive:
			return
		}
	}
}

func (r *Relay) pingAll() {
	r.mu.Lock()
	states := make([]*userState, 0, len(r.users))
	for _, st := range r.users {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		clients := make([]*Client, 0, len(st.clients))
		for c := range st.clients {
			clients = append(clients, c)
		}
		st.mu.Unlock()

		for _, c := range clients {
			if err := c.writePing(); err != nil {
				r.logger.Debug("keepalive ping failed",
					slog.String("connection_id", c.connectionID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Shutdown stops the keepalive ticker and closes every client socket.
// In-flight dispatches are left to finish on their own.
func (r *Relay) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopKeepalive) })

	r.mu.Lock()
	states := make([]*userState, 0, len(r.users))
	for _, st := range r.users {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		for c := range st.clients {
			c.Close()
		}
		st.mu.Unlock()
	}
}
