package relay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openclaw/chatrelay/internal/chat"
	"github.com/openclaw/chatrelay/internal/dispatch"
	"github.com/openclaw/chatrelay/internal/history"
	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/relay"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func setupServer(t *testing.T, onInbound relay.InboundHandler) (*relay.Relay, *httptest.Server) {
	t.Helper()

	log := testLogger()
	r := relay.New(history.NewStore(t.TempDir()), nil, log, nil)
	h := relay.NewHandler(r, nil, onInbound, log, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.HandleWS)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return r, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type         string               `json:"type"`
	ConnectionID string               `json:"connectionId"`
	Messages     []chat.StoredMessage `json:"messages"`
	Msg          *chat.StoredMessage  `json:"msg"`
	Text         string               `json:"text"`
	Seq          *int64               `json:"seq"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}

	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return ev
}

func wantSeq(t *testing.T, ev wireEvent, want int64) {
	t.Helper()
	if ev.Seq == nil {
		t.Fatalf("%s event missing seq", ev.Type)
	}
	if *ev.Seq != want {
		t.Errorf("%s event seq = %d, want %d", ev.Type, *ev.Seq, want)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestFirstConnectEmptyHistory(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")

	hello := readEvent(t, conn)
	if hello.Type != "hello" {
		t.Fatalf("first event = %s, want hello", hello.Type)
	}
	if hello.ConnectionID == "" {
		t.Error("hello missing connectionId")
	}
	wantSeq(t, hello, 0)

	hist := readEvent(t, conn)
	if hist.Type != "history" {
		t.Fatalf("second event = %s, want history", hist.Type)
	}
	if hist.Messages == nil || len(hist.Messages) != 0 {
		t.Errorf("expected empty messages array, got %v", hist.Messages)
	}
	wantSeq(t, hist, 1)

	if got := r.Sequence("u1"); got != 2 {
		t.Errorf("sequence = %d, want 2", got)
	}
	if seqs := r.BufferedSeqs("u1"); len(seqs) != 1 || seqs[0] != 1 {
		t.Errorf("buffer = %v, want [1] (hello is not buffered)", seqs)
	}
}

// fakeRuntime produces a scripted streamed reply.
type fakeRuntime struct {
	blocks    []string
	final     string
	sendFinal bool
}

func (f *fakeRuntime) StateDir() string { return "" }

func (f *fakeRuntime) ResolveRoute(ctx context.Context, channel, accountID, peer string) (dispatch.Route, error) {
	return dispatch.Route{SessionKey: peer, AgentID: "agent-1"}, nil
}

func (f *fakeRuntime) FormatEnvelope(route dispatch.Route, text string, images []chat.ImageAttachment) string {
	return text
}

func (f *fakeRuntime) FinalizeContext(route dispatch.Route, envelope string, images []chat.ImageAttachment) dispatch.InboundContext {
	return envelope
}

func (f *fakeRuntime) RecordSession(ctx context.Context, route dispatch.Route, meta dispatch.SessionMeta) error {
	return nil
}

func (f *fakeRuntime) Dispatch(ctx context.Context, ic dispatch.InboundContext, deliver func(dispatch.Payload, dispatch.Delivery), onError func(error, dispatch.Delivery)) error {
	for _, b := range f.blocks {
		deliver(dispatch.Payload{Text: b}, dispatch.Delivery{Kind: dispatch.KindBlock})
	}
	if f.sendFinal {
		deliver(dispatch.Payload{Text: f.final}, dispatch.Delivery{Kind: dispatch.KindFinal})
	}
	return nil
}

func TestSendAndStreamedReply(t *testing.T) {
	dispatch.SetRuntime(&fakeRuntime{blocks: []string{"hel", "lo"}, sendFinal: true})

	log := testLogger()
	r := relay.New(history.NewStore(t.TempDir()), nil, log, nil)
	d := dispatch.NewDispatcher(r, "acct-1", log, nil)
	h := relay.NewHandler(r, nil, d.HandleInbound, log, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn) // hello@0
	readEvent(t, conn) // history@1

	sendJSON(t, conn, `{"type":"message","text":"hi"}`)

	echo := readEvent(t, conn)
	if echo.Type != "message" || echo.Msg == nil || echo.Msg.Text != "hi" || echo.Msg.Role != chat.RoleUser {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if !strings.HasPrefix(echo.Msg.ID, "in-") {
		t.Errorf("user message id = %s, want in- prefix", echo.Msg.ID)
	}
	wantSeq(t, echo, 2)

	s1 := readEvent(t, conn)
	if s1.Type != "streaming" || s1.Text != "hel" {
		t.Fatalf("unexpected streaming event: %+v", s1)
	}
	wantSeq(t, s1, 3)

	s2 := readEvent(t, conn)
	if s2.Type != "streaming" || s2.Text != "hello" {
		t.Fatalf("streaming text must be cumulative: %+v", s2)
	}
	wantSeq(t, s2, 4)

	final := readEvent(t, conn)
	if final.Type != "message" || final.Msg == nil || final.Msg.Text != "hello" || final.Msg.Role != chat.RoleAssistant {
		t.Fatalf("unexpected final message: %+v", final)
	}
	if !strings.HasPrefix(final.Msg.ID, "out-") {
		t.Errorf("assistant message id = %s, want out- prefix", final.Msg.ID)
	}
	wantSeq(t, final, 5)

	end := readEvent(t, conn)
	if end.Type != "streaming_end" {
		t.Fatalf("expected streaming_end after final message, got %s", end.Type)
	}
	wantSeq(t, end, 6)

	stored := r.History().Read("u1")
	if len(stored) != 2 || stored[0].Role != chat.RoleUser || stored[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected history: %+v", stored)
	}
	if stored[1].Text != "hello" {
		t.Errorf("assistant text = %q", stored[1].Text)
	}
}

func TestReconnectWithinBuffer(t *testing.T) {
	dispatch.SetRuntime(&fakeRuntime{blocks: []string{"hel", "lo"}, sendFinal: true})

	log := testLogger()
	r := relay.New(history.NewStore(t.TempDir()), nil, log, nil)
	d := dispatch.NewDispatcher(r, "", log, nil)
	h := relay.NewHandler(r, nil, d.HandleInbound, log, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	conn := dial(t, server, "?userId=u1")
	hello := readEvent(t, conn)
	prevConnID := hello.ConnectionID
	readEvent(t, conn) // history@1

	sendJSON(t, conn, `{"type":"message","text":"hi"}`)
	for i := 0; i < 5; i++ {
		readEvent(t, conn) // message@2 .. streaming_end@6
	}
	conn.Close()

	conn2 := dial(t, server, "?userId=u1&connection_id="+prevConnID+"&sequence_number=4")

	hello2 := readEvent(t, conn2)
	if hello2.Type != "hello" {
		t.Fatalf("expected hello, got %s", hello2.Type)
	}
	if hello2.ConnectionID != prevConnID {
		t.Errorf("covered reconnect must adopt the previous connection id")
	}
	wantSeq(t, hello2, 7)

	expected := []struct {
		typ string
		seq int64
	}{
		{"streaming", 4},
		{"message", 5},
		{"streaming_end", 6},
	}
	for _, want := range expected {
		ev := readEvent(t, conn2)
		if ev.Type == "history" {
			t.Fatal("catch-up replay must not include a history event")
		}
		if ev.Type != want.typ {
			t.Errorf("expected %s, got %s", want.typ, ev.Type)
		}
		wantSeq(t, ev, want.seq)
	}
}

func TestReconnectOutsideBuffer(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")
	hello := readEvent(t, conn)
	prevConnID := hello.ConnectionID
	readEvent(t, conn)
	conn.Close()

	// Push the buffer past its capacity so seq 0 is evicted.
	for i := 0; i < relay.EventBufferSize+100; i++ {
		r.Broadcast("u1", relay.NewStreaming("x"))
	}

	conn2 := dial(t, server, "?userId=u1&connection_id="+prevConnID+"&sequence_number=0")

	hello2 := readEvent(t, conn2)
	if hello2.Type != "hello" {
		t.Fatalf("expected hello, got %s", hello2.Type)
	}
	if hello2.ConnectionID == prevConnID {
		t.Error("out-of-buffer reconnect must mint a fresh connection id")
	}

	hist := readEvent(t, conn2)
	if hist.Type != "history" {
		t.Fatalf("out-of-buffer reconnect must fall back to full history, got %s", hist.Type)
	}
}

func TestResyncOnDemand(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn) // hello@0
	readEvent(t, conn) // history@1

	sendJSON(t, conn, `{"type":"resync"}`)

	hist := readEvent(t, conn)
	if hist.Type != "history" {
		t.Fatalf("expected history, got %s", hist.Type)
	}
	wantSeq(t, hist, 2)

	if got := r.Sequence("u1"); got != 3 {
		t.Errorf("sequence = %d, want 3", got)
	}
}

func TestResyncIncludesActiveStreaming(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn)
	readEvent(t, conn)

	r.SetStreamingText("u1", "partial reply")
	ev := readEvent(t, conn)
	if ev.Type != "streaming" {
		t.Fatalf("expected streaming broadcast, got %s", ev.Type)
	}

	sendJSON(t, conn, `{"type":"resync"}`)

	hist := readEvent(t, conn)
	if hist.Type != "history" {
		t.Fatalf("expected history, got %s", hist.Type)
	}
	streaming := readEvent(t, conn)
	if streaming.Type != "streaming" || streaming.Text != "partial reply" {
		t.Fatalf("resync must replay the current partial, got %+v", streaming)
	}
}

func TestPingPongConsumesNoSeq(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn)
	readEvent(t, conn)

	for i := 0; i < 3; i++ {
		sendJSON(t, conn, `{"type":"ping"}`)
		pong := readEvent(t, conn)
		if pong.Type != "pong" {
			t.Fatalf("expected pong, got %s", pong.Type)
		}
		if pong.Seq != nil {
			t.Error("pong must not carry a seq")
		}
	}

	if got := r.Sequence("u1"); got != 2 {
		t.Errorf("pings must not consume seq numbers, sequence = %d", got)
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	r, server := setupServer(t, nil)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn)
	readEvent(t, conn)

	sendJSON(t, conn, `{not json`)
	sendJSON(t, conn, `{"type":"unknown-kind"}`)

	// The connection is still alive and the counter untouched.
	sendJSON(t, conn, `{"type":"ping"}`)
	pong := readEvent(t, conn)
	if pong.Type != "pong" {
		t.Fatalf("connection must survive malformed input, got %s", pong.Type)
	}
	if got := r.Sequence("u1"); got != 2 {
		t.Errorf("sequence = %d, want 2", got)
	}
}

func TestEmptyMessageIgnored(t *testing.T) {
	inboundCalls := make(chan string, 1)
	r, server := setupServer(t, func(ctx context.Context, userKey, text string, images []chat.ImageAttachment) {
		inboundCalls <- text
	})

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn)
	readEvent(t, conn)

	sendJSON(t, conn, `{"type":"message","text":"   "}`)

	select {
	case text := <-inboundCalls:
		t.Fatalf("empty message must not dispatch, got %q", text)
	case <-time.After(150 * time.Millisecond):
	}

	if got := r.Sequence("u1"); got != 2 {
		t.Errorf("empty message must not broadcast, sequence = %d", got)
	}
	if got := len(r.History().Read("u1")); got != 0 {
		t.Errorf("empty message must not persist, history len = %d", got)
	}
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify(userKey, title, body, tag string) {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
}

func (n *countingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

func TestNoPushWhileClientConnected(t *testing.T) {
	notifier := &countingNotifier{}

	log := testLogger()
	r := relay.New(history.NewStore(t.TempDir()), notifier, log, nil)
	h := relay.NewHandler(r, nil, nil, log, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	conn := dial(t, server, "?userId=u1")
	readEvent(t, conn)
	readEvent(t, conn)

	r.PushOutboundMessage("u1", "seen live", "")

	ev := readEvent(t, conn)
	if ev.Type != "message" {
		t.Fatalf("expected message, got %s", ev.Type)
	}
	if notifier.total() != 0 {
		t.Error("a connected client suppresses the push notification")
	}
}

func TestSessionKeysIsolateConversations(t *testing.T) {
	r, server := setupServer(t, nil)

	connA := dial(t, server, "?userId=u1")
	readEvent(t, connA)
	readEvent(t, connA)

	connB := dial(t, server, "?userId=u1&sessionId=work")
	readEvent(t, connB)
	readEvent(t, connB)

	sendJSON(t, connA, `{"type":"message","text":"for default"}`)
	ev := readEvent(t, connA)
	if ev.Type != "message" {
		t.Fatalf("expected message echo, got %s", ev.Type)
	}

	if got := r.Sequence("u1:work"); got != 2 {
		t.Errorf("other session must not see the message, sequence = %d", got)
	}
	if got := len(r.History().Read("u1:work")); got != 0 {
		t.Errorf("other session history polluted: %d messages", got)
	}
}
