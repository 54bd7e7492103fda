package relay

import "github.com/openclaw/chatrelay/internal/chat"

// Event is a server-originated event that consumes a sequence number when
// broadcast. Pong is deliberately not an Event: it carries no seq and is
// never buffered.
type Event interface {
	setSeq(seq int64)
}

// HelloEvent opens every connection. Its seq marks the first value of the
// connection's catch-up window.
type HelloEvent struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Seq          int64  `json:"seq"`
}

// NewHello creates a hello event for a connection.
func NewHello(connectionID string) *HelloEvent {
	return &HelloEvent{Type: "hello", ConnectionID: connectionID}
}

func (e *HelloEvent) setSeq(seq int64) { e.Seq = seq }

// HistoryEvent carries the full persisted message log of a user.
type HistoryEvent struct {
	Type     string               `json:"type"`
	Messages []chat.StoredMessage `json:"messages"`
	Seq      int64                `json:"seq"`
}

// NewHistory creates a history event. A nil message slice encodes as [].
func NewHistory(messages []chat.StoredMessage) *HistoryEvent {
	if messages == nil {
		messages = []chat.StoredMessage{}
	}
	return &HistoryEvent{Type: "history", Messages: messages}
}

func (e *HistoryEvent) setSeq(seq int64) { e.Seq = seq }

// MessageEvent carries one finalized message (user echo or assistant reply).
type MessageEvent struct {
	Type string              `json:"type"`
	Msg  *chat.StoredMessage `json:"msg"`
	Seq  int64               `json:"seq"`
}

// NewMessage creates a message event.
func NewMessage(msg *chat.StoredMessage) *MessageEvent {
	return &MessageEvent{Type: "message", Msg: msg}
}

func (e *MessageEvent) setSeq(seq int64) { e.Seq = seq }

// StreamingEvent carries the cumulative partial text of an in-flight reply.
type StreamingEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Seq  int64  `json:"seq"`
}

// NewStreaming creates a streaming event.
func NewStreaming(text string) *StreamingEvent {
	return &StreamingEvent{Type: "streaming", Text: text}
}

func (e *StreamingEvent) setSeq(seq int64) { e.Seq = seq }

// StreamingEndEvent tells clients to drop the streaming UI.
type StreamingEndEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// NewStreamingEnd creates a streaming_end event.
func NewStreamingEnd() *StreamingEndEvent {
	return &StreamingEndEvent{Type: "streaming_end"}
}

func (e *StreamingEndEvent) setSeq(seq int64) { e.Seq = seq }

// PongEvent answers an application-level ping. No seq, never buffered.
type PongEvent struct {
	Type string `json:"type"`
}

// NewPong creates a pong event.
func NewPong() *PongEvent {
	return &PongEvent{Type: "pong"}
}

// ClientEvent is the tagged union arriving from browsers. Unknown or
// malformed events are ignored without a response.
type ClientEvent struct {
	Type   string                 `json:"type"`
	Text   string                 `json:"text"`
	Images []chat.ImageAttachment `json:"images"`
}
