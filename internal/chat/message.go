package chat

import "time"

// Role identifies who produced a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StoredMessage is one entry of a user's persisted conversation log.
// Messages are created on user send or on the agent's final reply and are
// never mutated afterwards.
type StoredMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // milliseconds since epoch
	Role       Role   `json:"role"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	HasImages  bool   `json:"hasImages,omitempty"`
	ImageCount int    `json:"imageCount,omitempty"`
}

// ImageAttachment carries inbound image data from a client message.
// Only the metadata (count, presence) is persisted; the payload itself is
// handed to the agent runtime and dropped.
type ImageAttachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

// NowMillis returns the current wall clock in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
