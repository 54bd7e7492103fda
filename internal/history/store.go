package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openclaw/chatrelay/internal/chat"
)

// MaxMessages bounds every per-user history file. When an append would push
// a log past the bound, the oldest messages are evicted.
const MaxMessages = 500

const dirName = "pwa-chat-history"

// SessionInfo describes one stored conversation of a base user.
type SessionInfo struct {
	SessionID     string `json:"sessionId"`
	MessageCount  int    `json:"messageCount"`
	LastTimestamp int64  `json:"lastTimestamp"`
}

// Store persists per-user message logs as one JSON file per sanitized user
// key. Writes are whole-file read-modify-write and intentionally not
// crash-atomic; a crash mid-write can lose the tail of one user's log.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted under stateDir. The directory is created
// lazily on the first append.
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, dirName)}
}

// Read returns the ordered message log for a user key. Missing or malformed
// files read as an empty history; Read never fails.
func (s *Store) Read(userKey string) []chat.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(userKey)
}

func (s *Store) readLocked(userKey string) []chat.StoredMessage {
	data, err := os.ReadFile(s.path(userKey))
	if err != nil {
		return []chat.StoredMessage{}
	}

	var messages []chat.StoredMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return []chat.StoredMessage{}
	}
	if messages == nil {
		messages = []chat.StoredMessage{}
	}
	return messages
}

// Append adds a message to a user's log, evicting the oldest entries once
// the log exceeds MaxMessages.
func (s *Store) Append(userKey string, msg chat.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	messages := s.readLocked(userKey)
	messages = append(messages, msg)
	if len(messages) > MaxMessages {
		messages = messages[len(messages)-MaxMessages:]
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if err := os.WriteFile(s.path(userKey), data, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// ListSessions enumerates the stored conversations of a base user, most
// recently active first.
func (s *Store) ListSessions(baseUserID string) []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return []SessionInfo{}
	}

	base := chat.SanitizeKey(baseUserID)
	sessions := []SessionInfo{}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		name = strings.TrimSuffix(name, ".json")

		var sessionID string
		switch {
		case name == base:
			sessionID = chat.DefaultSession
		case strings.HasPrefix(name, base+"_"):
			sessionID = name[len(base)+1:]
		default:
			continue
		}

		messages := s.readLocked(name)
		info := SessionInfo{
			SessionID:    sessionID,
			MessageCount: len(messages),
		}
		if len(messages) > 0 {
			info.LastTimestamp = messages[len(messages)-1].Timestamp
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastTimestamp > sessions[j].LastTimestamp
	})
	return sessions
}

// DeleteSession removes one conversation file. It reports whether the file
// existed.
func (s *Store) DeleteSession(baseUserID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(chat.DeriveUserKey(baseUserID, sessionID))
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}

func (s *Store) path(userKey string) string {
	return filepath.Join(s.dir, chat.SanitizeKey(userKey)+".json")
}
