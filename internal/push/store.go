package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	dirName           = "pwa-chat-push"
	subscriptionsFile = "subscriptions.json"
)

// SubscriptionStore persists userKey → subscriptions on disk. All access is
// serialized by a store-level mutex; the file is small and rewritten whole.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

// NewSubscriptionStore creates a store rooted under stateDir.
func NewSubscriptionStore(stateDir string) *SubscriptionStore {
	return &SubscriptionStore{
		path: filepath.Join(stateDir, dirName, subscriptionsFile),
	}
}

// List returns the subscriptions registered for a user key.
func (s *SubscriptionStore) List(userKey string) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()[userKey]
}

// Save registers a subscription, replacing any earlier one with the same
// endpoint.
func (s *SubscriptionStore) Save(userKey string, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	subs := all[userKey]

	replaced := false
	for i := range subs {
		if subs[i].Endpoint == sub.Endpoint {
			subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		subs = append(subs, sub)
	}
	all[userKey] = subs

	return s.writeLocked(all)
}

// Remove unregisters an endpoint. It reports whether the endpoint was known.
func (s *SubscriptionStore) Remove(userKey, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	subs := all[userKey]

	kept := subs[:0]
	removed := false
	for _, sub := range subs {
		if sub.Endpoint == endpoint {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	if !removed {
		return false, nil
	}

	if len(kept) == 0 {
		delete(all, userKey)
	} else {
		all[userKey] = kept
	}
	return true, s.writeLocked(all)
}

func (s *SubscriptionStore) loadLocked() map[string][]Subscription {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string][]Subscription{}
	}

	var all map[string][]Subscription
	if err := json.Unmarshal(data, &all); err != nil || all == nil {
		return map[string][]Subscription{}
	}
	return all
}

func (s *SubscriptionStore) writeLocked(all map[string][]Subscription) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create push dir: %w", err)
	}

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write subscriptions: %w", err)
	}
	return nil
}
