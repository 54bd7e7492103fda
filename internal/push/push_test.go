package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/openclaw/chatrelay/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func sub(endpoint string) Subscription {
	return Subscription{
		Endpoint: endpoint,
		Keys:     SubscriptionKeys{P256dh: "p", Auth: "a"},
	}
}

func TestStoreSaveDeduplicatesByEndpoint(t *testing.T) {
	s := NewSubscriptionStore(t.TempDir())

	if err := s.Save("u1", sub("https://push/one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("u1", sub("https://push/one")); err != nil {
		t.Fatal(err)
	}

	if got := len(s.List("u1")); got != 1 {
		t.Errorf("expected 1 subscription after replay, got %d", got)
	}

	if err := s.Save("u1", sub("https://push/two")); err != nil {
		t.Fatal(err)
	}
	if got := len(s.List("u1")); got != 2 {
		t.Errorf("expected 2 subscriptions, got %d", got)
	}
}

func TestStoreSaveReplacesKeys(t *testing.T) {
	s := NewSubscriptionStore(t.TempDir())

	if err := s.Save("u1", sub("https://push/one")); err != nil {
		t.Fatal(err)
	}
	updated := Subscription{Endpoint: "https://push/one", Keys: SubscriptionKeys{P256dh: "p2", Auth: "a2"}}
	if err := s.Save("u1", updated); err != nil {
		t.Fatal(err)
	}

	subs := s.List("u1")
	if len(subs) != 1 || subs[0].Keys.P256dh != "p2" {
		t.Errorf("latest registration must win: %+v", subs)
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewSubscriptionStore(t.TempDir())

	if err := s.Save("u1", sub("https://push/one")); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Remove("u1", "https://push/one")
	if err != nil || !removed {
		t.Errorf("expected removal, got removed=%v err=%v", removed, err)
	}

	removed, err = s.Remove("u1", "https://push/one")
	if err != nil || removed {
		t.Errorf("second removal must report missing, got removed=%v err=%v", removed, err)
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	s1 := NewSubscriptionStore(dir)
	if err := s1.Save("u1", sub("https://push/one")); err != nil {
		t.Fatal(err)
	}

	s2 := NewSubscriptionStore(dir)
	if got := len(s2.List("u1")); got != 1 {
		t.Errorf("expected persisted subscription, got %d", got)
	}
}

func TestIdentityKeysLazyAndStable(t *testing.T) {
	dir := t.TempDir()

	m := newKeyManager(dir)
	k1, err := m.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if k1.PublicKey == "" || k1.PrivateKey == "" {
		t.Fatal("expected generated key material")
	}

	// A fresh manager over the same dir must load the same pair.
	k2, err := newKeyManager(dir).get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if k2.PublicKey != k1.PublicKey || k2.PrivateKey != k1.PrivateKey {
		t.Error("identity keys must be stable across restarts")
	}
}

// recordingTransport returns a fixed status per endpoint.
type recordingTransport struct {
	mu       sync.Mutex
	statuses map[string]int
	calls    []string
}

func (rt *recordingTransport) Deliver(ctx context.Context, sub Subscription, keys *IdentityKeys, n Notification) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls = append(rt.calls, sub.Endpoint)
	if status, ok := rt.statuses[sub.Endpoint]; ok {
		return status, nil
	}
	return http.StatusCreated, nil
}

func TestSendPrunesGoneSubscriptions(t *testing.T) {
	dir := t.TempDir()
	rt := &recordingTransport{statuses: map[string]int{
		"https://push/gone":  http.StatusGone,
		"https://push/gone2": http.StatusNotFound,
	}}
	svc := NewService(dir, rt, testLogger(), nil)

	for _, e := range []string{"https://push/ok", "https://push/gone", "https://push/gone2"} {
		if err := svc.Store().Save("u1", sub(e)); err != nil {
			t.Fatal(err)
		}
	}

	svc.Send(context.Background(), "u1", Notification{Title: "t", Body: "b"})

	subs := svc.Store().List("u1")
	if len(subs) != 1 || subs[0].Endpoint != "https://push/ok" {
		t.Errorf("gone endpoints must be pruned, kept %+v", subs)
	}

	rt.mu.Lock()
	calls := len(rt.calls)
	rt.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", calls)
	}
}

func TestSendKeepsSubscriptionOnTransportError(t *testing.T) {
	dir := t.TempDir()
	rt := &failingTransport{}
	svc := NewService(dir, rt, testLogger(), nil)

	if err := svc.Store().Save("u1", sub("https://push/flaky")); err != nil {
		t.Fatal(err)
	}

	svc.Send(context.Background(), "u1", Notification{Title: "t", Body: "b"})

	if got := len(svc.Store().List("u1")); got != 1 {
		t.Errorf("transport errors must not prune, got %d subscriptions", got)
	}
}

type failingTransport struct{}

func (failingTransport) Deliver(ctx context.Context, sub Subscription, keys *IdentityKeys, n Notification) (int, error) {
	return 0, context.DeadlineExceeded
}
