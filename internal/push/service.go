package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/metrics"
)

// Transport delivers one encoded notification to one subscription endpoint
// and reports the push service's status code. The vendor protocol lives
// entirely behind this interface.
type Transport interface {
	Deliver(ctx context.Context, sub Subscription, keys *IdentityKeys, n Notification) (status int, err error)
}

// Service is the fire-and-forget push sink. Sends fan out concurrently to
// every subscription of a user; endpoints the push service reports gone are
// pruned after the batch settles.
type Service struct {
	store     *SubscriptionStore
	keys      *keyManager
	transport Transport
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewService creates a push sink rooted under stateDir.
func NewService(stateDir string, transport Transport, log *logger.Logger, m *metrics.Metrics) *Service {
	if transport == nil {
		transport = discardTransport{}
	}
	return &Service{
		store:     NewSubscriptionStore(stateDir),
		keys:      newKeyManager(stateDir),
		transport: transport,
		logger:    log.WithComponent("push"),
		metrics:   m,
	}
}

// Store exposes the subscription store to the HTTP handlers.
func (s *Service) Store() *SubscriptionStore {
	return s.store
}

// PublicKey returns the public half of the server identity key pair,
// generating the pair on first use.
func (s *Service) PublicKey() (string, error) {
	keys, err := s.keys.get()
	if err != nil {
		return "", err
	}
	return keys.PublicKey, nil
}

// Notify implements the relay's push hook: errors are logged, never surfaced.
func (s *Service) Notify(userKey, title, body, tag string) {
	s.Send(context.Background(), userKey, Notification{Title: title, Body: body, Tag: tag})
}

// Send fans a notification out to all subscriptions of a user. A "gone"
// status (404, 410) prunes the subscription; other failures keep it.
func (s *Service) Send(ctx context.Context, userKey string, n Notification) {
	subs := s.store.List(userKey)
	if len(subs) == 0 {
		return
	}

	keys, err := s.keys.get()
	if err != nil {
		s.logger.Error("identity keys unavailable", slog.String("error", err.Error()))
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		gone []string
	)

	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()

			status, err := s.transport.Deliver(ctx, sub, keys, n)
			switch {
			case err != nil:
				s.countSend("error")
				s.logger.Warn("push delivery failed",
					slog.String("user_key", userKey),
					slog.String("endpoint", sub.Endpoint),
					slog.String("error", err.Error()))
			case status == http.StatusNotFound || status == http.StatusGone:
				s.countSend("gone")
				mu.Lock()
				gone = append(gone, sub.Endpoint)
				mu.Unlock()
			default:
				s.countSend("ok")
			}
		}(sub)
	}
	wg.Wait()

	for _, endpoint := range gone {
		if _, err := s.store.Remove(userKey, endpoint); err != nil {
			s.logger.Warn("failed to prune gone subscription",
				slog.String("user_key", userKey),
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("pruned gone subscription",
				slog.String("user_key", userKey),
				slog.String("endpoint", endpoint))
		}
	}
}

func (s *Service) countSend(result string) {
	if s.metrics != nil {
		s.metrics.PushSendsTotal.WithLabelValues(result).Inc()
	}
}

// discardTransport stands in when the host process injects no vendor
// transport. Deliveries are logged away as accepted.
type discardTransport struct{}

func (discardTransport) Deliver(ctx context.Context, sub Subscription, keys *IdentityKeys, n Notification) (int, error) {
	return http.StatusCreated, nil
}
