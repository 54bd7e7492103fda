package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/chatrelay/internal/chat"
	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/metrics"
	"github.com/openclaw/chatrelay/internal/relay"
)

// Channel is the channel name this relay registers with the runtime.
const Channel = "pwa-chat"

// Dispatcher bridges inbound user messages to the agent runtime and routes
// the runtime's output back through the relay: block chunks as streaming
// updates, the final chunk as a stored assistant message.
type Dispatcher struct {
	relay     *relay.Relay
	accountID string
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher bound to one relay.
func NewDispatcher(r *relay.Relay, accountID string, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		relay:     r,
		accountID: accountID,
		logger:    log.WithComponent("dispatch"),
		metrics:   m,
	}
}

// HandleInbound drives one user message through the agent. It satisfies
// relay.InboundHandler and is invoked once per message; overlapping
// invocations for one user are permitted and their streaming updates
// interleave (last writer wins).
func (d *Dispatcher) HandleInbound(ctx context.Context, userKey, text string, images []chat.ImageAttachment) {
	log := d.logger.WithContext(ctx)
	rt := Active()

	if d.metrics != nil {
		d.metrics.DispatchesTotal.Inc()
		start := time.Now()
		defer func() {
			d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		}()
	}

	route, err := rt.ResolveRoute(ctx, Channel, d.accountID, userKey)
	if err != nil {
		log.Error("failed to resolve agent route", slog.String("error", err.Error()))
		return
	}

	// Best-effort bookkeeping; a failure here must not block the reply.
	if err := rt.RecordSession(ctx, route, SessionMeta{
		Channel:   Channel,
		AccountID: d.accountID,
		Peer:      userKey,
	}); err != nil {
		log.Warn("failed to record session metadata", slog.String("error", err.Error()))
	}

	envelope := rt.FormatEnvelope(route, text, images)
	ic := rt.FinalizeContext(route, envelope, images)

	accumulated := ""
	finalDelivered := false

	deliver := func(p Payload, info Delivery) {
		switch info.Kind {
		case KindBlock:
			if p.Text == "" {
				return
			}
			accumulated += p.Text
			d.relay.SetStreamingText(userKey, accumulated)

		case KindFinal:
			accumulated += p.Text
			finalDelivered = true
			if accumulated != "" {
				d.relay.PushOutboundMessage(userKey, accumulated, "")
				d.relay.EndStreaming(userKey)
			}
		}
	}

	onError := func(err error, info Delivery) {
		log.Error("agent dispatch error",
			slog.String("kind", string(info.Kind)),
			slog.String("error", err.Error()))
	}

	if err := rt.Dispatch(ctx, ic, deliver, onError); err != nil {
		log.Error("agent dispatch failed", slog.String("error", err.Error()))
	}

	// Safety flush: an agent that streamed text but never signaled final
	// still owes the user a message.
	if !finalDelivered && accumulated != "" {
		d.relay.PushOutboundMessage(userKey, accumulated, "")
		d.relay.EndStreaming(userKey)
	}
}
