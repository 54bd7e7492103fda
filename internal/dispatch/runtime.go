package dispatch

import (
	"context"
	"sync"

	"github.com/openclaw/chatrelay/internal/chat"
)

// DeliveryKind tags a chunk handed back by the agent runtime.
type DeliveryKind string

const (
	// KindBlock is a partial chunk of the reply being produced.
	KindBlock DeliveryKind = "block"
	// KindFinal closes the reply; its payload may be empty.
	KindFinal DeliveryKind = "final"
)

// Delivery describes one callback invocation from the runtime.
type Delivery struct {
	Kind DeliveryKind
}

// Payload is a piece of agent output.
type Payload struct {
	Text string
}

// Route identifies where the runtime will send an inbound message.
type Route struct {
	SessionKey string
	AgentID    string
}

// SessionMeta is best-effort bookkeeping recorded per inbound message.
type SessionMeta struct {
	Channel   string
	AccountID string
	Peer      string
}

// InboundContext is the runtime's opaque, finalized representation of one
// inbound message.
type InboundContext interface{}

// Runtime is the capability set the host process injects. The relay drives
// replies exclusively through Dispatch's deliver and onError callbacks;
// every other method feeds Dispatch its inputs.
type Runtime interface {
	// StateDir resolves the runtime's storage root.
	StateDir() string
	// ResolveRoute picks the session key and agent for an inbound message.
	ResolveRoute(ctx context.Context, channel, accountID, peer string) (Route, error)
	// FormatEnvelope renders the inbound message body for the agent.
	FormatEnvelope(route Route, text string, images []chat.ImageAttachment) string
	// FinalizeContext assembles the dispatchable inbound context.
	FinalizeContext(route Route, envelope string, images []chat.ImageAttachment) InboundContext
	// RecordSession notes session metadata. Errors are advisory.
	RecordSession(ctx context.Context, route Route, meta SessionMeta) error
	// Dispatch runs the agent. deliver is called zero or more times with
	// block chunks and at most once with a final chunk; onError reports
	// mid-dispatch failures.
	Dispatch(ctx context.Context, ic InboundContext, deliver func(Payload, Delivery), onError func(error, Delivery)) error
}

var (
	runtimeMu sync.RWMutex
	active    Runtime
)

// SetRuntime injects the process-wide agent runtime. Called once at startup
// by the host process.
func SetRuntime(rt Runtime) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	active = rt
}

// Active returns the injected runtime and panics when called before
// injection: a relay dispatching without a runtime is a wiring bug, not a
// recoverable condition.
func Active() Runtime {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if active == nil {
		panic("dispatch: agent runtime not injected; call dispatch.SetRuntime at startup")
	}
	return active
}

// HasRuntime reports whether a runtime has been injected.
func HasRuntime() bool {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	return active != nil
}
