package dispatch

import (
	"context"

	"github.com/0xkanth/omnisync/pkg/types"
)

// EventCallback is user indexing code: given the populated per-event
// Context and the decoded Event, it performs the user's writes against
// Context.DB and returns an error classified by internal/syncerrors.
// Adapted from the teacher's router.EventCallback, generalized from one
// NATS-publish callback to arbitrary per-(contract, event name) handlers.
type EventCallback func(ctx context.Context, dctx *Context, event types.Event) error

// Router maps a contract/event name pair to the user callback registered
// for it, mirroring the teacher's EventLogHandlerRouter.logHandlers table
// keyed by topic0 — keyed here by name instead, since C7 has already
// resolved the ABI match before the dispatcher ever sees the event.
type Router struct {
	handlers map[routeKey]EventCallback
	control  map[types.EventKind]EventCallback
}

type routeKey struct {
	contract string
	event    string
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[routeKey]EventCallback),
		control:  make(map[types.EventKind]EventCallback),
	}
}

// On registers the callback invoked for events named eventName on contract.
func (r *Router) On(contract, eventName string, cb EventCallback) {
	r.handlers[routeKey{contract, eventName}] = cb
}

// OnControl registers a callback for a control event kind (block, reorg,
// finalize, setup, decode_error) instead of a decoded contract event.
func (r *Router) OnControl(kind types.EventKind, cb EventCallback) {
	r.control[kind] = cb
}

// Lookup returns the callback for event, or ok=false if nothing is
// registered — an unmatched event is silently skipped, same as the
// teacher's router when no handler exists for a topic0.
func (r *Router) Lookup(event types.Event) (EventCallback, bool) {
	switch event.Kind {
	case types.EventKindLog, types.EventKindTransaction, types.EventKindTransfer, types.EventKindTrace:
		cb, ok := r.handlers[routeKey{event.ContractName, event.EventName}]
		return cb, ok
	default:
		cb, ok := r.control[event.Kind]
		return cb, ok
	}
}
