// Package bus implements the message bus described in §4.6: a registry
// mapping recipient component ids to handlers, with correlated
// request/response dispatch and cancellation. The bus has no process-wide
// state; it is a single value constructed once and passed to every
// component that needs to send or receive, per the §9 design note that
// replaces a "global mutable registry" source pattern with an explicit,
// constructor-injected value.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-run/meridian/errs"
)

// ComponentID identifies a message recipient. It is either a fixed symbol
// ("planner", "validator", "journal", "bridge") or "gear:<id>".
type ComponentID string

// GearComponent builds the ComponentID for a Gear with the given id.
func GearComponent(gearID string) ComponentID {
	return ComponentID("gear:" + gearID)
}

// MessageType is the discriminant tag of a bus Message: a tagged sum
// routed on Type rather than a dynamically-typed payload.
type MessageType string

const (
	TypePlanRequest      MessageType = "plan.request"
	TypePlanResponse     MessageType = "plan.response"
	TypeJournalStore     MessageType = "journal.store"
	TypeJournalQuery     MessageType = "journal.query"
	TypeApprovalRequired MessageType = "approval_required"
	TypeGearInvoke       MessageType = "gear.invoke"
	TypeGearResult       MessageType = "gear.result"
)

// Message is the envelope every bus send carries. Signature is a plain
// field for messages to/from "gear:*"; Bus itself neither sets nor
// verifies it, and Send dispatches a gear message whatever its Signature.
type Message struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	From          ComponentID
	To            ComponentID
	Type          MessageType
	Payload       any
	JobID         string
	Signature     string
}

// NewMessage builds a Message with a fresh ID and the current timestamp
// filled in by the caller-supplied clock (tests can inject a fixed time).
func NewMessage(from, to ComponentID, typ MessageType, correlationID string, payload any, now time.Time) Message {
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     now,
		From:          from,
		To:            to,
		Type:          typ,
		Payload:       payload,
	}
}

// Handler processes a Message addressed to the component it is registered
// under, and returns a response Message or an error. Handlers are invoked
// synchronously in the caller's goroutine (per §4.6: "dispatches
// synchronously to the recipient's handler in the caller's task"); a handler
// that performs I/O is itself a suspension point (§5).
type Handler func(ctx context.Context, msg Message) (Message, error)

// Bus is the registry of ComponentID -> Handler. Registration happens at
// startup/shutdown (single writer); dispatch happens concurrently from many
// worker goroutines (concurrent readers), matching §5's "Bus registry
// — single writer at startup/shutdown; concurrent readers."
type Bus struct {
	mu       sync.RWMutex
	handlers map[ComponentID]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[ComponentID]Handler)}
}

// Register installs (or replaces) the handler for id. Re-registration
// replaces the previous handler, per §4.6.
func (b *Bus) Register(id ComponentID, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Unregister removes the handler for id, if any.
func (b *Bus) Unregister(id ComponentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Send dispatches msg synchronously to msg.To's handler, in the calling
// goroutine. If ctx is cancelled before dispatch, Send returns an
// errs.Cancelled error without invoking the handler; if it is cancelled
// while the handler runs, Send returns an errs.Cancelled error once the
// handler returns. The bus does not interrupt a running handler.
func (b *Bus) Send(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, errs.Wrap(errs.Cancelled, err, "send cancelled before dispatch")
	}
	b.mu.RLock()
	h, ok := b.handlers[msg.To]
	b.mu.RUnlock()
	if !ok {
		return Message{}, errs.Newf(errs.NotFound, "no handler registered for %q", msg.To)
	}

	resp, err := h(ctx, msg)
	if ctx.Err() != nil {
		return Message{}, errs.Wrap(errs.Cancelled, ctx.Err(), "send cancelled")
	}
	if err != nil {
		return Message{}, fmt.Errorf("handler %q: %w", msg.To, err)
	}
	return resp, nil
}

// Handlers returns the set of currently registered component ids, for
// observability/diagnostics.
func (b *Bus) Handlers() []ComponentID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]ComponentID, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	return ids
}
