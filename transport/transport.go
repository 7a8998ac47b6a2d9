// Package transport is the real-time delivery collaborator. The core
// transmits sealed envelopes through it and receives inbound frames via
// registered handlers; retry and backoff are a transport concern, not the
// core's. Real socket bindings live outside this library — the loopback
// implementation here exists for in-process wiring and tests.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is the canonical transport failure. The conversation store
// records it as message status "failed"; it never discards the message.
var ErrUnavailable = errors.New("transport unavailable")

// Frame is one sealed message on the wire. Envelope is the JSON-encoded
// crypto envelope; the transport never sees plaintext.
type Frame struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Type           string    `json:"type"`
	Envelope       []byte    `json:"envelope"`
	Timestamp      time.Time `json:"timestamp"`
	IsAnonymous    bool      `json:"is_anonymous"`
}

// Handler consumes inbound frames.
type Handler func(Frame)

// Transport moves frames between peers.
type Transport interface {
	// Transmit sends a frame to the conversation's remote party. May block
	// on network I/O; honors ctx cancellation.
	Transmit(ctx context.Context, frame Frame) error

	// OnMessage registers a handler for inbound frames and returns its
	// unregistration handle.
	OnMessage(h Handler) (unsubscribe func())
}

// Loopback delivers transmitted frames straight back to the registered
// handlers of the same process.
type Loopback struct {
	mu       sync.Mutex
	handlers map[int]Handler
	next     int
}

// NewLoopback creates an in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[int]Handler)}
}

func (l *Loopback) Transmit(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	hs := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	for _, h := range hs {
		h(frame)
	}
	return nil
}

func (l *Loopback) OnMessage(h Handler) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
}
