package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/transport"
)

// defaultInboundHold is how long inbound frames sit in the reorder buffer
// before delivery. Frames arriving within the same window are delivered in
// timestamp order regardless of network arrival order.
const defaultInboundHold = 150 * time.Millisecond

// inboundBuffers reorders inbound frames per conversation. Sender-side
// timestamps are monotonic per conversation, so sorting a buffered window
// restores the original order; only frames later than the hold window can
// still arrive out of order, and those are delivered anyway rather than
// dropped.
type inboundBuffers struct {
	mu        sync.Mutex
	hold      time.Duration
	pending   map[uuid.UUID][]transport.Frame
	timers    map[uuid.UUID]*time.Timer
	watermark map[uuid.UUID]time.Time
	deliver   func(uuid.UUID, []transport.Frame)
}

func (b *inboundBuffers) init(hold time.Duration, deliver func(uuid.UUID, []transport.Frame)) {
	b.hold = hold
	b.pending = make(map[uuid.UUID][]transport.Frame)
	b.timers = make(map[uuid.UUID]*time.Timer)
	b.watermark = make(map[uuid.UUID]time.Time)
	b.deliver = deliver
}

func (b *inboundBuffers) add(frame transport.Frame) {
	b.mu.Lock()
	convID := frame.ConversationID

	list := b.pending[convID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(frame.Timestamp) {
		i--
	}
	list = append(list, transport.Frame{})
	copy(list[i+1:], list[i:])
	list[i] = frame
	b.pending[convID] = list

	if b.hold <= 0 {
		b.mu.Unlock()
		b.flush(convID)
		return
	}

	if _, running := b.timers[convID]; !running {
		b.timers[convID] = time.AfterFunc(b.hold, func() { b.flush(convID) })
	}
	b.mu.Unlock()
}

func (b *inboundBuffers) flush(convID uuid.UUID) {
	b.mu.Lock()
	batch := b.pending[convID]
	delete(b.pending, convID)
	delete(b.timers, convID)
	if len(batch) > 0 {
		last := batch[len(batch)-1].Timestamp
		if last.After(b.watermark[convID]) {
			b.watermark[convID] = last
		}
	}
	b.mu.Unlock()

	if len(batch) > 0 {
		b.deliver(convID, batch)
	}
}

// HandleInbound accepts a frame from the transport. Frames for messages the
// store already holds (the transport echoing a local send) are ignored.
func (s *Service) HandleInbound(frame transport.Frame) {
	s.mu.RLock()
	_, known := s.msgIndex[frame.MessageID]
	s.mu.RUnlock()
	if known {
		return
	}

	s.inbound.add(frame)
}

// deliverInbound records a batch of reordered frames and hands them to the
// conversation's subscribers in timestamp order.
func (s *Service) deliverInbound(convID uuid.UUID, batch []transport.Frame) {
	ctx := context.Background()

	delivered := make([]*models.Message, 0, len(batch))

	s.mu.Lock()
	conv, ok := s.conversations[convID]
	if !ok {
		// Receiver side of a conversation this process has not opened yet.
		now := time.Now()
		conv = &models.Conversation{
			ID:           convID,
			Participants: [2]string{batch[0].SenderID, batch[0].RecipientID},
			IsEncrypted:  true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.conversations[convID] = conv
	}

	for _, frame := range batch {
		if _, dup := s.msgIndex[frame.MessageID]; dup {
			continue
		}
		msg := &models.Message{
			ID:             frame.MessageID,
			ConversationID: frame.ConversationID,
			SenderID:       frame.SenderID,
			RecipientID:    frame.RecipientID,
			Type:           models.MessageType(frame.Type),
			Encrypted:      frame.Envelope,
			Timestamp:      frame.Timestamp,
			Status:         models.StatusDelivered,
			IsAnonymous:    frame.IsAnonymous,
		}
		s.insertMessage(msg)
		conv.LastMessage = msg
		conv.UpdatedAt = msg.Timestamp
		if last, ok := s.lastStamp[convID]; !ok || msg.Timestamp.After(last) {
			s.lastStamp[convID] = msg.Timestamp
		}
		delivered = append(delivered, msg)
	}
	s.mu.Unlock()

	for _, msg := range delivered {
		if err := s.persistMessage(ctx, msg); err != nil {
			s.log.WithError(err).WithField("message", msg.ID).Warn("failed to persist inbound message")
		}
	}

	s.subsMu.Lock()
	fns := make([]func(*models.Message), 0, len(s.subs[convID]))
	for _, fn := range s.subs[convID] {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, msg := range delivered {
		for _, fn := range fns {
			fn(msg)
		}
	}
}
