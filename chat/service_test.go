package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/haven/crypto"
	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/transport"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *crypto.Keyring) {
	t.Helper()

	ring := crypto.NewKeyring()
	for _, user := range []string{"alice", "bob"} {
		_, err := ring.Generate(user)
		require.NoError(t, err)
	}

	svc := NewService(ring, opts...)
	t.Cleanup(svc.Close)
	return svc, ring
}

func TestOpenDirectIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, conv.IsEncrypted)

	again, err := svc.OpenDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	_, err = svc.OpenDirect(ctx, "alice", "alice")
	assert.Error(t, err)
	_, err = svc.OpenDirect(ctx, "", "bob")
	assert.Error(t, err)
}

func TestSendEncryptsBeforePersisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := svc.Send(ctx, conv.ID, "alice", "I need someone to talk to", SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, models.MessageText, msg.Type)
	assert.Empty(t, msg.Content, "plaintext must not be retained")
	assert.NotContains(t, string(msg.Encrypted), "I need someone to talk to")

	plain, err := svc.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, "I need someone to talk to", plain)
}

func TestSendValidatesConversationAndSender(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, uuid.New(), "alice", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = svc.Send(ctx, conv.ID, "mallory", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestBlockAndUnblock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, svc.Block(ctx, "bob"))

	_, err = svc.Send(ctx, conv.ID, "bob", "hello?", SendOptions{})
	assert.ErrorIs(t, err, ErrBlocked)

	// The party who blocked can still write.
	_, err = svc.Send(ctx, conv.ID, "alice", "still here", SendOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Unblock(ctx, "bob"))
	_, err = svc.Send(ctx, conv.ID, "bob", "thanks", SendOptions{})
	require.NoError(t, err)
}

func TestMessagesKeepTimestampOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := svc.Send(ctx, conv.ID, "alice", "msg", SendOptions{})
		require.NoError(t, err)
	}

	msgs, err := svc.Messages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 10)

	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp),
			"timestamps must be strictly increasing within a conversation")
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := svc.Send(ctx, conv.ID, "alice", "hi", SendOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.MarkDelivered(ctx, msg.ID))
	require.NoError(t, svc.MarkRead(ctx, msg.ID))

	assert.ErrorIs(t, svc.MarkDelivered(ctx, msg.ID), ErrStatusRegression)
	assert.ErrorIs(t, svc.MarkFailed(ctx, msg.ID), ErrStatusRegression)

	other, err := svc.Send(ctx, conv.ID, "alice", "hi again", SendOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, other.ID))
	assert.ErrorIs(t, svc.MarkDelivered(ctx, other.ID), ErrStatusRegression)

	assert.ErrorIs(t, svc.MarkRead(ctx, uuid.New()), ErrMessageNotFound)
}

// failingTransport refuses every transmit.
type failingTransport struct{}

func (failingTransport) Transmit(context.Context, transport.Frame) error {
	return transport.ErrUnavailable
}

func (failingTransport) OnMessage(transport.Handler) func() { return func() {} }

func TestTransmitFailureIsRecordedNotReturned(t *testing.T) {
	svc, _ := newTestService(t, WithTransport(failingTransport{}))
	ctx := context.Background()

	conv, err := svc.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := svc.Send(ctx, conv.ID, "alice", "are you there", SendOptions{})
	require.NoError(t, err, "transport failure must not surface as an error")
	assert.Equal(t, models.StatusFailed, msg.Status)

	msgs, err := svc.Messages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the failed message stays visible for retry")
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
}

func TestLoopbackDeliveryEndToEnd(t *testing.T) {
	ring := crypto.NewKeyring()
	_, err := ring.Generate("alice")
	require.NoError(t, err)
	_, err = ring.Generate("bob")
	require.NoError(t, err)

	wire := transport.NewLoopback()
	sender := NewService(ring, WithTransport(wire), WithInboundHold(0))
	receiver := NewService(ring, WithTransport(wire), WithInboundHold(0))
	t.Cleanup(sender.Close)
	t.Cleanup(receiver.Close)

	ctx := context.Background()
	conv, err := sender.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	sent, err := sender.Send(ctx, conv.ID, "alice", "over the wire", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)

	got, err := receiver.Messages(conv.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, models.StatusDelivered, got[0].Status)

	plain, err := receiver.Decrypt(got[0])
	require.NoError(t, err)
	assert.Equal(t, "over the wire", plain)

	// The sender's own copy is not duplicated by the echo.
	ours, err := sender.Messages(conv.ID)
	require.NoError(t, err)
	assert.Len(t, ours, 1)
}

func TestInboundFramesAreReorderedByTimestamp(t *testing.T) {
	svc, _ := newTestService(t, WithInboundHold(40*time.Millisecond))

	convID := uuid.New()
	var (
		mu    sync.Mutex
		seen  []uuid.UUID
		stamp = time.Now()
	)
	unsubscribe := svc.Subscribe(convID, func(m *models.Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	})
	defer unsubscribe()

	first := transport.Frame{
		MessageID:      uuid.New(),
		ConversationID: convID,
		SenderID:       "bob",
		RecipientID:    "alice",
		Type:           string(models.MessageText),
		Envelope:       []byte("e1"),
		Timestamp:      stamp,
	}
	second := transport.Frame{
		MessageID:      uuid.New(),
		ConversationID: convID,
		SenderID:       "bob",
		RecipientID:    "alice",
		Type:           string(models.MessageText),
		Envelope:       []byte("e2"),
		Timestamp:      stamp.Add(5 * time.Millisecond),
	}

	// Network delivered them backwards.
	svc.HandleInbound(second)
	svc.HandleInbound(first)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uuid.UUID{first.MessageID, second.MessageID}, seen)
	mu.Unlock()

	msgs, err := svc.Messages(convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.MessageID, msgs[0].ID)
	assert.Equal(t, second.MessageID, msgs[1].ID)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	svc, _ := newTestService(t, WithInboundHold(0))

	convID := uuid.New()
	var (
		mu    sync.Mutex
		count int
	)
	unsubscribe := svc.Subscribe(convID, func(*models.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	frame := transport.Frame{
		MessageID:      uuid.New(),
		ConversationID: convID,
		SenderID:       "bob",
		RecipientID:    "alice",
		Type:           string(models.MessageText),
		Envelope:       []byte("e"),
		Timestamp:      time.Now(),
	}
	svc.HandleInbound(frame)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	unsubscribe()

	frame.MessageID = uuid.New()
	frame.Timestamp = frame.Timestamp.Add(time.Millisecond)
	svc.HandleInbound(frame)

	mu.Lock()
	assert.Equal(t, 1, count, "no callbacks after unsubscribe")
	mu.Unlock()
}
