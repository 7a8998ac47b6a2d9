package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/notify"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

func testRequest() *models.CrisisRequest {
	return &models.CrisisRequest{
		ID:               uuid.New(),
		UserID:           "user-1",
		Severity:         models.SeverityHigh,
		Type:             models.CrisisPanic,
		PreferredChannel: models.ChannelChat,
		Timestamp:        time.Now(),
	}
}

func TestStart(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	req := testRequest()
	sess, err := m.Start(ctx, req, "supporter-1")
	require.NoError(t, err)

	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, req.ID, sess.RequestID)
	assert.Equal(t, req.UserID, sess.UserID)
	assert.Equal(t, req.PreferredChannel, sess.Channel)
	assert.Nil(t, sess.EndTime)

	got, err := m.Session(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = m.Start(ctx, req, "")
	assert.Error(t, err)
	_, err = m.Session(uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnd(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	sess, err := m.Start(ctx, testRequest(), "supporter-1")
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, sess.ID))
	assert.Equal(t, models.SessionEnded, sess.Status)
	require.NotNil(t, sess.EndTime)

	assert.ErrorIs(t, m.End(ctx, sess.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.End(ctx, uuid.New()), ErrSessionNotFound)
}

func TestEscalateKeepsSessionActive(t *testing.T) {
	rec := &recordingNotifier{}
	m := NewManager(WithNotifier(rec))
	ctx := context.Background()

	sess, err := m.Start(ctx, testRequest(), "supporter-1")
	require.NoError(t, err)

	require.NoError(t, m.Escalate(ctx, sess.ID, "requester mentioned self-harm"))
	assert.Equal(t, models.SessionActive, sess.Status, "escalation does not end the session")
	assert.True(t, sess.Escalated)
	assert.Equal(t, "requester mentioned self-harm", sess.EscalationReason)

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindEscalation, sent[0].Kind)
	assert.Equal(t, "supporter-1", sent[0].UserID)

	assert.Error(t, m.Escalate(ctx, sess.ID, ""))

	require.NoError(t, m.End(ctx, sess.ID))
	assert.ErrorIs(t, m.Escalate(ctx, sess.ID, "too late"), ErrInvalidTransition)
}

func TestTransferDerivesNewSession(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	sess, err := m.Start(ctx, testRequest(), "supporter-1")
	require.NoError(t, err)
	require.NoError(t, m.Escalate(ctx, sess.ID, "beyond peer support"))

	derived, err := m.Transfer(ctx, sess.ID, "supporter-2")
	require.NoError(t, err)

	assert.Equal(t, models.SessionTransferred, sess.Status)
	require.NotNil(t, sess.EndTime)

	assert.NotEqual(t, sess.ID, derived.ID)
	assert.Equal(t, sess.RequestID, derived.RequestID)
	assert.Equal(t, sess.UserID, derived.UserID)
	assert.Equal(t, sess.Channel, derived.Channel)
	assert.Equal(t, "supporter-2", derived.SupporterID)
	assert.Equal(t, models.SessionActive, derived.Status)
	assert.True(t, derived.Escalated, "escalation carries over")

	// The transferred session is terminal.
	_, err = m.Transfer(ctx, sess.ID, "supporter-3")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, m.End(ctx, sess.ID), ErrInvalidTransition)

	// The derived one keeps going.
	require.NoError(t, m.End(ctx, derived.ID))

	_, err = m.Transfer(ctx, derived.ID, "")
	assert.Error(t, err)
	_, err = m.Transfer(ctx, uuid.New(), "supporter-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetNotes(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	sess, err := m.Start(ctx, testRequest(), "supporter-1")
	require.NoError(t, err)

	require.NoError(t, m.SetNotes(ctx, sess.ID, "breathing exercises helped"))
	assert.Equal(t, "breathing exercises helped", sess.Notes)

	require.NoError(t, m.End(ctx, sess.ID))
	assert.ErrorIs(t, m.SetNotes(ctx, sess.ID, "late note"), ErrInvalidTransition)
	assert.ErrorIs(t, m.SetNotes(ctx, uuid.New(), "n"), ErrSessionNotFound)
}
