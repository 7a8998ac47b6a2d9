// Package session governs the support session lifecycle: a session is
// created active when a supporter accepts a crisis request, may be escalated
// without ending, and leaves the active state exactly once — to ended or,
// via transfer, to transferred with a new derived session taking over.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kindlyrobotics/haven/kvstore"
	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/notify"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for any operation on a session that
	// has already reached ended or transferred.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Manager owns the live support sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.SupportSession

	store    kvstore.Store
	notifier notify.Notifier
	log      *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the persistence collaborator used to archive sessions.
func WithStore(store kvstore.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithNotifier sets the notification collaborator invoked on escalation.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[uuid.UUID]*models.SupportSession),
		store:    kvstore.NewMemory(),
		notifier: notify.Noop{},
		log:      logrus.WithField("component", "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates an active session from an accepted crisis request.
func (m *Manager) Start(ctx context.Context, req *models.CrisisRequest, supporterID string) (*models.SupportSession, error) {
	if supporterID == "" {
		return nil, errors.New("supporter id is required")
	}

	sess := &models.SupportSession{
		ID:          uuid.New(),
		RequestID:   req.ID,
		SupporterID: supporterID,
		UserID:      req.UserID,
		Channel:     req.PreferredChannel,
		StartTime:   time.Now(),
		Status:      models.SessionActive,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"session":   sess.ID,
		"supporter": supporterID,
		"channel":   sess.Channel,
	}).Info("support session started")

	return sess, nil
}

// Session returns a session by id.
func (m *Manager) Session(id uuid.UUID) (*models.SupportSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// End terminates an active session and archives it.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status != models.SessionActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot end a %s session", ErrInvalidTransition, sess.Status)
	}
	now := time.Now()
	sess.Status = models.SessionEnded
	sess.EndTime = &now
	m.mu.Unlock()

	return m.persist(ctx, sess)
}

// Escalate marks an active session as requiring elevated attention. The
// session stays active; the notification collaborator is invoked
// fire-and-forget.
func (m *Manager) Escalate(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if reason == "" {
		return errors.New("escalation reason is required")
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status != models.SessionActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot escalate a %s session", ErrInvalidTransition, sess.Status)
	}
	sess.Escalated = true
	sess.EscalationReason = reason
	supporterID := sess.SupporterID
	m.mu.Unlock()

	if err := m.persist(ctx, sess); err != nil {
		return err
	}

	if err := m.notifier.Notify(ctx, notify.Notification{
		Kind:   notify.KindEscalation,
		UserID: supporterID,
		Title:  "Session escalated",
		Body:   reason,
		Data:   map[string]string{"session_id": sessionID.String()},
	}); err != nil {
		m.log.WithError(err).Warn("failed to send escalation notification")
	}

	return nil
}

// Transfer hands an active session to another supporter. The outgoing
// session becomes transferred (terminal) and a new active session with a new
// id is created for the receiving supporter, bound to the same request
// context — a derived session, not a mutation, so the audit trail survives.
func (m *Manager) Transfer(ctx context.Context, sessionID uuid.UUID, newSupporterID string) (*models.SupportSession, error) {
	if newSupporterID == "" {
		return nil, errors.New("receiving supporter id is required")
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Status != models.SessionActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot transfer a %s session", ErrInvalidTransition, sess.Status)
	}

	now := time.Now()
	sess.Status = models.SessionTransferred
	sess.EndTime = &now

	derived := &models.SupportSession{
		ID:          uuid.New(),
		RequestID:   sess.RequestID,
		SupporterID: newSupporterID,
		UserID:      sess.UserID,
		Channel:     sess.Channel,
		StartTime:   now,
		Status:      models.SessionActive,
		Escalated:   sess.Escalated,
	}
	m.sessions[derived.ID] = derived
	m.mu.Unlock()

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.persist(ctx, derived); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"from_session": sess.ID,
		"to_session":   derived.ID,
		"supporter":    newSupporterID,
	}).Info("support session transferred")

	return derived, nil
}

// SetNotes attaches supporter notes to an active session.
func (m *Manager) SetNotes(ctx context.Context, sessionID uuid.UUID, notes string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status != models.SessionActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot annotate a %s session", ErrInvalidTransition, sess.Status)
	}
	sess.Notes = notes
	m.mu.Unlock()

	return m.persist(ctx, sess)
}

func (m *Manager) persist(ctx context.Context, sess *models.SupportSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	key := fmt.Sprintf("session/%s", sess.ID)
	if err := m.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}
