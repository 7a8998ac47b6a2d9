// Package triage orders incoming crisis requests by severity and recency
// and hands them to supporters. Acceptance is atomic: a request can be
// accepted by at most one supporter, and the first caller wins.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kindlyrobotics/haven/kvstore"
	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/notify"
	"github.com/kindlyrobotics/haven/session"
)

var (
	// ErrRequestNotFound is returned for a request id not in the queue and
	// never accepted.
	ErrRequestNotFound = errors.New("crisis request not found")

	// ErrAlreadyAccepted is returned when a supporter loses the acceptance
	// race, or when a withdrawn request was already accepted. The caller
	// should re-poll the queue.
	ErrAlreadyAccepted = errors.New("request already accepted")

	// ErrDuplicateRequest is returned when a request id is enqueued twice.
	ErrDuplicateRequest = errors.New("request already enqueued")
)

// entry pairs a request with its arrival sequence for stable ordering.
type entry struct {
	req *models.CrisisRequest
	seq uint64
}

// Queue is the triage queue. All mutations go through its methods; the
// ordering is maintained on every enqueue, not recomputed by consumers.
type Queue struct {
	mu       sync.Mutex
	entries  []entry
	accepted map[uuid.UUID]string // request id -> supporter id
	seq      uint64

	sessions *session.Manager
	store    kvstore.Store
	notifier notify.Notifier
	log      *logrus.Entry
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the persistence collaborator used for request history.
func WithStore(store kvstore.Store) Option {
	return func(q *Queue) { q.store = store }
}

// WithNotifier sets the collaborator notified of critical arrivals.
func WithNotifier(n notify.Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// NewQueue creates a triage queue feeding the given session manager.
func NewQueue(sessions *session.Manager, opts ...Option) *Queue {
	q := &Queue{
		accepted: make(map[uuid.UUID]string),
		sessions: sessions,
		store:    kvstore.NewMemory(),
		notifier: notify.Noop{},
		log:      logrus.WithField("component", "triage"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a request to the queue at its ordered position: severity rank
// first (critical before high before medium before low), then ascending
// timestamp, then arrival order for exact ties.
func (q *Queue) Enqueue(ctx context.Context, req *models.CrisisRequest) error {
	if req == nil {
		return errors.New("request is required")
	}
	if !req.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", req.Severity)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	q.mu.Lock()
	if _, dup := q.accepted[req.ID]; dup {
		q.mu.Unlock()
		return ErrDuplicateRequest
	}
	for _, e := range q.entries {
		if e.req.ID == req.ID {
			q.mu.Unlock()
			return ErrDuplicateRequest
		}
	}

	q.seq++
	e := entry{req: req, seq: q.seq}
	i := sort.Search(len(q.entries), func(i int) bool {
		return less(e, q.entries[i])
	})
	q.entries = append(q.entries, entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	critical := req.Severity == models.SeverityCritical
	q.mu.Unlock()

	if err := q.persistRequest(ctx, req); err != nil {
		return err
	}

	if critical {
		if err := q.notifier.Notify(ctx, notify.Notification{
			Kind:   notify.KindCriticalRequest,
			UserID: "supporters",
			Title:  "Critical crisis request waiting",
			Body:   string(req.Type),
			Data:   map[string]string{"request_id": req.ID.String()},
		}); err != nil {
			q.log.WithError(err).Warn("failed to notify supporters of critical request")
		}
	}

	return nil
}

// less orders entries by severity rank, then timestamp, then arrival.
func less(a, b entry) bool {
	ar, br := a.req.Severity.Rank(), b.req.Severity.Rank()
	if ar != br {
		return ar < br
	}
	if !a.req.Timestamp.Equal(b.req.Timestamp) {
		return a.req.Timestamp.Before(b.req.Timestamp)
	}
	return a.seq < b.seq
}

// PeekOrdered returns a snapshot of the waiting requests in queue order.
func (q *Queue) PeekOrdered() []*models.CrisisRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.CrisisRequest, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.req
	}
	return out
}

// Accept removes the request from the queue and starts a support session.
// The removal is atomic under the queue lock: exactly one supporter wins;
// the rest get ErrAlreadyAccepted.
func (q *Queue) Accept(ctx context.Context, requestID uuid.UUID, supporterID string) (*models.SupportSession, error) {
	if supporterID == "" {
		return nil, errors.New("supporter id is required")
	}

	q.mu.Lock()
	idx := -1
	for i, e := range q.entries {
		if e.req.ID == requestID {
			idx = i
			break
		}
	}
	if idx < 0 {
		_, taken := q.accepted[requestID]
		q.mu.Unlock()
		if taken {
			return nil, ErrAlreadyAccepted
		}
		return nil, ErrRequestNotFound
	}

	req := q.entries[idx].req
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.accepted[requestID] = supporterID
	q.mu.Unlock()

	sess, err := q.sessions.Start(ctx, req, supporterID)
	if err != nil {
		return nil, fmt.Errorf("failed to start session for request %s: %w", requestID, err)
	}

	return sess, nil
}

// Withdraw removes a request that has not been accepted yet. Withdrawing an
// accepted request returns ErrAlreadyAccepted and leaves the session — which
// must be ended explicitly — untouched.
func (q *Queue) Withdraw(ctx context.Context, requestID uuid.UUID) error {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.req.ID == requestID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.mu.Unlock()
			return q.store.Delete(ctx, requestKey(requestID))
		}
	}
	_, taken := q.accepted[requestID]
	q.mu.Unlock()

	if taken {
		return ErrAlreadyAccepted
	}
	return ErrRequestNotFound
}

// Metrics returns a point-in-time summary of the queue.
func (q *Queue) Metrics() models.QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := models.QueueMetrics{
		TotalWaiting:        len(q.entries),
		ChannelDistribution: make(map[models.SupportChannel]int),
	}

	now := time.Now()
	for _, e := range q.entries {
		if e.req.Severity == models.SeverityCritical {
			m.CriticalRequests++
		}
		m.ChannelDistribution[e.req.PreferredChannel]++
		if wait := now.Sub(e.req.Timestamp); wait > m.OldestWait {
			m.OldestWait = wait
		}
	}

	return m
}

func requestKey(id uuid.UUID) string {
	return fmt.Sprintf("triage/request/%s", id)
}

func (q *Queue) persistRequest(ctx context.Context, req *models.CrisisRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := q.store.Save(ctx, requestKey(req.ID), data); err != nil {
		return fmt.Errorf("failed to persist request: %w", err)
	}
	return nil
}
