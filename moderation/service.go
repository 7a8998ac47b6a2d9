// Package moderation runs the shared review workflow for forum posts,
// comments, and group messages. Items enter as pending, reports move them to
// flagged, and a moderator resolves pending or flagged items to the terminal
// approved or rejected states.
package moderation

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
	"github.com/kindlyrobotics/haven/ratelimit"
)

var (
	// ErrItemNotFound is returned for an unknown item id.
	ErrItemNotFound = errors.New("moderatable item not found")

	// ErrDuplicateItem is returned when an item id is submitted twice.
	ErrDuplicateItem = errors.New("item already submitted")

	// ErrInvalidTransition is returned when a moderation action is applied
	// to an item in a terminal state, or with an illegal decision.
	ErrInvalidTransition = errors.New("invalid moderation transition")

	// ErrSelfReport is returned when an author reports their own content.
	ErrSelfReport = errors.New("author cannot report their own content")
)

// Service owns the moderatable items and their report lists.
type Service struct {
	mu      sync.RWMutex
	items   map[uuid.UUID]*models.ModeratableItem
	reports map[uuid.UUID][]*models.Report

	store    kvstore.Store
	notifier notify.Notifier
	limiter  *ratelimit.Limiter
	log      *logrus.Entry
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the persistence collaborator.
func WithStore(store kvstore.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithReportLimiter rate limits report submission.
func WithReportLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService creates a moderation workflow service.
func NewService(opts ...Option) *Service {
	s := &Service{
		items:    make(map[uuid.UUID]*models.ModeratableItem),
		reports:  make(map[uuid.UUID][]*models.Report),
		store:    kvstore.NewMemory(),
		notifier: notify.Noop{},
		log:      logrus.WithField("component", "moderation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enters an item into the workflow as pending. The item's Kind must
// be one of the explicit variants; there is no field sniffing.
func (s *Service) Submit(ctx context.Context, item *models.ModeratableItem) error {
	switch item.Kind {
	case models.KindPost:
		if item.Title == "" {
			return errors.New("a post requires a title")
		}
	case models.KindComment, models.KindGroupMessage:
		if item.ParentID == nil {
			return fmt.Errorf("a %s requires a parent id", item.Kind)
		}
	default:
		return fmt.Errorf("unknown item kind %q", item.Kind)
	}
	if item.Content == "" {
		return errors.New("item content is required")
	}

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now()
	item.Status = models.ModerationPending
	item.CreatedAt = now
	item.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.items[item.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateItem
	}
	s.items[item.ID] = item
	s.mu.Unlock()

	return s.persistItem(ctx, item)
}

// Item returns an item by id.
func (s *Service) Item(id uuid.UUID) (*models.ModeratableItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// Report files a report against an item. A non-terminal item moves to
// flagged; terminal items keep their status but the report is still
// recorded. Authors cannot report their own content.
func (s *Service) Report(ctx context.Context, itemID uuid.UUID, reporterID, reason, description string) (*models.Report, error) {
	if reason == "" {
		return nil, errors.New("report reason is required")
	}

	if err := s.limiter.CheckReport(ctx, reporterID, itemID.String()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrItemNotFound
	}
	if item.AuthorID == reporterID {
		s.mu.Unlock()
		return nil, ErrSelfReport
	}

	report := &models.Report{
		ID:          uuid.New(),
		ItemID:      itemID,
		ReporterID:  reporterID,
		Reason:      reason,
		Description: description,
		Status:      models.ReportPending,
		CreatedAt:   time.Now(),
	}
	s.reports[itemID] = append(s.reports[itemID], report)

	flagged := false
	if !item.Status.Terminal() {
		item.Status = models.ModerationFlagged
		item.UpdatedAt = report.CreatedAt
		flagged = true
	}
	s.mu.Unlock()

	if err := s.persistItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.persistReport(ctx, report); err != nil {
		return nil, err
	}

	if flagged {
		if err := s.notifier.Notify(ctx, notify.Notification{
			Kind:   notify.KindContentFlagged,
			UserID: "moderators",
			Title:  "Content flagged",
			Body:   reason,
			Data: map[string]string{
				"item_id":   itemID.String(),
				"item_kind": string(item.Kind),
			},
		}); err != nil {
			s.log.WithError(err).Warn("failed to notify moderators of flagged content")
		}
	}

	return report, nil
}

// Moderate resolves a pending or flagged item to approved or rejected.
// Terminal items reject the call with ErrInvalidTransition.
func (s *Service) Moderate(ctx context.Context, itemID uuid.UUID, decision models.ModerationStatus, moderatorID, notes string) error {
	if decision != models.ModerationApproved && decision != models.ModerationRejected {
		return fmt.Errorf("%w: decision must be approved or rejected, got %q", ErrInvalidTransition, decision)
	}
	if moderatorID == "" {
		return errors.New("moderator id is required")
	}

	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return ErrItemNotFound
	}
	if item.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: item is already %s", ErrInvalidTransition, item.Status)
	}

	now := time.Now()
	item.Status = decision
	item.ModeratedBy = moderatorID
	item.ModeratedAt = &now
	item.ModerationNotes = notes
	item.UpdatedAt = now
	s.mu.Unlock()

	return s.persistItem(ctx, item)
}

// Reports returns the reports filed against an item, oldest first.
func (s *Service) Reports(itemID uuid.UUID) []*models.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Report, len(s.reports[itemID]))
	copy(out, s.reports[itemID])
	return out
}

// ReviewQueue returns the items awaiting a moderator decision (pending or
// flagged), oldest first.
func (s *Service) ReviewQueue() []*models.ModeratableItem {
	s.mu.RLock()
	var out []*models.ModeratableItem
	for _, item := range s.items {
		if !item.Status.Terminal() {
			out = append(out, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) persistItem(ctx context.Context, item *models.ModeratableItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize item: %w", err)
	}
	key := fmt.Sprintf("moderation/item/%s", item.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist item: %w", err)
	}
	return nil
}

func (s *Service) persistReport(ctx context.Context, report *models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	key := fmt.Sprintf("moderation/report/%s/%s", report.ItemID, report.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}
	return nil
}
