package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindlyrobotics/haven/models"
	"github.com/kindlyrobotics/haven/notify"
)

var reportRank = map[models.ReportStatus]int{
	models.ReportPending:  0,
	models.ReportReviewed: 1,
	models.ReportResolved: 2,
}

// ReportMessage files a report against a message. The reporter must be a
// participant of the conversation and may not be the message's sender. The
// message is marked reported and moderators are notified fire-and-forget.
func (s *Service) ReportMessage(ctx context.Context, messageID uuid.UUID, reporterID, reason, description string) (*models.Report, error) {
	if reason == "" {
		return nil, fmt.Errorf("report reason is required")
	}

	if err := s.limiter.CheckReport(ctx, reporterID, messageID.String()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	msg, err := s.messageLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	conv := s.conversations[msg.ConversationID]
	if conv == nil || !conv.HasParticipant(reporterID) {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}
	if msg.SenderID == reporterID {
		s.mu.Unlock()
		return nil, ErrSelfReport
	}

	report := &models.Report{
		ID:          uuid.New(),
		ItemID:      messageID,
		ReporterID:  reporterID,
		Reason:      reason,
		Description: description,
		Status:      models.ReportPending,
		CreatedAt:   time.Now(),
	}
	s.reports[report.ID] = report
	msg.IsReported = true
	s.mu.Unlock()

	if err := s.persistMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.persistReport(ctx, report); err != nil {
		return nil, err
	}

	if err := s.notifier.Notify(ctx, notify.Notification{
		Kind:   notify.KindMessageReported,
		UserID: "moderators",
		Title:  "Message reported",
		Body:   reason,
		Data: map[string]string{
			"message_id": messageID.String(),
			"report_id":  report.ID.String(),
		},
	}); err != nil {
		s.log.WithError(err).Warn("failed to notify moderators of report")
	}

	return report, nil
}

// ReviewReport advances a report along pending -> reviewed -> resolved.
func (s *Service) ReviewReport(ctx context.Context, reportID uuid.UUID, next models.ReportStatus) error {
	nr, ok := reportRank[next]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrReportTransition, next)
	}

	s.mu.Lock()
	report, found := s.reports[reportID]
	if !found {
		s.mu.Unlock()
		return ErrReportNotFound
	}
	if nr < reportRank[report.Status] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrReportTransition, report.Status, next)
	}
	report.Status = next
	s.mu.Unlock()

	return s.persistReport(ctx, report)
}

// Reports returns all reports filed against a message.
func (s *Service) Reports(messageID uuid.UUID) []*models.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Report
	for _, r := range s.reports {
		if r.ItemID == messageID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) persistReport(ctx context.Context, report *models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	key := fmt.Sprintf("chat/report/%s", report.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}
	return nil
}
