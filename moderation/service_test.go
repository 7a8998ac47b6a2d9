package moderation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/haven/models"
)

func post(author string) *models.ModeratableItem {
	return &models.ModeratableItem{
		Kind:     models.KindPost,
		AuthorID: author,
		Title:    "living with anxiety",
		Content:  "some days are harder than others",
	}
}

func TestSubmitValidatesKind(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	item := post("alice")
	require.NoError(t, svc.Submit(ctx, item))
	assert.Equal(t, models.ModerationPending, item.Status)
	assert.NotEqual(t, uuid.Nil, item.ID)

	missingTitle := &models.ModeratableItem{Kind: models.KindPost, AuthorID: "alice", Content: "c"}
	assert.Error(t, svc.Submit(ctx, missingTitle))

	orphanComment := &models.ModeratableItem{Kind: models.KindComment, AuthorID: "alice", Content: "c"}
	assert.Error(t, svc.Submit(ctx, orphanComment))

	parent := item.ID
	comment := &models.ModeratableItem{Kind: models.KindComment, AuthorID: "bob", Content: "me too", ParentID: &parent}
	require.NoError(t, svc.Submit(ctx, comment))

	groupMsg := &models.ModeratableItem{Kind: models.KindGroupMessage, AuthorID: "bob", Content: "hi all", ParentID: &parent}
	require.NoError(t, svc.Submit(ctx, groupMsg))

	unknown := &models.ModeratableItem{Kind: "poll", AuthorID: "bob", Content: "c"}
	assert.Error(t, svc.Submit(ctx, unknown))

	assert.ErrorIs(t, svc.Submit(ctx, item), ErrDuplicateItem)
}

func TestReportFlagsPendingItem(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	item := post("alice")
	require.NoError(t, svc.Submit(ctx, item))

	report, err := svc.Report(ctx, item.ID, "bob", "triggering content", "details")
	require.NoError(t, err)
	assert.Equal(t, models.ReportPending, report.Status)
	assert.Equal(t, models.ModerationFlagged, item.Status)

	reports := svc.Reports(item.ID)
	require.Len(t, reports, 1)
	assert.Equal(t, report.ID, reports[0].ID)
}

func TestReportRules(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	item := post("alice")
	require.NoError(t, svc.Submit(ctx, item))

	_, err := svc.Report(ctx, item.ID, "alice", "oops", "")
	assert.ErrorIs(t, err, ErrSelfReport)

	_, err = svc.Report(ctx, uuid.New(), "bob", "spam", "")
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = svc.Report(ctx, item.ID, "bob", "", "")
	assert.Error(t, err)
}

func TestReportOnTerminalItemKeepsStatus(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	item := post("alice")
	require.NoError(t, svc.Submit(ctx, item))
	require.NoError(t, svc.Moderate(ctx, item.ID, models.ModerationApproved, "mod-1", ""))

	_, err := svc.Report(ctx, item.ID, "bob", "still wrong", "")
	require.NoError(t, err)

	assert.Equal(t, models.ModerationApproved, item.Status, "terminal status survives late reports")
	assert.Len(t, svc.Reports(item.ID), 1, "the report is still recorded")
}

func TestModerate(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	item := post("alice")
	require.NoError(t, svc.Submit(ctx, item))

	_, err := svc.Report(ctx, item.ID, "bob", "flag it", "")
	require.NoError(t, err)

	require.NoError(t, svc.Moderate(ctx, item.ID, models.ModerationRejected, "mod-1", "violates guidelines"))
	assert.Equal(t, models.ModerationRejected, item.Status)
	assert.Equal(t, "mod-1", item.ModeratedBy)
	assert.NotNil(t, item.ModeratedAt)
	assert.Equal(t, "violates guidelines", item.ModerationNotes)

	// Terminal: no second decision.
	err = svc.Moderate(ctx, item.ID, models.ModerationApproved, "mod-2", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Only approved/rejected are decisions.
	other := post("carol")
	require.NoError(t, svc.Submit(ctx, other))
	assert.ErrorIs(t, svc.Moderate(ctx, other.ID, models.ModerationFlagged, "mod-1", ""), ErrInvalidTransition)
	assert.ErrorIs(t, svc.Moderate(ctx, other.ID, models.ModerationPending, "mod-1", ""), ErrInvalidTransition)

	assert.ErrorIs(t, svc.Moderate(ctx, uuid.New(), models.ModerationApproved, "mod-1", ""), ErrItemNotFound)
	assert.Error(t, svc.Moderate(ctx, other.ID, models.ModerationApproved, "", ""))
}

func TestReviewQueueOrdersOldestFirst(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	first := post("alice")
	require.NoError(t, svc.Submit(ctx, first))
	second := post("bob")
	require.NoError(t, svc.Submit(ctx, second))
	decided := post("carol")
	require.NoError(t, svc.Submit(ctx, decided))
	require.NoError(t, svc.Moderate(ctx, decided.ID, models.ModerationApproved, "mod-1", ""))

	queue := svc.ReviewQueue()
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)
}
