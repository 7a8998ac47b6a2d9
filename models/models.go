// Package models contains the shared domain types for the haven core:
// conversations and messages, moderation items and reports, crisis requests
// and support sessions.
package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus tracks delivery progress. Transitions are monotonic along
// sent -> delivered -> read; failed is terminal and reachable only from sent.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery states for monotonicity checks.
var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// CanAdvance reports whether a message status may move from current to next.
func CanAdvance(current, next MessageStatus) bool {
	if current == StatusFailed || next == StatusFailed {
		// failed is terminal and only entered from sent
		return next == StatusFailed && current == StatusSent
	}
	cr, ok1 := statusRank[current]
	nr, ok2 := statusRank[next]
	return ok1 && ok2 && nr >= cr
}

// Message is a single message in a conversation. Content is the transient
// plaintext, held only by the sender before encryption and by the recipient
// after decryption; Encrypted is the only form that is persisted or
// transmitted.
type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	RecipientID    string        `json:"recipient_id"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"-"` // never serialized
	Encrypted      []byte        `json:"encrypted_content"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	IsAnonymous    bool          `json:"is_anonymous"`
	IsReported     bool          `json:"is_reported"`
}

// Conversation is a direct chat between exactly two participants.
// BlockedUser records which participant, if any, the conversation is blocked
// against; a blocked conversation accepts no new messages from that party.
type Conversation struct {
	ID           uuid.UUID  `json:"id"`
	Participants [2]string  `json:"participants"`
	IsBlocked    bool       `json:"is_blocked"`
	BlockedUser  string     `json:"blocked_user,omitempty"`
	IsEncrypted  bool       `json:"is_encrypted"`
	LastMessage  *Message   `json:"last_message,omitempty"` // cache only, not ownership
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// PeerOf returns the other participant of a direct conversation.
func (c *Conversation) PeerOf(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ReportStatus tracks the review lifecycle of a report.
type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportReviewed ReportStatus = "reviewed"
	ReportResolved ReportStatus = "resolved"
)

// Report is a participant report against a message or a moderatable item.
// The same workflow serves both; ItemID is the reported message or item id.
type Report struct {
	ID          uuid.UUID    `json:"id"`
	ItemID      uuid.UUID    `json:"item_id"`
	ReporterID  string       `json:"reporter_id"`
	Reason      string       `json:"reason"`
	Description string       `json:"description,omitempty"`
	Status      ReportStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ModerationStatus is the moderation state of a forum post, comment, or
// group message. Approved and rejected are terminal.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
	ModerationFlagged  ModerationStatus = "flagged"
)

// Terminal reports whether no further moderation transition is permitted.
func (s ModerationStatus) Terminal() bool {
	return s == ModerationApproved || s == ModerationRejected
}

// ItemKind is the explicit discriminant for moderatable content. Posts carry
// a title; comments and group messages carry the id of their parent post or
// group instead.
type ItemKind string

const (
	KindPost         ItemKind = "post"
	KindComment      ItemKind = "comment"
	KindGroupMessage ItemKind = "group_message"
)

// ModeratableItem is the shared shape for content that passes through the
// moderation workflow.
type ModeratableItem struct {
	ID              uuid.UUID        `json:"id"`
	Kind            ItemKind         `json:"kind"`
	AuthorID        string           `json:"author_id"`
	Title           string           `json:"title,omitempty"` // posts only
	Content         string           `json:"content"`
	ParentID        *uuid.UUID       `json:"parent_id,omitempty"` // comments and group messages
	IsAnonymous     bool             `json:"is_anonymous"`
	Status          ModerationStatus `json:"moderation_status"`
	ModeratedBy     string           `json:"moderated_by,omitempty"`
	ModeratedAt     *time.Time       `json:"moderated_at,omitempty"`
	ModerationNotes string           `json:"moderation_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Severity ranks a crisis request. Critical sorts first.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal used to prioritize crisis requests:
// critical(0) < high(1) < medium(2) < low(3).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	return s.Rank() < 4
}

// CrisisType categorizes a crisis request.
type CrisisType string

const (
	CrisisSuicide    CrisisType = "suicide"
	CrisisSelfHarm   CrisisType = "self_harm"
	CrisisPanic      CrisisType = "panic"
	CrisisDepression CrisisType = "depression"
	CrisisAnxiety    CrisisType = "anxiety"
	CrisisOther      CrisisType = "other"
)

// SupportChannel is the medium a support session runs over.
type SupportChannel string

const (
	ChannelChat  SupportChannel = "chat"
	ChannelAudio SupportChannel = "audio"
	ChannelVideo SupportChannel = "video"
)

// Coordinates is an optional requester location.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CrisisRequest is a pending entry in the triage queue. It is immutable once
// accepted into a session.
type CrisisRequest struct {
	ID               uuid.UUID      `json:"id"`
	UserID           string         `json:"user_id"`
	Severity         Severity       `json:"severity"`
	Type             CrisisType     `json:"type"`
	Description      string         `json:"description"`
	PreferredChannel SupportChannel `json:"preferred_channel"`
	Timestamp        time.Time      `json:"timestamp"`
	Location         *Coordinates   `json:"location,omitempty"`
}

// SessionStatus is the lifecycle state of a support session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionEnded       SessionStatus = "ended"
	SessionTransferred SessionStatus = "transferred"
)

// SupportSession is a live support channel between a supporter and a
// requester, created by accepting a crisis request.
type SupportSession struct {
	ID               uuid.UUID      `json:"id"`
	RequestID        uuid.UUID      `json:"request_id"`
	SupporterID      string         `json:"supporter_id"`
	UserID           string         `json:"user_id"`
	Channel          SupportChannel `json:"channel"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	Status           SessionStatus  `json:"status"`
	Notes            string         `json:"notes,omitempty"`
	Escalated        bool           `json:"escalated"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
}

// QueueMetrics is a point-in-time summary of the triage queue.
type QueueMetrics struct {
	TotalWaiting        int                    `json:"total_waiting"`
	CriticalRequests    int                    `json:"critical_requests"`
	ChannelDistribution map[SupportChannel]int `json:"channel_distribution"`
	OldestWait          time.Duration          `json:"oldest_wait"`
}
