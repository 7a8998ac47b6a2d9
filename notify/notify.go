// Package notify is the notification collaborator. The core invokes it on
// session escalation, flagged content, and critical crisis arrivals; every
// call is fire-and-forget from the core's perspective.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Notification kinds emitted by the core.
const (
	KindEscalation      = "session_escalated"
	KindContentFlagged  = "content_flagged"
	KindMessageReported = "message_reported"
	KindCriticalRequest = "critical_request"
)

// Notification is a single event for delivery to a user or an on-call group.
type Notification struct {
	Kind      string            `json:"kind"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Notify(context.Context, Notification) error { return nil }

// RedisNotifier pushes notifications onto a per-user Redis list, where a
// delivery worker outside this library drains them.
type RedisNotifier struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisNotifier creates a notifier backed by the given Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		log:    logrus.WithField("component", "notify"),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, notification Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	value, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	key := "notifications:" + notification.UserID
	if err := n.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("failed to queue notification for %s: %w", notification.UserID, err)
	}

	n.log.WithFields(logrus.Fields{
		"kind": notification.Kind,
		"user": notification.UserID,
	}).Debug("notification queued")

	return nil
}
