// Package ratelimit provides Redis-based rate limiting for report
// submissions, so a single account cannot flood the moderation queue or
// pile reports onto one target.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrRateLimited is returned when a rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter provides rate limiting functionality using Redis. A nil Limiter
// or a Limiter without Redis allows everything (fail-open for availability).
type Limiter struct {
	redis *redis.Client
	log   *logrus.Entry
}

// NewLimiter creates a new rate limiter.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		redis: client,
		log:   logrus.WithField("component", "ratelimit"),
	}
}

// ReportLimits defines the rate limits for report submissions.
type ReportLimits struct {
	// Per-reporter: how many reports one account can file.
	ReporterLimit  int
	ReporterWindow time.Duration

	// Per-item: how many reports a single item can accumulate in the
	// window. High numbers indicate brigading.
	ItemLimit  int
	ItemWindow time.Duration
}

// DefaultReportLimits returns the recommended limits.
func DefaultReportLimits() ReportLimits {
	return ReportLimits{
		ReporterLimit:  10,
		ReporterWindow: time.Minute,
		ItemLimit:      50,
		ItemWindow:     time.Minute,
	}
}

// CheckReport checks the report-submission limits. Returns nil if allowed.
func (l *Limiter) CheckReport(ctx context.Context, reporterID, itemID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	limits := DefaultReportLimits()

	reporterKey := fmt.Sprintf("ratelimit:report:reporter:%s", reporterID)
	if err := l.checkLimit(ctx, reporterKey, limits.ReporterLimit, limits.ReporterWindow); err != nil {
		l.log.WithField("reporter", reporterID).Warn("reporter exceeded report limit")
		return ErrRateLimited
	}

	itemKey := fmt.Sprintf("ratelimit:report:item:%s", itemID)
	if err := l.checkLimit(ctx, itemKey, limits.ItemLimit, limits.ItemWindow); err != nil {
		l.log.WithField("item", itemID).Warn("item report volume spike, possible brigading")
		return ErrRateLimited
	}

	return nil
}

// checkLimit performs the actual check using Redis INCR.
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability.
		return nil
	}

	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}
