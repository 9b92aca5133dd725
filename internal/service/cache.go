package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knoguchi/livelab/internal/metrics"
	"github.com/knoguchi/livelab/internal/repository"
)

// ResultCache serves repeated views of a page inside one session from the
// result log instead of the backends.
type ResultCache struct {
	results repository.ResultRepository
	window  time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewResultCache creates a cache that honors results younger than window.
// A non-positive window disables it.
func NewResultCache(results repository.ResultRepository, window time.Duration, m *metrics.Metrics, now func() time.Time) *ResultCache {
	if now == nil {
		now = time.Now
	}
	return &ResultCache{results: results, window: window, metrics: m, now: now}
}

// Lookup returns a fresh copy of the latest matching result, already stored
// under a new id, or nil when the caller must dispatch.
func (c *ResultCache) Lookup(ctx context.Context, sessionID string, q Query) (*repository.Result, error) {
	if c.window <= 0 {
		return nil, nil
	}

	latest, err := c.results.Latest(ctx, sessionID, q.Role, q.Text, q.Page, q.RPP)
	if errors.Is(err, repository.ErrNotFound) {
		c.metrics.IncCache(metrics.CacheMiss)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached result: %w", err)
	}

	now := c.now()
	if now.Sub(latest.IssuedAt) >= c.window {
		c.metrics.IncCache(metrics.CacheExpired)
		return nil, nil
	}

	// A leg written after its merge target means the merge is what was shown.
	if latest.Link() == repository.LinkLeg && latest.Origin != repository.OriginMerged {
		latest, err = c.results.GetByID(ctx, *latest.MergeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load merged result: %w", err)
		}
	}

	clone := cloneForView(latest, now)
	if err := c.results.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("failed to store cached view: %w", err)
	}
	c.metrics.IncCache(metrics.CacheHit)
	return clone, nil
}

// cloneForView copies a result as a new unsaved row issued at now.
// A merge target's copy points at the original merge target.
func cloneForView(res *repository.Result, now time.Time) *repository.Result {
	clone := *res
	clone.ID = 0
	clone.IssuedAt = now
	clone.FeedbackID = nil
	clone.Items = append(repository.Items(nil), res.Items...)
	if res.NativePayload != nil {
		clone.NativePayload = append([]byte(nil), res.NativePayload...)
	}
	if res.MergeID != nil {
		id := *res.MergeID
		clone.MergeID = &id
	}
	return &clone
}
