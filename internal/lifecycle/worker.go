// Package lifecycle runs the background session reconciler: it expires idle
// sessions, exports exited ones to the aggregation server and prunes them.
//
// Sessions move ACTIVE -> EXITED -> SYNCED and, when configured, are purged
// once synced. Sessions that never produced feedback are discarded after the
// kill timeout instead of being exported.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/livelab/internal/metrics"
	"github.com/knoguchi/livelab/internal/remote"
	"github.com/knoguchi/livelab/internal/repository"
)

// LeaseKey is the key replicas compete for before a sync pass.
const LeaseKey = "livelab:sync-lease"

var (
	// ErrSyncDisabled is returned by Sync when no aggregation server is configured.
	ErrSyncDisabled = errors.New("remote sync disabled")
	// ErrSyncAborted wraps the failure that stopped a whole pass.
	ErrSyncAborted = errors.New("sync pass aborted")
)

// Remote is the aggregation server as the worker uses it.
type Remote interface {
	Token(ctx context.Context) (string, error)
	SiteID(ctx context.Context, username string) (remote.ID, error)
	SystemID(ctx context.Context, name string) (remote.ID, error)
	CreateSession(ctx context.Context, siteID remote.ID, s remote.SessionRecord) (remote.ID, error)
	CreateFeedback(ctx context.Context, sessionID remote.ID, f remote.FeedbackRecord) (remote.ID, error)
	PostResult(ctx context.Context, feedbackID remote.ID, r remote.ResultRecord) error
}

var _ Remote = (*remote.Client)(nil)

// Config holds configuration for the worker.
type Config struct {
	Interval     time.Duration
	Expiration   time.Duration // idle time after which a session ends
	Kill         time.Duration // idle time after which a session without feedback is discarded
	DeleteSent   bool
	SiteUsername string

	Remote  Remote // nil disables sync
	Lease   Lease  // optional
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Report summarizes one sync pass.
type Report struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Purged  int  `json:"purged"`
	Skipped bool `json:"skipped,omitempty"`
}

// Worker reconciles session state against the durable store.
type Worker struct {
	repos repository.Repositories
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewWorker creates a worker.
func NewWorker(repos repository.Repositories, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Worker{repos: repos, cfg: cfg, log: logger.With("component", "lifecycle"), now: now}
}

// Run ticks every interval until ctx is cancelled. The first tick runs immediately.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			w.Tick(ctx)
		case <-ctx.Done():
			w.log.Info("stopping session lifecycle worker")
			return
		}
	}
}

// Tick expires idle sessions and, when a remote is configured, runs a sync pass.
func (w *Worker) Tick(ctx context.Context) {
	if err := w.ExpireSessions(ctx); err != nil {
		w.log.Error("session expiry failed", "error", err)
	}
	if w.cfg.Remote == nil {
		return
	}
	if _, err := w.Sync(ctx); err != nil {
		w.log.Error("session sync failed", "error", err)
	}
}

// ExpireSessions ends idle sessions that have feedback and discards idle
// sessions without feedback once the kill timeout has passed.
func (w *Worker) ExpireSessions(ctx context.Context) error {
	active, err := w.repos.Sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	now := w.now()
	for _, sess := range active {
		idle := now.Sub(sess.LastActiveAt)
		if w.cfg.Expiration <= 0 || idle <= w.cfg.Expiration {
			continue
		}

		feedbacks, err := w.repos.Feedbacks.ListBySession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("failed to list feedback of %s: %w", sess.ID, err)
		}
		switch {
		case len(feedbacks) > 0:
			if err := w.repos.Sessions.MarkExited(ctx, sess.ID); err != nil {
				return fmt.Errorf("failed to expire session %s: %w", sess.ID, err)
			}
			w.log.Debug("session expired", "session_id", sess.ID, "idle", idle)
		case w.cfg.Kill > 0 && idle > w.cfg.Kill:
			if err := w.repos.Sessions.Purge(ctx, sess.ID); err != nil {
				return fmt.Errorf("failed to discard session %s: %w", sess.ID, err)
			}
			w.cfg.Metrics.IncSyncSession(metrics.SessionDiscarded)
			w.log.Debug("session discarded without feedback", "session_id", sess.ID, "idle", idle)
		}
	}
	return nil
}

// Sync exports every exited, unsynced session. A token or site lookup
// failure aborts the pass with nothing marked synced. A failure on one
// session is logged and does not stop the others.
func (w *Worker) Sync(ctx context.Context) (Report, error) {
	var report Report
	if w.cfg.Remote == nil {
		return report, ErrSyncDisabled
	}

	if w.cfg.Lease != nil {
		ok, err := w.cfg.Lease.Acquire(ctx, LeaseKey, w.cfg.Interval)
		if err != nil {
			w.cfg.Metrics.IncSyncPass(metrics.PassAborted)
			return report, fmt.Errorf("%w: %v", ErrSyncAborted, err)
		}
		if !ok {
			w.cfg.Metrics.IncSyncPass(metrics.PassSkipped)
			report.Skipped = true
			return report, nil
		}
	}

	sessions, err := w.repos.Sessions.ListExitedUnsynced(ctx)
	if err != nil {
		w.cfg.Metrics.IncSyncPass(metrics.PassAborted)
		return report, fmt.Errorf("%w: failed to list exited sessions: %v", ErrSyncAborted, err)
	}
	if len(sessions) == 0 {
		w.cfg.Metrics.IncSyncPass(metrics.PassOK)
		return report, nil
	}

	if _, err := w.cfg.Remote.Token(ctx); err != nil {
		w.cfg.Metrics.IncSyncPass(metrics.PassAborted)
		return report, fmt.Errorf("%w: %v", ErrSyncAborted, err)
	}
	site, err := w.cfg.Remote.SiteID(ctx, w.cfg.SiteUsername)
	if err != nil {
		w.cfg.Metrics.IncSyncPass(metrics.PassAborted)
		return report, fmt.Errorf("%w: %v", ErrSyncAborted, err)
	}

	w.log.Info("posting sessions", "count", len(sessions))
	pass := &syncPass{Worker: w, site: site, systems: map[int64]*repository.System{}, remoteIDs: map[string]remote.ID{}}
	for _, sess := range sessions {
		if err := pass.export(ctx, sess); err != nil {
			report.Failed++
			w.cfg.Metrics.IncSyncSession(metrics.SessionFailed)
			w.log.Error("failed to sync session", "session_id", sess.ID, "error", err)
			continue
		}
		if err := w.repos.Sessions.MarkSynced(ctx, sess.ID); err != nil {
			report.Failed++
			w.cfg.Metrics.IncSyncSession(metrics.SessionFailed)
			w.log.Error("failed to mark session synced", "session_id", sess.ID, "error", err)
			continue
		}
		report.Synced++
		w.cfg.Metrics.IncSyncSession(metrics.SessionSynced)

		if w.cfg.DeleteSent {
			if err := w.repos.Sessions.Purge(ctx, sess.ID); err != nil {
				w.log.Error("failed to purge synced session", "session_id", sess.ID, "error", err)
				continue
			}
			report.Purged++
			w.cfg.Metrics.IncSyncSession(metrics.SessionPurged)
		}
	}

	w.cfg.Metrics.IncSyncPass(metrics.PassOK)
	return report, nil
}

// syncPass caches lookups shared by the sessions of one pass.
type syncPass struct {
	*Worker
	site      remote.ID
	systems   map[int64]*repository.System
	remoteIDs map[string]remote.ID
}

func (p *syncPass) system(ctx context.Context, id int64) (*repository.System, error) {
	if sys, ok := p.systems[id]; ok {
		return sys, nil
	}
	sys, err := p.repos.Systems.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load system %d: %w", id, err)
	}
	p.systems[id] = sys
	return sys, nil
}

func (p *syncPass) systemName(ctx context.Context, id *int64) (string, error) {
	if id == nil {
		return "", nil
	}
	sys, err := p.system(ctx, *id)
	if err != nil {
		return "", err
	}
	return sys.Name, nil
}

func (p *syncPass) remoteSystemID(ctx context.Context, name string) (remote.ID, error) {
	if id, ok := p.remoteIDs[name]; ok {
		return id, nil
	}
	id, err := p.cfg.Remote.SystemID(ctx, name)
	if err != nil {
		return "", err
	}
	p.remoteIDs[name] = id
	return id, nil
}

// export posts the session, then each feedback with the results it references.
func (p *syncPass) export(ctx context.Context, sess *repository.Session) error {
	ranking, err := p.systemName(ctx, sess.RankingSystemID)
	if err != nil {
		return err
	}
	recommendation, err := p.systemName(ctx, sess.RecommendationSystemID)
	if err != nil {
		return err
	}

	sessionID, err := p.cfg.Remote.CreateSession(ctx, p.site, remote.SessionRecord{
		SiteUser:             sess.SiteUser,
		Start:                sess.CreatedAt,
		End:                  sess.CreatedAt.Add(p.cfg.Expiration),
		SystemRanking:        ranking,
		SystemRecommendation: recommendation,
	})
	if err != nil {
		return err
	}

	feedbacks, err := p.repos.Feedbacks.ListBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to list feedback: %w", err)
	}
	for _, fb := range feedbacks {
		feedbackID, err := p.cfg.Remote.CreateFeedback(ctx, sessionID, remote.FeedbackRecord{
			Start:      fb.Start,
			End:        fb.End,
			Interleave: fb.Interleave,
			Clicks:     fb.Clicks,
		})
		if err != nil {
			return err
		}

		results, err := p.repos.Results.ListByFeedback(ctx, fb.ID)
		if err != nil {
			return fmt.Errorf("failed to list results of feedback %d: %w", fb.ID, err)
		}
		for _, res := range results {
			sys, err := p.system(ctx, res.SystemID)
			if err != nil {
				return err
			}
			systemID, err := p.remoteSystemID(ctx, sys.Name)
			if err != nil {
				return err
			}
			err = p.cfg.Remote.PostResult(ctx, feedbackID, remote.ResultRecord{
				Role:     res.Role,
				Query:    res.Query,
				IssuedAt: res.IssuedAt,
				Latency:  res.Latency,
				SystemID: systemID,
				NumFound: res.HitCount,
				Page:     res.Page,
				RPP:      res.RPP,
				Items:    res.Items,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
