package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/knoguchi/livelab/internal/backend"
	"github.com/knoguchi/livelab/internal/extract"
	"github.com/knoguchi/livelab/internal/metrics"
	"github.com/knoguchi/livelab/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Fetcher performs one outbound call to a system.
type Fetcher interface {
	Fetch(ctx context.Context, sys *repository.System, query string, page, rpp int) ([]byte, error)
}

var _ Fetcher = (*backend.Client)(nil)

// Query is one page of a ranking or recommendation request.
type Query struct {
	Role repository.Role
	Text string // query string or item id
	Page int
	RPP  int
}

// Call names a system to dispatch to and the side its results count for.
type Call struct {
	System *repository.System
	Origin repository.Origin
}

// Leg is the normalized outcome of one call.
type Leg struct {
	System  *repository.System
	Source  extract.HitSource
	Result  *repository.Result
	Payload []byte            // backend body, or the empty placeholder on failure
	Hits    []json.RawMessage // native hits in ranked order
	Outcome string
}

// HeadSet holds the popular queries (or item ids) of one role.
type HeadSet map[string]struct{}

// NewHeadSet builds a set from a list of entries.
func NewHeadSet(entries []string) HeadSet {
	set := make(HeadSet, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set
}

// Contains reports whether q is a head entry. A nil set contains nothing.
func (h HeadSet) Contains(q string) bool {
	_, ok := h[q]
	return ok
}

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Fetcher     Fetcher
	Systems     repository.SystemRepository
	Results     repository.ResultRepository
	HeadQueries HeadSet
	HeadItems   HeadSet
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Dispatcher fans a query out to one or two systems and persists what comes back.
type Dispatcher struct {
	fetcher     Fetcher
	systems     repository.SystemRepository
	results     repository.ResultRepository
	headQueries HeadSet
	headItems   HeadSet
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	sources sync.Map // system name -> extract.HitSource
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		fetcher:     cfg.Fetcher,
		systems:     cfg.Systems,
		results:     cfg.Results,
		headQueries: cfg.HeadQueries,
		headItems:   cfg.HeadItems,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         now,
	}
}

// Source returns the hit source of sys, resolving it on first use.
func (d *Dispatcher) Source(sys *repository.System) extract.HitSource {
	if src, ok := d.sources.Load(sys.Name); ok {
		return src.(extract.HitSource)
	}
	src, _ := d.sources.LoadOrStore(sys.Name, extract.ForSystem(sys))
	return src.(extract.HitSource)
}

func (d *Dispatcher) isHead(q Query) bool {
	if q.Role == repository.RoleRecommendation {
		return d.headItems.Contains(q.Text)
	}
	return d.headQueries.Contains(q.Text)
}

// Dispatch calls every system concurrently and waits for all of them.
// Failed or malformed calls degrade to zero-hit legs. Legs are returned in
// call order and are already persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, q Query, calls ...Call) ([]*Leg, error) {
	head := d.isHead(q)
	for _, call := range calls {
		if err := d.systems.IncrementRequests(ctx, call.System.ID, head); err != nil {
			return nil, fmt.Errorf("failed to count request for %s: %w", call.System.Name, err)
		}
	}

	legs := make([]*Leg, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			legs[i] = d.call(ctx, sessionID, q, call)
			return nil
		})
	}
	_ = g.Wait()

	for _, leg := range legs {
		if err := d.results.Create(ctx, leg.Result); err != nil {
			return nil, fmt.Errorf("failed to store result for %s: %w", leg.System.Name, err)
		}
	}
	return legs, nil
}

func (d *Dispatcher) call(ctx context.Context, sessionID string, q Query, call Call) *Leg {
	src := d.Source(call.System)
	issued := d.now()
	start := time.Now()

	payload, err := d.fetcher.Fetch(ctx, call.System, q.Text, q.Page, q.RPP)
	outcome := backend.Classify(err)

	var items repository.Items
	var hits []json.RawMessage
	if err == nil {
		items, hits, err = src.Extract(payload, call.Origin)
		if errors.Is(err, extract.ErrHitsNotFound) {
			outcome = backend.OutcomeMalformed
		}
	}
	elapsed := time.Since(start)
	d.metrics.ObserveBackend(call.System.Name, outcome, elapsed)

	if err != nil {
		d.logger.Warn("backend call degraded to empty result",
			"system", call.System.Name,
			"session_id", sessionID,
			"outcome", outcome,
			"error", err,
		)
		payload = extract.EmptyPayload(src, q.Text, q.Page, q.RPP)
		items, hits = nil, nil
	}

	res := &repository.Result{
		SessionID: sessionID,
		SystemID:  call.System.ID,
		Role:      q.Role,
		Origin:    call.Origin,
		Query:     q.Text,
		IssuedAt:  issued,
		Latency:   elapsed,
		HitCount:  len(items),
		Page:      q.Page,
		RPP:       q.RPP,
		Items:     items,
	}
	if src.Custom() {
		res.NativePayload = payload
	}

	return &Leg{
		System:  call.System,
		Source:  src,
		Result:  res,
		Payload: payload,
		Hits:    hits,
		Outcome: outcome,
	}
}
