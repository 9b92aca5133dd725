// Package service implements the living-lab request path: session binding,
// system selection, the result cache, fan-out dispatch, interleaving and
// response reconstruction.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/livelab/internal/interleave"
	"github.com/knoguchi/livelab/internal/metrics"
	"github.com/knoguchi/livelab/internal/repository"
)

var (
	// ErrUnknownSystem is returned when an explicit system name does not resolve for the role.
	ErrUnknownSystem = errors.New("unknown system")
	// ErrUnknownSession is returned for a missing session under the reject policy.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoEligibleSystem is returned when no system can serve the role.
	ErrNoEligibleSystem = errors.New("no eligible system")
	// ErrInvalidRequest is returned for malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)

// SelectionPolicy decides which systems least-served selection considers.
type SelectionPolicy string

const (
	// SelectLive considers live systems of the role other than the baseline.
	SelectLive SelectionPolicy = "live"
	// SelectNonBaseline considers every system of the role other than the baseline.
	SelectNonBaseline SelectionPolicy = "non_baseline"
)

// SessionPolicy decides what happens to a request naming a session that does not exist.
type SessionPolicy string

const (
	// SessionCreate creates the session under the supplied id.
	SessionCreate SessionPolicy = "create"
	// SessionReject fails the request with ErrUnknownSession.
	SessionReject SessionPolicy = "reject"
)

// Request is one inbound ranking or recommendation request.
type Request struct {
	Role      repository.Role
	Query     string // query string or item id
	Container string // optional explicit system name
	SessionID string
	Page      int
	RPP       int
}

// Response is the rendered payload together with the ids it was stored under.
type Response struct {
	SessionID string
	ResultID  int64
	Body      json.RawMessage
	Cached    bool
}

// ExperimentConfig holds configuration for an Experiment.
type ExperimentConfig struct {
	Interleave        bool
	SessionExpiration time.Duration
	Selection         SelectionPolicy
	UnknownSession    SessionPolicy

	Interleaver interleave.Interleaver
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Experiment serves requests against the configured systems.
type Experiment struct {
	repos       repository.Repositories
	dispatcher  *Dispatcher
	cache       *ResultCache
	interleaver interleave.Interleaver

	interleaving bool
	selection    SelectionPolicy
	sessions     SessionPolicy
	logger       *slog.Logger
	now          func() time.Time
}

// NewExperiment creates an Experiment.
func NewExperiment(repos repository.Repositories, dispatcher *Dispatcher, cfg ExperimentConfig) *Experiment {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interleaver := cfg.Interleaver
	if interleaver == nil {
		interleaver = interleave.NewTeamDraft(nil)
	}
	selection := cfg.Selection
	if selection == "" {
		selection = SelectLive
	}
	sessions := cfg.UnknownSession
	if sessions == "" {
		sessions = SessionCreate
	}

	return &Experiment{
		repos:        repos,
		dispatcher:   dispatcher,
		cache:        NewResultCache(repos.Results, cfg.SessionExpiration, cfg.Metrics, now),
		interleaver:  interleaver,
		interleaving: cfg.Interleave,
		selection:    selection,
		sessions:     sessions,
		logger:       logger,
		now:          now,
	}
}

// Rank serves a ranking request.
func (e *Experiment) Rank(ctx context.Context, req Request) (*Response, error) {
	req.Role = repository.RoleRanking
	return e.serve(ctx, req)
}

// Recommend serves a recommendation request.
func (e *Experiment) Recommend(ctx context.Context, req Request) (*Response, error) {
	req.Role = repository.RoleRecommendation
	return e.serve(ctx, req)
}

func (e *Experiment) serve(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if req.Page < 0 || req.RPP <= 0 {
		return nil, fmt.Errorf("%w: page must be >= 0 and rpp > 0", ErrInvalidRequest)
	}

	session, err := e.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	sys, err := e.bindSystem(ctx, session, req)
	if err != nil {
		return nil, err
	}

	q := Query{Role: req.Role, Text: req.Query, Page: req.Page, RPP: req.RPP}

	cached, err := e.cache.Lookup(ctx, session.ID, q)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return e.replay(ctx, cached)
	}

	baseline, err := e.baseline(ctx, req.Role)
	if err != nil {
		return nil, err
	}
	if e.interleaving && baseline != nil && baseline.ID != sys.ID {
		return e.serveInterleaved(ctx, session.ID, q, baseline, sys)
	}
	return e.serveSingle(ctx, session.ID, q, sys)
}

func (e *Experiment) serveSingle(ctx context.Context, sessionID string, q Query, sys *repository.System) (*Response, error) {
	origin := repository.OriginExperimental
	if sys.Baseline {
		origin = repository.OriginBaseline
	}
	legs, err := e.dispatcher.Dispatch(ctx, sessionID, q, Call{System: sys, Origin: origin})
	if err != nil {
		return nil, err
	}
	leg := legs[0]

	var body []byte
	if leg.Source.Custom() {
		body, err = Passthrough(leg.Source, leg.Payload)
	} else {
		body, err = StandardEnvelope(leg.Result, Containers{Exp: sys.Name})
	}
	if err != nil {
		return nil, err
	}
	return &Response{SessionID: sessionID, ResultID: leg.Result.ID, Body: body}, nil
}

func (e *Experiment) serveInterleaved(ctx context.Context, sessionID string, q Query, baseline, sys *repository.System) (*Response, error) {
	legs, err := e.dispatcher.Dispatch(ctx, sessionID, q,
		Call{System: baseline, Origin: repository.OriginBaseline},
		Call{System: sys, Origin: repository.OriginExperimental},
	)
	if err != nil {
		return nil, err
	}
	base, exp := legs[0], legs[1]

	length := len(base.Result.Items)
	if length == 0 {
		length = len(exp.Result.Items)
	}
	items := e.interleaver.Interleave(base.Result.Items.DocIDs(), exp.Result.Items.DocIDs(), length)

	merged := &repository.Result{
		SessionID: sessionID,
		SystemID:  sys.ID,
		Role:      q.Role,
		Origin:    repository.OriginMerged,
		Query:     q.Text,
		IssuedAt:  e.now(),
		Latency:   max(base.Result.Latency, exp.Result.Latency),
		HitCount:  len(items),
		Page:      q.Page,
		RPP:       q.RPP,
		Items:     items,
	}
	if base.Source.Custom() {
		merged.NativePayload, err = Splice(items, base, exp, e.logger.With("session_id", sessionID))
		if err != nil {
			return nil, err
		}
	}

	if err := e.repos.Results.CreateMerged(ctx, merged, base.Result, exp.Result); err != nil {
		return nil, fmt.Errorf("failed to store merged result: %w", err)
	}

	body := []byte(merged.NativePayload)
	if body == nil {
		body, err = StandardEnvelope(merged, Containers{Exp: sys.Name, Base: baseline.Name})
		if err != nil {
			return nil, err
		}
	}
	return &Response{SessionID: sessionID, ResultID: merged.ID, Body: body}, nil
}

// replay renders a result served from the cache the way its original was rendered.
func (e *Experiment) replay(ctx context.Context, res *repository.Result) (*Response, error) {
	sys, err := e.repos.Systems.GetByID(ctx, res.SystemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load system %d: %w", res.SystemID, err)
	}
	containers := Containers{Exp: sys.Name}
	if res.Origin == repository.OriginMerged {
		if baseline, err := e.baseline(ctx, res.Role); err == nil && baseline != nil {
			containers.Base = baseline.Name
		}
	}

	var body []byte
	if len(res.NativePayload) > 0 {
		src := e.dispatcher.Source(sys)
		if res.Origin == repository.OriginMerged {
			// Merged payloads are spliced into the baseline's envelope and stored as shown.
			body = res.NativePayload
		} else {
			body, err = Passthrough(src, res.NativePayload)
		}
	} else {
		body, err = StandardEnvelope(res, containers)
	}
	if err != nil {
		return nil, err
	}
	return &Response{SessionID: res.SessionID, ResultID: res.ID, Body: body, Cached: true}, nil
}

func (e *Experiment) resolveSession(ctx context.Context, id string) (*repository.Session, error) {
	if id != "" {
		session, err := e.repos.Sessions.GetByID(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if e.sessions == SessionReject {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
	} else {
		id = NewSessionID()
	}

	session := &repository.Session{ID: id, CreatedAt: e.now()}
	if err := e.repos.Sessions.Create(ctx, session); err != nil {
		// A concurrent first request created it.
		if errors.Is(err, repository.ErrAlreadyExists) {
			return e.repos.Sessions.GetByID(ctx, id)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.LastActiveAt = session.CreatedAt
	return session, nil
}

// NewSessionID returns a random 32-character hex session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// bindSystem returns the session's system for the role, assigning one if needed.
// An existing assignment always wins over an explicit system name.
func (e *Experiment) bindSystem(ctx context.Context, session *repository.Session, req Request) (*repository.System, error) {
	if id := session.AssignedSystem(req.Role); id != nil {
		sys, err := e.repos.Systems.GetByID(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("failed to load assigned system: %w", err)
		}
		return sys, nil
	}

	var sys *repository.System
	var err error
	if req.Container != "" {
		sys, err = e.repos.Systems.GetByName(ctx, req.Container)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && (sys.Role != req.Role || sys.Retired)) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, req.Container)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load system: %w", err)
		}
	} else {
		sys, err = e.LeastServed(ctx, req.Role)
		if err != nil {
			return nil, err
		}
	}

	stored, err := e.repos.Sessions.AssignSystem(ctx, session.ID, req.Role, sys.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign system: %w", err)
	}
	// A concurrent request may have bound the session first.
	if id := stored.AssignedSystem(req.Role); id != nil && *id != sys.ID {
		return e.repos.Systems.GetByID(ctx, *id)
	}
	return sys, nil
}

// LeastServed picks the eligible system with the lowest load. Ties go to
// the earliest registered system. When nothing but the baseline serves the
// role, the baseline is used.
func (e *Experiment) LeastServed(ctx context.Context, role repository.Role) (*repository.System, error) {
	systems, err := e.repos.Systems.List(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}

	var best, baseline *repository.System
	for _, sys := range systems {
		if sys.Baseline {
			baseline = sys
			continue
		}
		if e.selection == SelectLive && sys.Lifecycle != repository.LifecycleLive {
			continue
		}
		if best == nil || sys.Load() < best.Load() {
			best = sys
		}
	}
	switch {
	case best != nil:
		return best, nil
	case baseline != nil:
		return baseline, nil
	default:
		return nil, fmt.Errorf("%w for %s", ErrNoEligibleSystem, role)
	}
}

func (e *Experiment) baseline(ctx context.Context, role repository.Role) (*repository.System, error) {
	systems, err := e.repos.Systems.List(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	for _, sys := range systems {
		if sys.Baseline {
			return sys, nil
		}
	}
	return nil, nil
}

// Feedback records clicks on a shown result and links them to every row it was built from.
func (e *Experiment) Feedback(ctx context.Context, resultID int64, clicks json.RawMessage) (*repository.Feedback, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(clicks, &probe); err != nil {
		return nil, fmt.Errorf("%w: clicks must be a JSON object", ErrInvalidRequest)
	}

	res, err := e.repos.Results.GetByID(ctx, resultID)
	if err != nil {
		return nil, err
	}

	fb := &repository.Feedback{
		SessionID:  res.SessionID,
		Start:      res.IssuedAt,
		End:        e.now(),
		Interleave: res.MergeID != nil,
		Clicks:     clicks,
	}
	if err := e.repos.Feedbacks.Create(ctx, fb); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}
	if err := e.repos.Results.AttachFeedback(ctx, res.ID, fb.ID); err != nil {
		return nil, fmt.Errorf("failed to attach feedback: %w", err)
	}
	return fb, nil
}

// Exit ends a session.
func (e *Experiment) Exit(ctx context.Context, sessionID string) error {
	return e.repos.Sessions.MarkExited(ctx, sessionID)
}

// SetUser records the site user of a session.
func (e *Experiment) SetUser(ctx context.Context, sessionID, user string) error {
	return e.repos.Sessions.SetUser(ctx, sessionID, user)
}

// Result returns a stored result.
func (e *Experiment) Result(ctx context.Context, resultID int64) (*repository.Result, error) {
	return e.repos.Results.GetByID(ctx, resultID)
}

// Systems lists every registered system.
func (e *Experiment) Systems(ctx context.Context) ([]*repository.System, error) {
	return e.repos.Systems.List(ctx, "")
}
