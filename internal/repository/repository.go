// Package repository defines domain models and data access interfaces for systems, sessions, results, and feedback.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating an entity whose id is taken
	ErrAlreadyExists = errors.New("already exists")
)

// Role is the kind of service a system provides
type Role string

const (
	RoleRanking        Role = "ranking"
	RoleRecommendation Role = "recommendation"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleRanking || r == RoleRecommendation
}

// Lifecycle describes how a system produces its results
type Lifecycle string

const (
	LifecycleLive        Lifecycle = "live"
	LifecyclePrecomputed Lifecycle = "precomputed"
)

// Origin tags a result row or a merged position with the side that produced it
type Origin string

const (
	OriginExperimental Origin = "EXP"
	OriginBaseline     Origin = "BASE"
	OriginMerged       Origin = "MERGED"
)

// System is a configured backend ranking or recommendation service
type System struct {
	ID         int64
	Name       string
	Role       Role
	Lifecycle  Lifecycle
	Baseline   bool
	URL        string // optional direct base URL
	HitsPath   string // optional path to the native hit array
	DocIDField string // optional id field on each native hit

	// Retired systems are no longer configured. They keep serving sessions
	// already bound to them but are never selected again.
	Retired bool

	// Request counters split by query popularity. Incremented before each call.
	HeadRequests int64
	Requests     int64

	CreatedAt time.Time
}

// Load is the total number of attempted requests routed to the system
func (s *System) Load() int64 {
	return s.HeadRequests + s.Requests
}

// HasCustomSchema reports whether the system declares its own response schema
func (s *System) HasCustomSchema() bool {
	return s.HitsPath != ""
}

// Session pins a visitor to one ranking and/or one recommendation system
type Session struct {
	ID                     string
	CreatedAt              time.Time
	RankingSystemID        *int64
	RecommendationSystemID *int64
	SiteUser               string
	Exited                 bool
	Synced                 bool

	// LastActiveAt is derived: the latest result issued in the session, or CreatedAt.
	LastActiveAt time.Time
}

// AssignedSystem returns the system bound to the session for role, if any
func (s *Session) AssignedSystem(role Role) *int64 {
	if role == RoleRecommendation {
		return s.RecommendationSystemID
	}
	return s.RankingSystemID
}

// Result is one persisted response: a single system's ranking, or a merged ranking
type Result struct {
	ID            int64
	SessionID     string
	SystemID      int64
	Role          Role
	Origin        Origin
	Query         string
	IssuedAt      time.Time
	Latency       time.Duration
	HitCount      int
	Page          int
	RPP           int
	Items         Items
	NativePayload []byte
	MergeID       *int64
	FeedbackID    *int64
}

// LinkKind classifies a result's position in a merge
type LinkKind int

const (
	// LinkStandalone is a single-system result with no merge linkage.
	LinkStandalone LinkKind = iota
	// LinkLeg points at a merged row other than itself.
	LinkLeg
	// LinkMerged is a merge target: its pointer equals its own id.
	LinkMerged
)

// Link reports how the result participates in a merge
func (r *Result) Link() LinkKind {
	switch {
	case r.MergeID == nil:
		return LinkStandalone
	case *r.MergeID == r.ID:
		return LinkMerged
	default:
		return LinkLeg
	}
}

// Feedback records user interactions with one shown result list
type Feedback struct {
	ID         int64
	SessionID  string
	Start      time.Time
	End        time.Time
	Interleave bool
	Clicks     []byte // JSON object keyed by position
}

// SystemRepository defines operations for the system registry
type SystemRepository interface {
	// Upsert registers a system by name, keeping existing counters.
	Upsert(ctx context.Context, system *System) error
	GetByID(ctx context.Context, id int64) (*System, error)
	GetByName(ctx context.Context, name string) (*System, error)
	// List returns active systems ordered by id. An empty role lists every role.
	List(ctx context.Context, role Role) ([]*System, error)
	// RetireMissing retires every system whose name is not in keep and clears its baseline flag.
	RetireMissing(ctx context.Context, keep []string) error
	IncrementRequests(ctx context.Context, id int64, head bool) error
}

// SessionRepository defines operations for session persistence
type SessionRepository interface {
	// Create stores a new session. A taken id yields ErrAlreadyExists.
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	// AssignSystem binds a system for role if none is bound yet and returns the stored session.
	AssignSystem(ctx context.Context, id string, role Role, systemID int64) (*Session, error)
	SetUser(ctx context.Context, id, user string) error
	MarkExited(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) error
	// ListActive returns sessions that are neither exited nor synced, with LastActiveAt filled in.
	ListActive(ctx context.Context) ([]*Session, error)
	ListExitedUnsynced(ctx context.Context) ([]*Session, error)
	// Purge removes the session with its results and feedback: legs first,
	// then merge targets, then feedback, then the session itself.
	Purge(ctx context.Context, id string) error
}

// ResultRepository defines operations for result persistence
type ResultRepository interface {
	Create(ctx context.Context, result *Result) error
	// CreateMerged stores merged and points merged and every leg at merged's id.
	CreateMerged(ctx context.Context, merged *Result, legs ...*Result) error
	GetByID(ctx context.Context, id int64) (*Result, error)
	// Latest returns the most recent result for the exact session, role, query and paging tuple.
	Latest(ctx context.Context, sessionID string, role Role, query string, page, rpp int) (*Result, error)
	// AttachFeedback sets feedbackID on the result and on the legs whose merge pointer is resultID.
	AttachFeedback(ctx context.Context, resultID, feedbackID int64) error
	ListByFeedback(ctx context.Context, feedbackID int64) ([]*Result, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Result, error)
}

// FeedbackRepository defines operations for feedback persistence
type FeedbackRepository interface {
	Create(ctx context.Context, feedback *Feedback) error
	ListBySession(ctx context.Context, sessionID string) ([]*Feedback, error)
}

// Repositories bundles the stores the router works against
type Repositories struct {
	Systems   SystemRepository
	Sessions  SessionRepository
	Results   ResultRepository
	Feedbacks FeedbackRepository
}
