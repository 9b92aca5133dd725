// Package memory provides an in-process implementation of the repository interfaces.
// It backs tests and single-node development runs; state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/knoguchi/livelab/internal/repository"
)

// Store keeps systems, sessions, results and feedback in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	systems   map[int64]*repository.System
	sessions  map[string]*repository.Session
	results   map[int64]*repository.Result
	feedbacks map[int64]*repository.Feedback

	nextSystemID   int64
	nextResultID   int64
	nextFeedbackID int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		systems:   make(map[int64]*repository.System),
		sessions:  make(map[string]*repository.Session),
		results:   make(map[int64]*repository.Result),
		feedbacks: make(map[int64]*repository.Feedback),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		Systems:   (*systemRepo)(s),
		Sessions:  (*sessionRepo)(s),
		Results:   (*resultRepo)(s),
		Feedbacks: (*feedbackRepo)(s),
	}
}

type systemRepo Store

func (r *systemRepo) Upsert(_ context.Context, system *repository.System) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.systems {
		if existing.Name == system.Name {
			system.ID = existing.ID
			system.HeadRequests = existing.HeadRequests
			system.Requests = existing.Requests
			system.CreatedAt = existing.CreatedAt
			system.Retired = false
			stored := *system
			r.systems[system.ID] = &stored
			return nil
		}
	}

	r.nextSystemID++
	system.ID = r.nextSystemID
	stored := *system
	r.systems[system.ID] = &stored
	return nil
}

func (r *systemRepo) GetByID(_ context.Context, id int64) (*repository.System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sys, ok := r.systems[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *sys
	return &out, nil
}

func (r *systemRepo) GetByName(_ context.Context, name string) (*repository.System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sys := range r.systems {
		if sys.Name == name {
			out := *sys
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *systemRepo) List(_ context.Context, role repository.Role) ([]*repository.System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*repository.System
	for _, sys := range r.systems {
		if sys.Retired || (role != "" && sys.Role != role) {
			continue
		}
		cp := *sys
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *systemRepo) RetireMissing(_ context.Context, keep []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[name] = true
	}
	for _, sys := range r.systems {
		if !kept[sys.Name] {
			sys.Retired = true
			sys.Baseline = false
		}
	}
	return nil
}

func (r *systemRepo) IncrementRequests(_ context.Context, id int64, head bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sys, ok := r.systems[id]
	if !ok {
		return repository.ErrNotFound
	}
	if head {
		sys.HeadRequests++
	} else {
		sys.Requests++
	}
	return nil
}

type sessionRepo Store

func (r *sessionRepo) Create(_ context.Context, session *repository.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session %s: %w", session.ID, repository.ErrAlreadyExists)
	}
	stored := *session
	r.sessions[session.ID] = &stored
	return nil
}

func (r *sessionRepo) GetByID(_ context.Context, id string) (*repository.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copySession(id)
}

func (r *sessionRepo) copySession(id string) (*repository.Session, error) {
	sess, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *sess
	out.LastActiveAt = out.CreatedAt
	for _, res := range r.results {
		if res.SessionID == id && res.IssuedAt.After(out.LastActiveAt) {
			out.LastActiveAt = res.IssuedAt
		}
	}
	return &out, nil
}

func (r *sessionRepo) AssignSystem(_ context.Context, id string, role repository.Role, systemID int64) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	target := &sess.RankingSystemID
	if role == repository.RoleRecommendation {
		target = &sess.RecommendationSystemID
	}
	if *target == nil {
		v := systemID
		*target = &v
	}
	return r.copySession(id)
}

func (r *sessionRepo) update(id string, fn func(*repository.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(sess)
	return nil
}

func (r *sessionRepo) SetUser(_ context.Context, id, user string) error {
	return r.update(id, func(s *repository.Session) { s.SiteUser = user })
}

func (r *sessionRepo) MarkExited(_ context.Context, id string) error {
	return r.update(id, func(s *repository.Session) { s.Exited = true })
}

func (r *sessionRepo) MarkSynced(_ context.Context, id string) error {
	return r.update(id, func(s *repository.Session) { s.Synced = true })
}

func (r *sessionRepo) list(match func(*repository.Session) bool) []*repository.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*repository.Session
	for id, sess := range r.sessions {
		if !match(sess) {
			continue
		}
		cp, _ := r.copySession(id)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *sessionRepo) ListActive(_ context.Context) ([]*repository.Session, error) {
	return r.list(func(s *repository.Session) bool { return !s.Exited && !s.Synced }), nil
}

func (r *sessionRepo) ListExitedUnsynced(_ context.Context) ([]*repository.Session, error) {
	return r.list(func(s *repository.Session) bool { return s.Exited && !s.Synced }), nil
}

// Purge mirrors the foreign keys of the SQL schema: a row cannot be removed
// while another row still points at it.
func (r *sessionRepo) Purge(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return repository.ErrNotFound
	}

	// legs and standalone rows first
	for rid, res := range r.results {
		if res.SessionID == id && res.Link() != repository.LinkMerged {
			delete(r.results, rid)
		}
	}
	for rid, res := range r.results {
		if res.SessionID != id {
			continue
		}
		if r.resultReferenced(rid) {
			return fmt.Errorf("failed to purge session %s: result %d still referenced", id, rid)
		}
		delete(r.results, rid)
	}
	for fid, fb := range r.feedbacks {
		if fb.SessionID != id {
			continue
		}
		if r.feedbackReferenced(fid) {
			return fmt.Errorf("failed to purge session %s: feedback %d still referenced", id, fid)
		}
		delete(r.feedbacks, fid)
	}
	delete(r.sessions, id)
	return nil
}

func (r *sessionRepo) resultReferenced(id int64) bool {
	for rid, res := range r.results {
		if rid != id && res.MergeID != nil && *res.MergeID == id {
			return true
		}
	}
	return false
}

func (r *sessionRepo) feedbackReferenced(id int64) bool {
	for _, res := range r.results {
		if res.FeedbackID != nil && *res.FeedbackID == id {
			return true
		}
	}
	return false
}

type resultRepo Store

func cloneResult(res *repository.Result) *repository.Result {
	out := *res
	out.Items = append(repository.Items(nil), res.Items...)
	if res.NativePayload != nil {
		out.NativePayload = append([]byte(nil), res.NativePayload...)
	}
	if res.MergeID != nil {
		v := *res.MergeID
		out.MergeID = &v
	}
	if res.FeedbackID != nil {
		v := *res.FeedbackID
		out.FeedbackID = &v
	}
	return &out
}

func (r *resultRepo) Create(_ context.Context, result *repository.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(result)
}

func (r *resultRepo) insert(result *repository.Result) error {
	if _, ok := r.sessions[result.SessionID]; !ok {
		return fmt.Errorf("failed to create result: unknown session %s", result.SessionID)
	}
	if _, ok := r.systems[result.SystemID]; !ok {
		return fmt.Errorf("failed to create result: unknown system %d", result.SystemID)
	}
	r.nextResultID++
	result.ID = r.nextResultID
	r.results[result.ID] = cloneResult(result)
	return nil
}

func (r *resultRepo) CreateMerged(_ context.Context, merged *repository.Result, legs ...*repository.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged.MergeID = nil
	if err := r.insert(merged); err != nil {
		return err
	}
	id := merged.ID
	for _, leg := range append([]*repository.Result{merged}, legs...) {
		stored, ok := r.results[leg.ID]
		if !ok {
			return fmt.Errorf("failed to link merged result: unknown result %d", leg.ID)
		}
		a, b := id, id
		stored.MergeID = &a
		leg.MergeID = &b
	}
	return nil
}

func (r *resultRepo) GetByID(_ context.Context, id int64) (*repository.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.results[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneResult(res), nil
}

func (r *resultRepo) Latest(_ context.Context, sessionID string, role repository.Role, query string, page, rpp int) (*repository.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *repository.Result
	for _, res := range r.results {
		if res.SessionID != sessionID || res.Role != role || res.Query != query || res.Page != page || res.RPP != rpp {
			continue
		}
		if latest == nil || res.IssuedAt.After(latest.IssuedAt) ||
			(res.IssuedAt.Equal(latest.IssuedAt) && res.ID > latest.ID) {
			latest = res
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return cloneResult(latest), nil
}

func (r *resultRepo) AttachFeedback(_ context.Context, resultID, feedbackID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.results[resultID]; !ok {
		return repository.ErrNotFound
	}
	for _, res := range r.results {
		leg := res.MergeID != nil && *res.MergeID == resultID && res.Origin != repository.OriginMerged
		if res.ID == resultID || leg {
			v := feedbackID
			res.FeedbackID = &v
		}
	}
	return nil
}

func (r *resultRepo) collect(match func(*repository.Result) bool) []*repository.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*repository.Result
	for _, res := range r.results {
		if match(res) {
			out = append(out, cloneResult(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *resultRepo) ListByFeedback(_ context.Context, feedbackID int64) ([]*repository.Result, error) {
	return r.collect(func(res *repository.Result) bool {
		return res.FeedbackID != nil && *res.FeedbackID == feedbackID
	}), nil
}

func (r *resultRepo) ListBySession(_ context.Context, sessionID string) ([]*repository.Result, error) {
	return r.collect(func(res *repository.Result) bool { return res.SessionID == sessionID }), nil
}

type feedbackRepo Store

func (r *feedbackRepo) Create(_ context.Context, feedback *repository.Feedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[feedback.SessionID]; !ok {
		return fmt.Errorf("failed to create feedback: unknown session %s", feedback.SessionID)
	}
	r.nextFeedbackID++
	feedback.ID = r.nextFeedbackID
	stored := *feedback
	r.feedbacks[feedback.ID] = &stored
	return nil
}

func (r *feedbackRepo) ListBySession(_ context.Context, sessionID string) ([]*repository.Feedback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*repository.Feedback
	for _, fb := range r.feedbacks {
		if fb.SessionID == sessionID {
			cp := *fb
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ensure Store implements the repository interfaces
var (
	_ repository.SystemRepository   = (*systemRepo)(nil)
	_ repository.SessionRepository  = (*sessionRepo)(nil)
	_ repository.ResultRepository   = (*resultRepo)(nil)
	_ repository.FeedbackRepository = (*feedbackRepo)(nil)
)
