package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knoguchi/livelab/internal/backend"
	"github.com/knoguchi/livelab/internal/interleave"
	"github.com/knoguchi/livelab/internal/repository"
	"github.com/knoguchi/livelab/internal/repository/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBackend struct {
	*httptest.Server
	calls atomic.Int64
}

// newBackend serves fixed JSON bodies and counts calls.
func newBackend(t *testing.T, handler http.HandlerFunc) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func jsonBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	repos repository.Repositories
	clock *fakeClock
	exp   *Experiment
}

func newTestEnv(t *testing.T, cfg ExperimentConfig, systems ...*repository.System) *testEnv {
	t.Helper()
	ctx := context.Background()
	repos := memory.NewStore().Repositories()
	for _, sys := range systems {
		if sys.Lifecycle == "" {
			sys.Lifecycle = repository.LifecycleLive
		}
		if err := repos.Systems.Upsert(ctx, sys); err != nil {
			t.Fatalf("Upsert(%s) error = %v", sys.Name, err)
		}
	}

	clock := newFakeClock()
	dispatcher := NewDispatcher(DispatcherConfig{
		Fetcher:     backend.NewClient(backend.Config{Timeout: 100 * time.Millisecond, HTTPClient: &http.Client{}}),
		Systems:     repos.Systems,
		Results:     repos.Results,
		HeadQueries: NewHeadSet([]string{"popular"}),
		Logger:      discardLogger(),
		Now:         clock.Now,
	})

	if cfg.SessionExpiration == 0 {
		cfg.SessionExpiration = 6 * time.Minute
	}
	cfg.Logger = discardLogger()
	cfg.Now = clock.Now
	return &testEnv{repos: repos, clock: clock, exp: NewExperiment(repos, dispatcher, cfg)}
}

func decodeEnvelope(t *testing.T, body []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("failed to decode envelope %s: %v", body, err)
	}
	return env
}

func compact(t *testing.T, raw []byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		t.Fatalf("invalid JSON %s: %v", raw, err)
	}
	return buf.String()
}

func TestRank_StandardEnvelope(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": ["d1", "d2", "d3"], "num_found": 3}`))
	sys := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL}
	env := newTestEnv(t, ExperimentConfig{}, sys)

	resp, err := env.exp.Rank(context.Background(), Request{Query: "jaguar", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	got := decodeEnvelope(t, resp.Body)
	if got.Header.SessionID != resp.SessionID || got.Header.ResultID != resp.ResultID {
		t.Errorf("header ids = %s/%d, want %s/%d", got.Header.SessionID, got.Header.ResultID, resp.SessionID, resp.ResultID)
	}
	if got.Header.Query != "jaguar" || got.Header.Hits != 3 || got.Header.RPP != 10 {
		t.Errorf("unexpected header %+v", got.Header)
	}
	if got.Header.Containers.Exp != "rank_a" || got.Header.Containers.Base != "" {
		t.Errorf("containers = %+v", got.Header.Containers)
	}
	want := []string{"d1", "d2", "d3"}
	for i, item := range got.Body {
		if item.DocID != want[i] || item.Origin != repository.OriginExperimental {
			t.Errorf("body[%d] = %+v, want %s/EXP", i, item, want[i])
		}
	}

	stored, _ := env.repos.Systems.GetByID(context.Background(), sys.ID)
	if stored.Requests != 1 || stored.HeadRequests != 0 {
		t.Errorf("counters = %d/%d, want 0 head, 1 other", stored.HeadRequests, stored.Requests)
	}
}

func TestRank_HeadQueryCounter(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": [], "num_found": 0}`))
	sys := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL}
	env := newTestEnv(t, ExperimentConfig{}, sys)

	if _, err := env.exp.Rank(context.Background(), Request{Query: "popular", RPP: 10}); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	stored, _ := env.repos.Systems.GetByID(context.Background(), sys.ID)
	if stored.HeadRequests != 1 || stored.Requests != 0 {
		t.Errorf("counters = %d/%d, want 1 head, 0 other", stored.HeadRequests, stored.Requests)
	}
}

func TestRank_BackendFailuresDegrade(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			},
		},
		{
			name: "error status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name:    "missing hit array",
			handler: jsonBody(`{"results": ["d1"]}`),
		},
		{
			name:    "not json",
			handler: jsonBody(`<html>`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, tt.handler)
			sys := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL}
			env := newTestEnv(t, ExperimentConfig{}, sys)

			resp, err := env.exp.Rank(context.Background(), Request{Query: "q", RPP: 10})
			if err != nil {
				t.Fatalf("Rank() error = %v", err)
			}
			got := decodeEnvelope(t, resp.Body)
			if got.Header.Hits != 0 || len(got.Body) != 0 {
				t.Errorf("expected empty result, got %+v", got)
			}

			stored, _ := env.repos.Systems.GetByID(context.Background(), sys.ID)
			if stored.Load() != 1 {
				t.Errorf("load = %d, want 1 (attempt counted)", stored.Load())
			}
			res, err := env.exp.Result(context.Background(), resp.ResultID)
			if err != nil {
				t.Fatalf("Result() error = %v", err)
			}
			if res.HitCount != 0 {
				t.Errorf("stored hit count = %d, want 0", res.HitCount)
			}
		})
	}
}

func TestRank_PassthroughKeepsNativeShape(t *testing.T) {
	native := `{"took": 7, "response": {"numFound": 3, "docs": [{"id": "a", "score": 2.5}, {"title": "no id"}, {"id": "b", "score": 1.0}]}, "debug": {"x": [1, 2]}}`
	b := newBackend(t, jsonBody(native))
	sys := &repository.System{Name: "rank_solr", Role: repository.RoleRanking, URL: b.URL, HitsPath: "$.response.docs", DocIDField: "id"}
	env := newTestEnv(t, ExperimentConfig{}, sys)

	resp, err := env.exp.Rank(context.Background(), Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	var want, got map[string]any
	_ = json.Unmarshal([]byte(native), &want)
	if err := json.Unmarshal(resp.Body, &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}

	docs := got["response"].(map[string]any)["docs"].([]any)
	if len(docs) != 2 || docs[0].(map[string]any)["id"] != "a" || docs[1].(map[string]any)["id"] != "b" {
		t.Errorf("docs = %v, want identifiable hits a, b", docs)
	}

	// Everything but the hit array is untouched.
	delete(got["response"].(map[string]any), "docs")
	delete(want["response"].(map[string]any), "docs")
	gotRaw, _ := json.Marshal(got)
	wantRaw, _ := json.Marshal(want)
	if string(gotRaw) != string(wantRaw) {
		t.Errorf("envelope changed:\n got  %s\n want %s", gotRaw, wantRaw)
	}
}

func TestRank_InterleavedStandard(t *testing.T) {
	base := newBackend(t, jsonBody(`{"itemlist": ["b1", "b2", "b3"], "num_found": 3}`))
	exp := newBackend(t, jsonBody(`{"itemlist": ["e1", "e2", "e3"], "num_found": 3}`))
	baseline := &repository.System{Name: "rank_base", Role: repository.RoleRanking, URL: base.URL, Baseline: true}
	experimental := &repository.System{Name: "rank_exp", Role: repository.RoleRanking, URL: exp.URL}

	coin := interleave.Sequence{true}
	env := newTestEnv(t, ExperimentConfig{Interleave: true, Interleaver: interleave.NewTeamDraft(&coin)}, baseline, experimental)

	ctx := context.Background()
	resp, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	got := decodeEnvelope(t, resp.Body)
	want := []repository.Item{
		{DocID: "b1", Origin: repository.OriginBaseline},
		{DocID: "e1", Origin: repository.OriginExperimental},
		{DocID: "b2", Origin: repository.OriginBaseline},
	}
	if len(got.Body) != len(want) {
		t.Fatalf("body = %+v, want %+v", got.Body, want)
	}
	for i := range want {
		if got.Body[i] != want[i] {
			t.Errorf("body[%d] = %+v, want %+v", i, got.Body[i], want[i])
		}
	}
	if got.Header.Containers != (Containers{Exp: "rank_exp", Base: "rank_base"}) {
		t.Errorf("containers = %+v", got.Header.Containers)
	}

	rows, _ := env.repos.Results.ListBySession(ctx, resp.SessionID)
	if len(rows) != 3 {
		t.Fatalf("stored %d results, want 3", len(rows))
	}
	for _, row := range rows {
		if row.MergeID == nil || *row.MergeID != resp.ResultID {
			t.Errorf("row %d (%s) merge pointer = %v, want %d", row.ID, row.Origin, row.MergeID, resp.ResultID)
		}
		if row.ID == resp.ResultID && (row.Origin != repository.OriginMerged || row.Link() != repository.LinkMerged) {
			t.Errorf("merged row = %+v", row)
		}
	}
}

func TestRank_InterleavedSplice(t *testing.T) {
	base := newBackend(t, jsonBody(`{"took": 3, "hits": {"total": 2, "hits": [{"_id": "b1", "s": 1}, {"_id": "b2", "s": 2}]}}`))
	exp := newBackend(t, jsonBody(`{"itemlist": [{"docid": "e1", "extra": true}, {"docid": "b1"}], "num_found": 2}`))
	baseline := &repository.System{Name: "rank_es", Role: repository.RoleRanking, URL: base.URL, Baseline: true, HitsPath: "hits.hits", DocIDField: "_id"}
	experimental := &repository.System{Name: "rank_exp", Role: repository.RoleRanking, URL: exp.URL}

	coin := interleave.Sequence{false}
	env := newTestEnv(t, ExperimentConfig{Interleave: true, Interleaver: interleave.NewTeamDraft(&coin)}, baseline, experimental)

	resp, err := env.exp.Rank(context.Background(), Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	var got struct {
		Took int `json:"took"`
		Hits struct {
			Total int               `json:"total"`
			Hits  []json.RawMessage `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(resp.Body, &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got.Took != 3 || got.Hits.Total != 2 {
		t.Errorf("baseline envelope fields changed: %s", resp.Body)
	}
	// exp drafts e1, base answers with b1, and the baseline's two hits cap the length.
	want := []string{`{"docid":"e1","extra":true}`, `{"_id":"b1","s":1}`}
	if len(got.Hits.Hits) != len(want) {
		t.Fatalf("hits = %s, want %v", resp.Body, want)
	}
	for i := range want {
		if compact(t, got.Hits.Hits[i]) != want[i] {
			t.Errorf("hit %d = %s, want %s", i, got.Hits.Hits[i], want[i])
		}
	}
}

func TestRank_CacheServesRepeatsInsideWindow(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": ["d1", "d2"], "num_found": 2}`))
	sys := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL}
	env := newTestEnv(t, ExperimentConfig{SessionExpiration: 6 * time.Minute}, sys)
	ctx := context.Background()

	first, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	env.clock.Advance(time.Minute)
	second, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10, SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if b.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", b.calls.Load())
	}
	if !second.Cached || second.ResultID == first.ResultID {
		t.Errorf("second response cached=%v rid=%d, want a cached copy with a new id", second.Cached, second.ResultID)
	}
	a, c := decodeEnvelope(t, first.Body), decodeEnvelope(t, second.Body)
	if len(a.Body) != len(c.Body) || a.Body[0] != c.Body[0] || a.Body[1] != c.Body[1] {
		t.Errorf("bodies differ: %+v vs %+v", a.Body, c.Body)
	}
	stored, _ := env.repos.Systems.GetByID(ctx, sys.ID)
	if stored.Load() != 1 {
		t.Errorf("load = %d, want 1", stored.Load())
	}

	env.clock.Advance(6 * time.Minute)
	if _, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10, SessionID: first.SessionID}); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if b.calls.Load() != 2 {
		t.Errorf("backend calls after expiry = %d, want 2", b.calls.Load())
	}

	// A different page is a different tuple.
	if _, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10, Page: 1, SessionID: first.SessionID}); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if b.calls.Load() != 3 {
		t.Errorf("backend calls for new page = %d, want 3", b.calls.Load())
	}
}

func TestRank_CacheReplaysInterleavedResult(t *testing.T) {
	base := newBackend(t, jsonBody(`{"itemlist": ["b1", "b2"], "num_found": 2}`))
	exp := newBackend(t, jsonBody(`{"itemlist": ["e1", "e2"], "num_found": 2}`))
	baseline := &repository.System{Name: "rank_base", Role: repository.RoleRanking, URL: base.URL, Baseline: true}
	experimental := &repository.System{Name: "rank_exp", Role: repository.RoleRanking, URL: exp.URL}
	env := newTestEnv(t, ExperimentConfig{Interleave: true}, baseline, experimental)
	ctx := context.Background()

	first, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	second, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10, SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if base.calls.Load() != 1 || exp.calls.Load() != 1 {
		t.Errorf("backend calls = %d/%d, want 1/1", base.calls.Load(), exp.calls.Load())
	}

	clone, err := env.exp.Result(ctx, second.ResultID)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if clone.Origin != repository.OriginMerged || clone.MergeID == nil || *clone.MergeID != first.ResultID {
		t.Errorf("clone = %+v, want MERGED pointing at %d", clone, first.ResultID)
	}
	if got := decodeEnvelope(t, second.Body); got.Header.Containers.Base != "rank_base" {
		t.Errorf("containers = %+v", got.Header.Containers)
	}
}

func TestRank_SessionStickiness(t *testing.T) {
	a := newBackend(t, jsonBody(`{"itemlist": ["a1"], "num_found": 1}`))
	b := newBackend(t, jsonBody(`{"itemlist": ["b1"], "num_found": 1}`))
	sysA := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: a.URL}
	sysB := &repository.System{Name: "rank_b", Role: repository.RoleRanking, URL: b.URL}
	env := newTestEnv(t, ExperimentConfig{}, sysA, sysB)
	ctx := context.Background()

	first, err := env.exp.Rank(ctx, Request{Query: "q1", RPP: 10, Container: "rank_b"})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	second, err := env.exp.Rank(ctx, Request{Query: "q2", RPP: 10, Container: "rank_a", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if got := decodeEnvelope(t, second.Body).Header.Containers.Exp; got != "rank_b" {
		t.Errorf("second request routed to %s, want rank_b", got)
	}
	if a.calls.Load() != 0 {
		t.Errorf("rank_a called %d times, want 0", a.calls.Load())
	}
}

func TestRank_UnknownSystem(t *testing.T) {
	recSys := &repository.System{Name: "rec_a", Role: repository.RoleRecommendation, URL: "http://127.0.0.1:1"}
	env := newTestEnv(t, ExperimentConfig{}, recSys)

	for _, name := range []string{"missing", "rec_a"} {
		_, err := env.exp.Rank(context.Background(), Request{Query: "q", RPP: 10, Container: name})
		if !errors.Is(err, ErrUnknownSystem) {
			t.Errorf("Rank(container=%s) error = %v, want ErrUnknownSystem", name, err)
		}
	}
}

func TestRank_UnknownSessionPolicy(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": [], "num_found": 0}`))
	ctx := context.Background()

	reject := newTestEnv(t, ExperimentConfig{UnknownSession: SessionReject},
		&repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL})
	if _, err := reject.exp.Rank(ctx, Request{Query: "q", RPP: 10, SessionID: "nope"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("reject policy error = %v, want ErrUnknownSession", err)
	}

	create := newTestEnv(t, ExperimentConfig{},
		&repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL})
	resp, err := create.exp.Rank(ctx, Request{Query: "q", RPP: 10, SessionID: "client-sid"})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if resp.SessionID != "client-sid" {
		t.Errorf("session id = %s, want client-sid", resp.SessionID)
	}
	if _, err := create.repos.Sessions.GetByID(ctx, "client-sid"); err != nil {
		t.Errorf("session not created: %v", err)
	}
}

// racingSessions reports the first lookup as a miss after another request
// has already created the session.
type racingSessions struct {
	repository.SessionRepository
	once sync.Once
}

func (r *racingSessions) GetByID(ctx context.Context, id string) (*repository.Session, error) {
	raced := false
	r.once.Do(func() {
		raced = true
		_ = r.SessionRepository.Create(ctx, &repository.Session{ID: id, CreatedAt: time.Unix(0, 0)})
	})
	if raced {
		return nil, repository.ErrNotFound
	}
	return r.SessionRepository.GetByID(ctx, id)
}

func TestRank_ConcurrentSessionCreation(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": ["d1"], "num_found": 1}`))
	sys := &repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL}
	env := newTestEnv(t, ExperimentConfig{}, sys)

	repos := env.repos
	repos.Sessions = &racingSessions{SessionRepository: env.repos.Sessions}
	exp := NewExperiment(repos, env.exp.dispatcher, ExperimentConfig{Logger: discardLogger(), Now: env.clock.Now})

	resp, err := exp.Rank(context.Background(), Request{Query: "q", RPP: 10, SessionID: "fresh"})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if resp.SessionID != "fresh" {
		t.Errorf("session id = %s, want fresh", resp.SessionID)
	}
	sess, err := env.repos.Sessions.GetByID(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got := sess.AssignedSystem(repository.RoleRanking); got == nil || *got != sys.ID {
		t.Errorf("assigned system = %v, want %d", got, sys.ID)
	}
}

func TestRank_CacheIsScopedByRole(t *testing.T) {
	rank := newBackend(t, jsonBody(`{"itemlist": ["d1"], "num_found": 1}`))
	rec := newBackend(t, jsonBody(`{"itemlist": ["i1"], "num_found": 1}`))
	env := newTestEnv(t, ExperimentConfig{SessionExpiration: 6 * time.Minute},
		&repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: rank.URL},
		&repository.System{Name: "rec_a", Role: repository.RoleRecommendation, URL: rec.URL},
	)
	ctx := context.Background()

	first, err := env.exp.Rank(ctx, Request{Query: "x", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	sid := first.SessionID
	if _, err := env.exp.Recommend(ctx, Request{Query: "x", RPP: 10, SessionID: sid}); err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	again, err := env.exp.Rank(ctx, Request{Query: "x", RPP: 10, SessionID: sid})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}

	if rank.calls.Load() != 1 {
		t.Errorf("ranking backend calls = %d, want 1", rank.calls.Load())
	}
	if rec.calls.Load() != 1 {
		t.Errorf("recommendation backend calls = %d, want 1", rec.calls.Load())
	}
	if !again.Cached {
		t.Error("repeated ranking should be served from the cache")
	}
	if got := decodeEnvelope(t, again.Body); len(got.Body) != 1 || got.Body[0].DocID != "d1" {
		t.Errorf("cached body = %+v, want the ranking result", got.Body)
	}
}

func TestRank_RetiredSystemsAreNotSelected(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": ["d1"], "num_found": 1}`))
	ctx := context.Background()
	env := newTestEnv(t, ExperimentConfig{Interleave: true},
		&repository.System{Name: "old_base", Role: repository.RoleRanking, Baseline: true, URL: b.URL},
		&repository.System{Name: "old_exp", Role: repository.RoleRanking, URL: b.URL},
		&repository.System{Name: "rank_a", Role: repository.RoleRanking, URL: b.URL},
	)
	// Bump rank_a so least-served would prefer old_exp if it were still eligible.
	rankA, _ := env.repos.Systems.GetByName(ctx, "rank_a")
	_ = env.repos.Systems.IncrementRequests(ctx, rankA.ID, false)

	if err := env.repos.Systems.RetireMissing(ctx, []string{"rank_a"}); err != nil {
		t.Fatalf("RetireMissing() error = %v", err)
	}

	resp, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	got := decodeEnvelope(t, resp.Body)
	if got.Header.Containers.Exp != "rank_a" || got.Header.Containers.Base != "" {
		t.Errorf("containers = %+v, want rank_a alone", got.Header.Containers)
	}
	if b.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1 without a baseline leg", b.calls.Load())
	}

	if _, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10, Container: "old_exp"}); !errors.Is(err, ErrUnknownSystem) {
		t.Errorf("retired container error = %v, want ErrUnknownSystem", err)
	}
}

func TestRank_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, ExperimentConfig{})
	for _, req := range []Request{{Query: " ", RPP: 10}, {Query: "q", RPP: 0}, {Query: "q", RPP: 10, Page: -1}} {
		if _, err := env.exp.Rank(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Rank(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestLeastServed(t *testing.T) {
	ctx := context.Background()
	systems := func() []*repository.System {
		return []*repository.System{
			{Name: "base", Role: repository.RoleRanking, Baseline: true},
			{Name: "busy", Role: repository.RoleRanking},
			{Name: "pre", Role: repository.RoleRanking, Lifecycle: repository.LifecyclePrecomputed},
			{Name: "idle", Role: repository.RoleRanking},
			{Name: "rec", Role: repository.RoleRecommendation},
		}
	}

	tests := []struct {
		policy SelectionPolicy
		want   string
	}{
		{SelectLive, "idle"},
		{SelectNonBaseline, "pre"},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			list := systems()
			env := newTestEnv(t, ExperimentConfig{Selection: tt.policy}, list...)
			_ = env.repos.Systems.IncrementRequests(ctx, list[1].ID, true)
			_ = env.repos.Systems.IncrementRequests(ctx, list[0].ID, false)

			got, err := env.exp.LeastServed(ctx, repository.RoleRanking)
			if err != nil {
				t.Fatalf("LeastServed() error = %v", err)
			}
			if got.Name != tt.want {
				t.Errorf("LeastServed() = %s, want %s", got.Name, tt.want)
			}
		})
	}

	t.Run("baseline only", func(t *testing.T) {
		env := newTestEnv(t, ExperimentConfig{}, &repository.System{Name: "base", Role: repository.RoleRanking, Baseline: true})
		got, err := env.exp.LeastServed(ctx, repository.RoleRanking)
		if err != nil || got.Name != "base" {
			t.Errorf("LeastServed() = %v, %v, want base", got, err)
		}
	})

	t.Run("none", func(t *testing.T) {
		env := newTestEnv(t, ExperimentConfig{})
		if _, err := env.exp.LeastServed(ctx, repository.RoleRanking); !errors.Is(err, ErrNoEligibleSystem) {
			t.Errorf("LeastServed() error = %v, want ErrNoEligibleSystem", err)
		}
	})
}

func TestFeedback_FansOutToLegs(t *testing.T) {
	base := newBackend(t, jsonBody(`{"itemlist": ["b1"], "num_found": 1}`))
	exp := newBackend(t, jsonBody(`{"itemlist": ["e1"], "num_found": 1}`))
	env := newTestEnv(t, ExperimentConfig{Interleave: true},
		&repository.System{Name: "rank_base", Role: repository.RoleRanking, URL: base.URL, Baseline: true},
		&repository.System{Name: "rank_exp", Role: repository.RoleRanking, URL: exp.URL},
	)
	ctx := context.Background()

	resp, err := env.exp.Rank(ctx, Request{Query: "q", RPP: 10})
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	env.clock.Advance(30 * time.Second)

	fb, err := env.exp.Feedback(ctx, resp.ResultID, json.RawMessage(`{"1": {"clicked": true}}`))
	if err != nil {
		t.Fatalf("Feedback() error = %v", err)
	}
	if !fb.Interleave || fb.End.Sub(fb.Start) != 30*time.Second {
		t.Errorf("feedback = %+v", fb)
	}

	linked, _ := env.repos.Results.ListByFeedback(ctx, fb.ID)
	if len(linked) != 3 {
		t.Errorf("feedback linked to %d results, want 3", len(linked))
	}

	if _, err := env.exp.Feedback(ctx, 9999, json.RawMessage(`{}`)); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Feedback(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := env.exp.Feedback(ctx, resp.ResultID, json.RawMessage(`[1]`)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Feedback(array) error = %v, want ErrInvalidRequest", err)
	}
}

func TestSessionOperations(t *testing.T) {
	b := newBackend(t, jsonBody(`{"itemlist": [], "num_found": 0}`))
	env := newTestEnv(t, ExperimentConfig{}, &repository.System{Name: "rec_a", Role: repository.RoleRecommendation, URL: b.URL})
	ctx := context.Background()

	resp, err := env.exp.Recommend(ctx, Request{Query: "item-7", RPP: 5})
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if got := decodeEnvelope(t, resp.Body).Header; got.ItemID != "item-7" || got.Query != "" {
		t.Errorf("header = %+v, want itemid item-7", got)
	}

	if err := env.exp.SetUser(ctx, resp.SessionID, "visitor-1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if err := env.exp.Exit(ctx, resp.SessionID); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	sess, _ := env.repos.Sessions.GetByID(ctx, resp.SessionID)
	if !sess.Exited || sess.SiteUser != "visitor-1" {
		t.Errorf("session = %+v", sess)
	}
	if err := env.exp.Exit(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Exit(missing) error = %v, want ErrNotFound", err)
	}
}
