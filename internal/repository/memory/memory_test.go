package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knoguchi/livelab/internal/repository"
)

func seed(t *testing.T) (repository.Repositories, *repository.System, *repository.System) {
	t.Helper()
	ctx := context.Background()
	repos := NewStore().Repositories()

	base := &repository.System{Name: "base", Role: repository.RoleRanking, Lifecycle: repository.LifecycleLive, Baseline: true}
	exp := &repository.System{Name: "exp", Role: repository.RoleRanking, Lifecycle: repository.LifecycleLive}
	for _, sys := range []*repository.System{base, exp} {
		if err := repos.Systems.Upsert(ctx, sys); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if err := repos.Sessions.Create(ctx, &repository.Session{ID: "s1", CreatedAt: time.Unix(100, 0)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return repos, base, exp
}

func TestSystems_UpsertKeepsCounters(t *testing.T) {
	ctx := context.Background()
	repos, base, _ := seed(t)

	if err := repos.Systems.IncrementRequests(ctx, base.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := repos.Systems.IncrementRequests(ctx, base.ID, false); err != nil {
		t.Fatal(err)
	}

	again := &repository.System{Name: "base", Role: repository.RoleRanking, Lifecycle: repository.LifecyclePrecomputed}
	if err := repos.Systems.Upsert(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != base.ID {
		t.Errorf("id = %d, want %d", again.ID, base.ID)
	}

	got, err := repos.Systems.GetByName(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	if got.HeadRequests != 1 || got.Requests != 1 || got.Lifecycle != repository.LifecyclePrecomputed {
		t.Errorf("system = %+v", got)
	}

	list, _ := repos.Systems.List(ctx, repository.RoleRecommendation)
	if len(list) != 0 {
		t.Errorf("recommendation systems = %d", len(list))
	}
}

func TestSessions_AssignIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	repos, base, exp := seed(t)

	sess, err := repos.Sessions.AssignSystem(ctx, "s1", repository.RoleRanking, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	sess, err = repos.Sessions.AssignSystem(ctx, "s1", repository.RoleRanking, base.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.AssignedSystem(repository.RoleRanking); got == nil || *got != exp.ID {
		t.Errorf("ranking system = %v, want %d", got, exp.ID)
	}
	if sess.AssignedSystem(repository.RoleRecommendation) != nil {
		t.Error("recommendation system should be unset")
	}

	if _, err := repos.Sessions.AssignSystem(ctx, "missing", repository.RoleRanking, exp.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing session error = %v", err)
	}
}

func TestResults_MergeLinkageAndFeedback(t *testing.T) {
	ctx := context.Background()
	repos, base, exp := seed(t)
	issued := time.Unix(200, 0)

	baseLeg := &repository.Result{SessionID: "s1", SystemID: base.ID, Role: repository.RoleRanking, Origin: repository.OriginBaseline, Query: "q", IssuedAt: issued, RPP: 10}
	expLeg := &repository.Result{SessionID: "s1", SystemID: exp.ID, Role: repository.RoleRanking, Origin: repository.OriginExperimental, Query: "q", IssuedAt: issued, RPP: 10}
	for _, r := range []*repository.Result{baseLeg, expLeg} {
		if err := repos.Results.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	merged := &repository.Result{SessionID: "s1", SystemID: exp.ID, Role: repository.RoleRanking, Origin: repository.OriginMerged, Query: "q", IssuedAt: issued, RPP: 10}
	if err := repos.Results.CreateMerged(ctx, merged, baseLeg, expLeg); err != nil {
		t.Fatal(err)
	}

	if merged.Link() != repository.LinkMerged || baseLeg.Link() != repository.LinkLeg {
		t.Errorf("links = %v, %v", merged.Link(), baseLeg.Link())
	}

	latest, err := repos.Results.Latest(ctx, "s1", repository.RoleRanking, "q", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != merged.ID {
		t.Errorf("latest = %d, want merged %d", latest.ID, merged.ID)
	}

	fb := &repository.Feedback{SessionID: "s1", Interleave: true, Clicks: []byte(`{}`)}
	if err := repos.Feedbacks.Create(ctx, fb); err != nil {
		t.Fatal(err)
	}
	if err := repos.Results.AttachFeedback(ctx, merged.ID, fb.ID); err != nil {
		t.Fatal(err)
	}
	linked, _ := repos.Results.ListByFeedback(ctx, fb.ID)
	if len(linked) != 3 {
		t.Errorf("linked results = %d, want 3", len(linked))
	}
}

func TestSessions_PurgeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	repos, base, exp := seed(t)

	leg := &repository.Result{SessionID: "s1", SystemID: base.ID, Origin: repository.OriginBaseline, Query: "q"}
	_ = repos.Results.Create(ctx, leg)
	merged := &repository.Result{SessionID: "s1", SystemID: exp.ID, Origin: repository.OriginMerged, Query: "q"}
	if err := repos.Results.CreateMerged(ctx, merged, leg); err != nil {
		t.Fatal(err)
	}
	fb := &repository.Feedback{SessionID: "s1"}
	_ = repos.Feedbacks.Create(ctx, fb)
	_ = repos.Results.AttachFeedback(ctx, merged.ID, fb.ID)

	if err := repos.Sessions.Purge(ctx, "s1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := repos.Sessions.GetByID(ctx, "s1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("session still present: %v", err)
	}
	if rs, _ := repos.Results.ListBySession(ctx, "s1"); len(rs) != 0 {
		t.Errorf("results left = %d", len(rs))
	}
	if fbs, _ := repos.Feedbacks.ListBySession(ctx, "s1"); len(fbs) != 0 {
		t.Errorf("feedback left = %d", len(fbs))
	}
}

func TestSessions_LastActiveAndLists(t *testing.T) {
	ctx := context.Background()
	repos, base, _ := seed(t)

	_ = repos.Results.Create(ctx, &repository.Result{SessionID: "s1", SystemID: base.ID, IssuedAt: time.Unix(500, 0)})
	active, _ := repos.Sessions.ListActive(ctx)
	if len(active) != 1 || !active[0].LastActiveAt.Equal(time.Unix(500, 0)) {
		t.Fatalf("active = %+v", active)
	}

	_ = repos.Sessions.MarkExited(ctx, "s1")
	if active, _ := repos.Sessions.ListActive(ctx); len(active) != 0 {
		t.Errorf("active after exit = %d", len(active))
	}
	if exited, _ := repos.Sessions.ListExitedUnsynced(ctx); len(exited) != 1 {
		t.Errorf("exited = %d", len(exited))
	}
	_ = repos.Sessions.MarkSynced(ctx, "s1")
	if exited, _ := repos.Sessions.ListExitedUnsynced(ctx); len(exited) != 0 {
		t.Errorf("exited after sync = %d", len(exited))
	}
}

func TestSessions_CreateTakenID(t *testing.T) {
	repos, _, _ := seed(t)
	err := repos.Sessions.Create(context.Background(), &repository.Session{ID: "s1"})
	if !errors.Is(err, repository.ErrAlreadyExists) {
		t.Errorf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestSystems_RetireMissing(t *testing.T) {
	ctx := context.Background()
	repos, base, exp := seed(t)

	if err := repos.Systems.RetireMissing(ctx, []string{"exp"}); err != nil {
		t.Fatalf("RetireMissing() error = %v", err)
	}
	list, _ := repos.Systems.List(ctx, repository.RoleRanking)
	if len(list) != 1 || list[0].ID != exp.ID {
		t.Fatalf("active systems = %+v, want only exp", list)
	}

	retired, err := repos.Systems.GetByID(ctx, base.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !retired.Retired || retired.Baseline {
		t.Errorf("retired system = %+v, want retired without baseline", retired)
	}

	// Registering it again brings it back.
	again := &repository.System{Name: "base", Role: repository.RoleRanking, Lifecycle: repository.LifecycleLive, Baseline: true}
	if err := repos.Systems.Upsert(ctx, again); err != nil {
		t.Fatal(err)
	}
	if list, _ := repos.Systems.List(ctx, repository.RoleRanking); len(list) != 2 {
		t.Errorf("active systems after re-register = %d, want 2", len(list))
	}
}
