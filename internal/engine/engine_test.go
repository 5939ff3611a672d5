package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"timegate/internal/config"
	"timegate/internal/db"
	"timegate/internal/domain"
	"timegate/internal/engine"
	"timegate/internal/limiter"
	"timegate/internal/migrate"
	"timegate/internal/registry"
	"timegate/internal/tracker"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine *engine.Engine
	Clock  *fakeClock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng.SetNow(clock.Now)
	ctx := context.Background()
	seed := []domain.Actor{
		{ID: "dev-1", DisplayName: "Dev One", Role: domain.RoleDeveloper},
		{ID: "dev-2", DisplayName: "Dev Two", Role: domain.RoleDeveloper},
		{ID: "lead-1", DisplayName: "Lead", Role: domain.RoleTeamLead},
		{ID: "qa-1", DisplayName: "Tester One", Role: domain.RoleQA},
		{ID: "qa-2", DisplayName: "Tester Two", Role: domain.RoleQA},
	}
	for _, a := range seed {
		a.CreatedAt = clock.Now().UTC().Format(time.RFC3339)
		if err := eng.Store.UpsertActor(ctx, a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	return testEnv{Engine: eng, Clock: clock, Ctx: ctx}
}

func createItem(t *testing.T, env testEnv, title string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateOptions{
		ProjectID:  "proj-1",
		Title:      title,
		AssigneeID: "dev-1",
		ApproverID: "lead-1",
		ActorID:    "lead-1",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return w
}

// driveToReadyForTest walks an item through start, finish and team lead
// approval.
func driveToReadyForTest(t *testing.T, env testEnv, id string) domain.WorkItem {
	t.Helper()
	if _, _, err := env.Engine.StartWork(env.Ctx, id, "dev-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Clock.Advance(10 * time.Second)
	if _, _, err := env.Engine.FinishWork(env.Ctx, id, "dev-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	w, _, err := env.Engine.Approve(env.Ctx, id, "lead-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return w
}

func TestSessionTimeAccumulation(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "timed work")

	w, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !w.IsWorking || w.WorkStatus != domain.WorkInProgress {
		t.Fatalf("expected running session, got working=%v status=%s", w.IsWorking, w.WorkStatus)
	}

	env.Clock.Advance(300 * time.Second)
	w, _, err = env.Engine.PauseWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if w.TotalTimeSeconds != 300 {
		t.Fatalf("expected 300s after pause, got %d", w.TotalTimeSeconds)
	}
	if w.IsWorking {
		t.Fatalf("expected paused item")
	}

	// paused time must not count
	env.Clock.Advance(100 * time.Second)
	w, _, err = env.Engine.ResumeWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.Clock.Advance(300 * time.Second)
	w, _, err = env.Engine.FinishWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if w.TotalTimeSeconds != 600 {
		t.Fatalf("expected 600s total, got %d", w.TotalTimeSeconds)
	}
	if w.WorkStatus != domain.WorkDone || w.ActualFinishAt == nil {
		t.Fatalf("expected done with finish timestamp")
	}
}

func TestFinishRequiresOpenSession(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "paused finish")
	if _, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(100 * time.Second)
	if _, _, err := env.Engine.PauseWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, _, err := env.Engine.FinishWork(env.Ctx, item.ID, "dev-1")
	var sc tracker.SessionConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected session conflict finishing a paused item, got %v", err)
	}
	w, err := env.Engine.Store.GetWorkItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.WorkStatus != domain.WorkInProgress {
		t.Fatalf("rejected finish must not change status, got %s", w.WorkStatus)
	}

	if _, _, err := env.Engine.ResumeWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	w, _, err = env.Engine.FinishWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("finish after resume: %v", err)
	}
	if w.WorkStatus != domain.WorkDone || w.TotalTimeSeconds != 100 {
		t.Fatalf("expected done with 100s, got %s %d", w.WorkStatus, w.TotalTimeSeconds)
	}
}

func TestClockSkewClampsToZero(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "skewed")
	if _, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(-30 * time.Second)
	w, _, err := env.Engine.PauseWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if w.TotalTimeSeconds != 0 {
		t.Fatalf("expected clamped total, got %d", w.TotalTimeSeconds)
	}
}

func TestSessionMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "exclusive")
	if _, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
	var sc tracker.SessionConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected session conflict, got %v", err)
	}
	// resume on a running session is also a conflict
	_, _, err = env.Engine.ResumeWork(env.Ctx, item.ID, "dev-1")
	if !errors.As(err, &sc) {
		t.Fatalf("expected resume conflict, got %v", err)
	}
}

func TestConcurrentStartsOnOneItem(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "contended")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var sc tracker.SessionConflictError
		if !errors.As(err, &sc) {
			t.Fatalf("expected session conflict, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one start to win, got %d", succeeded)
	}
	w, err := env.Engine.Store.GetWorkItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsWorking {
		t.Fatalf("expected a running session")
	}
}

func TestConcurrentStartsRespectLimit(t *testing.T) {
	env := newTestEnv(t)
	const n = 6
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, createItem(t, env, fmt.Sprintf("parallel %d", i)).ID)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.StartWork(env.Ctx, id, "dev-1")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var le limiter.LimitError
		if !errors.As(err, &le) {
			t.Fatalf("expected limit error, got %v", err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 starts under the cap, got %d", succeeded)
	}
	active, err := env.Engine.Store.CountActive(env.Ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if active != 3 {
		t.Fatalf("expected 3 active items, got %d", active)
	}
}

func TestPauseWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "idle")
	_, _, err := env.Engine.PauseWork(env.Ctx, item.ID, "dev-1")
	var sc tracker.SessionConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected session conflict, got %v", err)
	}
}

func TestOnlyAssigneeControlsSessions(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "ownership")
	_, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-2")
	var pd engine.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("expected permission denial, got %v", err)
	}
}

func TestActiveWorkLimit(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]string, 0, 4)
	for _, title := range []string{"a", "b", "c", "d"} {
		ids = append(ids, createItem(t, env, title).ID)
	}
	for _, id := range ids[:3] {
		if _, _, err := env.Engine.StartWork(env.Ctx, id, "dev-1"); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	_, _, err := env.Engine.StartWork(env.Ctx, ids[3], "dev-1")
	var le limiter.LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if le.Active != 3 || le.Max != 3 {
		t.Fatalf("unexpected limit details: %+v", le)
	}

	// the unlimited permission lifts the cap
	if _, err := env.Engine.Registry.Grant(env.Ctx, registry.GrantOptions{
		ActorID:   "dev-1",
		Key:       domain.PermUnlimitedActiveWork,
		Reason:    "release crunch",
		GrantedBy: "lead-1",
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, _, err := env.Engine.StartWork(env.Ctx, ids[3], "dev-1"); err != nil {
		t.Fatalf("start after grant: %v", err)
	}

	// a revoked grant reinstates the cap
	if err := env.Engine.Registry.Revoke(env.Ctx, "dev-1", domain.PermUnlimitedActiveWork, "lead-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	fifth := createItem(t, env, "e")
	_, _, err = env.Engine.StartWork(env.Ctx, fifth.ID, "dev-1")
	if !errors.As(err, &le) {
		t.Fatalf("expected limit error after revoke, got %v", err)
	}
}

func TestTemporaryGrantExpires(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	if _, err := env.Engine.Registry.Grant(env.Ctx, registry.GrantOptions{
		ActorID:   "dev-1",
		Key:       domain.PermUnlimitedActiveWork,
		Scope:     domain.ScopeTemporary,
		ExpiresAt: &expires,
		GrantedBy: "lead-1",
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := env.Engine.Registry.HasPermission(env.Ctx, "dev-1", domain.PermUnlimitedActiveWork)
	if err != nil || !ok {
		t.Fatalf("expected active grant: ok=%v err=%v", ok, err)
	}
	env.Clock.Advance(2 * time.Hour)
	ok, err = env.Engine.Registry.HasPermission(env.Ctx, "dev-1", domain.PermUnlimitedActiveWork)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected expired grant")
	}
}

func TestRestartReusesActiveSlot(t *testing.T) {
	env := newTestEnv(t)
	rejected := createItem(t, env, "rejected")
	driveToReadyForTest(t, env, rejected.ID)
	if _, _, err := env.Engine.ClaimQA(env.Ctx, rejected.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.StartTesting(env.Ctx, rejected.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(60 * time.Second)
	if _, _, err := env.Engine.FinishTesting(env.Ctx, rejected.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.RejectQA(env.Ctx, rejected.ID, "qa-1", "crashes on load"); err != nil {
		t.Fatal(err)
	}

	// fill the remaining slots; the rejected item still occupies one
	for _, title := range []string{"x", "y"} {
		w := createItem(t, env, title)
		if _, _, err := env.Engine.StartWork(env.Ctx, w.ID, "dev-1"); err != nil {
			t.Fatalf("start %s: %v", title, err)
		}
	}
	extra := createItem(t, env, "extra")
	_, _, err := env.Engine.StartWork(env.Ctx, extra.ID, "dev-1")
	var le limiter.LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected cap reached, got %v", err)
	}

	// restarting the rejected item does not need a new slot
	w, _, err := env.Engine.StartWork(env.Ctx, rejected.ID, "dev-1")
	if err != nil {
		t.Fatalf("restart after rejection: %v", err)
	}
	if w.QAStatus != domain.QAPending || w.ApprovalStatus != domain.ApprovalPending {
		t.Fatalf("expected QA cycle reset, got qa=%s approval=%s", w.QAStatus, w.ApprovalStatus)
	}
}

func TestQAClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "claimable")
	driveToReadyForTest(t, env, item.ID)

	if _, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-2")
	var ac engine.AlreadyClaimedError
	if !errors.As(err, &ac) {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if ac.ClaimedBy != "qa-1" {
		t.Fatalf("expected qa-1 as holder, got %s", ac.ClaimedBy)
	}
	// only the claim holder may test
	_, _, err = env.Engine.StartTesting(env.Ctx, item.ID, "qa-2")
	var pd engine.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("expected permission denial, got %v", err)
	}
}

func TestQAVerdictRequiresFinishedTestingAndNote(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "verdict")
	driveToReadyForTest(t, env, item.ID)
	if _, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.StartTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}

	// verdict before finishing the session is rejected
	_, _, err := env.Engine.ApproveQA(env.Ctx, item.ID, "qa-1", "looks good")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	env.Clock.Advance(120 * time.Second)
	if _, _, err := env.Engine.FinishTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}

	// the note is mandatory
	_, _, err = env.Engine.ApproveQA(env.Ctx, item.ID, "qa-1", "")
	var mn engine.MissingNoteError
	if !errors.As(err, &mn) {
		t.Fatalf("expected missing note, got %v", err)
	}

	w, _, err := env.Engine.ApproveQA(env.Ctx, item.ID, "qa-1", "verified on staging")
	if err != nil {
		t.Fatalf("qa approve: %v", err)
	}
	if w.QAStatus != domain.QAApproved {
		t.Fatalf("expected qa approved, got %s", w.QAStatus)
	}
}

func TestFinalApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "shippable")
	driveToReadyForTest(t, env, item.ID)
	if _, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.StartTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(60 * time.Second)
	if _, _, err := env.Engine.FinishTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveQA(env.Ctx, item.ID, "qa-1", "ok"); err != nil {
		t.Fatal(err)
	}

	// final approval is for QA-approved items only, and only once
	w, notifications, err := env.Engine.FinalApprove(env.Ctx, item.ID, "lead-1")
	if err != nil {
		t.Fatalf("final approve: %v", err)
	}
	if w.FinalVerdict != domain.FinalApproved {
		t.Fatalf("expected final approval, got %s", w.FinalVerdict)
	}
	if len(notifications) != 1 || notifications[0].ToActor != "dev-1" {
		t.Fatalf("expected assignee notification, got %+v", notifications)
	}
	_, _, err = env.Engine.FinalApprove(env.Ctx, item.ID, "lead-1")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	// a terminal item cannot be restarted
	_, _, err = env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition on restart, got %v", err)
	}
}

func TestChangesRequestedAfterQAResetsCycle(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "almost")
	driveToReadyForTest(t, env, item.ID)
	if _, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.StartTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(60 * time.Second)
	if _, _, err := env.Engine.FinishTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveQA(env.Ctx, item.ID, "qa-1", "ok"); err != nil {
		t.Fatal(err)
	}

	w, notifications, err := env.Engine.RequestChangesAfterQA(env.Ctx, item.ID, "lead-1", "copy needs rework")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if w.FinalVerdict != domain.FinalChangesRequested {
		t.Fatalf("expected changes requested, got %s", w.FinalVerdict)
	}
	if w.QAStatus != domain.QAPending || w.QAAssigneeID != nil || w.QATestingStartedAt != nil {
		t.Fatalf("expected QA state cleared, got %+v", w)
	}
	if len(notifications) != 1 || notifications[0].ToActor != "dev-1" {
		t.Fatalf("expected assignee notification, got %+v", notifications)
	}

	// the developer restarts straight away
	w, _, err = env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if w.FinalVerdict != domain.FinalNone || w.ApprovalStatus != domain.ApprovalPending {
		t.Fatalf("expected fresh approval cycle, got verdict=%s approval=%s", w.FinalVerdict, w.ApprovalStatus)
	}
	if w.WorkStatus != domain.WorkInProgress {
		t.Fatalf("expected in progress, got %s", w.WorkStatus)
	}
}

func TestPreQAChangeRequest(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "draft")
	if _, _, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(30 * time.Second)
	if _, _, err := env.Engine.FinishWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}

	// the note is mandatory
	_, _, err := env.Engine.RequestChanges(env.Ctx, item.ID, "lead-1", "")
	var mn engine.MissingNoteError
	if !errors.As(err, &mn) {
		t.Fatalf("expected missing note, got %v", err)
	}

	w, _, err := env.Engine.RequestChanges(env.Ctx, item.ID, "lead-1", "tighten error handling")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if w.WorkStatus != domain.WorkDone {
		t.Fatalf("work status should stay done, got %s", w.WorkStatus)
	}
	has, err := env.Engine.Store.HasUnresolvedNote(env.Ctx, item.ID, domain.NoteChangeRequest)
	if err != nil || !has {
		t.Fatalf("expected unresolved change request: has=%v err=%v", has, err)
	}
	// approval is now blocked until the developer reworks
	_, _, err = env.Engine.Approve(env.Ctx, item.ID, "lead-1")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	w, _, err = env.Engine.StartWork(env.Ctx, item.ID, "dev-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if w.WorkStatus != domain.WorkInProgress {
		t.Fatalf("expected in progress, got %s", w.WorkStatus)
	}
	has, err = env.Engine.Store.HasUnresolvedNote(env.Ctx, item.ID, domain.NoteChangeRequest)
	if err != nil || has {
		t.Fatalf("expected change request resolved on restart: has=%v err=%v", has, err)
	}
}

func TestApproveNotifiesQARole(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "handoff")
	if _, notifications, err := env.Engine.StartWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	} else if len(notifications) != 1 || notifications[0].ToActor != "lead-1" {
		t.Fatalf("expected approver notification, got %+v", notifications)
	}
	env.Clock.Advance(30 * time.Second)
	if _, _, err := env.Engine.FinishWork(env.Ctx, item.ID, "dev-1"); err != nil {
		t.Fatal(err)
	}
	_, notifications, err := env.Engine.Approve(env.Ctx, item.ID, "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notifications) != 1 || notifications[0].ToRole != string(domain.RoleQA) {
		t.Fatalf("expected qa role notification, got %+v", notifications)
	}
}

func TestQATimeDoesNotTouchDeveloperTotal(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "separate books")
	driveToReadyForTest(t, env, item.ID)
	before, err := env.Engine.Store.GetWorkItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ClaimQA(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.StartTesting(env.Ctx, item.ID, "qa-1"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(500 * time.Second)
	w, _, err := env.Engine.FinishTesting(env.Ctx, item.ID, "qa-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalTimeSeconds != before.TotalTimeSeconds {
		t.Fatalf("developer total changed by QA session: %d -> %d", before.TotalTimeSeconds, w.TotalTimeSeconds)
	}
	qaTotal, err := env.Engine.Store.SumClosedDurations(env.Ctx, item.ID, domain.SessionQA)
	if err != nil {
		t.Fatal(err)
	}
	if qaTotal != 500 {
		t.Fatalf("expected 500s of QA time, got %d", qaTotal)
	}
}

func TestEventsLoggedForTransitions(t *testing.T) {
	env := newTestEnv(t)
	item := createItem(t, env, "evented")
	driveToReadyForTest(t, env, item.ID)
	evts, err := env.Engine.Store.LatestEvents(env.Ctx, 50, "proj-1", "", item.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	for _, want := range []string{"work_item_created", "work_started", "work_finished", "work_ready_for_qa"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
