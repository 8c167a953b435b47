package pulse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/procutil"
	"github.com/boshu2/gosuper/internal/pulselock"
	"github.com/boshu2/gosuper/internal/selfheal"
	"github.com/boshu2/gosuper/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "supervisor.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeTODO(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "TODO.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("writing TODO.md: %v", err)
	}
}

func writeLog(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing log: %v", err)
	}
	return path
}

func TestSummaryString_LockSkipped(t *testing.T) {
	s := &Summary{LockSkipped: true, LockSkipReason: "another pulse holds the lock"}
	if got := s.String(); !strings.Contains(got, "skipped") {
		t.Fatalf("String() = %q, want it to mention skipped", got)
	}
}

func TestSummaryString_ReportsCounts(t *testing.T) {
	s := &Summary{Dispatched: 3, Verified: 1}
	got := s.String()
	if !strings.Contains(got, "dispatched=3") || !strings.Contains(got, "verified=1") {
		t.Fatalf("String() = %q, missing expected counts", got)
	}
}

func TestPhaseAutoPickup_CreatesQueuedTaskAndBatch(t *testing.T) {
	repo := t.TempDir()
	writeTODO(t, repo, "# Dispatch Queue\n\n- [ ] t1 implement the thing #auto-dispatch\n")

	d := &Driver{Store: newTestStore(t), Repos: []string{repo}}
	sum := &Summary{}
	if err := d.phaseAutoPickup(context.Background(), sum); err != nil {
		t.Fatalf("phaseAutoPickup: %v", err)
	}
	if sum.AutoPicked != 1 {
		t.Fatalf("AutoPicked = %d, want 1", sum.AutoPicked)
	}

	task, err := d.Store.FindTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("finding auto-picked task: %v", err)
	}
	if task.Status != model.StatusQueued {
		t.Fatalf("task status = %s, want queued", task.Status)
	}
	if task.Repo != repo {
		t.Fatalf("task repo = %s, want %s", task.Repo, repo)
	}

	batches, err := d.Store.ListBatches(context.Background(), model.BatchFilter{Statuses: []model.BatchStatus{model.BatchActive}})
	if err != nil || len(batches) != 1 {
		t.Fatalf("ListBatches = %v, %v, want exactly one active batch", batches, err)
	}
	ids, err := d.Store.BatchIDsForTask(context.Background(), "t1")
	if err != nil || len(ids) != 1 || ids[0] != batches[0].ID {
		t.Fatalf("task not enrolled in the created batch: ids=%v err=%v", ids, err)
	}
}

func TestPhaseAutoPickup_SkipsAlreadyTrackedTask(t *testing.T) {
	repo := t.TempDir()
	writeTODO(t, repo, "- [ ] t1 already known #auto-dispatch\n")

	d := &Driver{Store: newTestStore(t), Repos: []string{repo}}
	if err := d.Store.InsertTask(context.Background(), &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued}); err != nil {
		t.Fatalf("seeding existing task: %v", err)
	}

	sum := &Summary{}
	if err := d.phaseAutoPickup(context.Background(), sum); err != nil {
		t.Fatalf("phaseAutoPickup: %v", err)
	}
	if sum.AutoPicked != 0 {
		t.Fatalf("AutoPicked = %d, want 0 (task already tracked)", sum.AutoPicked)
	}
}

func TestEvaluateTask_CompleteWithPRTransitionsToComplete(t *testing.T) {
	repo := t.TempDir()
	logPath := writeLog(t, repo, "t1.log", "working...\nFULL_LOOP_COMPLETE\nhttps://github.com/acme/widget/pull/42\n")

	d := &Driver{Store: newTestStore(t), NoAI: true}
	ctx := context.Background()
	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued, LogFile: logPath}); err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	if _, err := d.Store.Transition(ctx, "t1", model.StatusDispatched, "test", store.TransitionFields{}); err != nil {
		t.Fatalf("transitioning to dispatched: %v", err)
	}
	if _, err := d.Store.Transition(ctx, "t1", model.StatusRunning, "test", store.TransitionFields{}); err != nil {
		t.Fatalf("transitioning to running: %v", err)
	}
	if _, err := d.Store.Transition(ctx, "t1", model.StatusEvaluating, "test", store.TransitionFields{}); err != nil {
		t.Fatalf("transitioning to evaluating: %v", err)
	}

	sum := &Summary{}
	if err := d.evaluateTask(ctx, sum, "t1"); err != nil {
		t.Fatalf("evaluateTask: %v", err)
	}

	task, err := d.Store.FindTask(ctx, "t1")
	if err != nil {
		t.Fatalf("finding task: %v", err)
	}
	if task.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", task.Status)
	}
	if task.PRURL != "https://github.com/acme/widget/pull/42" {
		t.Fatalf("PRURL = %q, want the PR url from the log", task.PRURL)
	}
	if sum.Evaluated != 1 {
		t.Fatalf("Evaluated = %d, want 1", sum.Evaluated)
	}
}

func TestEvaluateTask_RetryRequeuesAndIncrementsRetries(t *testing.T) {
	repo := t.TempDir()
	// Clean exit with no completion signal is tier2's "clean_exit_no_signal" retry case.
	logPath := writeLog(t, repo, "t1.log", "nothing happened\nEXIT:0\n")

	d := &Driver{Store: newTestStore(t), NoAI: true}
	ctx := context.Background()
	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued, LogFile: logPath, MaxRetries: 3}); err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	for _, to := range []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating} {
		if _, err := d.Store.Transition(ctx, "t1", to, "test", store.TransitionFields{}); err != nil {
			t.Fatalf("transitioning to %s: %v", to, err)
		}
	}

	sum := &Summary{}
	if err := d.evaluateTask(ctx, sum, "t1"); err != nil {
		t.Fatalf("evaluateTask: %v", err)
	}

	task, err := d.Store.FindTask(ctx, "t1")
	if err != nil {
		t.Fatalf("finding task: %v", err)
	}
	if task.Status != model.StatusRetrying {
		t.Fatalf("status = %s, want retrying", task.Status)
	}
	if task.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", task.Retries)
	}
}

func TestEvaluateTask_HardBlockedSkipsSelfHeal(t *testing.T) {
	repo := t.TempDir()
	writeTODO(t, repo, "- [ ] t1 fix the auth flow\n")
	logPath := writeLog(t, repo, "t1.log", "request failed: 401 permission denied\nEXIT:1\n")

	s := newTestStore(t)
	d := &Driver{Store: s, NoAI: true, Healer: &selfheal.Healer{Store: s, Enabled: true}}
	ctx := context.Background()
	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued, LogFile: logPath, MaxRetries: 3}); err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	for _, to := range []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating} {
		if _, err := d.Store.Transition(ctx, "t1", to, "test", store.TransitionFields{}); err != nil {
			t.Fatalf("transitioning to %s: %v", to, err)
		}
	}

	sum := &Summary{}
	if err := d.evaluateTask(ctx, sum, "t1"); err != nil {
		t.Fatalf("evaluateTask: %v", err)
	}

	task, err := d.Store.FindTask(ctx, "t1")
	if err != nil {
		t.Fatalf("finding task: %v", err)
	}
	if task.Status != model.StatusBlocked {
		t.Fatalf("status = %s, want blocked", task.Status)
	}
	if task.Error != "auth_error" {
		t.Fatalf("Error = %q, want auth_error", task.Error)
	}
	if sum.SelfHealed != 0 {
		t.Fatalf("SelfHealed = %d, want 0 (auth_error is a hard blocker)", sum.SelfHealed)
	}
	if _, err := d.Store.FindTask(ctx, selfheal.DiagID("t1")); err == nil {
		t.Fatal("a diagnostic subtask was created for a hard blocker")
	}

	todoBody, err := os.ReadFile(filepath.Join(repo, "TODO.md"))
	if err != nil {
		t.Fatalf("reading TODO.md: %v", err)
	}
	if !strings.Contains(string(todoBody), "[-]") || !strings.Contains(string(todoBody), "BLOCKED") {
		t.Fatalf("TODO.md not annotated as blocked: %q", string(todoBody))
	}
}

func TestEvaluateTask_CompleteDiagnosticRecoversOriginal(t *testing.T) {
	repo := t.TempDir()
	logPath := writeLog(t, repo, "diag.log", "diagnosed and fixed\nFULL_LOOP_COMPLETE\n")

	s := newTestStore(t)
	d := &Driver{Store: s, NoAI: true, Healer: &selfheal.Healer{Store: s, Enabled: true}}
	ctx := context.Background()

	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued, MaxRetries: 3}); err != nil {
		t.Fatalf("inserting original task: %v", err)
	}
	for _, to := range []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating} {
		if _, err := d.Store.Transition(ctx, "t1", to, "test", store.TransitionFields{}); err != nil {
			t.Fatalf("transitioning original to %s: %v", to, err)
		}
	}
	reason := "merge_conflict"
	if _, err := d.Store.Transition(ctx, "t1", model.StatusBlocked, "test", store.TransitionFields{Error: &reason}); err != nil {
		t.Fatalf("transitioning original to blocked: %v", err)
	}

	diagID := selfheal.DiagID("t1")
	if err := d.Store.InsertTask(ctx, &model.Task{ID: diagID, Repo: repo, Status: model.StatusQueued, LogFile: logPath, MaxRetries: 3}); err != nil {
		t.Fatalf("inserting diagnostic task: %v", err)
	}
	for _, to := range []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating} {
		if _, err := d.Store.Transition(ctx, diagID, to, "test", store.TransitionFields{}); err != nil {
			t.Fatalf("transitioning diagnostic to %s: %v", to, err)
		}
	}

	sum := &Summary{}
	if err := d.evaluateTask(ctx, sum, diagID); err != nil {
		t.Fatalf("evaluateTask: %v", err)
	}

	orig, err := d.Store.FindTask(ctx, "t1")
	if err != nil {
		t.Fatalf("finding original task: %v", err)
	}
	if orig.Status != model.StatusQueued {
		t.Fatalf("original task status = %s, want queued (recovered)", orig.Status)
	}
	if orig.Retries != 0 {
		t.Fatalf("original task retries = %d, want reset to 0", orig.Retries)
	}
	if sum.SelfHealRecovered != 1 {
		t.Fatalf("SelfHealRecovered = %d, want 1", sum.SelfHealRecovered)
	}
}

func TestPhaseHygiene_RemovesDeadPIDAndTerminalWorktree(t *testing.T) {
	repo := t.TempDir()
	worktreeDir := t.TempDir()

	d := &Driver{Store: newTestStore(t), DataDir: t.TempDir()}
	ctx := context.Background()

	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: repo, Status: model.StatusQueued, Worktree: worktreeDir}); err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	if _, err := d.Store.Transition(ctx, "t1", model.StatusCancelled, "test", store.TransitionFields{}); err != nil {
		t.Fatalf("transitioning to cancelled: %v", err)
	}
	if err := procutil.WritePidFile(d.DataDir, "t1", 999999); err != nil {
		t.Fatalf("writing stale pid file: %v", err)
	}

	sum := &Summary{}
	if err := d.phaseHygiene(ctx, sum); err != nil {
		t.Fatalf("phaseHygiene: %v", err)
	}

	if sum.PIDsCleaned != 1 {
		t.Fatalf("PIDsCleaned = %d, want 1", sum.PIDsCleaned)
	}
	if sum.WorktreesCleaned != 1 {
		t.Fatalf("WorktreesCleaned = %d, want 1", sum.WorktreesCleaned)
	}
	if _, err := os.Stat(worktreeDir); !os.IsNotExist(err) {
		t.Fatalf("worktree directory still exists: %v", err)
	}
	if pid, _ := procutil.ReadPidFile(d.DataDir, "t1"); pid != 0 {
		t.Fatalf("pid file still present, read pid=%d", pid)
	}

	task, err := d.Store.FindTask(ctx, "t1")
	if err != nil {
		t.Fatalf("finding task: %v", err)
	}
	if task.Worktree != "" {
		t.Fatalf("task worktree field = %q, want cleared", task.Worktree)
	}
}

func TestPhaseOrphanedPRScan_NoGHClientIsNoop(t *testing.T) {
	d := &Driver{Store: newTestStore(t)}
	sum := &Summary{}
	if err := d.phaseOrphanedPRScan(context.Background(), sum); err != nil {
		t.Fatalf("phaseOrphanedPRScan: %v", err)
	}
	if sum.OrphanedLinked != 0 {
		t.Fatalf("OrphanedLinked = %d, want 0", sum.OrphanedLinked)
	}
}

func TestPhaseRetrospectiveRelease_WritesArtifactOnce(t *testing.T) {
	d := &Driver{Store: newTestStore(t), DataDir: t.TempDir()}
	ctx := context.Background()

	batch := &model.Batch{ID: "b1", Name: "b1", Status: model.BatchComplete}
	if err := d.Store.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("inserting batch: %v", err)
	}
	if err := d.Store.InsertTask(ctx, &model.Task{ID: "t1", Repo: "/repo", Status: model.StatusComplete}); err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	if err := d.Store.EnrollTask(ctx, "b1", "t1"); err != nil {
		t.Fatalf("enrolling task: %v", err)
	}

	sum := &Summary{}
	if err := d.phaseRetrospectiveRelease(ctx, sum); err != nil {
		t.Fatalf("phaseRetrospectiveRelease: %v", err)
	}
	if sum.BatchesReleased != 1 {
		t.Fatalf("BatchesReleased = %d, want 1", sum.BatchesReleased)
	}
	path := filepath.Join(d.DataDir, "retrospectives", "b1.md")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("retrospective artifact missing: %v", err)
	}

	// Running again must not double-count an already-produced retrospective.
	sum2 := &Summary{}
	if err := d.phaseRetrospectiveRelease(ctx, sum2); err != nil {
		t.Fatalf("phaseRetrospectiveRelease (second run): %v", err)
	}
	if sum2.BatchesReleased != 0 {
		t.Fatalf("BatchesReleased on rerun = %d, want 0", sum2.BatchesReleased)
	}
}

func TestRun_SkipsWhenLockHeldByAnotherPulse(t *testing.T) {
	dataDir := t.TempDir()

	holder := flock.New(filepath.Join(dataDir, "pulse.lock"))
	locked, err := holder.TryLock()
	if err != nil || !locked {
		t.Fatalf("priming held lock: locked=%v err=%v", locked, err)
	}
	defer holder.Unlock() //nolint:errcheck

	d := &Driver{
		Store:   newTestStore(t),
		Lock:    pulselock.New(dataDir, time.Hour),
		DataDir: dataDir,
	}
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.LockSkipped {
		t.Fatal("expected Run to report LockSkipped with the lock already held")
	}
}

func TestDriverGitTimeout_DefaultsWhenUnset(t *testing.T) {
	d := &Driver{}
	if got := d.gitTimeout(); got != 30*time.Second {
		t.Fatalf("gitTimeout() = %s, want 30s default", got)
	}
	d.GitTimeout = 5 * time.Second
	if got := d.gitTimeout(); got != 5*time.Second {
		t.Fatalf("gitTimeout() = %s, want overridden 5s", got)
	}
}
