package dispatcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/gosuper/internal/concurrency"
	"github.com/boshu2/gosuper/internal/healthprobe"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/procutil"
	"github.com/boshu2/gosuper/internal/store"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

type fakeInvocation struct{}

func (fakeInvocation) Build(task *model.Task, worktreePath, memoryContext string) (string, []string) {
	return "true", nil
}

func newTestDispatcher(t *testing.T, providerCLI string) (*Dispatcher, *store.Store) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "supervisor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	d := &Dispatcher{
		Store:       st,
		Prober:      healthprobe.New(dataDir),
		Sampler:     concurrency.NewSampler(),
		Invocation:  fakeInvocation{},
		DataDir:     dataDir,
		ProviderCLI: providerCLI,
		GitTimeout:  5 * time.Second,
	}
	return d, st
}

func TestDispatch_HappyPath(t *testing.T) {
	repo := initRepo(t)
	d, st := newTestDispatcher(t, "true")

	task := &model.Task{ID: "t001", Repo: repo, Description: "do a thing", Status: model.StatusQueued, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), "t001", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("outcome = %v, want dispatched", outcome)
	}

	got, err := st.FindTask(context.Background(), "t001")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("status = %v, want running", got.Status)
	}
	if got.Worktree == "" || got.Branch == "" || got.LogFile == "" {
		t.Fatalf("expected worktree/branch/log_file to be set, got %+v", got)
	}
	if got.SessionID == "" {
		t.Fatalf("expected session_id to be set")
	}

	pid, err := procutil.ReadPidFile(d.DataDir, "t001")
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected a pid file to be written")
	}
}

func TestDispatch_NotDispatchableWhenRetriesExhausted(t *testing.T) {
	repo := initRepo(t)
	d, st := newTestDispatcher(t, "true")

	task := &model.Task{ID: "t002", Repo: repo, Status: model.StatusQueued, Retries: 3, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	_, err := d.Dispatch(context.Background(), "t002", nil)
	if err == nil {
		t.Fatal("expected ErrNotDispatchable")
	}
}

func TestDispatch_ConcurrencyLimited(t *testing.T) {
	repo := initRepo(t)
	d, st := newTestDispatcher(t, "true")

	batch := &model.Batch{ID: "b1", Name: "b1", Concurrency: 1, MaxLoadFactor: 2, Status: model.BatchActive}
	if err := st.InsertBatch(context.Background(), batch); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	running := &model.Task{ID: "t-running", Repo: repo, Status: model.StatusRunning, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), running); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := st.EnrollTask(context.Background(), "b1", "t-running"); err != nil {
		t.Fatalf("EnrollTask: %v", err)
	}

	queued := &model.Task{ID: "t-queued", Repo: repo, Status: model.StatusQueued, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), queued); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := st.EnrollTask(context.Background(), "b1", "t-queued"); err != nil {
		t.Fatalf("EnrollTask: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), "t-queued", batch)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeConcurrencyLimited {
		t.Fatalf("outcome = %v, want concurrency_limited", outcome)
	}
}

func TestDispatch_RetryingTaskIsRepromptedAndReusesWorktree(t *testing.T) {
	repo := initRepo(t)
	d, st := newTestDispatcher(t, "true")

	task := &model.Task{ID: "t004", Repo: repo, Description: "do a thing", Status: model.StatusQueued, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "t004", nil); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	first, err := st.FindTask(context.Background(), "t004")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}

	detail := "backend_infrastructure_error"
	if _, err := st.Transition(context.Background(), "t004", model.StatusEvaluating, "test", store.TransitionFields{}); err != nil {
		t.Fatalf("transitioning to evaluating: %v", err)
	}
	if _, err := st.Transition(context.Background(), "t004", model.StatusRetrying, "test", store.TransitionFields{Error: &detail}); err != nil {
		t.Fatalf("transitioning to retrying: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), "t004", nil)
	if err != nil {
		t.Fatalf("retry Dispatch: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("outcome = %v, want dispatched", outcome)
	}

	got, err := st.FindTask(context.Background(), "t004")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("status = %v, want running", got.Status)
	}
	if got.Worktree != first.Worktree {
		t.Fatalf("worktree = %q, want it reused from the first dispatch (%q)", got.Worktree, first.Worktree)
	}
	if !strings.Contains(got.Description, "retry: previous attempt failed") || !strings.Contains(got.Description, detail) {
		t.Fatalf("description = %q, want it to carry the reprompt with the previous error", got.Description)
	}
	if got.Retries != 1 {
		t.Fatalf("Retries = %d, want 1 (bumped by the evaluating->retrying transition)", got.Retries)
	}
}

func TestDispatch_ProviderUnavailable(t *testing.T) {
	repo := initRepo(t)
	d, st := newTestDispatcher(t, "definitely-not-a-real-binary-xyz")

	task := &model.Task{ID: "t003", Repo: repo, Status: model.StatusQueued, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), "t003", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeProviderUnavailable {
		t.Fatalf("outcome = %v, want provider_unavailable", outcome)
	}

	got, err := st.FindTask(context.Background(), "t003")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if got.Status != model.StatusQueued {
		t.Fatalf("status = %v, want queued (left unchanged)", got.Status)
	}
}
