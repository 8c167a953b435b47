package selfheal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "supervisor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestHeal_CreatesDiagnosticForRecoverableFailure(t *testing.T) {
	st := newTestStore(t)
	h := &Healer{Store: st, Enabled: true}

	task := &model.Task{ID: "t001", Repo: "/repo", Status: model.StatusFailed, Error: "max_retries", MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	diagID, created, err := h.Heal(context.Background(), task)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if !created || diagID != "t001-diag-1" {
		t.Fatalf("created=%v diagID=%q, want true/t001-diag-1", created, diagID)
	}

	diag, err := st.FindTask(context.Background(), diagID)
	if err != nil {
		t.Fatalf("FindTask(diag): %v", err)
	}
	if diag.Status != model.StatusQueued {
		t.Fatalf("diag status = %v, want queued", diag.Status)
	}
}

func TestHeal_SkipsHardBlockers(t *testing.T) {
	st := newTestStore(t)
	h := &Healer{Store: st, Enabled: true}

	task := &model.Task{ID: "t002", Repo: "/repo", Status: model.StatusBlocked, Error: "auth_error", MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	_, created, err := h.Heal(context.Background(), task)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if created {
		t.Fatal("auth_error is a hard blocker and must not trigger self-heal")
	}
}

func TestHeal_SkipsDiagnosticTasksThemselves(t *testing.T) {
	st := newTestStore(t)
	h := &Healer{Store: st, Enabled: true}

	diag := &model.Task{ID: "t003-diag-1", Repo: "/repo", Status: model.StatusFailed, Error: "flaky_test", MaxRetries: 3}
	if err := st.InsertTask(context.Background(), diag); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	_, created, err := h.Heal(context.Background(), diag)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if created {
		t.Fatal("diagnostics must never spawn their own diagnostics")
	}
}

func TestHeal_DisabledIsNoOp(t *testing.T) {
	st := newTestStore(t)
	h := &Healer{Store: st, Enabled: false}

	task := &model.Task{ID: "t004", Repo: "/repo", Status: model.StatusFailed, Error: "max_retries", MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	_, created, err := h.Heal(context.Background(), task)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if created {
		t.Fatal("disabled healer must not create diagnostics")
	}
}

func TestRecover_RequeuesOriginalWithRetriesReset(t *testing.T) {
	st := newTestStore(t)
	h := &Healer{Store: st, Enabled: true}

	task := &model.Task{ID: "t005", Repo: "/repo", Status: model.StatusFailed, Error: "max_retries", Retries: 3, MaxRetries: 3}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	if err := h.Recover(context.Background(), "t005"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := st.FindTask(context.Background(), "t005")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if got.Status != model.StatusQueued {
		t.Fatalf("status = %v, want queued", got.Status)
	}
	if got.Retries != 0 {
		t.Fatalf("retries = %d, want 0", got.Retries)
	}
}
