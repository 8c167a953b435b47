// Package lifecycle drives a task through the post-PR stages once a worker
// has produced a pull request: review wait, triage, merge, postflight and
// deploy (spec §4.6). Independent verification is run by the pulse driver,
// not by this package.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/boshu2/gosuper/internal/ghclient"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
	"github.com/boshu2/gosuper/internal/worktree"
)

// Handler advances tasks through the post-PR stages (review, triage, merge,
// postflight, deploy), one step per call.
type Handler struct {
	Store            *store.Store
	GH               *ghclient.Client
	SkipReviewTriage bool
	GitTimeout       time.Duration
	Verbosef         func(string, ...any)
}

func (h *Handler) gitTimeout() time.Duration {
	if h.GitTimeout > 0 {
		return h.GitTimeout
	}
	return 30 * time.Second
}

// Advance runs exactly one post-PR step for task, whatever its current
// lifecycle status is.
func (h *Handler) Advance(ctx context.Context, task *model.Task) error {
	switch task.Status {
	case model.StatusPRReview:
		return h.advancePRReview(ctx, task)
	case model.StatusReviewTriage:
		return h.advanceReviewTriage(ctx, task)
	case model.StatusMerging:
		return h.advanceMerging(ctx, task)
	case model.StatusMerged:
		return h.advancePostflight(ctx, task)
	case model.StatusDeploying:
		return h.advanceDeploying(ctx, task)
	default:
		return fmt.Errorf("lifecycle: task %s in non-lifecycle status %s", task.ID, task.Status)
	}
}

func (h *Handler) advancePRReview(ctx context.Context, task *model.Task) error {
	status, err := h.GH.PRStatus(ctx, task.PRURL)
	if err != nil {
		return fmt.Errorf("querying PR status: %w", err)
	}

	switch {
	case status.State == "MERGED":
		_, err := h.Store.Transition(ctx, task.ID, model.StatusMerged, "lifecycle: PR already merged", store.TransitionFields{})
		return err
	case status.State == "CLOSED":
		_, err := h.Store.Transition(ctx, task.ID, model.StatusBlocked, "lifecycle: pr_closed_without_merge", store.TransitionFields{
			Error: strPtr("pr_closed_without_merge"),
		})
		return err
	case status.IsDraft:
		return nil // leave in pr_review
	case status.AnyCheckFailed():
		_, err := h.Store.Transition(ctx, task.ID, model.StatusBlocked, "lifecycle: ci_failed", store.TransitionFields{
			Error: strPtr("ci_failed"),
		})
		return err
	case status.AnyCheckPending():
		return nil // leave in pr_review
	case status.ReviewDecision == "CHANGES_REQUESTED":
		_, err := h.Store.Transition(ctx, task.ID, model.StatusBlocked, "lifecycle: changes_requested", store.TransitionFields{
			Error: strPtr("changes_requested"),
		})
		return err
	default:
		next := model.StatusReviewTriage
		reason := "lifecycle: checks clear, entering triage"
		if h.SkipReviewTriage {
			next = model.StatusMerging
			reason = "lifecycle: checks clear, triage skipped by config"
		}
		_, err := h.Store.Transition(ctx, task.ID, next, reason, store.TransitionFields{})
		return err
	}
}

func (h *Handler) advanceReviewTriage(ctx context.Context, task *model.Task) error {
	owner, repo, number, err := parsePRURL(task.PRURL)
	if err != nil {
		return fmt.Errorf("parsing PR url %s: %w", task.PRURL, err)
	}
	threads, err := h.GH.UnresolvedThreads(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("fetching unresolved threads: %w", err)
	}

	var hasCritical, hasActionable bool
	for _, th := range threads {
		switch th.Severity {
		case "critical":
			hasCritical = true
		case "high", "medium":
			hasActionable = true
		}
	}

	switch {
	case hasCritical:
		_, err := h.Store.Transition(ctx, task.ID, model.StatusBlocked, "lifecycle: critical unresolved review thread", store.TransitionFields{
			Error: strPtr("critical_review_thread"),
		})
		return err
	case hasActionable:
		_, err := h.Store.Transition(ctx, task.ID, model.StatusDispatched, "lifecycle: dispatching fix worker for review feedback", store.TransitionFields{})
		return err
	default:
		_, err := h.Store.Transition(ctx, task.ID, model.StatusMerging, "lifecycle: no actionable review threads", store.TransitionFields{})
		return err
	}
}

func (h *Handler) advanceMerging(ctx context.Context, task *model.Task) error {
	if err := h.GH.Merge(ctx, task.PRURL); err != nil {
		_, txErr := h.Store.Transition(ctx, task.ID, model.StatusBlocked, "lifecycle: merge failed", store.TransitionFields{
			Error: strPtr(err.Error()),
		})
		if txErr != nil {
			return fmt.Errorf("merge failed (%v) and recording failure: %w", err, txErr)
		}
		return nil
	}
	_, err := h.Store.Transition(ctx, task.ID, model.StatusMerged, "lifecycle: squash-merged", store.TransitionFields{})
	return err
}

func (h *Handler) advancePostflight(ctx context.Context, task *model.Task) error {
	repoRoot, err := worktree.GetRepoRoot(task.Repo, h.gitTimeout())
	if err != nil {
		repoRoot = task.Repo
	}
	baseBranch, err := worktree.GetDefaultBranch(repoRoot, h.gitTimeout())
	if err != nil {
		return fmt.Errorf("resolving default branch: %w", err)
	}
	if err := worktree.PullDefaultBranch(repoRoot, baseBranch, h.gitTimeout()); err != nil {
		if h.Verbosef != nil {
			h.Verbosef("lifecycle: postflight pull failed for %s: %v\n", task.ID, err)
		}
	}

	status, err := h.GH.PRStatus(ctx, task.PRURL)
	if err != nil || status.State != "MERGED" {
		if h.Verbosef != nil {
			h.Verbosef("lifecycle: postflight mismatch for %s, remote does not yet show merged\n", task.ID)
		}
	}

	_, txErr := h.Store.Transition(ctx, task.ID, model.StatusDeploying, "lifecycle: postflight complete", store.TransitionFields{})
	return txErr
}

func (h *Handler) advanceDeploying(ctx context.Context, task *model.Task) error {
	repoRoot, err := worktree.GetRepoRoot(task.Repo, h.gitTimeout())
	if err != nil {
		repoRoot = task.Repo
	}

	if deployScript, ok := deployableScript(repoRoot); ok {
		cmd := exec.CommandContext(ctx, "bash", deployScript)
		cmd.Dir = repoRoot
		if err := cmd.Run(); err != nil && h.Verbosef != nil {
			h.Verbosef("lifecycle: deploy script for %s exited non-zero (soft warning): %v\n", task.ID, err)
		}
	}

	if task.Worktree != "" {
		if err := worktree.Remove(repoRoot, task.Worktree, h.gitTimeout()); err != nil && h.Verbosef != nil {
			h.Verbosef("lifecycle: worktree cleanup for %s failed: %v\n", task.ID, err)
		}
	}
	if task.Branch != "" {
		if err := worktree.DeleteRemoteBranch(repoRoot, task.Branch, h.gitTimeout()); err != nil && h.Verbosef != nil {
			h.Verbosef("lifecycle: remote branch cleanup for %s failed: %v\n", task.ID, err)
		}
	}

	empty := ""
	_, txErr := h.Store.Transition(ctx, task.ID, model.StatusDeployed, "lifecycle: deployed", store.TransitionFields{
		Worktree: &empty,
		Branch:   &empty,
	})
	return txErr
}

// deployableScript recognises a repo as deployable when
// `.supervisor-deploy.sh` or `setup.sh` exists as a regular file at the repo
// root (§4.6.5); the script's contents are not inspected.
func deployableScript(repoRoot string) (string, bool) {
	candidates := []string{
		filepath.Join(repoRoot, ".supervisor-deploy.sh"),
		filepath.Join(repoRoot, "setup.sh"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

func strPtr(s string) *string { return &s }

// parsePRURL extracts owner/repo/number from a GitHub PR URL.
func parsePRURL(url string) (owner, repo string, number int, err error) {
	const marker = "/pull/"
	idx := strings.Index(url, marker)
	if idx < 0 {
		return "", "", 0, fmt.Errorf("not a GitHub PR URL: %s", url)
	}
	path := strings.TrimPrefix(url[:idx], "https://github.com/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("could not parse owner/repo from %s", url)
	}
	numStr := url[idx+len(marker):]
	if slash := strings.Index(numStr, "/"); slash >= 0 {
		numStr = numStr[:slash]
	}
	var n int
	if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
		return "", "", 0, fmt.Errorf("parsing PR number from %s: %w", url, err)
	}
	return parts[0], parts[1], n, nil
}
