package worktree

import "errors"

// Sentinel errors for the worktree package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrDetachedHEAD is returned when an operation requires a named branch
	// but the repository is in detached HEAD state.
	ErrDetachedHEAD = errors.New("detached HEAD: worktree requires a named branch")

	// ErrNotGitRepo is returned when a command is run outside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrResolveHEAD is returned when the base branch commit cannot be resolved.
	ErrResolveHEAD = errors.New("unable to resolve base branch commit for worktree creation")

	// ErrWorktreeCollision is returned after repeated failed attempts to create
	// a worktree at its deterministic path.
	ErrWorktreeCollision = errors.New("failed to create worktree after 3 attempts")

	// ErrMergeSourceUnavailable is returned when neither worktree path nor
	// task id is provided for a merge operation.
	ErrMergeSourceUnavailable = errors.New("merge source unavailable: missing worktree path and task id")

	// ErrRepoUnclean is returned when the repository has uncommitted changes
	// that persist after multiple retries.
	ErrRepoUnclean = errors.New("original repo has uncommitted changes after 5 retries: commit or stash before merge")

	// ErrEmptyMergeSource is returned when the worktree merge source commit
	// resolves to an empty string.
	ErrEmptyMergeSource = errors.New("worktree merge source commit is empty")
)
