package todosync

import (
	"context"
	"os/exec"
	"time"
)

const commitTimeout = 15 * time.Second

// commitAndPush commits TODO.md with message and pushes to the default
// branch, best-effort: every error is swallowed, matching the §6 contract's
// "every TODO edit is committed ... and pushed ... (best-effort)".
func commitAndPush(ctx context.Context, repoRoot, message string) {
	run(ctx, repoRoot, "add", "TODO.md")
	run(ctx, repoRoot, "commit", "-m", message)
	run(ctx, repoRoot, "push")
}

func run(ctx context.Context, dir string, args ...string) {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	_ = cmd.Run() //nolint:errcheck
}
