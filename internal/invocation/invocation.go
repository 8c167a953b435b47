// Package invocation builds the argv for one worker launch, satisfying
// dispatcher.InvocationBuilder. It supports the two dispatch modes spec §6
// fixes: headless (direct, unattended CLI invocation) and tabby (the same
// invocation wrapped in a detached tmux session so a human can attach and
// watch a worker live), grounded on the teacher's toolchain-resolution
// pattern of keeping the underlying runtime command configurable rather than
// hardcoded to one AI CLI vendor.
package invocation

import (
	"fmt"

	"github.com/boshu2/gosuper/internal/model"
)

const (
	ModeHeadless = "headless"
	ModeTabby    = "tabby"
)

// Builder turns a task into a runnable worker command line.
type Builder struct {
	// ProviderCLI is the AI coding agent binary to invoke (e.g. "claude",
	// "codex").
	ProviderCLI string
	// Mode selects headless vs tabby dispatch. Defaults to headless.
	Mode string
	// TmuxCommand is the tmux binary used for tabby-mode sessions.
	// Defaults to "tmux".
	TmuxCommand string
}

// Build implements dispatcher.InvocationBuilder.
func (b *Builder) Build(task *model.Task, worktreePath, memoryContext string) (string, []string) {
	prompt := task.Description
	if memoryContext != "" {
		prompt = fmt.Sprintf("%s\n\n--- prior context ---\n%s", prompt, memoryContext)
	}

	providerArgs := []string{"-p", prompt, "--model", task.Model}

	if b.Mode != ModeTabby {
		return b.providerCLI(), providerArgs
	}

	tmux := b.TmuxCommand
	if tmux == "" {
		tmux = "tmux"
	}
	session := "supervisor-" + task.ID
	args := append([]string{"new-session", "-d", "-s", session, "-c", worktreePath, b.providerCLI()}, providerArgs...)
	return tmux, args
}

func (b *Builder) providerCLI() string {
	if b.ProviderCLI == "" {
		return "claude"
	}
	return b.ProviderCLI
}
