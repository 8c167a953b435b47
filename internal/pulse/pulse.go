// Package pulse implements the §4.3 driver: the single entry point that
// advances the whole system by one step. It is deliberately single-threaded
// per invocation — no goroutines fan out task handling — so that a cron job,
// a file-watch trigger, and a human running `supervisor pulse` by hand can
// never race each other inside one process; cross-process exclusion is
// pulselock's job.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/boshu2/gosuper/internal/aiverdict"
	"github.com/boshu2/gosuper/internal/dispatcher"
	"github.com/boshu2/gosuper/internal/ghclient"
	"github.com/boshu2/gosuper/internal/lifecycle"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/observability"
	"github.com/boshu2/gosuper/internal/pulselock"
	"github.com/boshu2/gosuper/internal/selfheal"
	"github.com/boshu2/gosuper/internal/store"
)

// Driver wires together every subsystem one pulse touches.
type Driver struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	// Lifecycle handles a single repo's post-PR stages. Set directly for a
	// single-repo pulse; for a multi-repo pulse set LifecycleFor instead,
	// which takes priority and builds a handler scoped to each task's own
	// repo (lifecycle.Handler's GH client carries a fixed working
	// directory, so one shared instance can't serve multiple repos
	// correctly).
	Lifecycle    *lifecycle.Handler
	LifecycleFor func(repo string) *lifecycle.Handler
	Healer       *selfheal.Healer
	// GH resolves the orphaned-PR scan's `gh` client for a single-repo
	// pulse. GHFor takes priority for a multi-repo pulse, same rationale as
	// LifecycleFor.
	GH      *ghclient.Client
	GHFor   func(repo string) *ghclient.Client
	Lock    *pulselock.Lock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// DataDir is the supervisor data directory (pid files, retrospectives,
	// checkpoints).
	DataDir string
	// Repos lists the repository working directories scanned for TODO.md
	// auto-pickup, orphaned-worktree hygiene, and the orphaned-PR scan.
	Repos []string
	// SelfIdentity is this supervisor's assignee claim for TODO.md entries.
	SelfIdentity string

	// BatchFilter restricts phaseDispatch to tasks enrolled in the named
	// batch, leaving every other queued task for a later pulse. Empty means
	// dispatch across every batch.
	BatchFilter string

	AIClient aiverdict.Client
	NoAI     bool

	GitTimeout time.Duration

	// SelfMemLimitMB is the RSS threshold, in MiB, past which the driver
	// checkpoints and respawns. Zero disables the check.
	SelfMemLimitMB int
	// RespawnArgs is the argv (excluding argv[0]) used to re-exec the pulse
	// command when the memory threshold is exceeded. Empty means "log only,
	// do not respawn" — useful for tests and one-shot invocations.
	RespawnArgs []string

	// OrphanedScanInterval throttles phase 6; DefaultOrphanedScanInterval if
	// zero.
	OrphanedScanInterval time.Duration

	// DryRun, when set, makes phaseHygiene report what it would clean up
	// without killing processes or removing worktrees (the `cleanup
	// --dry-run` / `kill-workers --dry-run` verbs).
	DryRun bool
}

// DefaultOrphanedScanInterval is the spec's 10-minute throttle on the
// orphaned-PR remote query.
const DefaultOrphanedScanInterval = 10 * time.Minute

// Summary aggregates one Run's terminal events for the stderr table and the
// structured pulse_complete log record.
type Summary struct {
	LockSkipped    bool
	LockSkipReason string

	AutoPicked          int
	Evaluated           int
	Dispatched          int
	ConcurrencyLimited  int
	ProviderUnavailable int
	LifecycleAdvanced   int
	Verified            int
	VerifyFailed        int
	OrphanedLinked      int
	PIDsCleaned         int
	WorktreesCleaned    int
	BatchesReleased     int
	SelfHealed          int
	SelfHealRecovered   int
	Respawned           bool

	Errors []error
}

// String renders the spec's "summary table to stderr".
func (s *Summary) String() string {
	if s.LockSkipped {
		return fmt.Sprintf("pulse skipped: %s", s.LockSkipReason)
	}
	return fmt.Sprintf(
		"pulse: auto_picked=%d evaluated=%d dispatched=%d concurrency_limited=%d "+
			"provider_unavailable=%d lifecycle_advanced=%d verified=%d verify_failed=%d "+
			"orphaned_linked=%d pids_cleaned=%d worktrees_cleaned=%d batches_released=%d "+
			"self_healed=%d self_heal_recovered=%d errors=%d",
		s.AutoPicked, s.Evaluated, s.Dispatched, s.ConcurrencyLimited,
		s.ProviderUnavailable, s.LifecycleAdvanced, s.Verified, s.VerifyFailed,
		s.OrphanedLinked, s.PIDsCleaned, s.WorktreesCleaned, s.BatchesReleased,
		s.SelfHealed, s.SelfHealRecovered, len(s.Errors),
	)
}

type phaseFunc func(context.Context, *Summary) error

// Run executes exactly one pulse cycle: acquire the mutex, run all nine
// phases best-effort (a phase failing does not abort the others), release,
// and return the aggregate Summary. A held-elsewhere lock is not an error —
// Summary.LockSkipped reports it.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	ok, reason, err := d.Lock.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquiring pulse lock: %w", err)
	}
	if !ok {
		d.logger().Info("pulse skipped", "reason", reason)
		return &Summary{LockSkipped: true, LockSkipReason: reason}, nil
	}
	defer func() {
		if err := d.Lock.Release(); err != nil {
			d.logger().Warn("releasing pulse lock", "error", err)
		}
	}()

	sum := &Summary{}
	phases := []struct {
		name string
		fn   phaseFunc
	}{
		{"auto_pickup", d.phaseAutoPickup},
		{"worker_check_evaluate", d.phaseWorkerCheckEvaluate},
		{"dispatch", d.phaseDispatch},
		{"post_pr_lifecycle", d.phasePostPRLifecycle},
		{"verification", d.phaseVerification},
		{"orphaned_pr_scan", d.phaseOrphanedPRScan},
		{"hygiene", d.phaseHygiene},
		{"retrospective_release", d.phaseRetrospectiveRelease},
		{"self_memory_check", d.phaseSelfMemoryCheck},
	}
	for _, p := range phases {
		d.runPhase(ctx, sum, p.name, p.fn)
	}

	if active, err := d.Store.ListTasks(ctx, model.TaskFilter{
		Statuses: []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating},
	}); err == nil && d.Metrics != nil {
		d.Metrics.SetActiveTasks(len(active))
	}

	d.logger().Info("pulse complete", "duration", time.Since(start), "summary", sum.String())
	return sum, nil
}

func (d *Driver) runPhase(ctx context.Context, sum *Summary, name string, fn phaseFunc) {
	start := time.Now()
	err := fn(ctx, sum)
	if d.Metrics != nil {
		d.Metrics.ObservePulsePhase(name, time.Since(start).Seconds())
	}
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Errorf("%s: %w", name, err))
		d.logger().Error("pulse phase failed", "phase", name, "error", err)
	}
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return observability.NewNop()
}

func (d *Driver) lifecycleFor(repo string) *lifecycle.Handler {
	if d.LifecycleFor != nil {
		return d.LifecycleFor(repo)
	}
	return d.Lifecycle
}

func (d *Driver) ghFor(repo string) *ghclient.Client {
	if d.GHFor != nil {
		return d.GHFor(repo)
	}
	return d.GH
}

func (d *Driver) gitTimeout() time.Duration {
	if d.GitTimeout > 0 {
		return d.GitTimeout
	}
	return 30 * time.Second
}

func (d *Driver) orphanedScanInterval() time.Duration {
	if d.OrphanedScanInterval > 0 {
		return d.OrphanedScanInterval
	}
	return DefaultOrphanedScanInterval
}

// phaseSelfMemoryCheck is phase 9: sample the driver's own RSS and, past the
// configured threshold, write a checkpoint and respawn via exec of the same
// binary with RespawnArgs, so cron's crontab entry never needs to change.
func (d *Driver) phaseSelfMemoryCheck(ctx context.Context, sum *Summary) error {
	if d.SelfMemLimitMB <= 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("inspecting self process: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return fmt.Errorf("reading self memory info: %w", err)
	}
	rssMB := int(mem.RSS / (1024 * 1024))
	if rssMB < d.SelfMemLimitMB {
		return nil
	}

	d.logger().Warn("pulse: self memory over threshold, checkpointing", "rss_mb", rssMB, "limit_mb", d.SelfMemLimitMB)
	if err := d.Store.SetMeta(ctx, "self_respawn_checkpoint", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("writing respawn checkpoint: %w", err)
	}
	sum.Respawned = true
	if len(d.RespawnArgs) == 0 {
		return nil
	}
	return d.respawn()
}

// respawn re-execs the current binary with RespawnArgs, replacing this
// process image outright (syscall.Exec, not fork+exec) so no supervisor
// process ever runs doubled-up.
func (d *Driver) respawn() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving self executable: %w", err)
	}
	argv := append([]string{exe}, d.RespawnArgs...)
	return syscall.Exec(exe, argv, os.Environ()) //nolint:gosec
}
