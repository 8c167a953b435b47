package main

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/procutil"
)

var killWorkersDryRun bool

var killWorkersCmd = &cobra.Command{
	Use:   "kill-workers",
	Short: "Emergency sweep of orphaned worker processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		protected, err := protectedPIDs(cmd, a)
		if err != nil {
			return fmt.Errorf("building protected PID set: %w", err)
		}

		killed, err := procutil.KillOrphans(a.providerCLI(), protected, killWorkersDryRun, 1*time.Second)
		if err != nil {
			return fmt.Errorf("sweeping orphans: %w", err)
		}
		for _, o := range killed {
			verb := "killed"
			if killWorkersDryRun {
				verb = "would kill"
			}
			fmt.Printf("%s orphan pid=%d name=%s\n", verb, o.PID, o.Name)
		}
		if len(killed) == 0 {
			fmt.Println("no orphans found")
		}
		return nil
	},
}

// protectedPIDs gathers every PID that kill-workers must never touch: active
// workers and all their descendants, plus the invoking shell's own ancestor
// chain (the supervisor process itself, and whatever spawned it).
func protectedPIDs(cmd *cobra.Command, a *app) (map[int32]bool, error) {
	protected := map[int32]bool{}

	active, err := a.store.ListTasks(cmd.Context(), model.TaskFilter{
		Statuses: []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating},
	})
	if err != nil {
		return nil, err
	}
	for _, t := range active {
		pid, err := procutil.ReadPidFile(a.cfg.DataDir, t.ID)
		if err != nil || pid == 0 {
			continue
		}
		protected[int32(pid)] = true
		descendants, err := procutil.Descendants(int32(pid))
		if err != nil {
			continue
		}
		for _, d := range descendants {
			protected[d.Pid] = true
		}
	}

	for pid := int32(os.Getpid()); pid > 1; {
		protected[pid] = true
		proc, err := process.NewProcess(pid)
		if err != nil {
			break
		}
		ppid, err := proc.Ppid()
		if err != nil {
			break
		}
		pid = ppid
	}
	return protected, nil
}

func init() {
	killWorkersCmd.Flags().BoolVar(&killWorkersDryRun, "dry-run", false, "Report orphans without killing them")
	rootCmd.AddCommand(killWorkersCmd)
}
