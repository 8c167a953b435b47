// Package procutil handles worker process lifecycle: detached spawning, PID
// file tracking, liveness checks, and descendant termination. It deliberately
// avoids hand-parsing /proc — gopsutil/v3/process abstracts the
// Linux/Darwin/BSD divergence the same way the dispatcher's concurrency
// sampling does.
package procutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Spawn launches name/args as a fully detached background process: new
// session, new process group, stdout+stderr redirected to logPath, stdin
// from /dev/null. The worker survives the supervisor's own exit — required
// for cron-invoked pulses, whose parent shell exits immediately.
func Spawn(dir, logPath, name string, args ...string) (pid int, err error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close() //nolint:errcheck

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close() //nolint:errcheck

	// Run the worker under sh so that, once it exits, its exit code is
	// appended to the log as "EXIT:<code>".
	cmd := exec.Command("sh", append([]string{"-c", `"$0" "$@"; echo "EXIT:$?"`, name}, args...)...)
	cmd.Dir = dir
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting worker: %w", err)
	}

	pid = cmd.Process.Pid
	// Release so the supervisor's own exit doesn't reap or wait on the
	// child; the sh wrapper above appends the worker's exit code itself.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing worker process: %w", err)
	}
	return pid, nil
}

// AppendExitMarker appends "EXIT:<code>" as the last line of a worker log,
// the same line Spawn's sh wrapper writes when the worker exits.
func AppendExitMarker(logPath string, code int) error {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	_, err = fmt.Fprintf(f, "EXIT:%d\n", code)
	return err
}

// PidFilePath returns the deterministic PID file path for a task.
func PidFilePath(dataDir, taskID string) string {
	return filepath.Join(dataDir, "pids", taskID+".pid")
}

// WritePidFile records a worker's PID for a task.
func WritePidFile(dataDir, taskID string, pid int) error {
	path := PidFilePath(dataDir, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPidFile returns the PID recorded for a task, or 0 if the file is
// absent or unreadable.
func ReadPidFile(dataDir, taskID string) (int, error) {
	path := PidFilePath(dataDir, taskID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidFile deletes a task's PID file, ignoring a not-exist error.
func RemovePidFile(dataDir, taskID string) error {
	err := os.Remove(PidFilePath(dataDir, taskID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsAlive reports whether pid names a live process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// Descendants returns every process whose ancestor chain (via parent PID)
// includes root, recursively.
func Descendants(root int32) ([]*process.Process, error) {
	all, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	byPID := make(map[int32]*process.Process, len(all))
	for _, p := range all {
		byPID[p.Pid] = p
	}

	var out []*process.Process
	for _, p := range all {
		if isDescendantOf(p, root, byPID, 0) {
			out = append(out, p)
		}
	}
	return out, nil
}

func isDescendantOf(p *process.Process, root int32, byPID map[int32]*process.Process, depth int) bool {
	if depth > 64 {
		return false // guard against a corrupt/cyclic ppid chain
	}
	ppid, err := p.Ppid()
	if err != nil {
		return false
	}
	if ppid == root {
		return true
	}
	parent, ok := byPID[ppid]
	if !ok || ppid <= 1 {
		return false
	}
	return isDescendantOf(parent, root, byPID, depth+1)
}

// KillTree sends TERM to pid and all its descendants, then KILL to any
// still alive after grace.
func KillTree(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	descendants, err := Descendants(int32(pid))
	if err != nil {
		descendants = nil
	}

	targets := make([]int32, 0, len(descendants)+1)
	targets = append(targets, int32(pid))
	for _, d := range descendants {
		targets = append(targets, d.Pid)
	}

	for _, t := range targets {
		signalPid(t, syscall.SIGTERM)
	}
	time.Sleep(grace)
	for _, t := range targets {
		if IsAlive(int(t)) {
			signalPid(t, syscall.SIGKILL)
		}
	}
	return nil
}

// Orphan is one process KillOrphans found unreclaimed by init.
type Orphan struct {
	PID  int32
	Name string
}

// KillOrphans finds every live process named nameMatch whose parent PID is 1
// and which is absent from protected, sending TERM then KILL after grace
// (unless dryRun, which only reports). protected should hold every active
// worker PID, their descendants, and the invoking shell's own ancestor
// chain — callers build that set before calling.
func KillOrphans(nameMatch string, protected map[int32]bool, dryRun bool, grace time.Duration) ([]Orphan, error) {
	all, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var found []Orphan
	for _, p := range all {
		name, err := p.Name()
		if err != nil || !strings.Contains(name, nameMatch) {
			continue
		}
		ppid, err := p.Ppid()
		if err != nil || ppid != 1 {
			continue
		}
		if protected[p.Pid] {
			continue
		}
		found = append(found, Orphan{PID: p.Pid, Name: name})
	}

	if dryRun {
		return found, nil
	}
	for _, o := range found {
		signalPid(o.PID, syscall.SIGTERM)
	}
	time.Sleep(grace)
	for _, o := range found {
		if IsAlive(int(o.PID)) {
			signalPid(o.PID, syscall.SIGKILL)
		}
	}
	return found, nil
}

func signalPid(pid int32, sig syscall.Signal) {
	if proc, err := os.FindProcess(int(pid)); err == nil {
		_ = proc.Signal(sig) //nolint:errcheck
	}
}
