// Package todosync parses and updates a repo's TODO.md per the §6 contract:
// auto-dispatch discovery on pulse, and completion/block annotations once a
// task settles. Every write is serialised with gofrs/flock since multiple
// pulses (or a pulse racing a human editor) may touch the same file.
package todosync

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// taskLineRe matches "- [ ] t1.2 description #auto-dispatch assignee:alice".
var taskLineRe = regexp.MustCompile(`^(\s*)-\s\[( |x|-)\]\s+(t\d+(?:\.\d+)*)\s+(.*)$`)

var dispatchQueueHeaderRe = regexp.MustCompile(`(?i)^#{1,3}\s.*dispatch.queue.*$`)
var autoDispatchTagRe = regexp.MustCompile(`#auto-dispatch\b`)
var assigneeRe = regexp.MustCompile(`assignee:(\S+)`)

// Task is one parsed TODO.md line.
type Task struct {
	ID           string
	Description  string
	Done         bool
	Blocked      bool
	AutoDispatch bool
	Assignee     string
	LineIndex    int
}

// ParseFile reads taskLines from path, tracking whether each is inside a
// dispatch-queue section and applying the auto-dispatch recognition rules.
func ParseFile(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var tasks []Task
	inDispatchQueueSection := false

	scanner := bufio.NewScanner(f)
	idx := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			inDispatchQueueSection = dispatchQueueHeaderRe.MatchString(strings.TrimSpace(line))
		}

		if m := taskLineRe.FindStringSubmatch(line); m != nil {
			desc := m[4]
			t := Task{
				ID:           m[3],
				Description:  desc,
				Done:         m[2] == "x",
				Blocked:      m[2] == "-",
				AutoDispatch: autoDispatchTagRe.MatchString(desc) || inDispatchQueueSection,
				LineIndex:    idx,
			}
			if am := assigneeRe.FindStringSubmatch(desc); am != nil {
				t.Assignee = am[1]
			}
			tasks = append(tasks, t)
		}
		idx++
	}
	return tasks, scanner.Err()
}

// ForAutoDispatch returns the open (not done, not blocked) tasks eligible
// for pulse auto-pickup, excluding any claimed by a different assignee.
func ForAutoDispatch(tasks []Task, selfIdentity string) []Task {
	var out []Task
	for _, t := range tasks {
		if t.Done || t.Blocked || !t.AutoDispatch {
			continue
		}
		if t.Assignee != "" && t.Assignee != selfIdentity {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MarkComplete flips a task line to `[x]`, appends `completed:<date>` and,
// if known, `pr:<url>`, then commits and (best-effort) pushes.
func MarkComplete(ctx context.Context, repoRoot, taskID, prURL string, at time.Time) error {
	return edit(ctx, repoRoot, taskID, "complete", func(lines []string) ([]string, error) {
		return annotateLine(lines, taskID, func(marker, rest string) (string, string) {
			suffix := fmt.Sprintf(" completed:%s", at.UTC().Format("2006-01-02"))
			if prURL != "" {
				suffix += fmt.Sprintf(" pr:%s", prURL)
			}
			return "x", rest + suffix
		})
	})
}

// MarkBlocked flips a task line to `[-]` and appends a Notes line with the
// block/fail reason.
func MarkBlocked(ctx context.Context, repoRoot, taskID, reason string) error {
	return edit(ctx, repoRoot, taskID, "blocked", func(lines []string) ([]string, error) {
		out, err := annotateLine(lines, taskID, func(marker, rest string) (string, string) {
			return "-", rest
		})
		if err != nil {
			return nil, err
		}
		return insertNoteAfter(out, taskID, fmt.Sprintf("  - Notes: BLOCKED: %s", reason)), nil
	})
}

func annotateLine(lines []string, taskID string, transform func(marker, rest string) (string, string)) ([]string, error) {
	out := make([]string, len(lines))
	copy(out, lines)
	found := false
	for i, line := range out {
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil || m[3] != taskID {
			continue
		}
		newMarker, newRest := transform(m[2], m[4])
		out[i] = fmt.Sprintf("%s- [%s] %s %s", m[1], newMarker, taskID, newRest)
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("task %s not found in TODO.md", taskID)
	}
	return out, nil
}

func insertNoteAfter(lines []string, taskID, note string) []string {
	for i, line := range lines {
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil || m[3] != taskID {
			continue
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:i+1]...)
		out = append(out, note)
		out = append(out, lines[i+1:]...)
		return out
	}
	return lines
}

// edit performs a flock-guarded read-modify-write of repoRoot/TODO.md, then
// best-effort commits and pushes the change.
func edit(ctx context.Context, repoRoot, taskID, kind string, mutate func([]string) ([]string, error)) error {
	path := repoRoot + "/TODO.md"
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking TODO.md: %w", err)
	}
	defer lock.Unlock() //nolint:errcheck

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading TODO.md: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	updated, err := mutate(lines)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(strings.Join(updated, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing TODO.md: %w", err)
	}

	commitMessage := fmt.Sprintf("chore: mark %s %s in TODO.md", taskID, kind)
	commitAndPush(ctx, repoRoot, commitMessage)
	return nil
}
