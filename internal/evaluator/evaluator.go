// Package evaluator implements the four-tier outcome evaluator: given a
// finished worker (process dead, log file present), decide the task's next
// state. Tiers are applied in order and each may short-circuit.
package evaluator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/boshu2/gosuper/internal/aiverdict"
)

// Kind is the coarse category of an evaluator Verdict.
type Kind string

const (
	KindComplete Kind = "complete"
	KindRetry    Kind = "retry"
	KindBlocked  Kind = "blocked"
	KindFailed   Kind = "failed"
)

// Verdict is the evaluator's decision: Kind plus a free-text Detail, e.g.
// "complete:https://github.com/o/r/pull/42" or "blocked:auth_error".
type Verdict struct {
	Kind   Kind
	Detail string
}

func (v Verdict) String() string {
	return fmt.Sprintf("%s:%s", v.Kind, v.Detail)
}

// HardBlockers never trigger the self-healer — they require human
// intervention and retrying them would waste dispatch budget.
var HardBlockers = map[string]bool{
	"auth_error":     true,
	"out_of_memory":  true,
	"merge_conflict": true,
}

// precompiled signal patterns, matching the teacher's tiered-regex idiom.
var (
	reFullLoopComplete = regexp.MustCompile(`FULL_LOOP_COMPLETE`)
	reTaskComplete     = regexp.MustCompile(`TASK_COMPLETE`)
	reExitLine         = regexp.MustCompile(`(?m)^EXIT:(-?\d+)\s*$`)
	rePRURL            = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+|https://gitlab\.[^/\s]+/[^/\s]+/[^/\s]+/-/merge_requests/\d+`)

	reBackendInfra = regexp.MustCompile(`(?i)(endpoints failed|gateway error|503 service unavailable|quota protection|quota exhausted)`)

	reAuthError     = regexp.MustCompile(`(?i)(401|403|permission denied|unauthorized)`)
	reMergeConflict = regexp.MustCompile(`(?i)(CONFLICT|conflict marker)`)
	reOOM           = regexp.MustCompile(`(?i)(out of memory|ENOMEM|heap exceeded)`)
	reRateLimit     = regexp.MustCompile(`(?i)(429|rate.limit)`)
	reTimeout       = regexp.MustCompile(`(?i)timeout`)

	reVerdictLine = regexp.MustCompile(`(?m)^VERDICT:(complete|retry|blocked):(\S+)\s*$`)
)

const tailLines = 20
const aiTailLines = 200

// maxWholeFileScan is the cutoff past which only a tail is analysed, per the
// spec's 100MB boundary case.
const maxWholeFileScan = 100 * 1024 * 1024

// signalExitKinds maps a known terminal signal exit code to its retry kind.
var signalExitKinds = map[int]string{
	130: "interrupted_sigint",
	137: "killed_sigkill",
	143: "terminated_sigterm",
}

// GitHeuristic carries the tier-2.5 inspection result of a task's worktree.
type GitHeuristic struct {
	CommitsAhead   int
	HasUncommitted bool
}

// Input bundles everything the evaluator needs for one worker's outcome.
type Input struct {
	TaskID      string
	Description string
	LogPath     string
	RetriesLeft bool
	Git         *GitHeuristic // nil if not inspected
	AIClient    aiverdict.Client
	NoAI        bool
}

// Evaluate runs all four tiers against a finished worker's log.
func Evaluate(ctx context.Context, in Input) (Verdict, error) {
	tail, full, err := readLogTiers(in.LogPath)
	if err != nil {
		return Verdict{}, fmt.Errorf("reading log %s: %w", in.LogPath, err)
	}

	exitCode, hasExit := parseExitCode(full)

	if v, ok := tier1Deterministic(full, exitCode, hasExit); ok {
		return v, nil
	}
	if v, ok := tier2BackendInfra(full, exitCode, hasExit); ok {
		return v, nil
	}
	if hasExit && exitCode != 0 {
		if v, ok := tier3Heuristic(tail, exitCode); ok {
			return v, nil
		}
	}
	if in.Git != nil {
		if v, ok := tier2Point5Git(*in.Git); ok {
			return v, nil
		}
	}
	if in.RetriesLeft && !in.NoAI {
		v, err := tier4AIVerdict(ctx, in, full)
		if err == nil {
			return v, nil
		}
		return Verdict{Kind: KindRetry, Detail: "ambiguous_ai_unavailable"}, nil
	}

	return Verdict{Kind: KindFailed, Detail: "max_retries"}, nil
}

func parseExitCode(full string) (int, bool) {
	m := reExitLine.FindStringSubmatch(full)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func tier1Deterministic(full string, exitCode int, hasExit bool) (Verdict, bool) {
	pr := rePRURL.FindString(full)

	if reFullLoopComplete.MatchString(full) {
		if pr != "" {
			return Verdict{Kind: KindComplete, Detail: pr}, true
		}
		return Verdict{Kind: KindComplete, Detail: "no_pr"}, true
	}
	if reTaskComplete.MatchString(full) && hasExit && exitCode == 0 {
		return Verdict{Kind: KindComplete, Detail: "task_only"}, true
	}
	if pr != "" && hasExit && exitCode == 0 {
		return Verdict{Kind: KindComplete, Detail: pr}, true
	}
	return Verdict{}, false
}

func tier2BackendInfra(full string, exitCode int, hasExit bool) (Verdict, bool) {
	if reBackendInfra.MatchString(full) {
		return Verdict{Kind: KindRetry, Detail: "backend_infrastructure_error"}, true
	}
	if hasExit && exitCode == 0 && !rePRURL.MatchString(full) {
		return Verdict{Kind: KindRetry, Detail: "clean_exit_no_signal"}, true
	}
	return Verdict{}, false
}

func tier3Heuristic(tail string, exitCode int) (Verdict, bool) {
	if kind, ok := signalExitKinds[exitCode]; ok {
		return Verdict{Kind: KindRetry, Detail: kind}, true
	}
	switch {
	case reAuthError.MatchString(tail):
		return Verdict{Kind: KindBlocked, Detail: "auth_error"}, true
	case reMergeConflict.MatchString(tail):
		return Verdict{Kind: KindBlocked, Detail: "merge_conflict"}, true
	case reOOM.MatchString(tail):
		return Verdict{Kind: KindBlocked, Detail: "out_of_memory"}, true
	case reRateLimit.MatchString(tail):
		return Verdict{Kind: KindRetry, Detail: "rate_limited"}, true
	case reTimeout.MatchString(tail):
		return Verdict{Kind: KindRetry, Detail: "timeout"}, true
	}
	return Verdict{}, false
}

func tier2Point5Git(g GitHeuristic) (Verdict, bool) {
	if g.CommitsAhead > 0 {
		return Verdict{Kind: KindComplete, Detail: "commits_only"}, true
	}
	return Verdict{}, false
}

func tier4AIVerdict(ctx context.Context, in Input, full string) (Verdict, error) {
	if in.AIClient == nil {
		return Verdict{}, fmt.Errorf("no AI client configured")
	}
	tail := lastNLines(full, aiTailLines)
	raw, err := in.AIClient.Verdict(ctx, in.Description, tail)
	if err != nil {
		return Verdict{}, err
	}
	m := reVerdictLine.FindStringSubmatch(raw)
	if m == nil {
		return Verdict{}, fmt.Errorf("unparseable AI verdict: %q", raw)
	}
	return Verdict{Kind: Kind(m[1]), Detail: m[2]}, nil
}

// LogTail reads the last tailLines lines of a worker's log file (the
// dispatcher's §4.10 reprompt uses this to inject the previous attempt's
// tail into the retry's task description). Returns "" if the log is
// missing or unreadable — a reprompt with no tail is still a reprompt.
func LogTail(path string) string {
	if path == "" {
		return ""
	}
	tail, _, err := readLogTiers(path)
	if err != nil {
		return ""
	}
	return tail
}

// readLogTiers returns (last-20-lines, scanned-body). For logs over
// maxWholeFileScan only a generous tail is read into "full" as well, per the
// spec's tail-analysis boundary case.
func readLogTiers(path string) (tail string, full string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close() //nolint:errcheck

	if info.Size() > maxWholeFileScan {
		if _, err := f.Seek(-maxWholeFileScan, io.SeekEnd); err != nil {
			return "", "", err
		}
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}

	full = strings.Join(lines, "\n")
	tail = strings.Join(lastN(lines, tailLines), "\n")
	return tail, full, nil
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func lastNLines(full string, n int) string {
	return strings.Join(lastN(strings.Split(full, "\n"), n), "\n")
}
