// Package model defines the persistent entities the supervisor schedules
// over: tasks, batches, their junction, and the append-only transition log.
package model

import (
	"regexp"
	"time"
)

var diagSuffixRe = regexp.MustCompile(`-diag-\d+$`)

// Status is a task state-machine label.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDispatched   Status = "dispatched"
	StatusRunning      Status = "running"
	StatusEvaluating   Status = "evaluating"
	StatusRetrying     Status = "retrying"
	StatusComplete     Status = "complete"
	StatusPRReview     Status = "pr_review"
	StatusReviewTriage Status = "review_triage"
	StatusMerging      Status = "merging"
	StatusMerged       Status = "merged"
	StatusDeploying    Status = "deploying"
	StatusDeployed     Status = "deployed"
	StatusVerifying    Status = "verifying"
	StatusVerified     Status = "verified"
	StatusVerifyFailed Status = "verify_failed"
	StatusBlocked      Status = "blocked"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// AllStatuses lists every legal task status label.
var AllStatuses = []Status{
	StatusQueued, StatusDispatched, StatusRunning, StatusEvaluating, StatusRetrying,
	StatusComplete, StatusPRReview, StatusReviewTriage, StatusMerging, StatusMerged,
	StatusDeploying, StatusDeployed, StatusVerifying, StatusVerified, StatusVerifyFailed,
	StatusBlocked, StatusFailed, StatusCancelled,
}

// Valid reports whether s is a recognised status label.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// TerminalForBatch is the set of statuses that count a task as done from the
// owning batch's point of view.
var TerminalForBatch = map[Status]bool{
	StatusComplete:  true,
	StatusDeployed:  true,
	StatusMerged:    true,
	StatusVerified:  true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// DefaultMaxRetries is applied to a task created without an explicit override.
const DefaultMaxRetries = 3

// DefaultModelTier is the worker model tier used when a task does not name one.
const DefaultModelTier = "coding"

// Task is the unit of work the supervisor schedules and drives to completion.
type Task struct {
	ID          string
	Repo        string
	Description string
	Status      Status
	Model       string
	Retries     int
	MaxRetries  int
	SessionID   string
	Worktree    string
	Branch      string
	LogFile     string
	Error       string
	PRURL       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// IsDiagnostic reports whether the task is a self-heal diagnostic subtask,
// identified by the `-diag-N` id suffix convention (see selfheal.DiagID).
func (t Task) IsDiagnostic() bool {
	return diagSuffixRe.MatchString(t.ID)
}

// Batch is a named collection of tasks sharing a concurrency budget.
type Batch struct {
	ID                string
	Name              string
	Concurrency       int
	MaxLoadFactor     int
	Status            BatchStatus
	ReleaseOnComplete bool
	ReleaseType       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BatchStatus is a batch lifecycle label.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchComplete  BatchStatus = "complete"
	BatchCancelled BatchStatus = "cancelled"
)

// DefaultConcurrency and DefaultMaxLoadFactor seed a batch created without
// explicit overrides.
const (
	DefaultConcurrency   = 4
	DefaultMaxLoadFactor = 2
)

// BatchTask is the many-to-many junction between a Batch and a Task.
type BatchTask struct {
	BatchID  string
	TaskID   string
	Position int
}

// StateLogEntry is one append-only audit record of a committed transition.
type StateLogEntry struct {
	ID        int64
	TaskID    string
	FromState Status
	ToState   Status
	Reason    string
	Timestamp time.Time
}

// TaskFilter narrows listTasks queries. Zero-value fields are unconstrained.
type TaskFilter struct {
	Statuses     []Status
	BatchID      string
	UpdatedSince *time.Time
}

// BatchFilter narrows listBatches queries.
type BatchFilter struct {
	Statuses []BatchStatus
}
