// Package statemachine holds the exhaustive legal-transition table for task
// status and the guarded mutation that applies one transition.
//
// The table is written out rather than computed so every rule is visible in
// one place and the illegal cases are a mechanical, reviewable edit.
package statemachine

import (
	"fmt"

	"github.com/boshu2/gosuper/internal/model"
)

// ErrIllegalTransition is returned when (from, to) is not in the legal table.
type ErrIllegalTransition struct {
	From model.Status
	To   model.Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// legalTransitions is the exhaustive adjacency table from spec §4.2. A status
// absent from the map (or mapped to an empty slice) has no legal successors.
var legalTransitions = map[model.Status][]model.Status{
	model.StatusQueued: {
		model.StatusDispatched, model.StatusCancelled,
	},
	model.StatusDispatched: {
		model.StatusRunning, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusRunning: {
		model.StatusEvaluating, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusEvaluating: {
		model.StatusComplete, model.StatusRetrying, model.StatusBlocked, model.StatusFailed, model.StatusQueued, model.StatusCancelled,
	},
	model.StatusRetrying: {
		model.StatusDispatched, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusBlocked: {
		model.StatusQueued, model.StatusPRReview, model.StatusCancelled,
	},
	model.StatusFailed: {
		model.StatusQueued,
	},
	model.StatusComplete: {
		model.StatusPRReview, model.StatusDeployed, model.StatusQueued,
	},
	model.StatusPRReview: {
		model.StatusReviewTriage, model.StatusMerging, model.StatusBlocked, model.StatusCancelled,
	},
	model.StatusReviewTriage: {
		model.StatusMerging, model.StatusBlocked, model.StatusDispatched, model.StatusCancelled,
	},
	model.StatusMerging: {
		model.StatusMerged, model.StatusBlocked, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusMerged: {
		model.StatusDeploying, model.StatusDeployed, model.StatusQueued,
	},
	model.StatusDeploying: {
		model.StatusDeployed, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusDeployed: {
		model.StatusVerifying, model.StatusVerified, model.StatusCancelled, model.StatusQueued,
	},
	model.StatusVerifying: {
		model.StatusVerified, model.StatusVerifyFailed, model.StatusCancelled,
	},
	model.StatusVerifyFailed: {
		model.StatusVerifying, model.StatusCancelled, model.StatusQueued,
	},
	model.StatusCancelled: {
		model.StatusQueued,
	},
	model.StatusVerified: {
		model.StatusQueued,
	},
}

// IsLegal reports whether transitioning from -> to is allowed. The initial
// insert (from == "") is always legal; it is not a transition.
func IsLegal(from, to model.Status) bool {
	if from == "" {
		return to.Valid()
	}
	for _, dest := range legalTransitions[from] {
		if dest == to {
			return true
		}
	}
	return false
}

// Validate returns ErrIllegalTransition if from -> to is not legal.
func Validate(from, to model.Status) error {
	if IsLegal(from, to) {
		return nil
	}
	return &ErrIllegalTransition{From: from, To: to}
}

// Destinations returns the legal destinations from a status, for CLI help
// text and exhaustive test generation.
func Destinations(from model.Status) []model.Status {
	dests := legalTransitions[from]
	out := make([]model.Status, len(dests))
	copy(out, dests)
	return out
}
