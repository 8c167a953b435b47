package statemachine

import (
	"errors"
	"testing"

	"github.com/boshu2/gosuper/internal/model"
)

func TestIsLegal_InitialInsert(t *testing.T) {
	if !IsLegal("", model.StatusQueued) {
		t.Fatal("expected initial insert into queued to be legal")
	}
	if IsLegal("", model.Status("bogus")) {
		t.Fatal("expected initial insert into an unknown status to be illegal")
	}
}

func TestIsLegal_KnownPairs(t *testing.T) {
	cases := []struct {
		from, to model.Status
		legal    bool
	}{
		{model.StatusQueued, model.StatusDispatched, true},
		{model.StatusQueued, model.StatusRunning, false},
		{model.StatusDispatched, model.StatusRunning, true},
		{model.StatusRunning, model.StatusEvaluating, true},
		{model.StatusEvaluating, model.StatusComplete, true},
		{model.StatusEvaluating, model.StatusRetrying, true},
		{model.StatusEvaluating, model.StatusQueued, true},
		{model.StatusRetrying, model.StatusDispatched, true},
		{model.StatusRetrying, model.StatusRunning, false},
		{model.StatusBlocked, model.StatusQueued, true},
		{model.StatusBlocked, model.StatusPRReview, true},
		{model.StatusFailed, model.StatusQueued, true},
		{model.StatusFailed, model.StatusDispatched, false},
		{model.StatusComplete, model.StatusPRReview, true},
		{model.StatusComplete, model.StatusDeployed, true},
		{model.StatusPRReview, model.StatusReviewTriage, true},
		{model.StatusReviewTriage, model.StatusDispatched, true},
		{model.StatusMerging, model.StatusMerged, true},
		{model.StatusMerged, model.StatusDeploying, true},
		{model.StatusDeploying, model.StatusDeployed, true},
		{model.StatusDeployed, model.StatusVerifying, true},
		{model.StatusVerifying, model.StatusVerified, true},
		{model.StatusVerifyFailed, model.StatusVerifying, true},
		{model.StatusVerified, model.StatusQueued, true},
		{model.StatusCancelled, model.StatusQueued, true},
	}
	for _, c := range cases {
		if got := IsLegal(c.from, c.to); got != c.legal {
			t.Errorf("IsLegal(%s, %s) = %v, want %v", c.from, c.to, got, c.legal)
		}
	}
}

func TestValidate_ReturnsTypedError(t *testing.T) {
	err := Validate(model.StatusQueued, model.StatusMerged)
	if err == nil {
		t.Fatal("expected error for illegal transition")
	}
	var target *ErrIllegalTransition
	if !errors.As(err, &target) {
		t.Fatalf("expected *ErrIllegalTransition, got %T", err)
	}
	if target.From != model.StatusQueued || target.To != model.StatusMerged {
		t.Fatalf("unexpected error fields: %+v", target)
	}
}

// TestEveryNonTerminalStateHasLegalDestinations exhaustively probes every
// non-terminal status and requires at least one legal destination, matching
// the spec's "legal transitions from every non-terminal state exhaustively
// probed" boundary case.
func TestEveryNonTerminalStateHasLegalDestinations(t *testing.T) {
	terminal := map[model.Status]bool{
		model.StatusCancelled: true,
	}
	for _, st := range model.AllStatuses {
		if terminal[st] {
			continue
		}
		if !model.TerminalForBatch[st] && len(Destinations(st)) == 0 {
			t.Errorf("status %s has no legal destinations and is not batch-terminal", st)
		}
	}
}

func TestDestinations_ReturnsCopy(t *testing.T) {
	d := Destinations(model.StatusQueued)
	d[0] = model.Status("mutated")
	again := Destinations(model.StatusQueued)
	if again[0] == model.Status("mutated") {
		t.Fatal("Destinations must return a defensive copy")
	}
}
