// Package runstate defines the run state machine and its pure transition
// guards. Guards evaluate preconditions without side effects; the ledger
// applies them inside its write transaction.
package runstate

import (
	"fmt"
)

// State is a run lifecycle state.
type State string

const (
	Created       State = "CREATED"
	Generating    State = "GENERATING"
	Compared      State = "COMPARED"
	Gating        State = "GATING"
	Revising      State = "REVISING"
	GateFailed    State = "GATE_FAILED"
	Publishing    State = "PUBLISHING"
	Published     State = "PUBLISHED"
	PublishFailed State = "PUBLISH_FAILED"
)

// Reason codes recorded on transitions.
const (
	ReasonSubmitted               = "SUBMITTED"
	ReasonGenerationStarted       = "GENERATION_STARTED"
	ReasonGenerated               = "GENERATED"
	ReasonCandidateSelected       = "CANDIDATE_SELECTED"
	ReasonGatesFailed             = "GATES_FAILED"
	ReasonRevised                 = "REVISED"
	ReasonFallbackCandidate       = "FALLBACK_CANDIDATE"
	ReasonGatesPassed             = "GATES_PASSED"
	ReasonPublished               = "PUBLISHED"
	ReasonGenerationExhausted     = "GENERATION_EXHAUSTED"
	ReasonRunTimeout              = "RUN_TIMEOUT"
	ReasonCancelled               = "CANCELLED"
	ReasonGateBudgetExhausted     = "GATE_BUDGET_EXHAUSTED"
	ReasonRevisionFailed          = "REVISION_FAILED"
	ReasonPublishPermanent        = "PUBLISH_PERMANENT"
	ReasonPublishRetriesExhausted = "PUBLISH_RETRIES_EXHAUSTED"
	ReasonInternal                = "INTERNAL_ERROR"
)

// edges is the transition graph. Every non-terminal state before PUBLISHING
// may fail into GATE_FAILED.
var edges = map[State][]State{
	Created:    {Generating, GateFailed},
	Generating: {Compared, GateFailed},
	Compared:   {Gating, GateFailed},
	Gating:     {Publishing, Revising, GateFailed},
	Revising:   {Gating, GateFailed},
	Publishing: {Published, PublishFailed},
}

// All returns every state in lifecycle order.
func All() []State {
	return []State{
		Created, Generating, Compared, Gating, Revising,
		GateFailed, Publishing, Published, PublishFailed,
	}
}

// Parse converts a string into a known State.
func Parse(s string) (State, error) {
	for _, st := range All() {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("unknown run state %q", s)
}

// IsTerminal reports whether no further transition is permitted from s.
func (s State) IsTerminal() bool {
	switch s {
	case GateFailed, Published, PublishFailed:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// FailureState returns the nearest failure state for a run currently in s.
func (s State) FailureState() State {
	if s == Publishing {
		return PublishFailed
	}

	return GateFailed
}

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}

	return fmt.Errorf("%s", r.Reason)
}

// CanTransition evaluates whether a run in state from may move to state to.
// Rules:
// - terminal states admit no transition
// - the edge must exist in the graph
func CanTransition(from, to State) GuardResult {
	if from.IsTerminal() {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("run is in terminal state %s", from),
		}
	}

	for _, next := range edges[from] {
		if next == to {
			return GuardResult{Allowed: true}
		}
	}

	return GuardResult{
		Allowed: false,
		Reason:  fmt.Sprintf("no transition from %s to %s", from, to),
	}
}
