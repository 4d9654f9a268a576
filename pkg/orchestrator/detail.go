package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

// errMissingArtifact marks state that cannot be resumed because a draft
// the ledger points at is gone.
var errMissingArtifact = errors.New("artifact missing")

// Transition details are persisted on the ledger so a resumed run can
// continue from the ledger and artifact store alone.

type rankedCandidate struct {
	Backend   string  `json:"backend"`
	Stage     string  `json:"stage"`
	Digest    string  `json:"digest"`
	Projected float64 `json:"projected"`
	LatencyMs int64   `json:"latency_ms"`
}

type generationFailure struct {
	Backend string `json:"backend"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// comparedDetail is stored on GENERATING -> COMPARED.
type comparedDetail struct {
	Ranking  []rankedCandidate   `json:"ranking"`
	Failures []generationFailure `json:"failures,omitempty"`
}

// gatingDetail is stored on every transition into GATING and names the
// draft under evaluation.
type gatingDetail struct {
	Stage     string `json:"stage"`
	Digest    string `json:"digest"`
	Candidate int    `json:"candidate"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// revisingDetail is stored on GATING -> REVISING. For a fallback it names
// the next candidate; otherwise the draft to revise.
type revisingDetail struct {
	Stage     string   `json:"stage"`
	Digest    string   `json:"digest"`
	Candidate int      `json:"candidate"`
	Backend   string   `json:"backend"`
	Fallback  bool     `json:"fallback,omitempty"`
	Aggregate float64  `json:"aggregate"`
	Failing   []string `json:"failing,omitempty"`
}

type publishingDetail struct {
	Stage     string  `json:"stage"`
	Digest    string  `json:"digest"`
	Aggregate float64 `json:"aggregate"`
}

type publishedDetail struct {
	PostID   string `json:"post_id"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
}

type failureDetail struct {
	Error     string              `json:"error,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	Aggregate float64             `json:"aggregate,omitempty"`
	Failing   []string            `json:"failing,omitempty"`
	Failures  []generationFailure `json:"failures,omitempty"`
}

// lastInto returns the most recent transition into state.
func lastInto(history []ledger.Transition, state runstate.State) (*ledger.Transition, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == string(state) {
			return &history[i], nil
		}
	}

	return nil, fmt.Errorf("no transition into %s recorded", state)
}

func decodeDetail(t *ledger.Transition, v any) error {
	if len(t.Detail) == 0 {
		return fmt.Errorf("transition %d carries no detail", t.Seq)
	}

	if err := json.Unmarshal(t.Detail, v); err != nil {
		return fmt.Errorf("decoding transition %d detail: %w", t.Seq, err)
	}

	return nil
}
