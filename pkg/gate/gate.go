// Package gate implements the quality gate chain: an ordered list of named,
// deterministic scoring checks evaluated against one draft and aggregated
// into a single pass/fail decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/contentpipe/pkg/draft"
)

// ScoreCard is the result of one gate's evaluation of a draft.
type ScoreCard struct {
	GateName  string  `json:"gate_name"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Detail    string  `json:"detail"`
	Weight    float64 `json:"weight"`
	Mandatory bool    `json:"mandatory"`
}

// Result is what a Scorer reports for one draft.
type Result struct {
	// Score is clamped to 0-100 by the chain.
	Score  float64
	Detail string
	// Veto fails the gate even when Score reaches the threshold.
	Veto bool
}

// Scorer is the scoring capability behind one gate. Implementations must
// return identical results for identical drafts.
type Scorer interface {
	Score(ctx context.Context, d *draft.Draft) (Result, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, d *draft.Draft) (Result, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, d *draft.Draft) (Result, error) {
	return f(ctx, d)
}

// Gate is one named check in the chain.
type Gate struct {
	Name      string
	Threshold float64
	Weight    float64
	Mandatory bool
	Scorer    Scorer
}

// Evaluation is the joined outcome of one pass over the chain.
type Evaluation struct {
	// Cards are ordered by declared gate order.
	Cards     []ScoreCard `json:"cards"`
	Aggregate float64     `json:"aggregate"`
	Threshold float64     `json:"threshold"`
	Passed    bool        `json:"passed"`
}

// Failing returns the cards that did not pass.
func (e *Evaluation) Failing() []ScoreCard {
	failing := make([]ScoreCard, 0, len(e.Cards))

	for _, c := range e.Cards {
		if !c.Passed {
			failing = append(failing, c)
		}
	}

	return failing
}

// Chain evaluates every gate against a draft and aggregates the results.
type Chain struct {
	log       logrus.FieldLogger
	gates     []Gate
	threshold float64
	timeout   time.Duration
}

// NewChain creates a chain over gates in declared order. threshold is the
// minimum weighted aggregate; timeout bounds each gate, zero disables it.
func NewChain(log logrus.FieldLogger, gates []Gate, threshold float64, timeout time.Duration) *Chain {
	return &Chain{
		log:       log.WithField("component", "gate-chain"),
		gates:     gates,
		threshold: threshold,
		timeout:   timeout,
	}
}

// Evaluate runs all gates concurrently and joins their cards in declared
// order. A gate that errors or times out yields a failing card. The only
// error returned is the parent context's.
func (c *Chain) Evaluate(ctx context.Context, d *draft.Draft) (*Evaluation, error) {
	cards := make([]ScoreCard, len(c.gates))

	var g errgroup.Group

	for i, gt := range c.gates {
		g.Go(func() error {
			cards[i] = c.evaluateGate(ctx, gt, d)

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluating gates: %w", err)
	}

	eval := &Evaluation{
		Cards:     cards,
		Aggregate: Aggregate(cards),
		Threshold: c.threshold,
	}

	eval.Passed = eval.Aggregate >= c.threshold

	for _, card := range cards {
		if card.Mandatory && !card.Passed {
			eval.Passed = false
		}
	}

	c.log.WithFields(logrus.Fields{
		"run_id":    d.RunID,
		"revision":  d.Revision,
		"aggregate": eval.Aggregate,
		"passed":    eval.Passed,
	}).Info("Gate chain evaluated")

	return eval, nil
}

func (c *Chain) evaluateGate(ctx context.Context, gt Gate, d *draft.Draft) ScoreCard {
	card := ScoreCard{
		GateName:  gt.Name,
		Weight:    gt.Weight,
		Mandatory: gt.Mandatory,
	}

	log := c.log.WithFields(logrus.Fields{"gate": gt.Name, "run_id": d.RunID})

	res, err := c.runScorer(ctx, gt, d)
	if err != nil {
		card.Detail = "error: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			card.Detail = fmt.Sprintf("timed out after %s", c.timeout)
		}

		log.WithError(err).Warn("Gate failed to score draft")

		return card
	}

	card.Score = clampScore(res.Score)
	card.Detail = res.Detail
	card.Passed = card.Score >= gt.Threshold && !res.Veto

	log.WithFields(logrus.Fields{
		"score":  card.Score,
		"passed": card.Passed,
	}).Debug("Gate scored draft")

	return card
}

type scoreOutcome struct {
	res Result
	err error
}

// runScorer bounds the scorer by the gate timeout even when it ignores
// its context.
func (c *Chain) runScorer(ctx context.Context, gt Gate, d *draft.Draft) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	done := make(chan scoreOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scoreOutcome{err: fmt.Errorf("scorer panicked: %v", r)}
			}
		}()

		res, err := gt.Scorer.Score(ctx, d)
		done <- scoreOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Aggregate returns the weighted mean score of cards. When all weights are
// zero it falls back to the plain mean.
func Aggregate(cards []ScoreCard) float64 {
	if len(cards) == 0 {
		return 0
	}

	var sum, weights, plain float64

	for _, c := range cards {
		sum += c.Weight * c.Score
		weights += c.Weight
		plain += c.Score
	}

	if weights <= 0 {
		return round2(plain / float64(len(cards)))
	}

	return round2(sum / weights)
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}

	if s > 100 {
		return 100
	}

	return round2(s)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
