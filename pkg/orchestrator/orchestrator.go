// Package orchestrator owns the run state machine. It sequences
// generation, comparison, the gate chain with its revision loop and the
// publish hand-off, and is the only writer of run state transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/compare"
	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
	"github.com/ethpandaops/contentpipe/pkg/generation"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/publish"
	"github.com/ethpandaops/contentpipe/pkg/retry"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

var (
	// ErrRunInFlight is returned when the run is already executing in this
	// process.
	ErrRunInFlight = errors.New("run is already executing")

	// ErrInvalidBrief is returned by Submit for briefs without a topic.
	ErrInvalidBrief = errors.New("brief requires a topic")

	// ErrRunTimeout is the cancellation cause when the run deadline passes.
	ErrRunTimeout = errors.New("run timed out")

	// ErrRunCancelled is the cancellation cause set by Cancel.
	ErrRunCancelled = errors.New("run cancelled")
)

// Generator produces candidate drafts for a run.
type Generator interface {
	Run(ctx context.Context, runID string, brief draft.Brief) (*generation.Result, error)
}

// Evaluator runs the quality gate chain over one draft.
type Evaluator interface {
	Evaluate(ctx context.Context, d *draft.Draft) (*gate.Evaluation, error)
}

// Publisher performs the at-most-once publish of a run.
type Publisher interface {
	Publish(ctx context.Context, runID string, d *draft.Draft, digest string) (*publish.Outcome, error)
}

// Options are the run-level limits.
type Options struct {
	MaxRevisions       int
	FallbackToRunnerUp bool
	// RunTimeout bounds one execution from GENERATING to PUBLISHING.
	// Zero disables it.
	RunTimeout      time.Duration
	RevisionTimeout time.Duration
	RevisionRetry   retry.Policy
}

// OptionsFromConfig derives Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRevisions:       cfg.Revision.MaxRevisions,
		FallbackToRunnerUp: cfg.Revision.FallbackToRunnerUp,
		RunTimeout:         cfg.Pipeline.RunTimeoutDuration(),
		RevisionTimeout:    cfg.Revision.TimeoutDuration(),
		RevisionRetry:      cfg.Revision.Retry.Policy(),
	}
}

// Deps are the collaborators the orchestrator sequences.
type Deps struct {
	Ledger     ledger.Ledger
	Store      artifact.Store
	Generator  Generator
	Comparator *compare.Comparator
	Gates      Evaluator
	Reviser    generation.Reviser
	Publisher  Publisher
	// Corpus receives published drafts for the plagiarism gate. Optional.
	Corpus *gate.Corpus
}

// Orchestrator drives runs to a terminal state.
type Orchestrator struct {
	log  logrus.FieldLogger
	opts Options
	deps Deps

	// inflight maps run IDs executing in this process to their cancel func.
	inflight sync.Map
	now      func() time.Time
}

// New creates an orchestrator.
func New(log logrus.FieldLogger, opts Options, deps Deps) *Orchestrator {
	if deps.Comparator == nil {
		deps.Comparator = compare.New(nil)
	}

	opts.RevisionRetry = opts.RevisionRetry.WithRetryable(generation.IsTransient)

	return &Orchestrator{
		log:  log.WithField("component", "orchestrator"),
		opts: opts,
		deps: deps,
		now:  time.Now,
	}
}

// Submit records a new run for brief in CREATED.
func (o *Orchestrator) Submit(ctx context.Context, brief draft.Brief) (*ledger.Run, error) {
	brief.Topic = strings.TrimSpace(brief.Topic)
	if brief.Topic == "" {
		return nil, ErrInvalidBrief
	}

	run, err := o.deps.Ledger.CreateRun(ctx, brief)
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"topic":  brief.Topic,
	}).Info("Run submitted")

	return run, nil
}

// Run submits brief and executes the run to completion.
func (o *Orchestrator) Run(ctx context.Context, brief draft.Brief) (*ledger.Run, error) {
	run, err := o.Submit(ctx, brief)
	if err != nil {
		return nil, err
	}

	return o.Execute(ctx, run.RunID)
}

// Resume continues a run from its last committed state. Terminal runs are
// returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*ledger.Run, error) {
	return o.Execute(ctx, runID)
}

// InFlight reports whether runID is executing in this process.
func (o *Orchestrator) InFlight(runID string) bool {
	_, ok := o.inflight.Load(runID)

	return ok
}

// Cancel stops a run. An in-flight run is interrupted and recorded as
// CANCELLED by its executor; an idle non-terminal run is failed directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*ledger.Run, error) {
	if v, ok := o.inflight.Load(runID); ok {
		v.(context.CancelCauseFunc)(ErrRunCancelled)

		return o.deps.Ledger.GetRun(ctx, runID)
	}

	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.RunState().IsTerminal() {
		return nil, fmt.Errorf("%w: run is in terminal state %s", ledger.ErrInvalidTransition, run.State)
	}

	return o.terminate(ctx, run, runstate.ReasonCancelled, failureDetail{Error: ErrRunCancelled.Error()})
}

// Execute drives runID until it reaches a terminal state. A run timeout
// or Cancel moves it to the nearest failure state. When ctx itself ends the
// run is left at its last committed state for a later Resume.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*ledger.Run, error) {
	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.RunState().IsTerminal() {
		return run, nil
	}

	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if _, loaded := o.inflight.LoadOrStore(runID, cancel); loaded {
		return nil, fmt.Errorf("%w: %s", ErrRunInFlight, runID)
	}

	defer o.inflight.Delete(runID)

	runCtx := cancelCtx

	if o.opts.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc

		runCtx, cancelTimeout = context.WithTimeoutCause(cancelCtx, o.opts.RunTimeout, ErrRunTimeout)
		defer cancelTimeout()
	}

	log := o.log.WithField("run_id", runID)
	log.WithField("state", run.State).Info("Executing run")

	final, err := o.drive(runCtx, run)
	if err == nil {
		log.WithFields(logrus.Fields{
			"state":          final.State,
			"reason":         final.Reason,
			"revision_count": final.RevisionCount,
		}).Info("Run finished")

		return final, nil
	}

	if runCtx.Err() == nil || ctx.Err() != nil {
		log.WithError(err).Warn("Run interrupted, left for resume")

		return nil, err
	}

	reason := runstate.ReasonRunTimeout
	if errors.Is(context.Cause(runCtx), ErrRunCancelled) {
		reason = runstate.ReasonCancelled
	}

	current, getErr := o.deps.Ledger.GetRun(context.WithoutCancel(ctx), runID)
	if getErr != nil {
		return nil, errors.Join(err, getErr)
	}

	if current.RunState().IsTerminal() {
		return current, nil
	}

	return o.terminate(ctx, current, reason, failureDetail{Error: err.Error()})
}
