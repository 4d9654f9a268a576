package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
	"github.com/ethpandaops/contentpipe/pkg/generation"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/publish"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

// revisionError wraps a failure of the auto-revision capability.
type revisionError struct {
	err error
}

func (e *revisionError) Error() string { return "revision failed: " + e.err.Error() }
func (e *revisionError) Unwrap() error { return e.err }

// drive applies one step per committed state until the run is terminal.
// Every step derives its input from the ledger and artifact store, so a
// resumed run takes the same path as a fresh one.
func (o *Orchestrator) drive(ctx context.Context, run *ledger.Run) (*ledger.Run, error) {
	brief, err := run.DecodeBrief()
	if err != nil {
		return nil, fmt.Errorf("decoding brief: %w", err)
	}

	for !run.RunState().IsTerminal() {
		var next *ledger.Run

		switch run.RunState() {
		case runstate.Created:
			next, err = o.transition(ctx, run, runstate.Generating, 0, runstate.ReasonGenerationStarted, nil)
		case runstate.Generating:
			next, err = o.generate(ctx, run, brief)
		case runstate.Compared:
			next, err = o.selectCandidate(ctx, run)
		case runstate.Gating:
			next, err = o.evaluate(ctx, run)
		case runstate.Revising:
			next, err = o.revise(ctx, run)
		case runstate.Publishing:
			next, err = o.publish(ctx, run)
		default:
			return nil, fmt.Errorf("unexpected run state %s", run.State)
		}

		if errors.Is(err, errMissingArtifact) {
			return o.terminate(ctx, run, runstate.ReasonInternal, failureDetail{Error: err.Error()})
		}

		if err != nil {
			return nil, err
		}

		run = next
	}

	return run, nil
}

func (o *Orchestrator) generate(ctx context.Context, run *ledger.Run, brief draft.Brief) (*ledger.Run, error) {
	res, err := o.deps.Generator.Run(ctx, run.RunID, brief)
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, generation.ErrGenerationExhausted) {
			return nil, err
		}

		return o.terminate(ctx, run, runstate.ReasonGenerationExhausted, failureDetail{
			Error:    err.Error(),
			Failures: generationFailures(res),
		})
	}

	ranked, err := o.deps.Comparator.Rank(res.Candidates)
	if err != nil {
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}

	detail := comparedDetail{Failures: generationFailures(res)}

	for _, r := range ranked {
		stage := artifact.CandidateStage(r.Draft.SourceBackend)

		detail.Ranking = append(detail.Ranking, rankedCandidate{
			Backend:   r.Draft.SourceBackend,
			Stage:     stage,
			Digest:    r.Digest,
			Projected: r.Projected,
			LatencyMs: r.Draft.GenerationLatencyMs,
		})

		if err := o.recordDraft(ctx, run.RunID, stage, r.Digest, r.Draft, r.Projected); err != nil {
			return nil, err
		}
	}

	return o.advance(ctx, run, ledger.TransitionRequest{
		To:            runstate.Compared,
		Reason:        runstate.ReasonGenerated,
		RevisionCount: run.RevisionCount,
		WinnerBackend: ranked[0].Draft.SourceBackend,
		Detail:        detail,
	})
}

func (o *Orchestrator) selectCandidate(ctx context.Context, run *ledger.Run) (*ledger.Run, error) {
	cd, err := o.comparison(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	if len(cd.Ranking) == 0 {
		return nil, fmt.Errorf("%w: comparison recorded no candidates", errMissingArtifact)
	}

	winner := cd.Ranking[0]

	return o.transition(ctx, run, runstate.Gating, 0, runstate.ReasonCandidateSelected, gatingDetail{
		Stage:  winner.Stage,
		Digest: winner.Digest,
	})
}

func (o *Orchestrator) evaluate(ctx context.Context, run *ledger.Run) (*ledger.Run, error) {
	history, err := o.deps.Ledger.History(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	entered, err := lastInto(history, runstate.Gating)
	if err != nil {
		return nil, err
	}

	var gd gatingDetail
	if err := decodeDetail(entered, &gd); err != nil {
		return nil, err
	}

	evaluation := entered.Attempt

	d, err := o.loadDraft(ctx, run.RunID, gd.Stage, gd.Digest)
	if err != nil {
		return nil, err
	}

	ev, err := o.deps.Gates.Evaluate(ctx, d)
	if err != nil {
		return nil, err
	}

	if err := o.recordCards(ctx, run.RunID, evaluation, gd.Digest, d, ev); err != nil {
		return nil, err
	}

	failing := make([]string, 0, len(ev.Cards))
	for _, c := range ev.Failing() {
		failing = append(failing, c.GateName)
	}

	if ev.Passed {
		digest, err := o.deps.Store.Put(ctx, run.RunID, artifact.StageFinal, d)
		if err != nil {
			return nil, fmt.Errorf("snapshotting final draft: %w", err)
		}

		if err := o.recordDraft(ctx, run.RunID, artifact.StageFinal, digest, d, 0); err != nil {
			return nil, err
		}

		return o.advance(ctx, run, ledger.TransitionRequest{
			To:            runstate.Publishing,
			Reason:        runstate.ReasonGatesPassed,
			RevisionCount: run.RevisionCount,
			WinnerBackend: d.SourceBackend,
			Detail: publishingDetail{
				Stage:     artifact.StageFinal,
				Digest:    digest,
				Aggregate: ev.Aggregate,
			},
		})
	}

	if !gd.Fallback && run.RevisionCount < o.opts.MaxRevisions {
		return o.transition(ctx, run, runstate.Revising, evaluation, runstate.ReasonGatesFailed, revisingDetail{
			Stage:     gd.Stage,
			Digest:    gd.Digest,
			Candidate: gd.Candidate,
			Backend:   d.SourceBackend,
			Aggregate: ev.Aggregate,
			Failing:   failing,
		})
	}

	if next, ok := o.fallback(history, gd.Candidate); ok {
		return o.transition(ctx, run, runstate.Revising, evaluation, runstate.ReasonFallbackCandidate, revisingDetail{
			Stage:     next.Stage,
			Digest:    next.Digest,
			Candidate: gd.Candidate + 1,
			Backend:   next.Backend,
			Fallback:  true,
			Aggregate: ev.Aggregate,
			Failing:   failing,
		})
	}

	return o.terminate(ctx, run, runstate.ReasonGateBudgetExhausted, failureDetail{
		Aggregate: ev.Aggregate,
		Failing:   failing,
	})
}

func (o *Orchestrator) revise(ctx context.Context, run *ledger.Run) (*ledger.Run, error) {
	history, err := o.deps.Ledger.History(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	entered, err := lastInto(history, runstate.Revising)
	if err != nil {
		return nil, err
	}

	var rd revisingDetail
	if err := decodeDetail(entered, &rd); err != nil {
		return nil, err
	}

	nextEvaluation := entered.Attempt + 1

	if rd.Fallback {
		return o.advance(ctx, run, ledger.TransitionRequest{
			To:            runstate.Gating,
			Attempt:       nextEvaluation,
			Reason:        runstate.ReasonFallbackCandidate,
			RevisionCount: run.RevisionCount,
			WinnerBackend: rd.Backend,
			Detail: gatingDetail{
				Stage:     rd.Stage,
				Digest:    rd.Digest,
				Candidate: rd.Candidate,
				Fallback:  true,
			},
		})
	}

	source, err := o.loadDraft(ctx, run.RunID, rd.Stage, rd.Digest)
	if err != nil {
		return nil, err
	}

	failing, err := o.failingCards(ctx, run.RunID, entered.Attempt)
	if err != nil {
		return nil, err
	}

	stage := artifact.RevisionStage(run.RevisionCount + 1)

	revised, digest, err := o.loadOrRevise(ctx, run, stage, source, failing)
	if err != nil {
		var revErr *revisionError
		if !errors.As(err, &revErr) || ctx.Err() != nil {
			return nil, err
		}

		o.log.WithError(err).WithField("run_id", run.RunID).Warn("Revision failed")

		if next, ok := o.fallback(history, rd.Candidate); ok {
			return o.advance(ctx, run, ledger.TransitionRequest{
				To:            runstate.Gating,
				Attempt:       nextEvaluation,
				Reason:        runstate.ReasonFallbackCandidate,
				RevisionCount: run.RevisionCount,
				WinnerBackend: next.Backend,
				Detail: gatingDetail{
					Stage:     next.Stage,
					Digest:    next.Digest,
					Candidate: rd.Candidate + 1,
					Fallback:  true,
				},
			})
		}

		return o.terminate(ctx, run, runstate.ReasonRevisionFailed, failureDetail{Error: err.Error()})
	}

	if err := o.recordDraft(ctx, run.RunID, stage, digest, revised, 0); err != nil {
		return nil, err
	}

	return o.advance(ctx, run, ledger.TransitionRequest{
		To:            runstate.Gating,
		Attempt:       nextEvaluation,
		Reason:        runstate.ReasonRevised,
		RevisionCount: run.RevisionCount + 1,
		Detail: gatingDetail{
			Stage:     stage,
			Digest:    digest,
			Candidate: rd.Candidate,
		},
	})
}

// loadOrRevise returns the revision snapshotted under stage, or asks the
// reviser for one and snapshots it. A snapshot whose revision number does
// not match its stage cannot be trusted on resume.
func (o *Orchestrator) loadOrRevise(
	ctx context.Context,
	run *ledger.Run,
	stage string,
	source *draft.Draft,
	failing []gate.ScoreCard,
) (*draft.Draft, string, error) {
	revision, ok := artifact.ParseRevisionStage(stage)
	if !ok {
		return nil, "", fmt.Errorf("%q is not a revision stage", stage)
	}

	env, err := o.deps.Store.Get(ctx, run.RunID, stage)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w", stage, err)
	}

	if env != nil {
		var d draft.Draft
		if err := env.Decode(&d); err != nil {
			return nil, "", fmt.Errorf("%w: decoding %s: %v", errMissingArtifact, stage, err)
		}

		if d.Revision != revision {
			return nil, "", fmt.Errorf("%w: %s holds revision %d", errMissingArtifact, stage, d.Revision)
		}

		return &d, env.Digest, nil
	}

	var revised *draft.Draft

	_, err = o.opts.RevisionRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx := ctx

		if o.opts.RevisionTimeout > 0 {
			var cancel context.CancelFunc

			callCtx, cancel = context.WithTimeout(ctx, o.opts.RevisionTimeout)
			defer cancel()
		}

		d, err := o.deps.Reviser.Revise(callCtx, source, failing)
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"run_id":  run.RunID,
				"attempt": attempt,
			}).Warn("Revision attempt failed")

			return err
		}

		revised = d

		return nil
	})
	if err != nil {
		return nil, "", &revisionError{err: err}
	}

	if revised == nil || len(revised.Content.Sections) == 0 {
		return nil, "", &revisionError{err: draft.ErrMalformed}
	}

	revised.RunID = run.RunID
	revised.SourceBackend = source.SourceBackend
	revised.Brief = source.Brief
	revised.Revision = revision

	if revised.CreatedAt.IsZero() {
		revised.CreatedAt = o.now().UTC()
	}

	digest, err := o.deps.Store.Put(ctx, run.RunID, stage, revised)
	if err != nil {
		return nil, "", fmt.Errorf("snapshotting %s: %w", stage, err)
	}

	return revised, digest, nil
}

func (o *Orchestrator) publish(ctx context.Context, run *ledger.Run) (*ledger.Run, error) {
	history, err := o.deps.Ledger.History(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	entered, err := lastInto(history, runstate.Publishing)
	if err != nil {
		return nil, err
	}

	var pd publishingDetail
	if err := decodeDetail(entered, &pd); err != nil {
		return nil, err
	}

	d, err := o.loadDraft(ctx, run.RunID, pd.Stage, pd.Digest)
	if err != nil {
		return nil, err
	}

	out, err := o.deps.Publisher.Publish(ctx, run.RunID, d, pd.Digest)
	if err != nil {
		if ctx.Err() != nil || out == nil {
			return nil, err
		}

		reason := runstate.ReasonPublishPermanent
		if publish.IsTransient(err) {
			reason = runstate.ReasonPublishRetriesExhausted
		}

		return o.terminate(ctx, run, reason, failureDetail{
			Error:    err.Error(),
			Attempts: out.Attempts,
		})
	}

	next, err := o.deps.Ledger.CommitPublish(context.WithoutCancel(ctx), out.Record, ledger.TransitionRequest{
		RunID:         run.RunID,
		From:          runstate.Publishing,
		To:            runstate.Published,
		Reason:        runstate.ReasonPublished,
		RevisionCount: run.RevisionCount,
		Detail: publishedDetail{
			PostID:   out.Record.RemotePostID,
			URL:      out.Record.RemoteURL,
			Attempts: out.Record.AttemptCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("committing publish: %w", err)
	}

	if o.deps.Corpus != nil {
		o.deps.Corpus.Add(run.RunID, out.Record.PublishedAt, d.PlainText())
	}

	o.log.WithFields(logrus.Fields{
		"run_id":   run.RunID,
		"post_id":  out.Record.RemotePostID,
		"attempts": out.Record.AttemptCount,
		"reused":   out.Reused,
	}).Info("Run published")

	return next, nil
}

func (o *Orchestrator) transition(
	ctx context.Context,
	run *ledger.Run,
	to runstate.State,
	attempt int,
	reason string,
	detail any,
) (*ledger.Run, error) {
	return o.advance(ctx, run, ledger.TransitionRequest{
		To:            to,
		Attempt:       attempt,
		Reason:        reason,
		RevisionCount: run.RevisionCount,
		Detail:        detail,
	})
}

func (o *Orchestrator) advance(ctx context.Context, run *ledger.Run, req ledger.TransitionRequest) (*ledger.Run, error) {
	req.RunID = run.RunID
	req.From = run.RunState()

	next, err := o.deps.Ledger.Transition(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transitioning %s to %s: %w", req.From, req.To, err)
	}

	o.log.WithFields(logrus.Fields{
		"run_id":         run.RunID,
		"from":           req.From,
		"to":             req.To,
		"reason":         req.Reason,
		"revision_count": req.RevisionCount,
	}).Info("Run transitioned")

	return next, nil
}

// terminate moves run to its nearest failure state. The write outlives ctx
// so a timed out run still records why it stopped.
func (o *Orchestrator) terminate(
	ctx context.Context,
	run *ledger.Run,
	reason string,
	detail failureDetail,
) (*ledger.Run, error) {
	return o.advance(context.WithoutCancel(ctx), run, ledger.TransitionRequest{
		To:            run.RunState().FailureState(),
		Reason:        reason,
		RevisionCount: run.RevisionCount,
		Detail:        detail,
	})
}

func (o *Orchestrator) comparison(ctx context.Context, runID string) (*comparedDetail, error) {
	history, err := o.deps.Ledger.History(ctx, runID)
	if err != nil {
		return nil, err
	}

	return comparisonFrom(history)
}

func comparisonFrom(history []ledger.Transition) (*comparedDetail, error) {
	t, err := lastInto(history, runstate.Compared)
	if err != nil {
		return nil, err
	}

	var cd comparedDetail
	if err := decodeDetail(t, &cd); err != nil {
		return nil, err
	}

	return &cd, nil
}

// fallback returns the candidate ranked after current when falling back to
// runners-up is enabled.
func (o *Orchestrator) fallback(history []ledger.Transition, current int) (rankedCandidate, bool) {
	if !o.opts.FallbackToRunnerUp {
		return rankedCandidate{}, false
	}

	cd, err := comparisonFrom(history)
	if err != nil || current+1 >= len(cd.Ranking) {
		return rankedCandidate{}, false
	}

	return cd.Ranking[current+1], true
}

func (o *Orchestrator) loadDraft(ctx context.Context, runID, stage, digest string) (*draft.Draft, error) {
	env, err := o.deps.Store.Get(ctx, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", stage, err)
	}

	if env == nil {
		return nil, fmt.Errorf("%w: %s/%s", errMissingArtifact, runID, stage)
	}

	if digest != "" && env.Digest != digest {
		return nil, fmt.Errorf("%w: %s/%s has digest %s, ledger recorded %s",
			errMissingArtifact, runID, stage, env.Digest, digest)
	}

	var d draft.Draft
	if err := env.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", errMissingArtifact, stage, err)
	}

	return &d, nil
}

func (o *Orchestrator) recordDraft(
	ctx context.Context,
	runID, stage, digest string,
	d *draft.Draft,
	projected float64,
) error {
	cost, err := json.Marshal(d.TokenCost)
	if err != nil {
		return fmt.Errorf("marshaling token cost: %w", err)
	}

	return o.deps.Ledger.RecordDraft(ctx, &ledger.DraftRecord{
		RunID:          runID,
		Stage:          stage,
		SourceBackend:  d.SourceBackend,
		Revision:       d.Revision,
		Digest:         digest,
		Title:          d.Content.Title,
		WordCount:      d.WordCount(),
		ProjectedScore: projected,
		LatencyMs:      d.GenerationLatencyMs,
		TokenCost:      datatypes.JSON(cost),
	})
}

func (o *Orchestrator) recordCards(
	ctx context.Context,
	runID string,
	evaluation int,
	digest string,
	d *draft.Draft,
	ev *gate.Evaluation,
) error {
	cards := make([]ledger.ScoreCard, 0, len(ev.Cards))

	for i, c := range ev.Cards {
		cards = append(cards, ledger.ScoreCard{
			RunID:         runID,
			Evaluation:    evaluation,
			GateName:      c.GateName,
			Position:      i,
			Revision:      d.Revision,
			SourceBackend: d.SourceBackend,
			DraftDigest:   digest,
			Score:         c.Score,
			Passed:        c.Passed,
			Detail:        c.Detail,
			Weight:        c.Weight,
			Mandatory:     c.Mandatory,
		})
	}

	return o.deps.Ledger.RecordScoreCards(ctx, cards)
}

func (o *Orchestrator) failingCards(ctx context.Context, runID string, evaluation int) ([]gate.ScoreCard, error) {
	cards, err := o.deps.Ledger.ListScoreCards(ctx, runID)
	if err != nil {
		return nil, err
	}

	failing := make([]gate.ScoreCard, 0, len(cards))

	for _, c := range cards {
		if c.Evaluation != evaluation || c.Passed {
			continue
		}

		failing = append(failing, gate.ScoreCard{
			GateName:  c.GateName,
			Score:     c.Score,
			Passed:    c.Passed,
			Detail:    c.Detail,
			Weight:    c.Weight,
			Mandatory: c.Mandatory,
		})
	}

	return failing, nil
}

func generationFailures(res *generation.Result) []generationFailure {
	if res == nil {
		return nil
	}

	out := make([]generationFailure, 0, len(res.Failures))
	for _, f := range res.Failures {
		out = append(out, generationFailure{
			Backend: f.Backend,
			Kind:    string(f.Kind),
			Error:   f.Err.Error(),
		})
	}

	return out
}
