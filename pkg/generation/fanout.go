package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/retry"
)

// Candidate is one successful generation, already snapshotted.
type Candidate struct {
	Draft  *draft.Draft
	Digest string
	// Position is the backend's registration index.
	Position int
	Attempts int
	// Reused is set when the candidate was loaded from an earlier snapshot.
	Reused bool
}

// Result is the outcome of one fan-out. Candidates and Failures are in
// registration order.
type Result struct {
	Candidates []Candidate
	Failures   []*Error
}

// FanOut invokes every registered backend concurrently for one brief.
type FanOut struct {
	log      logrus.FieldLogger
	registry Registry
	store    artifact.Store
	policy   retry.Policy
	now      func() time.Time
}

// NewFanOut creates a fan-out over registry. Successful drafts are written
// to store before they are returned. policy is applied per backend to
// transient failures.
func NewFanOut(log logrus.FieldLogger, registry Registry, store artifact.Store, policy retry.Policy) *FanOut {
	return &FanOut{
		log:      log.WithField("component", "generation"),
		registry: registry,
		store:    store,
		policy:   policy.WithRetryable(IsTransient),
		now:      time.Now,
	}
}

// Run generates one candidate per backend. Backend failures are collected,
// not propagated; the error wraps ErrGenerationExhausted only when every
// backend failed. Candidates already snapshotted for runID are reused.
func (f *FanOut) Run(ctx context.Context, runID string, brief draft.Brief) (*Result, error) {
	entries := f.registry.Entries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no backends registered", ErrGenerationExhausted)
	}

	candidates := make([]*Candidate, len(entries))
	failures := make([]*Error, len(entries))

	// Failures never cancel sibling backends.
	var g errgroup.Group

	for i, entry := range entries {
		g.Go(func() error {
			c, err := f.generateOne(ctx, runID, brief, i, entry)
			if err != nil {
				failures[i] = err
			} else {
				candidates[i] = c
			}

			return nil
		})
	}

	_ = g.Wait()

	result := &Result{}

	for i := range entries {
		if candidates[i] != nil {
			result.Candidates = append(result.Candidates, *candidates[i])
		}

		if failures[i] != nil {
			result.Failures = append(result.Failures, failures[i])
		}
	}

	if len(result.Candidates) == 0 {
		return result, fmt.Errorf("%w: %w", ErrGenerationExhausted, errors.Join(errorList(result.Failures)...))
	}

	return result, nil
}

func (f *FanOut) generateOne(
	ctx context.Context,
	runID string,
	brief draft.Brief,
	position int,
	entry Entry,
) (*Candidate, *Error) {
	id := entry.Backend.ID()
	stage := artifact.CandidateStage(id)

	log := f.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"backend": id,
	})

	existing, err := f.loadCandidate(ctx, runID, stage)
	if err != nil {
		return nil, &Error{Backend: id, Kind: KindStorage, Err: err}
	}

	if existing != nil {
		log.Info("Reusing snapshotted candidate")

		existing.Position = position

		return existing, nil
	}

	var out *draft.Draft

	attempts, err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx := ctx

		if entry.Timeout > 0 {
			var cancel context.CancelFunc

			callCtx, cancel = context.WithTimeout(ctx, entry.Timeout)
			defer cancel()
		}

		start := f.now()

		d, err := entry.Backend.Generate(callCtx, brief)
		if err != nil {
			genErr := classify(callCtx, id, err)

			log.WithError(err).WithFields(logrus.Fields{
				"attempt":   attempt,
				"kind":      genErr.Kind,
				"transient": genErr.Transient,
			}).Warn("Generation attempt failed")

			return genErr
		}

		if d == nil || len(d.Content.Sections) == 0 {
			return &Error{Backend: id, Kind: KindMalformed, Err: draft.ErrMalformed}
		}

		if d.GenerationLatencyMs == 0 {
			d.GenerationLatencyMs = f.now().Sub(start).Milliseconds()
		}

		out = d

		return nil
	})
	if err != nil {
		return nil, classify(ctx, id, err)
	}

	out.RunID = runID
	out.SourceBackend = id
	out.Revision = 0
	out.Brief = brief

	if out.CreatedAt.IsZero() {
		out.CreatedAt = f.now().UTC()
	}

	digest, err := f.store.Put(ctx, runID, stage, out)
	if err != nil {
		if !errors.Is(err, artifact.ErrConflict) {
			return nil, &Error{Backend: id, Kind: KindStorage, Err: err}
		}

		// A concurrent resume snapshotted first; its copy is authoritative.
		existing, loadErr := f.loadCandidate(ctx, runID, stage)
		if loadErr != nil || existing == nil {
			return nil, &Error{Backend: id, Kind: KindStorage, Err: err}
		}

		existing.Position = position

		return existing, nil
	}

	log.WithFields(logrus.Fields{
		"attempts":   attempts,
		"latency_ms": out.GenerationLatencyMs,
		"words":      out.WordCount(),
	}).Info("Generated candidate")

	return &Candidate{
		Draft:    out,
		Digest:   digest,
		Position: position,
		Attempts: attempts,
	}, nil
}

func (f *FanOut) loadCandidate(ctx context.Context, runID, stage string) (*Candidate, error) {
	env, err := f.store.Get(ctx, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", stage, err)
	}

	if env == nil {
		return nil, nil
	}

	var d draft.Draft
	if err := env.Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", stage, err)
	}

	return &Candidate{Draft: &d, Digest: env.Digest, Reused: true}, nil
}

func errorList(errs []*Error) []error {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		out = append(out, e)
	}

	return out
}
