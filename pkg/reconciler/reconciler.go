// Package reconciler resumes runs that a crashed or restarted process left
// in a non-terminal state.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/contentpipe/pkg/ledger"
)

// defaultConcurrency is the number of runs resumed in parallel when no
// explicit concurrency value is configured.
const defaultConcurrency = 2

// batchSize caps the stale runs picked up per pass.
const batchSize = 100

// StaleLister finds runs nobody has advanced for a while.
type StaleLister interface {
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]ledger.Run, error)
}

// Resumer continues runs from their last committed state.
type Resumer interface {
	Resume(ctx context.Context, runID string) (*ledger.Run, error)
	InFlight(runID string) bool
}

// Reconciler is a background service that periodically resumes stale runs.
type Reconciler interface {
	Start(ctx context.Context) error
	Stop() error
	// Pass runs one reconcile pass and returns the number of runs resumed.
	Pass(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log         logrus.FieldLogger
	lister      StaleLister
	resumer     Resumer
	interval    time.Duration
	staleAfter  time.Duration
	concurrency int
	now         func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. Runs untouched for staleAfter are
// resumed every interval.
func NewReconciler(
	log logrus.FieldLogger,
	lister StaleLister,
	resumer Resumer,
	interval, staleAfter time.Duration,
	concurrency int,
) Reconciler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &reconciler{
		log:         log.WithField("component", "reconciler"),
		lister:      lister,
		resumer:     resumer,
		interval:    interval,
		staleAfter:  staleAfter,
		concurrency: concurrency,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start runs one pass immediately in the background and then one per
// interval until Stop or ctx ends.
func (r *reconciler) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"interval":    r.interval.String(),
		"stale_after": r.staleAfter.String(),
		"concurrency": r.concurrency,
	}).Info("Starting reconciler")

	passCtx, cancel := context.WithCancel(ctx)

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer cancel()

		go func() {
			select {
			case <-r.done:
				cancel()
			case <-passCtx.Done():
			}
		}()

		r.runPass(passCtx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(passCtx)
			case <-passCtx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the reconciler to stop and waits for in-progress resumes to
// return. Interrupted runs stay at their last committed state.
func (r *reconciler) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()

	r.log.Info("Reconciler stopped")

	return nil
}

func (r *reconciler) runPass(ctx context.Context) {
	start := time.Now()

	resumed, err := r.Pass(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Reconcile pass failed")

		return
	}

	if resumed > 0 {
		r.log.WithFields(logrus.Fields{
			"resumed":  resumed,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("Reconcile pass completed")
	}
}

// Pass resumes every stale run not already executing in this process. A
// failed resume is logged and does not stop the pass.
func (r *reconciler) Pass(ctx context.Context) (int, error) {
	runs, err := r.lister.ListStaleRuns(ctx, r.now().Add(-r.staleAfter), batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale runs: %w", err)
	}

	if len(runs) == 0 {
		return 0, nil
	}

	r.log.WithField("stale_runs", len(runs)).Info("Found stale runs")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var resumed atomic.Int64

	for _, run := range runs {
		if r.resumer.InFlight(run.RunID) {
			continue
		}

		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			log := r.log.WithFields(logrus.Fields{
				"run_id": run.RunID,
				"state":  run.State,
			})

			final, err := r.resumer.Resume(gCtx, run.RunID)
			if err != nil {
				log.WithError(err).Warn("Failed to resume run")

				return nil //nolint:nilerr // log and continue
			}

			log.WithFields(logrus.Fields{
				"final_state": final.State,
				"reason":      final.Reason,
			}).Info("Resumed run")

			resumed.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(resumed.Load()), fmt.Errorf("resuming runs: %w", err)
	}

	return int(resumed.Load()), nil
}
