package publish

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/contentpipe/pkg/ledger"
)

const telemetryConcurrency = 4

// ViewStore reads publish records and appends view samples.
type ViewStore interface {
	ListPublishRecords(ctx context.Context, limit int) ([]ledger.PublishRecord, error)
	RecordPostView(ctx context.Context, view *ledger.PostView) error
}

// CollectViews samples the view count of the limit most recently published
// posts and appends one PostView per post. A failed fetch is logged and
// skipped. It returns the number of samples recorded.
func CollectViews(
	ctx context.Context,
	log logrus.FieldLogger,
	views ViewStore,
	stats StatsReader,
	site string,
	limit int,
) (int, error) {
	log = log.WithField("component", "telemetry")

	records, err := views.ListPublishRecords(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing publish records: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(telemetryConcurrency)

	var recorded atomic.Int64

	for _, rec := range records {
		g.Go(func() error {
			count, err := stats.PostViews(gCtx, rec.RemotePostID)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"run_id":  rec.RunID,
					"post_id": rec.RemotePostID,
				}).Warn("Failed to fetch post views")

				return nil //nolint:nilerr // log and continue
			}

			if err := views.RecordPostView(gCtx, &ledger.PostView{
				RunID:        rec.RunID,
				RemotePostID: rec.RemotePostID,
				Site:         site,
				Views:        count,
			}); err != nil {
				return err
			}

			recorded.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(recorded.Load()), fmt.Errorf("recording post views: %w", err)
	}

	return int(recorded.Load()), nil
}
