package publish

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/retry"
)

// RecordLookup is the ledger point lookup done before any publish attempt.
type RecordLookup interface {
	GetPublishRecord(ctx context.Context, runID string) (*ledger.PublishRecord, error)
}

// Outcome is the result of Coordinator.Publish. Record is not yet
// committed unless Reused is set.
type Outcome struct {
	Record   *ledger.PublishRecord
	Reused   bool
	Attempts int
}

// Coordinator publishes a run's draft at most once.
type Coordinator struct {
	log       logrus.FieldLogger
	cfg       *config.PublishConfig
	records   RecordLookup
	publisher Publisher
	policy    retry.Policy
	now       func() time.Time
}

// NewCoordinator creates a coordinator using the retry policy and timeout
// from cfg.
func NewCoordinator(
	log logrus.FieldLogger,
	cfg *config.PublishConfig,
	records RecordLookup,
	publisher Publisher,
) *Coordinator {
	return &Coordinator{
		log:       log.WithField("component", "publish"),
		cfg:       cfg,
		records:   records,
		publisher: publisher,
		policy:    cfg.Retry.Policy().WithRetryable(IsTransient),
		now:       time.Now,
	}
}

// Render builds the post for d.
func (c *Coordinator) Render(d *draft.Draft) (Post, error) {
	html, err := draft.RenderHTML(d.Content)
	if err != nil {
		return Post{}, fmt.Errorf("rendering html: %w", err)
	}

	excerpt, err := draft.Excerpt(html, c.cfg.ExcerptLength)
	if err != nil {
		return Post{}, fmt.Errorf("building excerpt: %w", err)
	}

	categories := slices.Clone(c.cfg.Categories)
	for _, cat := range d.Content.Categories {
		if !slices.Contains(categories, cat) {
			categories = append(categories, cat)
		}
	}

	return Post{
		Title:      d.Content.Title,
		Content:    html,
		Excerpt:    excerpt,
		Slug:       d.Content.Slug,
		Status:     c.cfg.Status,
		Tags:       d.Content.Tags,
		Categories: categories,
	}, nil
}

// Publish returns the run's committed record when one exists. Otherwise
// it publishes d, retrying transient failures with the run's idempotency
// key, and returns the record to commit. On failure the returned outcome
// still carries the attempt count.
func (c *Coordinator) Publish(ctx context.Context, runID string, d *draft.Draft, digest string) (*Outcome, error) {
	log := c.log.WithField("run_id", runID)

	existing, err := c.records.GetPublishRecord(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checking publish record: %w", err)
	}

	if existing != nil {
		log.WithField("post_id", existing.RemotePostID).Info("Publish record already committed")

		return &Outcome{Record: existing, Reused: true, Attempts: existing.AttemptCount}, nil
	}

	post, err := c.Render(d)
	if err != nil {
		return &Outcome{}, &Error{Class: ClassPermanent, Err: err}
	}

	key := IdempotencyKey(runID)
	timeout := c.cfg.TimeoutDuration()

	var receipt *Receipt

	attempts, err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx := ctx

		if timeout > 0 {
			var cancel context.CancelFunc

			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		r, err := c.publisher.Publish(callCtx, post, key)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"attempt":   attempt,
				"transient": IsTransient(err),
			}).Warn("Publish attempt failed")

			return err
		}

		receipt = r

		return nil
	})
	if err != nil {
		return &Outcome{Attempts: attempts}, err
	}

	return &Outcome{
		Attempts: attempts,
		Record: &ledger.PublishRecord{
			RunID:          runID,
			IdempotencyKey: key,
			RemotePostID:   receipt.PostID,
			RemoteURL:      receipt.URL,
			DraftDigest:    digest,
			PublishedAt:    c.now().UTC(),
			AttemptCount:   attempts,
		},
	}, nil
}
