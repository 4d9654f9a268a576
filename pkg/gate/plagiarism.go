package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/draft"
)

const shingleSize = 5

// Corpus holds 5-word shingles of previously published drafts keyed by run.
// The corpus grows as runs publish, so lookups take an as-of time and only
// see entries published before it. It is safe for concurrent use.
type Corpus struct {
	mu   sync.RWMutex
	runs map[string]corpusEntry
}

type corpusEntry struct {
	publishedAt time.Time
	shingles    map[string]struct{}
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{runs: make(map[string]corpusEntry, 16)}
}

// Add registers the text runID published at publishedAt, replacing any
// previous text.
func (c *Corpus) Add(runID string, publishedAt time.Time, text string) {
	entry := corpusEntry{publishedAt: publishedAt, shingles: shingles(text)}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs[runID] = entry
}

// Len returns the number of runs in the corpus.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.runs)
}

// Overlap returns the percentage of text's shingles found in entries
// published before asOf, ignoring the entry of runID itself. A zero asOf
// sees every entry.
func (c *Corpus) Overlap(runID string, asOf time.Time, text string) float64 {
	own := shingles(text)
	if len(own) == 0 {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := 0

	for sh := range own {
		for id, entry := range c.runs {
			if id == runID || (!asOf.IsZero() && !entry.publishedAt.Before(asOf)) {
				continue
			}

			if _, ok := entry.shingles[sh]; ok {
				hits++

				break
			}
		}
	}

	return float64(hits) / float64(len(own)) * 100
}

// LoadCorpus builds a corpus from the final-stage artifacts of every run in
// store. Unreadable artifacts are skipped.
func LoadCorpus(ctx context.Context, log logrus.FieldLogger, store artifact.Store) (*Corpus, error) {
	log = log.WithField("component", "plagiarism-corpus")

	runIDs, err := store.ListRunIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	corpus := NewCorpus()

	for _, runID := range runIDs {
		env, err := store.Get(ctx, runID, artifact.StageFinal)
		if err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("Skipping unreadable final draft")

			continue
		}

		if env == nil {
			continue
		}

		var d draft.Draft
		if err := env.Decode(&d); err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("Skipping undecodable final draft")

			continue
		}

		corpus.Add(runID, env.CreatedAt, d.PlainText())
	}

	log.WithField("runs", corpus.Len()).Info("Loaded plagiarism corpus")

	return corpus, nil
}

func shingles(text string) map[string]struct{} {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) < shingleSize {
		return nil
	}

	out := make(map[string]struct{}, len(tokens)-shingleSize+1)
	for i := 0; i+shingleSize <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+shingleSize], " ")] = struct{}{}
	}

	return out
}

// Plagiarism scores 100 minus the shingle overlap with the corpus and
// vetoes drafts whose overlap exceeds MaxOverlap percent. Only posts
// published before the draft was created count, so a draft keeps its score
// when later runs publish.
type Plagiarism struct {
	Corpus     *Corpus
	MaxOverlap float64
}

// Score implements Scorer.
func (p Plagiarism) Score(_ context.Context, d *draft.Draft) (Result, error) {
	overlap := 0.0
	if p.Corpus != nil {
		overlap = p.Corpus.Overlap(d.RunID, d.CreatedAt, d.PlainText())
	}

	return Result{
		Score:  100 - overlap,
		Detail: fmt.Sprintf("overlap=%.1f%% max=%.1f%%", overlap, p.MaxOverlap),
		Veto:   overlap > p.MaxOverlap,
	}, nil
}
