package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
)

func TestFleschReadingEase(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 119.19, FleschReadingEase("The cat sat."), 0.01)

	hard := FleschReadingEase("Comprehensive organizational infrastructure modernization initiatives necessitate considerable deliberation.")
	assert.Less(t, hard, 0.0)
}

func TestCountSyllables(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"cat":     1,
		"the":     1,
		"backup":  2,
		"storage": 2,
		"a":       1,
		"rhythm":  1,
	}

	for word, want := range tests {
		assert.Equal(t, want, countSyllables(word), word)
	}
}

func TestReadabilityClampedByChain(t *testing.T) {
	t.Parallel()

	chain := NewChain(testLogger(), []Gate{
		{Name: config.GateReadability, Threshold: 60, Weight: 1, Scorer: Readability{}},
	}, 0, 0)

	d := sampleDraft()
	d.Content.Title = "Go"
	d.Content.Sections = []draft.Section{{Level: 2, Body: "We go. I do. It is."}}

	eval, err := chain.Evaluate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 100.0, eval.Cards[0].Score)
	assert.True(t, eval.Cards[0].Passed)
	assert.True(t, strings.HasPrefix(eval.Cards[0].Detail, "flesch="))
}

func TestRelevance(t *testing.T) {
	t.Parallel()

	t.Run("fully covered", func(t *testing.T) {
		d := &draft.Draft{
			Brief:   draft.Brief{Topic: "backups"},
			Content: draft.Content{Title: "Backups"},
		}

		res, err := Relevance{}.Score(context.Background(), d)
		require.NoError(t, err)
		assert.InDelta(t, 100.0, res.Score, 0.001)
	})

	t.Run("unrelated body", func(t *testing.T) {
		d := &draft.Draft{
			Brief:   draft.Brief{Topic: "backups"},
			Content: draft.Content{Title: "Gardening tips"},
		}

		res, err := Relevance{}.Score(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, 0.0, res.Score)
	})

	t.Run("empty brief", func(t *testing.T) {
		res, err := Relevance{}.Score(context.Background(), &draft.Draft{})
		require.NoError(t, err)
		assert.Equal(t, 0.0, res.Score)
	})
}

func TestSEOPenalties(t *testing.T) {
	t.Parallel()

	res, err := SEO{}.Score(context.Background(), sampleDraft())
	require.NoError(t, err)

	// title length, word count, section count and missing links.
	assert.Equal(t, 57.0, res.Score)
	assert.Contains(t, res.Detail, "title_length=7")
	assert.Contains(t, res.Detail, "sections=too_few(1)")
	assert.Contains(t, res.Detail, "links=missing")
	assert.NotContains(t, res.Detail, "keyword_in_title")
}

func TestSEOKeywordMissing(t *testing.T) {
	t.Parallel()

	d := sampleDraft()
	d.Brief.Keywords = []string{"disaster recovery"}

	res, err := SEO{}.Score(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, 37.0, res.Score)
	assert.Contains(t, res.Detail, "keyword_in_title=missing")
	assert.Contains(t, res.Detail, "keyword_uses=0")
}

func TestPlagiarism(t *testing.T) {
	t.Parallel()

	text := "backups protect your data from loss and they are cheap"

	corpus := NewCorpus()
	corpus.Add("old-run", time.Time{}, text)

	copied := &draft.Draft{RunID: "new-run", Content: draft.Content{Title: text}}

	res, err := Plagiarism{Corpus: corpus, MaxOverlap: 35}.Score(context.Background(), copied)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
	assert.True(t, res.Veto)

	own := &draft.Draft{RunID: "old-run", Content: draft.Content{Title: text}}

	res, err = Plagiarism{Corpus: corpus, MaxOverlap: 35}.Score(context.Background(), own)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Score)
	assert.False(t, res.Veto)

	res, err = Plagiarism{MaxOverlap: 35}.Score(context.Background(), copied)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Score)
}

func TestPlagiarism_LaterPublishesDoNotChangeScore(t *testing.T) {
	t.Parallel()

	text := "backups protect your data from loss and they are cheap"
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	corpus := NewCorpus()
	scorer := Plagiarism{Corpus: corpus, MaxOverlap: 35}
	d := &draft.Draft{RunID: "run-b", Content: draft.Content{Title: text}, CreatedAt: created}

	before, err := scorer.Score(context.Background(), d)
	require.NoError(t, err)

	corpus.Add("run-a", created.Add(time.Minute), text)

	after, err := scorer.Score(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 100.0, after.Score)

	// A draft created after run-a published does see it.
	later := d.Clone()
	later.CreatedAt = created.Add(time.Hour)

	res, err := scorer.Score(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
	assert.True(t, res.Veto)
}

func TestLoadCorpus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := artifact.NewLocal(testLogger(), &config.LocalArtifactsConfig{Enabled: true, Dir: t.TempDir()})

	published := sampleDraft()
	published.Content.Sections[0].Body = "backups protect your data from loss and they are cheap"

	_, err := store.Put(ctx, "run-1", artifact.StageFinal, published)
	require.NoError(t, err)

	_, err = store.Put(ctx, "run-2", artifact.CandidateStage("alpha"), sampleDraft())
	require.NoError(t, err)

	corpus, err := LoadCorpus(ctx, testLogger(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, corpus.Len())
	assert.InDelta(t, 100.0, corpus.Overlap("run-3", time.Time{}, published.PlainText()), 0.001)
}
