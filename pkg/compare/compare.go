// Package compare picks the candidate draft to gate first.
package compare

import (
	"errors"
	"slices"
	"strings"

	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/generation"
)

// ErrNoCandidates is returned when there is nothing to compare.
var ErrNoCandidates = errors.New("no candidates to compare")

// Projector is a fast, cheap estimate of how well a draft will do in the
// gate chain. It must be deterministic.
type Projector interface {
	Project(d *draft.Draft) float64
}

// ProjectorFunc adapts a function to the Projector interface.
type ProjectorFunc func(d *draft.Draft) float64

// Project calls f.
func (f ProjectorFunc) Project(d *draft.Draft) float64 {
	return f(d)
}

// Ranked is a candidate with its projected score.
type Ranked struct {
	generation.Candidate
	Projected float64
}

// Comparator orders candidates by projected score, then lower generation
// latency, then backend registration order.
type Comparator struct {
	projector Projector
}

// New creates a comparator. A nil projector uses Structure.
func New(p Projector) *Comparator {
	if p == nil {
		p = Structure{}
	}

	return &Comparator{projector: p}
}

// Rank returns every candidate, best first.
func (c *Comparator) Rank(candidates []generation.Candidate) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, cand := range candidates {
		ranked = append(ranked, Ranked{
			Candidate: cand,
			Projected: c.projector.Project(cand.Draft),
		})
	}

	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		switch {
		case a.Projected != b.Projected:
			if a.Projected > b.Projected {
				return -1
			}

			return 1
		case a.Draft.GenerationLatencyMs != b.Draft.GenerationLatencyMs:
			if a.Draft.GenerationLatencyMs < b.Draft.GenerationLatencyMs {
				return -1
			}

			return 1
		default:
			return a.Position - b.Position
		}
	})

	return ranked, nil
}

// Structure projects a score from length and structure conformance:
// word count, main section count, the expected Introduction, Conclusion
// and FAQ sections, the primary keyword in the title and tags.
type Structure struct{}

// Project implements Projector.
func (Structure) Project(d *draft.Draft) float64 {
	score := 0.0

	switch words := d.WordCount(); {
	case words >= 1200:
		score += 30
	case words >= 800:
		score += 25
	case words >= 400:
		score += 15
	default:
		score += 5
	}

	headings := d.Headings(2)

	switch n := len(headings); {
	case n >= 4 && n <= 8:
		score += 25
	case n >= 2:
		score += 15
	default:
		score += 5
	}

	for _, prefix := range []string{"introduction", "conclusion", "faq"} {
		if hasHeading(headings, prefix) {
			score += 10
		}
	}

	kw := strings.ToLower(d.Brief.PrimaryKeyword())
	if kw != "" && strings.Contains(strings.ToLower(d.Content.Title), kw) {
		score += 10
	}

	if len(d.Content.Tags) > 0 {
		score += 5
	}

	return score
}

func hasHeading(headings []string, prefix string) bool {
	for _, h := range headings {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(h)), prefix) {
			return true
		}
	}

	return false
}
