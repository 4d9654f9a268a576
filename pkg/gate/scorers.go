package gate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ethpandaops/contentpipe/pkg/draft"
)

var (
	tokenRe = regexp.MustCompile(`[a-z0-9]+`)
	wordRe  = regexp.MustCompile(`\w+`)
	linkRe  = regexp.MustCompile(`\((https?://[^)\s]+)\)`)
)

// Readability scores Flesch reading ease over the plain-text body.
type Readability struct{}

// Score implements Scorer.
func (Readability) Score(_ context.Context, d *draft.Draft) (Result, error) {
	text := d.PlainText()

	ease := FleschReadingEase(text)

	return Result{
		Score:  ease,
		Detail: fmt.Sprintf("flesch=%.1f", ease),
	}, nil
}

// FleschReadingEase returns the Flesch reading ease of text.
func FleschReadingEase(text string) float64 {
	sentences := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	if sentences < 1 {
		sentences = 1
	}

	words := wordRe.FindAllString(text, -1)

	numWords := len(words)
	if numWords < 1 {
		numWords = 1
	}

	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}

	return 206.835 -
		1.015*(float64(numWords)/float64(sentences)) -
		84.6*(float64(syllables)/float64(numWords))
}

func countSyllables(word string) int {
	word = strings.ToLower(word)

	count := 0
	prevVowel := false

	for _, r := range word {
		isVowel := strings.ContainsRune("aeiouy", r)
		if isVowel && !prevVowel {
			count++
		}

		prevVowel = isVowel
	}

	if strings.HasSuffix(word, "e") {
		count = max(1, count-1)
	}

	return max(count, 1)
}

// Relevance scores how well the body covers the brief: keyword coverage
// weighted 0.7 plus term-frequency cosine similarity weighted 0.3.
type Relevance struct{}

// Score implements Scorer.
func (Relevance) Score(_ context.Context, d *draft.Draft) (Result, error) {
	brief := d.Brief.Topic + " " + strings.Join(d.Brief.Keywords, " ")

	briefTokens := tokenize(brief)
	bodyTokens := tokenize(d.PlainText())

	if len(briefTokens) == 0 || len(bodyTokens) == 0 {
		return Result{Detail: "coverage=0.00 cosine=0.00"}, nil
	}

	present := make(map[string]struct{}, len(bodyTokens))
	for _, t := range bodyTokens {
		present[t] = struct{}{}
	}

	covered := 0
	for _, t := range briefTokens {
		if _, ok := present[t]; ok {
			covered++
		}
	}

	coverage := float64(covered) / float64(len(briefTokens))
	cos := cosine(termFrequency(briefTokens), termFrequency(bodyTokens))

	return Result{
		Score:  (coverage*0.7 + cos*0.3) * 100,
		Detail: fmt.Sprintf("coverage=%.2f cosine=%.2f", coverage, cos),
	}, nil
}

func tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

func termFrequency(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	return tf
}

func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64

	for t, v := range a {
		normA += v * v

		if w, ok := b[t]; ok {
			dot += v * w
		}
	}

	for _, w := range b {
		normB += w * w
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SEO starts at 100 and subtracts fixed penalties for common on-page
// problems.
type SEO struct{}

// Score implements Scorer.
func (SEO) Score(_ context.Context, d *draft.Draft) (Result, error) {
	score := 100.0
	notes := make([]string, 0, 6)

	title := d.Content.Title
	if n := len([]rune(title)); n < 45 || n > 65 {
		score -= 8
		notes = append(notes, fmt.Sprintf("title_length=%d", n))
	}

	kw := strings.ToLower(d.Brief.PrimaryKeyword())
	if kw != "" && !strings.Contains(strings.ToLower(title), kw) {
		score -= 10
		notes = append(notes, "keyword_in_title=missing")
	}

	switch words := d.WordCount(); {
	case words < 600:
		score -= 15
		notes = append(notes, fmt.Sprintf("word_count=low(%d)", words))
	case words < 1000:
		score -= 5
		notes = append(notes, fmt.Sprintf("word_count=medium(%d)", words))
	}

	switch sections := len(d.Headings(2)); {
	case sections < 4:
		score -= 12
		notes = append(notes, fmt.Sprintf("sections=too_few(%d)", sections))
	case sections > 8:
		score -= 5
		notes = append(notes, fmt.Sprintf("sections=too_many(%d)", sections))
	}

	if kw != "" {
		switch n := strings.Count(strings.ToLower(d.PlainText()), kw); {
		case n < 2:
			score -= 10
			notes = append(notes, fmt.Sprintf("keyword_uses=%d", n))
		case n > 8:
			score -= 5
			notes = append(notes, fmt.Sprintf("keyword_stuffing=%d", n))
		}
	}

	if !linkRe.MatchString(d.Markdown()) {
		score -= 8
		notes = append(notes, "links=missing")
	}

	detail := "ok"
	if len(notes) > 0 {
		detail = strings.Join(notes, " ")
	}

	return Result{Score: score, Detail: detail}, nil
}
