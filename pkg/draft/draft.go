// Package draft holds the brief and draft article types shared by every
// pipeline stage, plus the Markdown parser and HTML renderer used at the
// generation and publish boundaries.
package draft

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrMalformed indicates generated text could not be turned into a structured body.
var ErrMalformed = errors.New("malformed draft")

// Brief is the input topic and instructions for one pipeline run.
type Brief struct {
	Topic        string   `json:"topic" yaml:"topic"`
	Tone         string   `json:"tone,omitempty" yaml:"tone,omitempty"`
	Keywords     []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// PrimaryKeyword returns the first keyword, or the topic if none are set.
func (b Brief) PrimaryKeyword() string {
	for _, kw := range b.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			return kw
		}
	}

	return strings.TrimSpace(b.Topic)
}

// Section is one headed block of the article body.
type Section struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
	Body    string `json:"body"`
}

// Content is the structured article body.
type Content struct {
	Title      string            `json:"title"`
	Slug       string            `json:"slug"`
	Sections   []Section         `json:"sections"`
	Tags       []string          `json:"tags,omitempty"`
	Categories []string          `json:"categories,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// TokenCost is advisory generation telemetry.
type TokenCost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Draft is a candidate article body produced by one generation backend, or
// a revision of one.
type Draft struct {
	RunID               string    `json:"run_id"`
	SourceBackend       string    `json:"source_backend"`
	Revision            int       `json:"revision"`
	Brief               Brief     `json:"brief"`
	Content             Content   `json:"content"`
	GenerationLatencyMs int64     `json:"generation_latency_ms"`
	TokenCost           TokenCost `json:"token_cost"`
	CreatedAt           time.Time `json:"created_at"`
}

// WordCount returns the number of words in the plain-text body.
func (d *Draft) WordCount() int {
	return len(wordRe.FindAllString(d.PlainText(), -1))
}

// PlainText returns the title, headings and bodies without Markdown markers.
func (d *Draft) PlainText() string {
	var b strings.Builder

	b.WriteString(d.Content.Title)

	for _, s := range d.Content.Sections {
		if s.Heading != "" {
			b.WriteString("\n\n")
			b.WriteString(s.Heading)
		}

		if body := stripInline(s.Body); body != "" {
			b.WriteString("\n\n")
			b.WriteString(body)
		}
	}

	return strings.TrimSpace(b.String())
}

// Markdown renders the structured body back into Markdown.
func (d *Draft) Markdown() string {
	var b strings.Builder

	if d.Content.Title != "" {
		b.WriteString("# ")
		b.WriteString(d.Content.Title)
		b.WriteString("\n\n")
	}

	for _, s := range d.Content.Sections {
		if s.Heading != "" {
			b.WriteString(strings.Repeat("#", headingLevel(s.Level)))
			b.WriteString(" ")
			b.WriteString(s.Heading)
			b.WriteString("\n\n")
		}

		if body := strings.TrimSpace(s.Body); body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
	}

	return strings.TrimSpace(b.String())
}

// Headings returns the headings of all sections at the given level.
func (d *Draft) Headings(level int) []string {
	var out []string

	for _, s := range d.Content.Sections {
		if s.Heading != "" && headingLevel(s.Level) == level {
			out = append(out, s.Heading)
		}
	}

	return out
}

// Clone returns a deep copy so revisions never mutate a prior draft.
func (d *Draft) Clone() *Draft {
	c := *d
	c.Brief.Keywords = append([]string(nil), d.Brief.Keywords...)
	c.Content.Sections = append([]Section(nil), d.Content.Sections...)
	c.Content.Tags = append([]string(nil), d.Content.Tags...)
	c.Content.Categories = append([]string(nil), d.Content.Categories...)

	if d.Content.Meta != nil {
		c.Content.Meta = make(map[string]string, len(d.Content.Meta))
		for k, v := range d.Content.Meta {
			c.Content.Meta[k] = v
		}
	}

	return &c
}

var (
	wordRe    = regexp.MustCompile(`\w+`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	slugStrip = regexp.MustCompile(`[^\w\s-]`)
	slugSpace = regexp.MustCompile(`[\s_]+`)
)

// Slugify turns a title into a URL slug.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpace.ReplaceAllString(s, "-")

	return strings.Trim(s, "-")
}

func stripInline(text string) string {
	text = linkRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := bulletRe.FindStringSubmatch(trimmed); m != nil {
			trimmed = m[1]
		}

		lines[i] = trimmed
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func headingLevel(level int) int {
	if level < 2 {
		return 2
	}

	if level > 3 {
		return 3
	}

	return level
}
