package generation

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
)

const (
	writerSystemPrompt = "You are a senior editor writing WordPress.com-ready blog posts in Markdown."
	editorSystemPrompt = "You are an expert editor who improves drafts for WordPress.com readers."
)

type tone struct {
	hint        string
	temperature float64
}

var tones = map[string]tone{
	"practical":     {hint: "direct, concise, action-oriented for busy operators", temperature: 0.5},
	"technical":     {hint: "precise, detail-heavy, assumes reader familiarity with developer tooling", temperature: 0.4},
	"authoritative": {hint: "confident, expert voice with decisive recommendations", temperature: 0.3},
	"friendly":      {hint: "approachable, conversational, encouraging tone", temperature: 0.7},
}

const defaultTemperature = 0.5

func toneInstruction(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "Use a confident, helpful editorial tone that balances expertise with clarity."
	}

	if t, ok := tones[name]; ok {
		return fmt.Sprintf("Adopt a %s tone (%s).", name, t.hint)
	}

	return fmt.Sprintf("Adopt a %s tone that fits modern WordPress.com editorial.", name)
}

func toneTemperature(name string) float64 {
	if t, ok := tones[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t.temperature
	}

	return defaultTemperature
}

func generationPrompt(brief draft.Brief) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Topic: %s\n", brief.Topic)
	fmt.Fprintf(&b, "Tone guidance: %s\n", toneInstruction(brief.Tone))

	if len(brief.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s (use the first one in the title)\n", strings.Join(brief.Keywords, ", "))
	}

	if brief.Instructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", brief.Instructions)
	}

	b.WriteString(`
Structure rules:
1. Start with a single "# " title line between 45 and 65 characters.
2. Use "## " for main sections and "### " for sub-sections only.
3. Sections in order: Introduction, three or four main sections, Conclusion, FAQs.
4. In FAQs, write each question as a bold sentence followed by its answer paragraph.
5. Include at least one Markdown link to an authoritative source.
6. Do not write a table of contents.
7. End with a line "Tags: tag one, tag two, tag three".
`)

	return b.String()
}

func revisionPrompt(d *draft.Draft, failing []gate.ScoreCard) string {
	var b strings.Builder

	b.WriteString("The draft below failed a quality gate for these reasons:\n")

	for _, c := range failing {
		fmt.Fprintf(&b, "- %s scored %.1f (%s)\n", c.GateName, c.Score, c.Detail)
	}

	b.WriteString(`
Revise the draft to fix these issues:
- Improve readability with shorter sentences and a clear structure.
- Strengthen SEO cues with "##" and "###" headings and scannable bullets.
- Keep FAQ questions bold within paragraphs, not headings.
- Preserve accurate facts and the author's voice.
- Keep the "# " title line and the final "Tags:" line.
- Return the revised draft as Markdown only, no commentary.

Draft:
`)
	b.WriteString(d.Markdown())

	if len(d.Content.Tags) > 0 {
		fmt.Fprintf(&b, "\n\nTags: %s", strings.Join(d.Content.Tags, ", "))
	}

	b.WriteString("\n")

	return b.String()
}
