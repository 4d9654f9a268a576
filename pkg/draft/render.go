package draft

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const articleTemplate = `{{- if .TOC }}<nav class="toc"><p><strong>Table of Contents</strong></p><ul>
{{- range .TOC }}<li><a href="#{{ .Anchor }}">{{ .Heading }}</a></li>{{ end -}}
</ul></nav>
{{ end -}}
{{- range .Sections }}
{{- if .Heading }}{{ if eq .Level 3 }}<h3 id="{{ .Anchor }}">{{ .Heading }}</h3>{{ else }}<h2 id="{{ .Anchor }}">{{ .Heading }}</h2>{{ end }}
{{ end -}}
{{- range .Blocks }}
{{- if .Items }}<ul>{{ range .Items }}<li>{{ . }}</li>{{ end }}</ul>
{{ else }}<p>{{ .Text }}</p>
{{ end -}}
{{- end -}}
{{- end -}}`

var articleTmpl = template.Must(template.New("article").Parse(articleTemplate))

type renderBlock struct {
	Text  template.HTML
	Items []template.HTML
}

type renderSection struct {
	Heading string
	Anchor  string
	Level   int
	Blocks  []renderBlock
}

type tocEntry struct {
	Heading string
	Anchor  string
}

// RenderHTML renders structured content into the HTML body sent to the
// publishing target. A table of contents is generated from level 2
// headings when there are at least two of them.
func RenderHTML(content Content) (string, error) {
	data := struct {
		TOC      []tocEntry
		Sections []renderSection
	}{}

	seen := make(map[string]int, len(content.Sections))

	for _, s := range content.Sections {
		rs := renderSection{Heading: s.Heading, Level: headingLevel(s.Level)}

		if s.Heading != "" {
			rs.Anchor = uniqueAnchor(Slugify(s.Heading), seen)

			if rs.Level == 2 {
				data.TOC = append(data.TOC, tocEntry{Heading: s.Heading, Anchor: rs.Anchor})
			}
		}

		rs.Blocks = splitBlocks(s.Body)
		data.Sections = append(data.Sections, rs)
	}

	if len(data.TOC) < 2 {
		data.TOC = nil
	}

	var buf bytes.Buffer
	if err := articleTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering article: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// Excerpt extracts a plain-text excerpt from rendered HTML: the text of the
// section headed "Introduction" if present, otherwise the first paragraph.
// The result is truncated on a word boundary to at most maxLen runes.
func Excerpt(body string, maxLen int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var text string

	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(h.Text()), "introduction") {
			return true
		}

		text = strings.Join(h.NextUntil("h2").Map(func(_ int, s *goquery.Selection) string {
			return s.Text()
		}), " ")

		return false
	})

	if strings.TrimSpace(text) == "" {
		text = doc.Find("p").Not("nav p").First().Text()
	}

	return truncateWords(strings.Join(strings.Fields(text), " "), maxLen), nil
}

func truncateWords(s string, maxLen int) string {
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}

	cut := string(runes[:maxLen])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}

	return strings.TrimRight(cut, " ,;:") + "..."
}

func uniqueAnchor(base string, seen map[string]int) string {
	if base == "" {
		base = "section"
	}

	n := seen[base]
	seen[base] = n + 1

	if n == 0 {
		return base
	}

	return fmt.Sprintf("%s-%d", base, n+1)
}

// splitBlocks turns a section body into paragraphs and bullet lists.
// Paragraphs are separated by blank lines; consecutive bullet lines form a list.
func splitBlocks(body string) []renderBlock {
	var (
		blocks []renderBlock
		para   []string
		items  []template.HTML
	)

	flushPara := func() {
		if len(para) > 0 {
			blocks = append(blocks, renderBlock{Text: inlineHTML(strings.Join(para, " "))})
			para = nil
		}
	}

	flushList := func() {
		if len(items) > 0 {
			blocks = append(blocks, renderBlock{Items: items})
			items = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			flushPara()
			flushList()
		case bulletRe.MatchString(line):
			flushPara()

			items = append(items, inlineHTML(bulletRe.FindStringSubmatch(line)[1]))
		default:
			flushList()

			para = append(para, line)
		}
	}

	flushPara()
	flushList()

	return blocks
}

// inlineHTML escapes text and then applies bold and link markup.
func inlineHTML(text string) template.HTML {
	escaped := html.EscapeString(text)
	escaped = boldRe.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = linkRe.ReplaceAllString(escaped, `<a href="$2">$1</a>`)

	//nolint:gosec // input is escaped above; only bold and link markup is added.
	return template.HTML(escaped)
}
