package draft

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	headingRe     = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	legacyHeadRe  = regexp.MustCompile(`^(?i)h([1-3]):\s*(.*)$`)
	bulletRe      = regexp.MustCompile(`^(?:[-*•\x{2013}\x{2014}])\s+(.+)$`)
	tagsLineRe    = regexp.MustCompile(`^(?i)tags:\s*(.+)$`)
	tocMarkers    = map[string]struct{}{"table of contents": {}, "toc": {}}
	prefacePrefix = []string{
		"title:", "proposed seo title:", "meta description", "proposed meta description",
		"suggested slug", "excerpt",
	}
)

// ParseMarkdown converts generated Markdown into a structured Content.
// A leading `# ` heading becomes the title (falling back to fallbackTitle),
// `##`/`###` headings open sections, legacy `H2:` markers are normalized, any
// model-written table of contents is dropped and a `Tags:` line is lifted into
// Content.Tags. Text without any headed section is malformed.
func ParseMarkdown(text, fallbackTitle string) (Content, error) {
	var (
		content    Content
		current    *Section
		body       []string
		skipToc    bool
		hasHeading bool
	)

	flush := func() {
		if current == nil {
			if lead := strings.TrimSpace(strings.Join(body, "\n")); lead != "" {
				content.Sections = append(content.Sections, Section{Level: 2, Body: lead})
			}
		} else {
			current.Body = strings.TrimSpace(strings.Join(body, "\n"))
			content.Sections = append(content.Sections, *current)
		}

		body = nil
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if trimmed == "" {
			skipToc = false
			body = append(body, "")

			continue
		}

		if hasPrefix(lower, prefacePrefix) && current == nil {
			continue
		}

		if _, ok := tocMarkers[strings.TrimSpace(strings.TrimLeft(lower, "#"))]; ok {
			skipToc = true

			continue
		}

		if skipToc && bulletRe.MatchString(trimmed) {
			continue
		}

		if m := tagsLineRe.FindStringSubmatch(trimmed); m != nil {
			content.Tags = splitList(m[1])

			continue
		}

		if m := legacyHeadRe.FindStringSubmatch(trimmed); m != nil {
			trimmed = strings.Repeat("#", int(m[1][0]-'0')) + " " + m[2]
		}

		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			level := len(m[1])
			heading := strings.TrimSpace(m[2])

			if level == 1 && content.Title == "" {
				content.Title = heading

				continue
			}

			flush()

			current = &Section{Heading: heading, Level: headingLevel(level)}
			hasHeading = true

			continue
		}

		body = append(body, trimmed)
	}

	flush()

	if !hasHeading {
		return Content{}, fmt.Errorf("%w: no headed sections", ErrMalformed)
	}

	if content.Title == "" {
		content.Title = strings.TrimSpace(fallbackTitle)
	}

	if content.Title == "" {
		return Content{}, fmt.Errorf("%w: missing title", ErrMalformed)
	}

	content.Slug = Slugify(content.Title)

	return content, nil
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}

	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
