package draft

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMarkdown = `Proposed SEO Title: ignored

# Intro to Backups

## Table of Contents
- Introduction
- Why Backups Matter

## Introduction
Backups protect your data from **loss**.
They are cheap.

## Why Backups Matter
- Hardware fails
- People make mistakes

H3: Off-site copies
Keep one copy elsewhere, see [the guide](https://example.com/guide).

Tags: backups, storage , ops
`

func TestParseMarkdown(t *testing.T) {
	content, err := ParseMarkdown(sampleMarkdown, "fallback")
	require.NoError(t, err)

	assert.Equal(t, "Intro to Backups", content.Title)
	assert.Equal(t, "intro-to-backups", content.Slug)
	assert.Equal(t, []string{"backups", "storage", "ops"}, content.Tags)

	require.Len(t, content.Sections, 3)
	assert.Equal(t, "Introduction", content.Sections[0].Heading)
	assert.Equal(t, 2, content.Sections[0].Level)
	assert.Equal(t, "Backups protect your data from **loss**.\nThey are cheap.", content.Sections[0].Body)
	assert.Equal(t, "Why Backups Matter", content.Sections[1].Heading)
	assert.Equal(t, "- Hardware fails\n- People make mistakes", content.Sections[1].Body)
	assert.Equal(t, "Off-site copies", content.Sections[2].Heading)
	assert.Equal(t, 3, content.Sections[2].Level)
}

func TestParseMarkdownFallbackTitle(t *testing.T) {
	content, err := ParseMarkdown("## Section\nBody text.", "Backups 101")
	require.NoError(t, err)

	assert.Equal(t, "Backups 101", content.Title)
	assert.Equal(t, "backups-101", content.Slug)
}

func TestParseMarkdownMalformed(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		fallback string
	}{
		{name: "empty", text: ""},
		{name: "no sections", text: "# Title\n\nJust one paragraph.", fallback: "x"},
		{name: "no title", text: "## Section\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkdown(tt.text, tt.fallback)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestDraftTextViews(t *testing.T) {
	content, err := ParseMarkdown(sampleMarkdown, "")
	require.NoError(t, err)

	d := &Draft{Content: content}

	plain := d.PlainText()
	assert.True(t, strings.HasPrefix(plain, "Intro to Backups"))
	assert.Contains(t, plain, "Backups protect your data from loss.")
	assert.Contains(t, plain, "Hardware fails")
	assert.Contains(t, plain, "see the guide.")
	assert.NotContains(t, plain, "**")

	md := d.Markdown()
	assert.True(t, strings.HasPrefix(md, "# Intro to Backups\n\n## Introduction"))
	assert.Contains(t, md, "### Off-site copies")
	assert.Contains(t, md, "(https://example.com/guide)")

	assert.Equal(t, []string{"Introduction", "Why Backups Matter"}, d.Headings(2))
	assert.Equal(t, []string{"Off-site copies"}, d.Headings(3))
	assert.Greater(t, d.WordCount(), 20)
}

func TestDraftClone(t *testing.T) {
	d := &Draft{
		Brief:   Brief{Topic: "t", Keywords: []string{"a"}},
		Content: Content{Title: "T", Sections: []Section{{Heading: "H", Body: "b"}}, Meta: map[string]string{"k": "v"}},
	}

	c := d.Clone()
	c.Content.Sections[0].Body = "changed"
	c.Brief.Keywords[0] = "z"
	c.Content.Meta["k"] = "x"

	assert.Equal(t, "b", d.Content.Sections[0].Body)
	assert.Equal(t, "a", d.Brief.Keywords[0])
	assert.Equal(t, "v", d.Content.Meta["k"])
}

func TestBriefPrimaryKeyword(t *testing.T) {
	assert.Equal(t, "restic", Brief{Topic: "Backups", Keywords: []string{" ", "restic"}}.PrimaryKeyword())
	assert.Equal(t, "Backups", Brief{Topic: " Backups "}.PrimaryKeyword())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "whats-new-in-go-124", Slugify("What's New in Go 1.24?"))
	assert.Equal(t, "a-b", Slugify("  A _ B  "))
}
