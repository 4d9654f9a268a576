package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
)

const completion = `# Intro to Backups for Small Teams

## Introduction
Backups protect your data from **loss**.

## Why Backups Matter
Hardware fails. See [the guide](https://example.com/guide).

Tags: backups, ops
`

func chatServer(t *testing.T, status int, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}

		if status != http.StatusOK {
			http.Error(w, "upstream says no", status)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
			"usage": map[string]int{"prompt_tokens": 400, "completion_tokens": 600},
		})
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestChat(endpoint string) *ChatBackend {
	return NewChatBackend(testLogger(), &config.BackendConfig{
		ID:              "alpha",
		Endpoint:        endpoint + "/v1/",
		Model:           "gpt-test",
		APIKey:          "sk-test",
		CostPer1KTokens: 0.15,
	})
}

func TestChatBackend_Generate(t *testing.T) {
	t.Parallel()

	var seen chatRequest

	srv := chatServer(t, http.StatusOK, completion, &seen)

	d, err := newTestChat(srv.URL).Generate(context.Background(), draft.Brief{
		Topic:    "Intro to backups",
		Tone:     "technical",
		Keywords: []string{"backups"},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", seen.Model)
	assert.InDelta(t, 0.4, seen.Temperature, 0.0001)
	require.Len(t, seen.Messages, 2)
	assert.Contains(t, seen.Messages[1].Content, "Topic: Intro to backups")
	assert.Contains(t, seen.Messages[1].Content, "Adopt a technical tone")

	assert.Equal(t, "alpha", d.SourceBackend)
	assert.Equal(t, "Intro to Backups for Small Teams", d.Content.Title)
	assert.Equal(t, []string{"Introduction", "Why Backups Matter"}, d.Headings(2))
	assert.Equal(t, []string{"backups", "ops"}, d.Content.Tags)
	assert.Equal(t, 400, d.TokenCost.InputTokens)
	assert.Equal(t, 600, d.TokenCost.OutputTokens)
	assert.InDelta(t, 0.15, d.TokenCost.CostUSD, 0.0001)
}

func TestChatBackend_ErrorClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		reply         string
		wantKind      Kind
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: KindBackend, wantTransient: true},
		{name: "server error", status: http.StatusBadGateway, wantKind: KindBackend, wantTransient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, wantKind: KindBackend},
		{name: "empty completion", status: http.StatusOK, reply: "  ", wantKind: KindMalformed},
		{name: "no sections", status: http.StatusOK, reply: "Just a paragraph.", wantKind: KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.reply, nil)

			_, err := newTestChat(srv.URL).Generate(context.Background(), draft.Brief{Topic: "x"})
			require.Error(t, err)

			var genErr *Error
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.wantKind, genErr.Kind)
			assert.Equal(t, tt.wantTransient, genErr.Transient)
			assert.Equal(t, "alpha", genErr.Backend)
		})
	}
}

func TestChatBackend_Revise(t *testing.T) {
	t.Parallel()

	var seen chatRequest

	srv := chatServer(t, http.StatusOK, strings.Replace(completion, "Tags: backups, ops\n", "", 1), &seen)

	original := &draft.Draft{
		RunID:         "run-1",
		SourceBackend: "beta",
		Revision:      1,
		Content: draft.Content{
			Title:      "Old title",
			Sections:   []draft.Section{{Heading: "Introduction", Level: 2, Body: "Long winded text."}},
			Tags:       []string{"legacy"},
			Categories: []string{"Guides"},
		},
	}

	revised, err := newTestChat(srv.URL).Revise(context.Background(), original, []gate.ScoreCard{
		{GateName: "readability", Score: 41.5, Detail: "flesch=41.5"},
	})
	require.NoError(t, err)

	assert.Contains(t, seen.Messages[1].Content, "- readability scored 41.5 (flesch=41.5)")
	assert.Contains(t, seen.Messages[1].Content, "Long winded text.")

	assert.Equal(t, 2, revised.Revision)
	assert.Equal(t, "beta", revised.SourceBackend)
	assert.Equal(t, "run-1", revised.RunID)
	assert.Equal(t, "Intro to Backups for Small Teams", revised.Content.Title)
	assert.Equal(t, []string{"legacy"}, revised.Content.Tags)
	assert.Equal(t, []string{"Guides"}, revised.Content.Categories)
	assert.Equal(t, "alpha", revised.Content.Meta["revised_by"])

	assert.Equal(t, 1, original.Revision)
	assert.Equal(t, "Old title", original.Content.Title)
	assert.Nil(t, original.Content.Meta)
}

func TestToneHelpers(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.7, toneTemperature("Friendly"), 0.0001)
	assert.InDelta(t, defaultTemperature, toneTemperature("whimsical"), 0.0001)
	assert.Contains(t, toneInstruction(""), "confident, helpful")
	assert.Contains(t, toneInstruction("whimsical"), "Adopt a whimsical tone")
}
