package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
)

// Compile-time interface checks.
var (
	_ Backend = (*ChatBackend)(nil)
	_ Reviser = (*ChatBackend)(nil)
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatBackend generates and revises drafts through an OpenAI-compatible
// chat completions API.
type ChatBackend struct {
	log        logrus.FieldLogger
	cfg        *config.BackendConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewChatBackend creates a chat backend. Call deadlines come from the
// caller's context.
func NewChatBackend(log logrus.FieldLogger, cfg *config.BackendConfig) *ChatBackend {
	b := &ChatBackend{
		log:        log.WithField("backend", cfg.ID),
		cfg:        cfg,
		httpClient: &http.Client{},
	}

	if cfg.RequestsPerMinute > 0 {
		b.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return b
}

// ID implements Backend.
func (b *ChatBackend) ID() string {
	return b.cfg.ID
}

// Generate implements Backend.
func (b *ChatBackend) Generate(ctx context.Context, brief draft.Brief) (*draft.Draft, error) {
	temperature := b.cfg.Temperature
	if temperature == 0 {
		temperature = toneTemperature(brief.Tone)
	}

	start := time.Now()

	text, cost, err := b.complete(ctx, []chatMessage{
		{Role: "system", Content: writerSystemPrompt},
		{Role: "user", Content: generationPrompt(brief)},
	}, temperature)
	if err != nil {
		return nil, err
	}

	content, err := draft.ParseMarkdown(text, brief.Topic)
	if err != nil {
		return nil, &Error{Backend: b.cfg.ID, Kind: KindMalformed, Err: err}
	}

	return &draft.Draft{
		SourceBackend:       b.cfg.ID,
		Brief:               brief,
		Content:             content,
		GenerationLatencyMs: time.Since(start).Milliseconds(),
		TokenCost:           cost,
	}, nil
}

// Revise implements Reviser.
func (b *ChatBackend) Revise(ctx context.Context, d *draft.Draft, failing []gate.ScoreCard) (*draft.Draft, error) {
	start := time.Now()

	text, cost, err := b.complete(ctx, []chatMessage{
		{Role: "system", Content: editorSystemPrompt},
		{Role: "user", Content: revisionPrompt(d, failing)},
	}, 0.4)
	if err != nil {
		return nil, err
	}

	content, err := draft.ParseMarkdown(text, d.Content.Title)
	if err != nil {
		return nil, &Error{Backend: b.cfg.ID, Kind: KindMalformed, Err: err}
	}

	revised := d.Clone()
	revised.Revision = d.Revision + 1
	revised.GenerationLatencyMs = time.Since(start).Milliseconds()
	revised.TokenCost = cost
	revised.CreatedAt = time.Time{}

	if len(content.Tags) == 0 {
		content.Tags = revised.Content.Tags
	}

	content.Categories = revised.Content.Categories
	content.Meta = revised.Content.Meta

	if content.Meta == nil {
		content.Meta = make(map[string]string, 1)
	}

	content.Meta["revised_by"] = b.cfg.ID
	revised.Content = content

	return revised, nil
}

func (b *ChatBackend) complete(
	ctx context.Context,
	messages []chatMessage,
	temperature float64,
) (string, draft.TokenCost, error) {
	var cost draft.TokenCost

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", cost, &Error{Backend: b.cfg.ID, Kind: KindTimeout, Transient: true, Err: err}
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   b.cfg.MaxTokens,
	})
	if err != nil {
		return "", cost, fmt.Errorf("marshaling chat request: %w", err)
	}

	url := strings.TrimRight(b.cfg.Endpoint, "/") + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", cost, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		kind := KindBackend
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}

		return "", cost, &Error{Backend: b.cfg.ID, Kind: kind, Transient: true, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return "", cost, &Error{
			Backend:   b.cfg.ID,
			Kind:      KindBackend,
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
			Err:       fmt.Errorf("chat api %s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", cost, &Error{Backend: b.cfg.ID, Kind: KindMalformed, Err: fmt.Errorf("decoding chat response: %w", err)}
	}

	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", cost, &Error{Backend: b.cfg.ID, Kind: KindMalformed, Err: errors.New("empty completion")}
	}

	cost.InputTokens = out.Usage.PromptTokens
	cost.OutputTokens = out.Usage.CompletionTokens
	cost.CostUSD = float64(cost.InputTokens+cost.OutputTokens) / 1000 * b.cfg.CostPer1KTokens

	b.log.WithFields(logrus.Fields{
		"input_tokens":  cost.InputTokens,
		"output_tokens": cost.OutputTokens,
	}).Debug("Chat completion received")

	return out.Choices[0].Message.Content, cost, nil
}
