package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
)

// Compile-time interface checks.
var (
	_ Publisher   = (*WordPressClient)(nil)
	_ StatsReader = (*WordPressClient)(nil)
)

// WordPressClient talks to the WordPress.com REST API.
type WordPressClient struct {
	log        logrus.FieldLogger
	cfg        *config.PublishConfig
	httpClient *http.Client
}

// NewWordPressClient creates a client. Call deadlines come from the
// caller's context.
func NewWordPressClient(log logrus.FieldLogger, cfg *config.PublishConfig) *WordPressClient {
	return &WordPressClient{
		log:        log.WithField("component", "wordpress"),
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

type postResponse struct {
	ID   json.Number `json:"ID"`
	URL  string      `json:"URL"`
	Link string      `json:"link"`
}

// Publish creates the post. The idempotency key is sent as the
// Idempotency-Key header on every attempt.
func (c *WordPressClient) Publish(ctx context.Context, post Post, idempotencyKey string) (*Receipt, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Err: fmt.Errorf("marshaling post: %w", err)}
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/posts"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	c.authorize(req)

	var out postResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	if out.ID.String() == "" {
		return nil, &Error{Class: ClassPermanent, Err: errors.New("response carries no post id")}
	}

	receipt := &Receipt{PostID: out.ID.String(), URL: out.URL}
	if receipt.URL == "" {
		receipt.URL = out.Link
	}

	c.log.WithFields(logrus.Fields{
		"post_id": receipt.PostID,
		"url":     receipt.URL,
	}).Info("Post published")

	return receipt, nil
}

// PostViews returns the lifetime view count of a post from the stats API.
func (c *WordPressClient) PostViews(ctx context.Context, postID string) (int64, error) {
	if c.cfg.Site == "" {
		return 0, errors.New("publish.site is not configured")
	}

	endpoint := fmt.Sprintf("%s/sites/%s/stats/post/%s",
		strings.TrimRight(c.cfg.StatsEndpoint, "/"),
		url.PathEscape(c.cfg.Site),
		url.PathEscape(postID),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	c.authorize(req)

	var out struct {
		Views int64 `json:"views"`
	}

	if err := c.do(req, &out); err != nil {
		return 0, err
	}

	return out.Views, nil
}

func (c *WordPressClient) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// do sends req and decodes a JSON body into out. Transport errors, 429 and
// 5xx responses are transient; other 4xx responses are permanent.
func (c *WordPressClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Class: ClassTransient, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		class := ClassPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			class = ClassTransient
		}

		return &Error{
			Class:      class,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Class: ClassPermanent, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}

	return nil
}
