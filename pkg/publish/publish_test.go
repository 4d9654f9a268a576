package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeRecords struct {
	records map[string]*ledger.PublishRecord
}

func (f *fakeRecords) GetPublishRecord(_ context.Context, runID string) (*ledger.PublishRecord, error) {
	return f.records[runID], nil
}

type fakePublisher struct {
	mu    sync.Mutex
	keys  []string
	posts []Post
	errs  []error
}

func (f *fakePublisher) Publish(_ context.Context, post Post, key string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys = append(f.keys, key)
	f.posts = append(f.posts, post)

	if i := len(f.keys) - 1; i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}

	return &Receipt{PostID: "101", URL: "https://blog.example.com/intro-to-backups"}, nil
}

func testPublishConfig() *config.PublishConfig {
	return &config.PublishConfig{
		Endpoint:      "http://unused",
		Status:        "publish",
		Categories:    []string{"Guides"},
		ExcerptLength: 120,
		Timeout:       "1s",
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: "1ms",
			MaxBackoff:     "2ms",
			Multiplier:     2,
		},
	}
}

func testDraft() *draft.Draft {
	return &draft.Draft{
		RunID: "run-1",
		Content: draft.Content{
			Title: "Intro to Backups",
			Slug:  "intro-to-backups",
			Sections: []draft.Section{
				{Heading: "Introduction", Level: 2, Body: "Backups protect your data."},
				{Heading: "Why", Level: 2, Body: "Disks fail."},
			},
			Tags:       []string{"backups"},
			Categories: []string{"Ops", "Guides"},
		},
	}
}

var errNetwork = &Error{Class: ClassTransient, Err: errors.New("connection reset")}

func TestCoordinator_RetriesWithSameKey(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{errs: []error{errNetwork, errNetwork}}
	c := NewCoordinator(testLogger(), testPublishConfig(), &fakeRecords{}, pub)

	out, err := c.Publish(context.Background(), "run-1", testDraft(), "blake2b-256:abc")
	require.NoError(t, err)

	assert.False(t, out.Reused)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, out.Record.AttemptCount)
	assert.Equal(t, "101", out.Record.RemotePostID)
	assert.Equal(t, "blake2b-256:abc", out.Record.DraftDigest)
	assert.Equal(t, IdempotencyKey("run-1"), out.Record.IdempotencyKey)
	assert.Equal(t, []string{IdempotencyKey("run-1"), IdempotencyKey("run-1"), IdempotencyKey("run-1")}, pub.keys)
}

func TestCoordinator_PermanentFailsFast(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{errs: []error{&Error{Class: ClassPermanent, StatusCode: 401, Err: errors.New("bad token")}}}
	c := NewCoordinator(testLogger(), testPublishConfig(), &fakeRecords{}, pub)

	out, err := c.Publish(context.Background(), "run-1", testDraft(), "d")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, out.Attempts)
	assert.Nil(t, out.Record)
	assert.Len(t, pub.keys, 1)
}

func TestCoordinator_RetriesExhausted(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{errs: []error{errNetwork, errNetwork, errNetwork}}
	c := NewCoordinator(testLogger(), testPublishConfig(), &fakeRecords{}, pub)

	out, err := c.Publish(context.Background(), "run-1", testDraft(), "d")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, pub.keys, 3)
}

func TestCoordinator_ReusesCommittedRecord(t *testing.T) {
	t.Parallel()

	committed := &ledger.PublishRecord{RunID: "run-1", RemotePostID: "77", AttemptCount: 2}
	pub := &fakePublisher{}
	c := NewCoordinator(testLogger(), testPublishConfig(), &fakeRecords{
		records: map[string]*ledger.PublishRecord{"run-1": committed},
	}, pub)

	out, err := c.Publish(context.Background(), "run-1", testDraft(), "d")
	require.NoError(t, err)
	assert.True(t, out.Reused)
	assert.Same(t, committed, out.Record)
	assert.Empty(t, pub.keys)
}

func TestCoordinator_Render(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(testLogger(), testPublishConfig(), &fakeRecords{}, &fakePublisher{})

	post, err := c.Render(testDraft())
	require.NoError(t, err)

	assert.Equal(t, "Intro to Backups", post.Title)
	assert.Equal(t, "intro-to-backups", post.Slug)
	assert.Equal(t, "publish", post.Status)
	assert.Equal(t, "Backups protect your data.", post.Excerpt)
	assert.Equal(t, []string{"Guides", "Ops"}, post.Categories)
	assert.Contains(t, post.Content, `<h2 id="introduction">Introduction</h2>`)
}

func TestWordPressClient_Publish(t *testing.T) {
	t.Parallel()

	var got Post

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sites/blog.example.com/posts", r.URL.Path)
		assert.Equal(t, "Bearer wp-token", r.Header.Get("Authorization"))
		assert.Equal(t, "contentpipe-run-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"ID": 4821, "URL": "https://blog.example.com/2026/intro"}`))
	}))
	defer srv.Close()

	client := NewWordPressClient(testLogger(), &config.PublishConfig{
		Endpoint: srv.URL + "/sites/blog.example.com/",
		Token:    "wp-token",
	})

	receipt, err := client.Publish(context.Background(), Post{Title: "T", Content: "<p>x</p>", Status: "draft"}, "contentpipe-run-1")
	require.NoError(t, err)
	assert.Equal(t, "4821", receipt.PostID)
	assert.Equal(t, "https://blog.example.com/2026/intro", receipt.URL)
	assert.Equal(t, "draft", got.Status)
}

func TestWordPressClient_ErrorClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, wantTransient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "validation", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			client := NewWordPressClient(testLogger(), &config.PublishConfig{Endpoint: srv.URL})

			_, err := client.Publish(context.Background(), Post{Title: "T"}, "k")
			require.Error(t, err)

			var pubErr *Error
			require.ErrorAs(t, err, &pubErr)
			assert.Equal(t, tt.status, pubErr.StatusCode)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
		})
	}
}

func TestWordPressClient_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	client := NewWordPressClient(testLogger(), &config.PublishConfig{Endpoint: endpoint})

	_, err := client.Publish(context.Background(), Post{Title: "T"}, "k")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestWordPressClient_PostViews(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/blog.example.com/stats/post/4821", r.URL.Path)
		_, _ = w.Write([]byte(`{"views": 1337}`))
	}))
	defer srv.Close()

	client := NewWordPressClient(testLogger(), &config.PublishConfig{
		StatsEndpoint: srv.URL,
		Site:          "blog.example.com",
	})

	views, err := client.PostViews(context.Background(), "4821")
	require.NoError(t, err)
	assert.Equal(t, int64(1337), views)

	_, err = NewWordPressClient(testLogger(), &config.PublishConfig{}).PostViews(context.Background(), "1")
	require.Error(t, err)
}

type fakeViews struct {
	mu      sync.Mutex
	records []ledger.PublishRecord
	views   []ledger.PostView
}

func (f *fakeViews) ListPublishRecords(_ context.Context, limit int) ([]ledger.PublishRecord, error) {
	if limit > 0 && limit < len(f.records) {
		return f.records[:limit], nil
	}

	return f.records, nil
}

func (f *fakeViews) RecordPostView(_ context.Context, v *ledger.PostView) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.views = append(f.views, *v)

	return nil
}

type fakeStats map[string]int64

func (f fakeStats) PostViews(_ context.Context, postID string) (int64, error) {
	v, ok := f[postID]
	if !ok {
		return 0, errors.New("post not found")
	}

	return v, nil
}

func TestCollectViews(t *testing.T) {
	t.Parallel()

	views := &fakeViews{records: []ledger.PublishRecord{
		{RunID: "run-1", RemotePostID: "101"},
		{RunID: "run-2", RemotePostID: "102"},
		{RunID: "run-3", RemotePostID: "103"},
	}}

	n, err := CollectViews(context.Background(), testLogger(), views,
		fakeStats{"101": 40, "103": 7}, "blog.example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := make(map[string]int64, len(views.views))
	for _, v := range views.views {
		assert.Equal(t, "blog.example.com", v.Site)
		got[v.RunID] = v.Views
	}

	assert.Equal(t, map[string]int64{"run-1": 40, "run-3": 7}, got)

	views.views = nil

	n, err = CollectViews(context.Background(), testLogger(), views, fakeStats{"101": 41}, "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
