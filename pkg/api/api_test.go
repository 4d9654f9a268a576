package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/orchestrator"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

type fakeRunner struct {
	ledger   ledger.Ledger
	executed chan string
}

func (f *fakeRunner) Submit(ctx context.Context, brief draft.Brief) (*ledger.Run, error) {
	if strings.TrimSpace(brief.Topic) == "" {
		return nil, orchestrator.ErrInvalidBrief
	}

	return f.ledger.CreateRun(ctx, brief)
}

func (f *fakeRunner) Execute(ctx context.Context, runID string) (*ledger.Run, error) {
	f.executed <- runID

	return f.ledger.GetRun(ctx, runID)
}

func (f *fakeRunner) Cancel(ctx context.Context, runID string) (*ledger.Run, error) {
	run, err := f.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%w: run is in terminal state %s", ledger.ErrInvalidTransition, run.State)
}

func (f *fakeRunner) InFlight(string) bool { return false }

type testServer struct {
	srv    Server
	runner *fakeRunner
	ledger ledger.Ledger
	store  artifact.Store
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	l := ledger.NewLedger(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, l.Start(context.Background()))

	store := artifact.NewLocal(log, &config.LocalArtifactsConfig{Enabled: true, Dir: t.TempDir()})
	runner := &fakeRunner{ledger: l, executed: make(chan string, 8)}

	if cfg == nil {
		cfg = &config.APIConfig{Listen: "127.0.0.1:0"}
	}

	srv := NewServer(log, cfg, Deps{Runner: runner, Ledger: l, Store: store})

	t.Cleanup(func() {
		_ = srv.Stop()
		_ = l.Stop()
	})

	return &testServer{srv: srv, runner: runner, ledger: l, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()

	ts.srv.Handler().ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitRun(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", `{"topic":"Intro to backups","keywords":["backups"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(runstate.Created), resp["state"])
	assert.Equal(t, resp["run_id"], <-ts.runner.executed)

	run, err := ts.ledger.GetRun(context.Background(), resp["run_id"])
	require.NoError(t, err)
	assert.Equal(t, "Intro to backups", run.Topic)
}

func TestSubmitRun_Invalid(t *testing.T) {
	ts := setupTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"topic":`},
		{name: "empty topic", body: `{"topic":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListRuns(t *testing.T) {
	ts := setupTestServer(t, nil)
	ctx := context.Background()

	for _, topic := range []string{"one", "two", "three"} {
		_, err := ts.ledger.CreateRun(ctx, draft.Brief{Topic: topic})
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/runs?state=CREATED&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []ledger.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?state=PUBLISHED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	for _, q := range []string{"state=BOGUS", "limit=0", "since=yesterday"} {
		rec = ts.do(t, http.MethodGet, "/api/v1/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetRun(t *testing.T) {
	ts := setupTestServer(t, nil)

	run, err := ts.ledger.CreateRun(context.Background(), draft.Brief{Topic: "Intro to backups"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, run.RunID, detail.Run.RunID)
	require.Len(t, detail.History, 1)
	assert.Equal(t, runstate.ReasonSubmitted, detail.History[0].Reason)
	assert.Nil(t, detail.PublishRecord)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDraft(t *testing.T) {
	ts := setupTestServer(t, nil)

	d := &draft.Draft{
		RunID: "run-1",
		Content: draft.Content{
			Title:    "Intro to Backups",
			Sections: []draft.Section{{Heading: "Introduction", Level: 2, Body: "Backups protect your data."}},
		},
	}

	digest, err := ts.store.Put(context.Background(), "run-1", artifact.StageFinal, d)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-1/drafts/final", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env artifact.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, digest, env.Digest)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/run-1/drafts/final?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, digest, rec.Header().Get("X-Draft-Digest"))
	assert.Contains(t, rec.Body.String(), `<h2 id="introduction">Introduction</h2>`)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/run-1/drafts/revision-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDrafts(t *testing.T) {
	ts := setupTestServer(t, nil)
	ctx := context.Background()

	run, err := ts.ledger.CreateRun(ctx, draft.Brief{Topic: "Intro to backups"})
	require.NoError(t, err)

	for _, stage := range []string{
		artifact.CandidateStage("alpha"),
		artifact.RevisionStage(1),
		artifact.StageFinal,
	} {
		_, err := ts.store.Put(ctx, run.RunID, stage, &draft.Draft{
			RunID:   run.RunID,
			Content: draft.Content{Title: "Intro to Backups"},
		})
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/drafts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID  string `json:"run_id"`
		Stages []struct {
			Stage    string `json:"stage"`
			Revision int    `json:"revision"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, run.RunID, body.RunID)
	require.Len(t, body.Stages, 3)

	revisions := make(map[string]int, len(body.Stages))
	for _, st := range body.Stages {
		revisions[st.Stage] = st.Revision
	}

	assert.Equal(t, map[string]int{
		"candidate-alpha": 0,
		"revision-1":      1,
		"final":           0,
	}, revisions)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/missing/drafts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun_Conflict(t *testing.T) {
	ts := setupTestServer(t, nil)

	run, err := ts.ledger.CreateRun(context.Background(), draft.Brief{Topic: "Intro to backups"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeRun(t *testing.T) {
	ts := setupTestServer(t, nil)

	run, err := ts.ledger.CreateRun(context.Background(), draft.Brief{Topic: "Intro to backups"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, run.RunID, <-ts.runner.executed)
}

func TestRateLimit_SeparateBudgets(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{
		Listen: "127.0.0.1:0",
		RateLimit: config.RateLimitConfig{
			Enabled: true,
			Reads:   config.RouteLimit{PerMinute: 1, Burst: 2},
			Submits: config.RouteLimit{PerMinute: 6, Burst: 1},
		},
	})

	body := `{"topic":"Intro to backups"}`

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	// Exhausting submissions leaves the read budget intact.
	for range 2 {
		rec = ts.do(t, http.MethodGet, "/api/v1/runs", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Cancel and health are never throttled.
	rec = ts.do(t, http.MethodPost, "/api/v1/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunLimiter_SweepsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := newRunLimiter(config.RateLimitConfig{
		Enabled: true,
		Reads:   config.RouteLimit{PerMinute: 1, Burst: 1},
		Submits: config.RouteLimit{PerMinute: 1, Burst: 1},
	})
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1", classRead))
	assert.False(t, l.allow("10.0.0.1", classRead))
	assert.True(t, l.allow("10.0.0.1", classSubmit))
	assert.True(t, l.allow("10.0.0.2", classRead))
	assert.Len(t, l.buckets, 3)

	now = now.Add(clientIdleTTL + time.Minute)

	assert.True(t, l.allow("10.0.0.3", classRead))
	assert.Len(t, l.buckets, 1)
}

func TestRunLimiter_ClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	direct := newRunLimiter(config.RateLimitConfig{})
	assert.Equal(t, "10.0.0.1", direct.clientID(req))

	proxied := newRunLimiter(config.RateLimitConfig{TrustForwardedFor: true})
	assert.Equal(t, "203.0.113.7", proxied.clientID(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", proxied.clientID(req))
}
