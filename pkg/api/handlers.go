package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/orchestrator"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBriefBytes    = 64 << 10
)

// submitRunRequest is the body of POST /runs.
type submitRunRequest struct {
	Topic        string   `json:"topic"`
	Tone         string   `json:"tone,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// runDetail is the full audit view of one run.
type runDetail struct {
	Run           *ledger.Run           `json:"run"`
	InFlight      bool                  `json:"in_flight"`
	History       []ledger.Transition   `json:"history"`
	ScoreCards    []ledger.ScoreCard    `json:"score_cards"`
	Drafts        []ledger.DraftRecord  `json:"drafts"`
	PublishRecord *ledger.PublishRecord `json:"publish_record,omitempty"`
	PostViews     []ledger.PostView     `json:"post_views,omitempty"`
}

// draftStage is one snapshot listed by GET /runs/{runID}/drafts.
type draftStage struct {
	Stage    string `json:"stage"`
	Revision int    `json:"revision,omitempty"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitRun records a new run and executes it in the background.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBriefBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	run, err := s.deps.Runner.Submit(r.Context(), draft.Brief{
		Topic:        req.Topic,
		Tone:         req.Tone,
		Keywords:     req.Keywords,
		Instructions: req.Instructions,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidBrief) {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to submit run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"submitting run"})

		return
	}

	s.executeAsync(run.RunID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.RunID,
		"state":  run.State,
	})
}

// handleListRuns lists runs, newest first, filtered by state and since.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RunFilter{Limit: defaultListLimit}

	if v := q.Get("state"); v != "" {
		st, err := runstate.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		filter.State = string(st)
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"since must be an RFC 3339 timestamp"})

			return
		}

		filter.Since = since
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"limit must be a positive integer"})

			return
		}

		filter.Limit = min(limit, maxListLimit)
	}

	runs, err := s.deps.Ledger.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing runs"})

		return
	}

	if runs == nil {
		runs = []ledger.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns the run with its full audit trail.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")

	run, err := s.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		s.writeRunError(w, err)

		return
	}

	detail, err := s.loadRunDetail(ctx, run)
	if err != nil {
		s.writeRunError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *server) loadRunDetail(ctx context.Context, run *ledger.Run) (*runDetail, error) {
	var err error

	detail := &runDetail{Run: run, InFlight: s.deps.Runner.InFlight(run.RunID)}

	if detail.History, err = s.deps.Ledger.History(ctx, run.RunID); err != nil {
		return nil, err
	}

	if detail.ScoreCards, err = s.deps.Ledger.ListScoreCards(ctx, run.RunID); err != nil {
		return nil, err
	}

	if detail.Drafts, err = s.deps.Ledger.ListDrafts(ctx, run.RunID); err != nil {
		return nil, err
	}

	if detail.PublishRecord, err = s.deps.Ledger.GetPublishRecord(ctx, run.RunID); err != nil {
		return nil, err
	}

	if detail.PostViews, err = s.deps.Ledger.ListPostViews(ctx, run.RunID); err != nil {
		return nil, err
	}

	return detail, nil
}

// handleListDrafts lists the snapshots held in the artifact store for a run,
// including any written before a crash and not yet indexed by the ledger.
func (s *server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Ledger.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)

		return
	}

	stages, err := s.deps.Store.ListStages(r.Context(), run.RunID)
	if err != nil {
		s.writeRunError(w, fmt.Errorf("listing stages: %w", err))

		return
	}

	out := make([]draftStage, 0, len(stages))

	for _, stage := range stages {
		ds := draftStage{Stage: stage}
		if n, ok := artifact.ParseRevisionStage(stage); ok {
			ds.Revision = n
		}

		out = append(out, ds)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.RunID,
		"stages": out,
	})
}

// handleGetDraft returns one draft snapshot. format=html renders the body.
func (s *server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stage := chi.URLParam(r, "stage")

	env, err := s.deps.Store.Get(r.Context(), runID, stage)
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("Failed to load draft")
		writeJSON(w, http.StatusBadRequest, errorResponse{"loading draft: " + err.Error()})

		return
	}

	if env == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"draft not found"})

		return
	}

	if r.URL.Query().Get("format") != "html" {
		writeJSON(w, http.StatusOK, env)

		return
	}

	var d draft.Draft
	if err := env.Decode(&d); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	html, err := draft.RenderHTML(d.Content)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Draft-Digest", env.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// handleCancelRun cancels an in-flight or idle run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runner.Cancel(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeRunError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleResumeRun resumes a non-terminal run in the background.
func (s *server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.deps.Ledger.GetRun(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)

		return
	}

	if run.RunState().IsTerminal() {
		writeJSON(w, http.StatusConflict, errorResponse{"run is in terminal state " + run.State})

		return
	}

	if s.deps.Runner.InFlight(runID) {
		writeJSON(w, http.StatusConflict, errorResponse{orchestrator.ErrRunInFlight.Error()})

		return
	}

	s.executeAsync(runID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.RunID,
		"state":  run.State,
	})
}

// writeRunError maps ledger and orchestrator errors to status codes.
func (s *server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrConcurrentUpdate),
		errors.Is(err, orchestrator.ErrRunInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).Error("Run request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}
