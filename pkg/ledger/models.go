package ledger

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

// Run is one pipeline execution for one brief.
type Run struct {
	ID            uint           `gorm:"primaryKey" json:"-"`
	RunID         string         `gorm:"not null;uniqueIndex" json:"run_id"`
	Topic         string         `gorm:"index" json:"topic"`
	Brief         datatypes.JSON `json:"brief"`
	State         string         `gorm:"not null;index" json:"state"`
	Reason        string         `json:"reason,omitempty"`
	RevisionCount int            `gorm:"not null;default:0" json:"revision_count"`
	WinnerBackend string         `json:"winner_backend,omitempty"`
	LastSeq       int            `gorm:"not null;default:0" json:"last_seq"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"index" json:"updated_at"`
}

// RunState returns the parsed lifecycle state.
func (r *Run) RunState() runstate.State {
	return runstate.State(r.State)
}

// DecodeBrief returns the stored brief.
func (r *Run) DecodeBrief() (draft.Brief, error) {
	var b draft.Brief

	if len(r.Brief) == 0 {
		return b, nil
	}

	err := json.Unmarshal(r.Brief, &b)

	return b, err
}

// Transition is one committed state change. Seq is gapless per run and
// (RunID, To, Attempt) is the idempotency key.
type Transition struct {
	ID            uint           `gorm:"primaryKey" json:"-"`
	RunID         string         `gorm:"not null;uniqueIndex:idx_transitions_run_seq;uniqueIndex:idx_transitions_run_to_attempt" json:"run_id"`
	Seq           int            `gorm:"not null;uniqueIndex:idx_transitions_run_seq" json:"seq"`
	From          string         `gorm:"column:from_state;not null" json:"from"`
	To            string         `gorm:"column:to_state;not null;uniqueIndex:idx_transitions_run_to_attempt" json:"to"`
	Attempt       int            `gorm:"not null;uniqueIndex:idx_transitions_run_to_attempt" json:"attempt"`
	Reason        string         `gorm:"not null" json:"reason"`
	RevisionCount int            `json:"revision_count"`
	Detail        datatypes.JSON `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ScoreCard is one gate result for one gate evaluation of a run. Rows are
// immutable; a revision produces new rows under a new Evaluation ordinal.
type ScoreCard struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RunID         string    `gorm:"not null;uniqueIndex:idx_score_cards_run_eval_gate" json:"run_id"`
	Evaluation    int       `gorm:"not null;uniqueIndex:idx_score_cards_run_eval_gate" json:"evaluation"`
	GateName      string    `gorm:"not null;uniqueIndex:idx_score_cards_run_eval_gate" json:"gate_name"`
	Position      int       `json:"position"`
	Revision      int       `json:"revision"`
	SourceBackend string    `json:"source_backend"`
	DraftDigest   string    `json:"draft_digest"`
	Score         float64   `json:"score"`
	Passed        bool      `json:"passed"`
	Detail        string    `json:"detail"`
	Weight        float64   `json:"weight"`
	Mandatory     bool      `json:"mandatory"`
	CreatedAt     time.Time `json:"created_at"`
}

// DraftRecord indexes a draft snapshot held in the artifact store.
type DraftRecord struct {
	ID             uint           `gorm:"primaryKey" json:"-"`
	RunID          string         `gorm:"not null;uniqueIndex:idx_drafts_run_stage" json:"run_id"`
	Stage          string         `gorm:"not null;uniqueIndex:idx_drafts_run_stage" json:"stage"`
	SourceBackend  string         `json:"source_backend"`
	Revision       int            `json:"revision"`
	Digest         string         `gorm:"not null" json:"digest"`
	Title          string         `json:"title"`
	WordCount      int            `json:"word_count"`
	ProjectedScore float64        `json:"projected_score"`
	LatencyMs      int64          `json:"generation_latency_ms"`
	TokenCost      datatypes.JSON `json:"token_cost,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName overrides the default table name.
func (DraftRecord) TableName() string { return "drafts" }

// PublishRecord is the outcome of the single publish of a run.
type PublishRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	RunID          string    `gorm:"not null;uniqueIndex" json:"run_id"`
	IdempotencyKey string    `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	RemotePostID   string    `gorm:"not null" json:"remote_post_id"`
	RemoteURL      string    `json:"remote_url"`
	DraftDigest    string    `json:"draft_digest"`
	PublishedAt    time.Time `json:"published_at"`
	AttemptCount   int       `json:"attempt_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// PostView is one view-count sample of a published post.
type PostView struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	RunID        string    `gorm:"not null;index" json:"run_id"`
	RemotePostID string    `gorm:"not null" json:"remote_post_id"`
	Site         string    `json:"site"`
	Views        int64     `json:"views"`
	FetchedAt    time.Time `gorm:"index" json:"fetched_at"`
}
