// Package ledger is the durable, append-only audit trail of pipeline runs:
// run metadata, the gapless transition history, score cards, draft indexes
// and publish outcomes.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned for transitions the state machine
	// rejects, including any transition out of a terminal state and a
	// replayed idempotency key with a different outcome. The ledger is
	// left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentUpdate is returned when the caller's view of the run is
	// stale.
	ErrConcurrentUpdate = errors.New("concurrent run update")
)

// TransitionRequest describes one state change. From is the state the
// caller believes the run is in.
type TransitionRequest struct {
	RunID   string
	From    runstate.State
	To      runstate.State
	Attempt int
	Reason  string
	// RevisionCount is the run's revision count after the transition. It
	// never decreases.
	RevisionCount int
	// WinnerBackend is recorded on the run when non-empty.
	WinnerBackend string
	// Detail is stored as JSON on the transition row.
	Detail any
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	State string
	Since time.Time
	Limit int
}

// Ledger persists runs and their audit trail.
type Ledger interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, brief draft.Brief) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]Run, error)

	// Transition applies one guarded state change atomically.
	Transition(ctx context.Context, req TransitionRequest) (*Run, error)
	History(ctx context.Context, runID string) ([]Transition, error)

	RecordDraft(ctx context.Context, rec *DraftRecord) error
	ListDrafts(ctx context.Context, runID string) ([]DraftRecord, error)
	RecordScoreCards(ctx context.Context, cards []ScoreCard) error
	ListScoreCards(ctx context.Context, runID string) ([]ScoreCard, error)

	// GetPublishRecord is the point lookup used before any publish
	// attempt. Returns (nil, nil) when none is committed.
	GetPublishRecord(ctx context.Context, runID string) (*PublishRecord, error)
	// CommitPublish writes rec and applies req in one transaction. An
	// already committed record for the run is kept as is.
	CommitPublish(ctx context.Context, rec *PublishRecord, req TransitionRequest) (*Run, error)
	ListPublishRecords(ctx context.Context, limit int) ([]PublishRecord, error)

	RecordPostView(ctx context.Context, view *PostView) error
	ListPostViews(ctx context.Context, runID string) ([]PostView, error)
}

// Compile-time interface check.
var _ Ledger = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewLedger creates a Ledger backed by the configured database driver.
func NewLedger(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Ledger {
	return &store{
		log: log.WithField("component", "ledger"),
		cfg: cfg,
		now: time.Now,
	}
}

// NewRunID returns a new time-ordered run identifier.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return s.now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps ":memory:"
		// databases shared across calls.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Transition{},
		&ScoreCard{},
		&DraftRecord{},
		&PublishRecord{},
		&PostView{},
	); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Ledger database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// CreateRun inserts a run in CREATED together with its first transition.
func (s *store) CreateRun(ctx context.Context, brief draft.Brief) (*Run, error) {
	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return nil, fmt.Errorf("marshaling brief: %w", err)
	}

	run := &Run{
		RunID:   NewRunID(),
		Topic:   brief.Topic,
		Brief:   datatypes.JSON(briefJSON),
		State:   string(runstate.Created),
		Reason:  runstate.ReasonSubmitted,
		LastSeq: 1,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		return tx.Create(&Transition{
			RunID:  run.RunID,
			Seq:    1,
			To:     string(runstate.Created),
			Reason: runstate.ReasonSubmitted,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return run, nil
}

// GetRun returns a run by its identifier.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRun(s.db.WithContext(ctx), runID)
}

func getRun(db *gorm.DB, runID string) (*Run, error) {
	var run Run

	err := db.Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}

		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}

	return &run, nil
}

// ListRuns returns runs newest first, narrowed by filter.
func (s *store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := sq.Select("*").From("runs").OrderBy("created_at DESC", "id DESC")

	if filter.State != "" {
		q = q.Where(sq.Eq{"state": filter.State})
	}

	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.Since.UTC()})
	}

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building run query: %w", err)
	}

	var runs []Run
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// terminalStates are run states that will not change.
var terminalStates = []string{
	string(runstate.GateFailed),
	string(runstate.Published),
	string(runstate.PublishFailed),
}

// ListStaleRuns returns non-terminal runs not updated since before, oldest first.
func (s *store) ListStaleRuns(
	ctx context.Context, before time.Time, limit int,
) ([]Run, error) {
	q := s.db.WithContext(ctx).
		Where("state NOT IN ? AND updated_at < ?", terminalStates, before.UTC()).
		Order("updated_at ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}

	return runs, nil
}

// Transition applies one guarded state change.
func (s *store) Transition(ctx context.Context, req TransitionRequest) (*Run, error) {
	var run *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error

		run, err = s.applyTransition(tx, req)

		return err
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// applyTransition must run inside a transaction.
func (s *store) applyTransition(tx *gorm.DB, req TransitionRequest) (*Run, error) {
	log := s.log.WithFields(logrus.Fields{
		"run_id": req.RunID,
		"from":   req.From,
		"to":     req.To,
	})

	run, err := getRun(tx, req.RunID)
	if err != nil {
		return nil, err
	}

	var existing Transition

	err = tx.Where("run_id = ? AND to_state = ? AND attempt = ?", req.RunID, string(req.To), req.Attempt).
		Limit(1).Find(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("checking transition key: %w", err)
	}

	if existing.ID != 0 {
		if existing.From == string(req.From) && existing.Reason == req.Reason {
			log.Debug("Transition already applied")

			return run, nil
		}

		return nil, fmt.Errorf(
			"%w: %s to %s (attempt %d) already recorded with reason %s",
			ErrInvalidTransition, existing.From, existing.To, existing.Attempt, existing.Reason,
		)
	}

	current := run.RunState()

	if guard := runstate.CanTransition(current, req.To); !guard.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, guard.Reason)
	}

	if current != req.From {
		return nil, fmt.Errorf(
			"%w: run %s is in %s, expected %s", ErrConcurrentUpdate, req.RunID, current, req.From,
		)
	}

	if req.RevisionCount < run.RevisionCount {
		return nil, fmt.Errorf(
			"%w: revision count cannot decrease from %d to %d",
			ErrInvalidTransition, run.RevisionCount, req.RevisionCount,
		)
	}

	var detail datatypes.JSON

	if req.Detail != nil {
		raw, err := json.Marshal(req.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshaling transition detail: %w", err)
		}

		detail = datatypes.JSON(raw)
	}

	seq := run.LastSeq + 1

	if err := tx.Create(&Transition{
		RunID:         req.RunID,
		Seq:           seq,
		From:          string(current),
		To:            string(req.To),
		Attempt:       req.Attempt,
		Reason:        req.Reason,
		RevisionCount: req.RevisionCount,
		Detail:        detail,
	}).Error; err != nil {
		return nil, fmt.Errorf("inserting transition: %w", err)
	}

	updates := map[string]any{
		"state":          string(req.To),
		"reason":         req.Reason,
		"revision_count": req.RevisionCount,
		"last_seq":       seq,
	}

	if req.WinnerBackend != "" {
		updates["winner_backend"] = req.WinnerBackend
	}

	result := tx.Model(&Run{}).
		Where("run_id = ? AND last_seq = ?", req.RunID, run.LastSeq).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("updating run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: run %s changed during transition", ErrConcurrentUpdate, req.RunID)
	}

	log.WithField("reason", req.Reason).Debug("Transition applied")

	return getRun(tx, req.RunID)
}

// History returns the run's transitions in commit order.
func (s *store) History(ctx context.Context, runID string) ([]Transition, error) {
	var transitions []Transition
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}

	return transitions, nil
}

// RecordDraft indexes a draft snapshot. Re-recording a stage is a no-op.
func (s *store) RecordDraft(ctx context.Context, rec *DraftRecord) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error; err != nil {
		return fmt.Errorf("recording draft: %w", err)
	}

	return nil
}

// ListDrafts returns the run's draft index in creation order.
func (s *store) ListDrafts(ctx context.Context, runID string) ([]DraftRecord, error) {
	var drafts []DraftRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&drafts).Error; err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}

	return drafts, nil
}

// RecordScoreCards appends the cards of one evaluation. Cards already
// recorded for the same (run, evaluation, gate) are kept unchanged.
func (s *store) RecordScoreCards(ctx context.Context, cards []ScoreCard) error {
	if len(cards) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cards).Error; err != nil {
		return fmt.Errorf("recording score cards: %w", err)
	}

	return nil
}

// ListScoreCards returns cards ordered by evaluation, then declared gate order.
func (s *store) ListScoreCards(ctx context.Context, runID string) ([]ScoreCard, error) {
	var cards []ScoreCard
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("evaluation ASC, position ASC").
		Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("listing score cards: %w", err)
	}

	return cards, nil
}

// GetPublishRecord returns (nil, nil) when no record is committed.
func (s *store) GetPublishRecord(ctx context.Context, runID string) (*PublishRecord, error) {
	return getPublishRecord(s.db.WithContext(ctx), runID)
}

func getPublishRecord(db *gorm.DB, runID string) (*PublishRecord, error) {
	var rec PublishRecord

	if err := db.Where("run_id = ?", runID).Limit(1).Find(&rec).Error; err != nil {
		return nil, fmt.Errorf("getting publish record: %w", err)
	}

	if rec.ID == 0 {
		return nil, nil
	}

	return &rec, nil
}

// CommitPublish writes the publish record and the PUBLISHED transition
// atomically.
func (s *store) CommitPublish(
	ctx context.Context, rec *PublishRecord, req TransitionRequest,
) (*Run, error) {
	if rec.RunID != req.RunID {
		return nil, fmt.Errorf("publish record run %s does not match transition run %s", rec.RunID, req.RunID)
	}

	var run *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := getPublishRecord(tx, rec.RunID)
		if err != nil {
			return err
		}

		if existing == nil {
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("inserting publish record: %w", err)
			}
		} else {
			*rec = *existing
		}

		run, err = s.applyTransition(tx, req)

		return err
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// ListPublishRecords returns the most recent publish records.
func (s *store) ListPublishRecords(ctx context.Context, limit int) ([]PublishRecord, error) {
	q := s.db.WithContext(ctx).Order("published_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []PublishRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing publish records: %w", err)
	}

	return recs, nil
}

// RecordPostView appends one view-count sample.
func (s *store) RecordPostView(ctx context.Context, view *PostView) error {
	if view.FetchedAt.IsZero() {
		view.FetchedAt = s.now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(view).Error; err != nil {
		return fmt.Errorf("recording post view: %w", err)
	}

	return nil
}

// ListPostViews returns a run's view samples oldest first.
func (s *store) ListPostViews(ctx context.Context, runID string) ([]PostView, error) {
	var views []PostView
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("fetched_at ASC, id ASC").
		Find(&views).Error; err != nil {
		return nil, fmt.Errorf("listing post views: %w", err)
	}

	return views, nil
}
