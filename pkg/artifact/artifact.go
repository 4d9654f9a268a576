// Package artifact persists one JSON document per (run, stage) pair. Documents
// are content-addressed by a BLAKE2b digest of their payload and the store is
// append-only: rewriting a stage with identical content is a no-op, rewriting
// it with different content fails with ErrConflict.
package artifact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/ethpandaops/contentpipe/pkg/config"
)

// ErrConflict is returned when a stage already holds a document with a
// different digest.
var ErrConflict = errors.New("artifact already exists with different content")

// DigestPrefix tags digests with the hash function used.
const DigestPrefix = "blake2b-256:"

// Stage names.
const (
	StageFinal           = "final"
	stageCandidatePrefix = "candidate-"
	stageRevisionPrefix  = "revision-"
)

// CandidateStage is the stage of a generation backend's candidate draft.
func CandidateStage(backendID string) string {
	return stageCandidatePrefix + backendID
}

// RevisionStage is the stage of the n-th revised draft (n >= 1).
func RevisionStage(n int) string {
	return stageRevisionPrefix + strconv.Itoa(n)
}

// ParseRevisionStage returns n for a "revision-n" stage.
func ParseRevisionStage(stage string) (int, bool) {
	rest, ok := strings.CutPrefix(stage, stageRevisionPrefix)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}

	return n, true
}

// Envelope wraps a stored payload with its address.
type Envelope struct {
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage"`
	Digest    string          `json:"digest"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s/%s payload: %w", e.RunID, e.Stage, err)
	}

	return nil
}

// Store is the artifact store used by the orchestrator.
type Store interface {
	// Put snapshots v as the document for (runID, stage) and returns its digest.
	Put(ctx context.Context, runID, stage string, v any) (string, error)

	// Get returns the envelope for (runID, stage).
	// Returns (nil, nil) when the document does not exist.
	Get(ctx context.Context, runID, stage string) (*Envelope, error)

	// ListStages returns the stages stored for a run, sorted.
	ListStages(ctx context.Context, runID string) ([]string, error)

	// ListRunIDs returns every run with at least one stored document.
	ListRunIDs(ctx context.Context) ([]string, error)
}

// backend is the raw object layer beneath the store.
type backend interface {
	// read returns (nil, nil) when the key does not exist.
	read(ctx context.Context, key string) ([]byte, error)
	// create writes data only if key does not exist yet. It reports
	// created=false when the key was already present.
	create(ctx context.Context, key string, data []byte) (created bool, err error)
	// listChildren returns the immediate child names under prefix.
	listChildren(ctx context.Context, prefix string, dirs bool) ([]string, error)
	describe() string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log     logrus.FieldLogger
	backend backend
	now     func() time.Time
}

// New creates the store selected by cfg.
func New(log logrus.FieldLogger, cfg *config.ArtifactsConfig) (Store, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3(log, &cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocal(log, &cfg.Local), nil
	default:
		return nil, errors.New("no artifact backend enabled")
	}
}

func newStore(log logrus.FieldLogger, b backend) *store {
	return &store{
		log:     log.WithField("component", "artifacts"),
		backend: b,
		now:     time.Now,
	}
}

// Digest returns the content address of a payload.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)

	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Put snapshots v as the document for (runID, stage).
func (s *store) Put(
	ctx context.Context, runID, stage string, v any,
) (string, error) {
	if err := validateSegment(runID); err != nil {
		return "", fmt.Errorf("invalid run id: %w", err)
	}

	if err := validateSegment(stage); err != nil {
		return "", fmt.Errorf("invalid stage: %w", err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling %s/%s: %w", runID, stage, err)
	}

	digest := Digest(payload)

	data, err := json.Marshal(&Envelope{
		RunID:     runID,
		Stage:     stage,
		Digest:    digest,
		CreatedAt: s.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}

	key := objectKey(runID, stage)

	created, err := s.backend.create(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}

	log := s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"stage":  stage,
		"digest": digest,
	})

	if created {
		log.WithField("size", units.HumanSize(float64(len(data)))).Debug("Stored artifact")

		return digest, nil
	}

	existing, err := s.Get(ctx, runID, stage)
	if err != nil {
		return "", err
	}

	if existing == nil || existing.Digest != digest {
		return "", fmt.Errorf("%w: %s", ErrConflict, key)
	}

	log.Debug("Artifact already stored")

	return digest, nil
}

// Get returns the envelope for (runID, stage), or (nil, nil) if missing.
func (s *store) Get(
	ctx context.Context, runID, stage string,
) (*Envelope, error) {
	key := objectKey(runID, stage)

	data, err := s.backend.read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	if data == nil {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	if got := Digest(env.Payload); got != env.Digest {
		return nil, fmt.Errorf("artifact %s is corrupt: digest %s, want %s", key, got, env.Digest)
	}

	return &env, nil
}

// ListStages returns the stages stored for a run.
func (s *store) ListStages(
	ctx context.Context, runID string,
) ([]string, error) {
	names, err := s.backend.listChildren(ctx, "runs/"+runID+"/", false)
	if err != nil {
		return nil, fmt.Errorf("listing stages of %s: %w", runID, err)
	}

	stages := make([]string, 0, len(names))

	for _, name := range names {
		if stage, ok := strings.CutSuffix(name, ".json"); ok {
			stages = append(stages, stage)
		}
	}

	return stages, nil
}

// ListRunIDs returns run IDs with at least one stored document.
func (s *store) ListRunIDs(ctx context.Context) ([]string, error) {
	ids, err := s.backend.listChildren(ctx, "runs/", true)
	if err != nil {
		return nil, fmt.Errorf("listing runs in %s: %w", s.backend.describe(), err)
	}

	return ids, nil
}

func objectKey(runID, stage string) string {
	return "runs/" + runID + "/" + stage + ".json"
}

func validateSegment(s string) error {
	if s == "" {
		return errors.New("empty")
	}

	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%q is not a valid path segment", s)
	}

	return nil
}
