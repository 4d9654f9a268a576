// Package publish hands gate-passed drafts to the remote publishing
// platform at most once per run.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// Class classifies a publish failure.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Error is a failed publish call.
type Error struct {
	Class Class
	// StatusCode is the remote HTTP status, zero for transport errors.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("publish %s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("publish %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err may succeed when retried with the same
// idempotency key. Deadline errors count as transient.
func IsTransient(err error) bool {
	var pubErr *Error
	if errors.As(err, &pubErr) {
		return pubErr.Class == ClassTransient
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Post is the rendered content handed to the platform.
type Post struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Excerpt    string   `json:"excerpt,omitempty"`
	Slug       string   `json:"slug,omitempty"`
	Status     string   `json:"status"`
	Tags       []string `json:"tags,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Receipt identifies the created remote post.
type Receipt struct {
	PostID string
	URL    string
}

// Publisher is the publish capability. Calls repeated with the same
// idempotency key must not create another post.
type Publisher interface {
	Publish(ctx context.Context, post Post, idempotencyKey string) (*Receipt, error)
}

// StatsReader reads view counts of published posts.
type StatsReader interface {
	PostViews(ctx context.Context, postID string) (int64, error)
}

// IdempotencyKey derives the stable publish key of a run.
func IdempotencyKey(runID string) string {
	return "contentpipe-" + runID
}
