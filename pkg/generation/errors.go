package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/contentpipe/pkg/draft"
)

// ErrGenerationExhausted is returned when no backend produced a draft.
var ErrGenerationExhausted = errors.New("all generation backends failed")

// Kind classifies a generation failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindBackend   Kind = "backend_error"
	KindMalformed Kind = "malformed"
	KindStorage   Kind = "storage"
)

// Error is a typed failure of one backend invocation.
type Error struct {
	Backend string
	Kind    Kind
	// Transient errors may succeed when retried.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a generation error worth retrying.
func IsTransient(err error) bool {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Transient
	}

	return false
}

// classify turns an error from a backend call into an *Error. callCtx is the
// per-attempt context.
func classify(callCtx context.Context, backend string, err error) *Error {
	var genErr *Error
	if errors.As(err, &genErr) {
		if genErr.Backend == "" {
			genErr.Backend = backend
		}

		return genErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return &Error{Backend: backend, Kind: KindTimeout, Transient: true, Err: err}
	case errors.Is(err, draft.ErrMalformed):
		return &Error{Backend: backend, Kind: KindMalformed, Err: err}
	default:
		return &Error{Backend: backend, Kind: KindBackend, Err: err}
	}
}
