package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/fsutil"
)

// Compile-time interface check.
var _ backend = (*localBackend)(nil)

type localBackend struct {
	dir   string
	owner *fsutil.Owner
}

// NewLocal creates a Store backed by a local directory laid out as
// {dir}/runs/{runID}/{stage}.json.
// Directories and documents are chowned to cfg.Owner when set.
func NewLocal(log logrus.FieldLogger, cfg *config.LocalArtifactsConfig) Store {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		log.WithError(err).Warn("Ignoring artifact owner")
	}

	return newStore(log, &localBackend{dir: cfg.Dir, owner: owner})
}

func (b *localBackend) describe() string {
	return b.dir
}

func (b *localBackend) path(key string) string {
	return filepath.Join(b.dir, filepath.FromSlash(path.Clean(key)))
}

// read returns (nil, nil) when the file does not exist.
func (b *localBackend) read(_ context.Context, key string) ([]byte, error) {
	p := b.path(key)

	data, err := os.ReadFile(p) //nolint:gosec // keys are validated segments
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// create writes to a temp file and hard-links it into place, so readers
// never observe a partial document and an existing key is never replaced.
func (b *localBackend) create(_ context.Context, key string, data []byte) (bool, error) {
	p := b.path(key)
	dir := filepath.Dir(p)

	if err := b.owner.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return false, fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return false, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Link(tmpName, p); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}

		return false, fmt.Errorf("linking %s: %w", p, err)
	}

	b.owner.Chown(p)

	return true, nil
}

// listChildren returns directory or file names under prefix, skipping
// temp files.
func (b *localBackend) listChildren(_ context.Context, prefix string, dirs bool) ([]string, error) {
	p := b.path(prefix)

	entries, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading directory %s: %w", p, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() != dirs || e.Name()[0] == '.' {
			continue
		}

		names = append(names, e.Name())
	}

	return names, nil
}
