// Package fsutil applies a configured owner to files the pipeline writes,
// so artifact directories shared with a web server or backup job stay
// readable by that user.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a parsed UID/GID pair.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID". It returns nil for an empty string.
func ParseOwner(s string) (*Owner, error) {
	if s == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", s)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown sets ownership when o is not nil. Errors are ignored: an
// unprivileged process keeps its own ownership.
func (o *Owner) Chown(path string) {
	if o == nil {
		return
	}

	_ = os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates path and every missing parent, chowning each directory
// it created.
func (o *Owner) MkdirAll(path string, perm os.FileMode) error {
	var created []string

	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			break
		}

		created = append(created, p)

		parent := filepath.Dir(p)
		if parent == p {
			break
		}

		p = parent
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for _, p := range created {
		o.Chown(p)
	}

	return nil
}
