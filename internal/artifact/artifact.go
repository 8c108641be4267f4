// Package artifact persists files a page leaves in the download staging
// directory during a render, keyed by job id.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store archives a single named artifact for a job and returns its URI.
type Store interface {
	Archive(ctx context.Context, jobID int64, name string, data io.Reader) (string, error)
}

// SweepDir archives every file in dir that is not listed in skip, removing
// archived files from the staging directory. It returns the URIs of the
// archived artifacts. Subdirectories are ignored; the browser writes
// downloads as flat files.
func SweepDir(ctx context.Context, store Store, jobID int64, dir string, skip map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	var uris []string
	for _, entry := range entries {
		if entry.IsDir() || skip[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		uri, err := archiveFile(ctx, store, jobID, entry.Name(), path)
		if err != nil {
			return uris, err
		}
		if err := os.Remove(path); err != nil {
			return uris, fmt.Errorf("remove staged file: %w", err)
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

func archiveFile(ctx context.Context, store Store, jobID int64, name, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = f.Close() }()

	uri, err := store.Archive(ctx, jobID, name, f)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	return uri, nil
}

// ListDir returns the names of regular files currently in dir, for use as
// the skip set of a later SweepDir call.
func ListDir(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names[entry.Name()] = true
		}
	}
	return names, nil
}
