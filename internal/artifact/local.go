package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/renderq/renderq/internal/hash/sha256"
)

// LocalConfig captures the parameters for the local filesystem store.
type LocalConfig struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir"`
}

// Local writes artifacts to the local filesystem under a per-job directory.
// Each artifact gets a <name>.sha256 sidecar in sha256sum format for
// integrity checks.
type Local struct {
	baseDir string
	hasher  *sha256.Hasher
}

// NewLocal creates a local filesystem-backed artifact store.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Local{baseDir: cfg.BaseDir, hasher: sha256.New()}, nil
}

// Archive writes data to <baseDir>/job-<id>/<name> and returns a file:// URI.
func (s *Local) Archive(_ context.Context, jobID int64, name string, data io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("artifact name is required")
	}
	// Downloads are flat file names; reject anything that escapes the
	// per-job directory.
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	dir := filepath.Join(s.baseDir, fmt.Sprintf("job-%d", jobID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	fullPath := filepath.Join(dir, name)
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	defer func() { _ = f.Close() }()

	digest := s.hasher.NewDigest()
	if _, err := io.Copy(io.MultiWriter(f, digest), data); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	sum := fmt.Sprintf("%s  %s\n", digest.Sum(), name)
	if err := os.WriteFile(fullPath+".sha256", []byte(sum), 0o600); err != nil {
		return "", fmt.Errorf("write checksum sidecar: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
