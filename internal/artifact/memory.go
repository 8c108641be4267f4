package artifact

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/renderq/renderq/internal/hash/sha256"
)

type memObject struct {
	body   []byte
	digest string
}

// Memory keeps artifacts in memory for development/testing.
type Memory struct {
	mu      sync.Mutex
	hasher  *sha256.Hasher
	objects map[string]memObject
}

// NewMemory constructs a Memory store.
func NewMemory() *Memory {
	return &Memory{hasher: sha256.New(), objects: make(map[string]memObject)}
}

// Archive stores data under a mem:// URI.
func (s *Memory) Archive(_ context.Context, jobID int64, name string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	digest, err := s.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	key := fmt.Sprintf("job-%d/%s", jobID, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{body: body, digest: digest}
	return "mem://" + key, nil
}

// Get returns a stored artifact body.
func (s *Memory) Get(jobID int64, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[fmt.Sprintf("job-%d/%s", jobID, name)]
	return obj.body, ok
}

// Digest returns the hex SHA-256 of a stored artifact body.
func (s *Memory) Digest(jobID int64, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[fmt.Sprintf("job-%d/%s", jobID, name)]
	return obj.digest, ok
}

// Noop discards artifacts.
type Noop struct{}

// Archive drains data and reports an empty URI.
func (Noop) Archive(_ context.Context, _ int64, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", fmt.Errorf("drain artifact: %w", err)
	}
	return "", nil
}
