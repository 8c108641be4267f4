// Package sha256 provides SHA-256 digest helpers for artifact integrity.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hasher produces hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Digest accumulates streamed data and reports its hex digest. It is an
// io.Writer so it can sit in an io.MultiWriter alongside the destination.
type Digest struct {
	h hash.Hash
}

// NewDigest returns an empty streaming digest.
func (h *Hasher) NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
