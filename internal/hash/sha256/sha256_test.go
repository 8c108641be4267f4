package sha256

import "testing"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestDigestMatchesHash(t *testing.T) {
	t.Parallel()

	h := New()
	d := h.NewDigest()
	if _, err := d.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := d.Write([]byte("world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	whole, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got := d.Sum(); got != whole {
		t.Fatalf("streamed digest %s differs from whole-input digest %s", got, whole)
	}
}
