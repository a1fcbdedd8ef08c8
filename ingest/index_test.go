package ingest

import (
	"context"
	"strings"
	"testing"
)

func TestAlbumIndexLoadIsIdempotent(t *testing.T) {
	fpA := strings.Repeat("aa", 32)
	fpB := strings.Repeat("bb", 32)

	backend := newFakeBackend()
	backend.fingerprints = []string{fpA, fpB, fpA, ""}

	idx := newAlbumIndex()
	if err := idx.load(context.Background(), backend, "album-1"); err != nil {
		t.Fatal(err)
	}
	if idx.size() != 2 {
		t.Errorf("expected 2 entries (repeats and empties dropped), got %d", idx.size())
	}

	// loading again for the same album must not change the answers
	if err := idx.load(context.Background(), backend, "album-1"); err != nil {
		t.Fatal(err)
	}
	if idx.size() != 2 {
		t.Errorf("second load changed the index: %d entries", idx.size())
	}
	if !idx.contains(fpA) || !idx.contains(fpB) {
		t.Error("loaded fingerprints not found")
	}
	if idx.contains(strings.Repeat("cc", 32)) {
		t.Error("unknown fingerprint reported as present")
	}
}

func TestAlbumIndexInsertAndEmpty(t *testing.T) {
	idx := newAlbumIndex()

	fp := strings.Repeat("0f", 32)
	if idx.contains(fp) {
		t.Error("fresh index should contain nothing")
	}
	idx.insert(fp)
	if !idx.contains(fp) {
		t.Error("inserted fingerprint not found")
	}

	// files that could not be fingerprinted are invisible to the index
	idx.insert("")
	if idx.contains("") {
		t.Error("empty fingerprint must never match")
	}
	if idx.size() != 1 {
		t.Errorf("expected 1 entry, got %d", idx.size())
	}
}
