package ingest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFingerprintDeterministic(t *testing.T) {
	data := []byte("the exact same bytes")

	first, err := fingerprint(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	second, err := fingerprint(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("same bytes, different fingerprints: %s vs %s", first, second)
	}
	if len(first) != FingerprintLength {
		t.Errorf("expected %d hex chars, got %d", FingerprintLength, len(first))
	}
	if first != strings.ToLower(first) {
		t.Errorf("fingerprint not lowercase: %s", first)
	}
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a, err := fingerprint(strings.NewReader("file a"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := fingerprint(strings.NewReader("file b"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("different bytes produced the same fingerprint")
	}
}

func TestFingerprintPropagatesReadErrors(t *testing.T) {
	wantErr := errors.New("disk pulled")
	if _, err := fingerprint(&failingReader{err: wantErr}); !errors.Is(err, wantErr) {
		t.Errorf("expected the read error back, got %v", err)
	}
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

var _ io.Reader = (*failingReader)(nil)
