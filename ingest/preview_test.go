package ingest

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestGeneratePreviewDownscales(t *testing.T) {
	dir := t.TempDir()

	pv, err := generatePreview(context.Background(), BytesSource(jpegBytes(t, 1024, 768)), dir, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pv.Release()

	if pv.Width != 256 {
		t.Errorf("expected width 256, got %d", pv.Width)
	}
	if pv.Height != 192 {
		t.Errorf("expected height 192, got %d", pv.Height)
	}
	if pv.ThumbHash == "" {
		t.Error("expected a thumbhash")
	}
	info, err := os.Stat(pv.Path)
	if err != nil {
		t.Fatalf("preview artifact: %v", err)
	}
	if info.Size() == 0 {
		t.Error("preview artifact is empty")
	}
}

func TestGeneratePreviewNeverUpscales(t *testing.T) {
	pv, err := generatePreview(context.Background(), BytesSource(jpegBytes(t, 100, 80)), t.TempDir(), 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pv.Release()

	if pv.Width != 100 || pv.Height != 80 {
		t.Errorf("small images keep their size, got %dx%d", pv.Width, pv.Height)
	}
}

func TestGeneratePreviewPortrait(t *testing.T) {
	pv, err := generatePreview(context.Background(), BytesSource(jpegBytes(t, 300, 600)), t.TempDir(), 150)
	if err != nil {
		t.Fatal(err)
	}
	defer pv.Release()

	if pv.Height != 150 {
		t.Errorf("expected the longer side bounded at 150, got height %d", pv.Height)
	}
	if pv.Width != 75 {
		t.Errorf("expected width 75, got %d", pv.Width)
	}
}

func TestGeneratePreviewRejectsNonImages(t *testing.T) {
	if _, err := generatePreview(context.Background(), BytesSource([]byte("not an image")), t.TempDir(), 256); err == nil {
		t.Error("expected an error for undecodable bytes")
	}
}

func TestPreviewReleaseOnlyActsOnce(t *testing.T) {
	pv, err := generatePreview(context.Background(), BytesSource(jpegBytes(t, 64, 64)), t.TempDir(), 32)
	if err != nil {
		t.Fatal(err)
	}

	if pv.Released() {
		t.Error("fresh preview reported released")
	}
	if err := pv.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := os.Stat(pv.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present after release: %v", err)
	}
	if err := pv.Release(); err != nil {
		t.Errorf("second release must be a no-op, got %v", err)
	}
	if !pv.Released() {
		t.Error("preview not marked released")
	}

	var nilPreview *Preview
	if err := nilPreview.Release(); err != nil {
		t.Errorf("releasing a nil preview: %v", err)
	}
}
