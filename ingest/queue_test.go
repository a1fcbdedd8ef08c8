/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestNewRequiresBackendAndAlbum(t *testing.T) {
	if _, err := New(context.Background(), Options{AlbumID: "album-1"}); err == nil {
		t.Error("expected error when backend is missing")
	}
	if _, err := New(context.Background(), Options{Backend: newFakeBackend()}); err == nil {
		t.Error("expected error when album ID is missing")
	}
}

func TestNewFailsWhenIndexCannotLoad(t *testing.T) {
	backend := newFakeBackend()
	backend.fingerprintsErr = errors.New("db offline")
	if _, err := New(context.Background(), Options{Backend: backend, AlbumID: "album-1", Logger: zap.NewNop()}); err == nil {
		t.Error("expected New to fail when the fingerprint query fails")
	}
}

func TestAddAssignsIntakeOrder(t *testing.T) {
	q := newTestQueue(t, newFakeBackend())

	names := []string{"c.jpg", "a.jpg", "b.jpg"}
	for i, name := range names {
		if _, err := q.Add(context.Background(), name, -1, BytesSource([]byte(name))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	q.Wait()

	items := q.Items()
	if len(items) != len(names) {
		t.Fatalf("expected %d items, got %d", len(names), len(items))
	}
	for i, item := range items {
		if item.Name != names[i] {
			t.Errorf("item %d: expected name %s, got %s", i, names[i], item.Name)
		}
		if item.OrderIndex != i {
			t.Errorf("item %d: expected order index %d, got %d", i, i, item.OrderIndex)
		}
		if item.Status != StatusPending {
			t.Errorf("item %d: expected %s, got %s", i, StatusPending, item.Status)
		}
	}
}

func TestIntakeComputesFingerprint(t *testing.T) {
	q := newTestQueue(t, newFakeBackend())

	data := []byte("the same bytes every time")
	id, err := q.Add(context.Background(), "photo.jpg", int64(len(data)), BytesSource(data))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	item, ok := q.Item(id)
	if !ok {
		t.Fatal("staged photo disappeared")
	}
	if len(item.Fingerprint) != FingerprintLength {
		t.Errorf("expected %d-char fingerprint, got %d (%q)", FingerprintLength, len(item.Fingerprint), item.Fingerprint)
	}
	want, err := fingerprint(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if item.Fingerprint != want {
		t.Errorf("fingerprint mismatch: got %s, want %s", item.Fingerprint, want)
	}
}

func TestIntakeFingerprintFailureStillEligible(t *testing.T) {
	q := newTestQueue(t, newFakeBackend())

	id, err := q.Add(context.Background(), "broken.jpg", -1, func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("gone")
	})
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	item, _ := q.Item(id)
	if item.Fingerprint != "" {
		t.Errorf("expected empty fingerprint, got %q", item.Fingerprint)
	}
	if item.Status != StatusPending {
		t.Errorf("a photo that cannot be fingerprinted must stay %s, got %s", StatusPending, item.Status)
	}
}

func TestDuplicateFlaggedAtIntakeWithoutAnyBackendCall(t *testing.T) {
	data := []byte("already in the album")
	fp, err := fingerprint(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	backend := newFakeBackend()
	backend.fingerprints = []string{fp}
	q := newTestQueue(t, backend)

	id, err := q.Add(context.Background(), "again.jpg", -1, BytesSource(data))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	item, _ := q.Item(id)
	if item.Status != StatusDuplicate {
		t.Fatalf("expected %s, got %s", StatusDuplicate, item.Status)
	}
	if item.Progress != 100 {
		t.Errorf("duplicates need no further work; expected progress 100, got %d", item.Progress)
	}
	if n := backend.calls(&backend.storeCalls); n != 0 {
		t.Errorf("duplicate detection must not store bytes; Store called %d times", n)
	}
	if n := backend.calls(&backend.insertCalls); n != 0 {
		t.Errorf("duplicate detection must not persist rows; Insert called %d times", n)
	}
	if n := backend.calls(&backend.userCalls); n != 0 {
		t.Errorf("duplicate detection must not need a user; CurrentUser called %d times", n)
	}
}

func TestSameBatchIdenticalFilesBothPending(t *testing.T) {
	// Identical files staged in the same batch are not cross-checked against
	// each other; the index only learns a fingerprint after its row
	// persists. Both stage as pending.
	q := newTestQueue(t, newFakeBackend())

	data := []byte("same file dropped twice")
	first, err := q.Add(context.Background(), "one.jpg", -1, BytesSource(data))
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Add(context.Background(), "two.jpg", -1, BytesSource(data))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	for _, id := range []string{first, second} {
		item, _ := q.Item(id)
		if item.Status != StatusPending {
			t.Errorf("photo %s: expected %s, got %s", id, StatusPending, item.Status)
		}
	}
}

func TestCaptionAndLocationMutableUntilUpload(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend)

	id, err := q.Add(context.Background(), "photo.jpg", -1, BytesSource([]byte("bytes")))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	if err := q.SetCaption(id, "sunset over the bay"); err != nil {
		t.Fatalf("SetCaption while pending: %v", err)
	}
	place := &Place{Name: "Lisbon", Latitude: 38.7223, Longitude: -9.1393}
	if err := q.SetManualLocation(id, place); err != nil {
		t.Fatalf("SetManualLocation while pending: %v", err)
	}

	if _, err := q.UploadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := q.SetCaption(id, "too late"); err == nil {
		t.Error("expected SetCaption to fail after upload")
	}
	if err := q.SetManualLocation(id, nil); err == nil {
		t.Error("expected SetManualLocation to fail after upload")
	}

	rec := backend.insertedRecords()[0]
	if rec.Caption != "sunset over the bay" {
		t.Errorf("persisted caption %q", rec.Caption)
	}
	if rec.PlaceName != "Lisbon" || rec.Latitude == nil || *rec.Latitude != 38.7223 {
		t.Errorf("persisted place %q lat %v", rec.PlaceName, rec.Latitude)
	}
}

func TestRemoveReleasesPreviewExactlyOnce(t *testing.T) {
	q := newTestQueue(t, newFakeBackend())

	id, err := q.Add(context.Background(), "photo.jpg", -1, BytesSource(jpegBytes(t, 320, 240)))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	item, _ := q.Item(id)
	if item.Preview == nil {
		t.Fatal("expected a preview for a decodable image")
	}
	path := item.Preview.Path
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("preview artifact missing before remove: %v", err)
	}

	if err := q.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("preview artifact still on disk after remove: %v", err)
	}
	if !item.Preview.Released() {
		t.Error("preview not marked released")
	}
	if got := item.Preview.releases.Load(); got != 1 {
		t.Errorf("expected exactly 1 release, got %d", got)
	}

	// queue teardown must not release it a second time
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := item.Preview.releases.Load(); got != 1 {
		t.Errorf("close released an already-removed preview; release count %d", got)
	}

	if _, ok := q.Item(id); ok {
		t.Error("removed photo still visible")
	}
	if err := q.Remove(id); err == nil {
		t.Error("expected error removing an unknown ID")
	}
}

func TestRemoveDuplicateAllowed(t *testing.T) {
	data := []byte("dup bytes")
	fp, err := fingerprint(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	backend := newFakeBackend()
	backend.fingerprints = []string{fp}
	q := newTestQueue(t, backend)

	id, err := q.Add(context.Background(), "dup.jpg", -1, BytesSource(data))
	if err != nil {
		t.Fatal(err)
	}
	q.Wait()

	if item, _ := q.Item(id); item.Status != StatusDuplicate {
		t.Fatalf("expected %s, got %s", StatusDuplicate, item.Status)
	}
	if err := q.Remove(id); err != nil {
		t.Errorf("duplicates must be removable: %v", err)
	}
	if got := len(q.Items()); got != 0 {
		t.Errorf("expected empty queue, got %d items", got)
	}
}

func TestCloseReleasesAllPreviews(t *testing.T) {
	q := newTestQueue(t, newFakeBackend())

	var ids []string
	for range 3 {
		id, err := q.Add(context.Background(), "p.jpg", -1, BytesSource(jpegBytes(t, 64, 48)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	q.Wait()

	previews := make([]*Preview, 0, len(ids))
	for _, id := range ids {
		item, _ := q.Item(id)
		if item.Preview == nil {
			t.Fatal("expected a preview")
		}
		previews = append(previews, item.Preview)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, pv := range previews {
		if got := pv.releases.Load(); got != 1 {
			t.Errorf("preview %d: expected exactly 1 release, got %d", i, got)
		}
	}

	if _, err := q.Add(context.Background(), "late.jpg", -1, BytesSource([]byte("x"))); err == nil {
		t.Error("expected Add to fail on a closed queue")
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBuildRecordManualLocationWins(t *testing.T) {
	lat, lon := 48.8584, 2.2945
	captured := testTime(t, "2023-06-14T09:30:00Z")

	p := &StagedPhoto{
		ID:          "photo-1",
		Name:        "IMG_0042.JPG",
		Caption:     "tower",
		Fingerprint: strings.Repeat("ab", 32),
		OrderIndex:  7,
	}
	p.Extracted.CaptureTime = &captured
	p.Extracted.Latitude = &lat
	p.Extracted.Longitude = &lon
	p.Preview = &Preview{ThumbHash: "1QcSHQRnh493V4dIh4eXh1h4kJUI"}

	user := User{ID: "user-9"}

	rec, key, contentType := buildRecord(p, "album-3", user)
	if rec.Latitude == nil || *rec.Latitude != lat || rec.Longitude == nil || *rec.Longitude != lon {
		t.Errorf("expected extracted coordinates, got %v,%v", rec.Latitude, rec.Longitude)
	}
	if rec.PlaceName != "" {
		t.Errorf("no manual place set, got %q", rec.PlaceName)
	}
	if rec.OrderIndex != 7 || rec.AlbumID != "album-3" || rec.OwnerID != "user-9" {
		t.Errorf("row basics wrong: %+v", rec)
	}
	if rec.CaptureTime == nil || !rec.CaptureTime.Equal(captured) {
		t.Errorf("capture time %v", rec.CaptureTime)
	}
	if rec.ThumbHash == "" {
		t.Error("thumbhash not carried onto the row")
	}
	if key != "user-9/album-3/photo-1.jpg" {
		t.Errorf("object key %q", key)
	}
	if !strings.HasPrefix(contentType, "image/jpeg") {
		t.Errorf("content type %q", contentType)
	}

	p.ManualLocation = &Place{Name: "Paris", Latitude: 48.85, Longitude: 2.35}
	rec, _, _ = buildRecord(p, "album-3", user)
	if rec.Latitude == nil || *rec.Latitude != 48.85 || rec.Longitude == nil || *rec.Longitude != 2.35 {
		t.Errorf("manual location must override extracted coordinates, got %v,%v", rec.Latitude, rec.Longitude)
	}
	if rec.PlaceName != "Paris" {
		t.Errorf("place name %q", rec.PlaceName)
	}
}

func TestBuildRecordNoCoordinates(t *testing.T) {
	p := &StagedPhoto{ID: "photo-2", Name: "scan"}
	rec, key, contentType := buildRecord(p, "album-1", User{ID: "u"})
	if rec.Latitude != nil || rec.Longitude != nil {
		t.Errorf("expected nil coordinates, got %v,%v", rec.Latitude, rec.Longitude)
	}
	if key != "u/album-1/photo-2" {
		t.Errorf("object key %q", key)
	}
	if contentType != "application/octet-stream" {
		t.Errorf("content type %q", contentType)
	}
}

// fakeBackend implements Backend in memory with failure knobs and call
// counters.
type fakeBackend struct {
	mu sync.Mutex

	user    User
	userErr error

	fingerprints    []string
	fingerprintsErr error

	storeErr      error
	insertErr     error
	insertErrOnce bool
	insertFailFor map[int]error // keyed by OrderIndex

	userCalls         int
	storeCalls        int
	insertCalls       int
	fingerprintsCalls int

	stored   map[string][]byte
	inserted []PhotoRecord

	storeStarted   chan struct{}
	storeBlocked   chan struct{}
	storeStartOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		user:   User{ID: "user-1", Email: "traveler@example.com"},
		stored: make(map[string][]byte),
	}
}

func (f *fakeBackend) CurrentUser(context.Context) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	if f.userErr != nil {
		return User{}, f.userErr
	}
	return f.user, nil
}

func (f *fakeBackend) Store(_ context.Context, key string, data io.Reader, _ int64, _ string) (string, error) {
	if f.storeStarted != nil {
		f.storeStartOnce.Do(func() { close(f.storeStarted) })
	}
	if f.storeBlocked != nil {
		<-f.storeBlocked
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	if f.storeErr != nil {
		return "", f.storeErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.stored[key] = b
	return "https://cdn.example.test/" + key, nil
}

func (f *fakeBackend) Insert(_ context.Context, rec PhotoRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if err, ok := f.insertFailFor[rec.OrderIndex]; ok {
		return "", err
	}
	if f.insertErr != nil {
		err := f.insertErr
		if f.insertErrOnce {
			f.insertErr = nil
		}
		return "", err
	}
	f.inserted = append(f.inserted, rec)
	return "row-" + rec.ID, nil
}

func (f *fakeBackend) Fingerprints(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprintsCalls++
	if f.fingerprintsErr != nil {
		return nil, f.fingerprintsErr
	}
	return slices.Clone(f.fingerprints), nil
}

func (f *fakeBackend) calls(counter *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *counter
}

func (f *fakeBackend) insertedRecords() []PhotoRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.inserted)
}

func newTestQueue(t *testing.T, backend Backend) *Queue {
	t.Helper()
	q, err := New(context.Background(), Options{
		Backend:    backend,
		AlbumID:    "album-1",
		Logger:     zap.NewNop(),
		PreviewDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// jpegBytes encodes a small gradient image; identical dimensions yield
// identical bytes, which the duplicate tests rely on.
func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
