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

// Package ingest implements the photo ingestion pipeline of the journal:
// staging files into an in-memory queue, fingerprinting them for duplicate
// detection, extracting capture metadata, generating previews, and uploading
// everything to a backend with per-photo status tracking and an aggregate
// batch report.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fernweh-app/fernweh/media"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Queue.
type Options struct {
	// Backend stores photo bytes and rows and identifies the user. Required.
	Backend Backend

	// AlbumID scopes the queue and its duplicate detection. Required.
	AlbumID string

	// Logger defaults to a derivative of the process log.
	Logger *zap.Logger

	// ExtractTimeout bounds per-file metadata extraction. Defaults to
	// media.DefaultTimeout.
	ExtractTimeout time.Duration

	// PreviewDir is where preview artifacts are written. Defaults to the
	// system temp directory.
	PreviewDir string

	// PreviewMaxDim is the longer-side pixel bound of generated previews.
	PreviewMaxDim int

	// UploadWorkers caps how many uploads are in flight at once.
	UploadWorkers int
}

const (
	defaultPreviewMaxDim = 256
	defaultUploadWorkers = 5
)

// Queue stages photos for one album. Staging (fingerprint, duplicate check,
// metadata, preview) runs concurrently per photo; upload is an explicit
// user-triggered batch. All user-visible state lives behind one mutex, so a
// photo's pipeline can never corrupt another's status.
type Queue struct {
	backend        Backend
	albumID        string
	extractTimeout time.Duration
	previewDir     string
	previewMaxDim  int
	uploadWorkers  int
	log            *zap.Logger
	reportLog      *zap.Logger

	index *albumIndex

	mu        sync.Mutex
	photos    []*StagedPhoto
	byID      map[string]*StagedPhoto
	nextOrder int
	uploading bool
	closed    bool
}

// New creates a queue for the album, seeding duplicate detection from the
// fingerprints already persisted there.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.AlbumID == "" {
		return nil, errors.New("album ID is required")
	}
	if opts.Logger == nil {
		opts.Logger = Log.Named("ingest")
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = media.DefaultTimeout
	}
	if opts.PreviewDir == "" {
		opts.PreviewDir = os.TempDir()
	}
	if opts.PreviewMaxDim <= 0 {
		opts.PreviewMaxDim = defaultPreviewMaxDim
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = defaultUploadWorkers
	}

	q := &Queue{
		backend:        opts.Backend,
		albumID:        opts.AlbumID,
		extractTimeout: opts.ExtractTimeout,
		previewDir:     opts.PreviewDir,
		previewMaxDim:  opts.PreviewMaxDim,
		uploadWorkers:  opts.UploadWorkers,
		log:            opts.Logger.With(zap.String("album_id", opts.AlbumID)),
		reportLog:      Log.Named("upload.report"),
		index:          newAlbumIndex(),
		byID:           make(map[string]*StagedPhoto),
	}

	if err := q.index.load(ctx, q.backend, q.albumID); err != nil {
		return nil, err
	}
	q.log.Info("duplicate index loaded",
		zap.Int("known_fingerprints", q.index.size()))

	return q, nil
}

// Add stages one photo and starts its intake pipeline. Fingerprinting, the
// duplicate check, metadata extraction, and preview generation run
// concurrently, independent of every other staged file. Add returns the new
// photo's ID right away; use Wait to block until pipelines settle. Pass -1
// for size when it is unknown.
func (q *Queue) Add(ctx context.Context, name string, size int64, source OpenFunc) (string, error) {
	if source == nil {
		return "", errors.New("nil photo source")
	}

	p := &StagedPhoto{
		ID:      uuid.NewString(),
		Name:    name,
		Size:    size,
		Status:  StatusPending,
		source:  source,
		settled: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.New("queue is closed")
	}
	p.OrderIndex = q.nextOrder
	q.nextOrder++
	q.photos = append(q.photos, p)
	q.byID[p.ID] = p
	q.mu.Unlock()

	go q.stage(ctx, p)

	return p.ID, nil
}

// stage is the per-photo intake pipeline. Everything in it is advisory:
// a photo that cannot be fingerprinted, read, or previewed still ends up
// Pending and uploadable.
func (q *Queue) stage(ctx context.Context, p *StagedPhoto) {
	defer close(p.settled)

	logger := q.log.With(
		zap.String("photo_id", p.ID),
		zap.String("filename", p.Name))

	var (
		fp      string
		meta    media.Metadata
		preview *Preview
	)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		file, err := p.source(ctx)
		if err != nil {
			logger.Warn("opening file for fingerprint; continuing without duplicate detection",
				zap.Error(err))
			return
		}
		defer file.Close()
		digest, err := fingerprint(file)
		if err != nil {
			logger.Warn("fingerprinting failed; continuing without duplicate detection",
				zap.Error(err))
			return
		}
		fp = digest
	}()

	go func() {
		defer wg.Done()
		meta = media.Extract(ctx, logger, media.OpenFunc(p.source), q.extractTimeout)
	}()

	go func() {
		defer wg.Done()
		var err error
		preview, err = generatePreview(ctx, p.source, q.previewDir, q.previewMaxDim)
		if err != nil {
			logger.Debug("preview generation failed", zap.Error(err))
		}
	}()

	wg.Wait()

	duplicate := fp != "" && q.index.contains(fp)

	q.mu.Lock()
	if q.byID[p.ID] != p {
		// removed from the queue (or the queue closed) while staging was
		// still running; release the fresh preview since nobody else will
		q.mu.Unlock()
		if err := preview.Release(); err != nil {
			logger.Warn("releasing orphaned preview", zap.Error(err))
		}
		return
	}
	p.Fingerprint = fp
	p.Extracted = meta
	p.Preview = preview
	if duplicate {
		p.Status = StatusDuplicate
		p.Progress = 100
	}
	status := p.Status
	q.mu.Unlock()

	logger.Info("staged",
		zap.String("status", string(status)),
		zap.Bool("has_fingerprint", fp != ""),
		zap.Bool("metadata_empty", meta.IsEmpty()),
		zap.Bool("has_preview", preview != nil))
}

// Wait blocks until every photo staged so far has finished intake. Photos
// added after Wait is called are not waited for.
func (q *Queue) Wait() {
	q.mu.Lock()
	pending := make([]chan struct{}, len(q.photos))
	for i, p := range q.photos {
		pending[i] = p.settled
	}
	q.mu.Unlock()

	for _, ch := range pending {
		<-ch
	}
}

// Items returns a snapshot of the queue in intake order.
func (q *Queue) Items() []StagedPhoto {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]StagedPhoto, len(q.photos))
	for i, p := range q.photos {
		items[i] = p.snapshot()
	}
	return items
}

// Item returns a snapshot of one staged photo.
func (q *Queue) Item(id string) (StagedPhoto, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return StagedPhoto{}, false
	}
	return p.snapshot(), true
}

// SetCaption updates a photo's caption. Captions are mutable until the
// photo's upload starts.
func (q *Queue) SetCaption(id, caption string) error {
	return q.mutate(id, func(p *StagedPhoto) { p.Caption = caption })
}

// SetManualLocation pins a user-chosen place to the photo; it overrides
// extracted coordinates at persistence time. Passing nil clears it.
func (q *Queue) SetManualLocation(id string, place *Place) error {
	return q.mutate(id, func(p *StagedPhoto) { p.ManualLocation = place })
}

func (q *Queue) mutate(id string, fn func(*StagedPhoto)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("no staged photo with ID %s", id)
	}
	switch p.Status {
	case StatusUploading, StatusCompleted, StatusFailed:
		return fmt.Errorf("photo %s is %s; it can no longer be edited", id, p.Status)
	}
	fn(p)
	return nil
}

// Remove drops a staged photo from the queue before it is uploaded and
// releases its preview. It has no other side effects: no upload is ever
// attempted for a removed photo. A photo whose upload is in flight cannot
// be removed.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	p, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("no staged photo with ID %s", id)
	}
	if p.Status == StatusUploading {
		q.mu.Unlock()
		return fmt.Errorf("photo %s has an upload in flight", id)
	}
	delete(q.byID, id)
	for i, other := range q.photos {
		if other == p {
			q.photos = append(q.photos[:i], q.photos[i+1:]...)
			break
		}
	}
	preview := p.Preview
	q.mu.Unlock()

	if err := preview.Release(); err != nil {
		q.log.Warn("releasing preview",
			zap.String("photo_id", id),
			zap.Error(err))
	}
	return nil
}

// Close rejects further staging and releases every remaining preview,
// each exactly once. It does not interrupt uploads already in flight.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	photos := q.photos
	q.photos = nil
	q.byID = nil
	q.mu.Unlock()

	var errs []error
	for _, p := range photos {
		if err := p.Preview.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing preview of %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}
