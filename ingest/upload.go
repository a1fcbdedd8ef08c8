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
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Outcome classifies the aggregate result of a batch upload.
type Outcome string

const (
	// OutcomeFullSuccess means every eligible photo was persisted.
	OutcomeFullSuccess Outcome = "full_success"

	// OutcomePartialSuccess means some eligible photos persisted and some
	// failed.
	OutcomePartialSuccess Outcome = "partial_success"

	// OutcomeTotalFailure means every eligible photo failed.
	OutcomeTotalFailure Outcome = "total_failure"

	// OutcomeNothingEligible means there was nothing to upload: the queue
	// was empty or held only duplicates and completed photos.
	OutcomeNothingEligible Outcome = "nothing_eligible"
)

// Report is the aggregate outcome of one batch upload. A photo lands in
// exactly one bucket: succeeded, failed, or duplicate.
type Report struct {
	Outcome    Outcome `json:"outcome"`
	Eligible   int     `json:"eligible"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Duplicates int     `json:"duplicates"`
}

// String renders the report as a one-line summary for the user.
func (r Report) String() string {
	switch r.Outcome {
	case OutcomeFullSuccess:
		return fmt.Sprintf("uploaded all %d photos", r.Succeeded)
	case OutcomePartialSuccess:
		return fmt.Sprintf("uploaded %d of %d photos (%d failed, %d duplicates skipped)",
			r.Succeeded, r.Eligible, r.Failed, r.Duplicates)
	case OutcomeTotalFailure:
		return fmt.Sprintf("all %d uploads failed", r.Failed)
	default:
		return "nothing to upload"
	}
}

// UploadAll uploads every eligible photo in the queue: pending ones plus
// failed ones being retried, never duplicates or photos already completed.
// Uploads run concurrently and are tracked independently, so one photo's
// failure cannot block or corrupt its siblings; the report aggregates
// exactly one outcome per eligible photo.
//
// The context gates the start of each upload only. A photo whose transfer
// is already in flight completes or fails on its own.
func (q *Queue) UploadAll(ctx context.Context) (Report, error) {
	// settle staging first so a duplicate can never slip into the batch
	// disguised as pending
	q.Wait()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Report{}, errors.New("queue is closed")
	}
	if q.uploading {
		q.mu.Unlock()
		return Report{}, errors.New("an upload is already in flight")
	}
	var eligible []*StagedPhoto
	var duplicates int
	for _, p := range q.photos {
		switch {
		case p.Status == StatusDuplicate:
			duplicates++
		case p.Status.uploadEligible():
			p.Status = StatusUploading
			p.ErrorDetail = ""
			p.Progress = 0
			eligible = append(eligible, p)
		}
	}
	q.uploading = len(eligible) > 0
	q.mu.Unlock()

	report := Report{Eligible: len(eligible), Duplicates: duplicates}
	if len(eligible) == 0 {
		report.Outcome = OutcomeNothingEligible
		return report, nil
	}

	var succeeded, failed atomic.Int64

	wg := new(sync.WaitGroup)
	ch := make(chan *StagedPhoto)

	for range min(q.uploadWorkers, len(eligible)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range ch {
				if err := q.uploadOne(ctx, p); err != nil {
					failed.Add(1)
				} else {
					succeeded.Add(1)
				}
			}
		}()
	}
	for _, p := range eligible {
		ch <- p
	}
	close(ch)
	wg.Wait()

	q.mu.Lock()
	q.uploading = false
	q.mu.Unlock()

	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	switch {
	case report.Failed == 0:
		report.Outcome = OutcomeFullSuccess
	case report.Succeeded == 0:
		report.Outcome = OutcomeTotalFailure
	default:
		report.Outcome = OutcomePartialSuccess
	}

	q.reportLog.Info("batch upload finished",
		zap.String("album_id", q.albumID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("eligible", report.Eligible),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("duplicates", report.Duplicates))

	return report, nil
}

// Retry re-attempts the upload of one failed photo. Retries only ever
// happen here, by explicit user action; nothing in the pipeline retries on
// its own. The returned snapshot carries the attempt's outcome.
func (q *Queue) Retry(ctx context.Context, id string) (StagedPhoto, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return StagedPhoto{}, errors.New("queue is closed")
	}
	if q.uploading {
		q.mu.Unlock()
		return StagedPhoto{}, errors.New("an upload is already in flight")
	}
	p, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return StagedPhoto{}, fmt.Errorf("no staged photo with ID %s", id)
	}
	if p.Status != StatusFailed {
		q.mu.Unlock()
		return StagedPhoto{}, fmt.Errorf("photo %s is %s; only failed uploads can be retried", id, p.Status)
	}
	p.Status = StatusUploading
	p.ErrorDetail = ""
	p.Progress = 0
	q.mu.Unlock()

	// the outcome lands in the photo's status either way
	_ = q.uploadOne(ctx, p)

	q.mu.Lock()
	snap := p.snapshot()
	q.mu.Unlock()
	return snap, nil
}

// uploadOne pushes a single photo across the backend boundary: resolve the
// user, store the bytes, persist the row. Any error marks this photo Failed
// with a message fit for display and touches nothing else.
func (q *Queue) uploadOne(ctx context.Context, p *StagedPhoto) (err error) {
	logger := q.log.With(
		zap.String("photo_id", p.ID),
		zap.String("filename", p.Name))

	defer func() {
		q.mu.Lock()
		if err != nil {
			p.Status = StatusFailed
			p.ErrorDetail = userFacingMessage(err)
			detail := p.ErrorDetail
			q.mu.Unlock()
			logger.Error("upload failed",
				zap.Error(err),
				zap.String("shown_to_user", detail))
			return
		}
		p.Status = StatusCompleted
		p.Progress = 100
		p.ErrorDetail = ""
		recordID := p.RecordID
		q.mu.Unlock()
		logger.Info("upload completed", zap.String("record_id", recordID))
	}()

	if err = ctx.Err(); err != nil {
		return fmt.Errorf("upload not started: %w", err)
	}
	// from here on the upload is in flight and is allowed to finish or fail
	// naturally; only its start was gated by the batch context
	ctx = context.WithoutCancel(ctx)

	user, err := q.backend.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("resolving current user: %w", err)
	}

	q.mu.Lock()
	rec, key, contentType := buildRecord(p, q.albumID, user)
	source := p.source
	size := p.Size
	q.mu.Unlock()

	file, err := source(ctx)
	if err != nil {
		return fmt.Errorf("opening photo for upload: %w", err)
	}
	defer file.Close()

	url, err := q.backend.Store(ctx, key, file, size, contentType)
	if err != nil {
		return fmt.Errorf("storing photo bytes: %w", err)
	}
	rec.URL = url

	recordID, err := q.backend.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("persisting photo row: %w", err)
	}

	q.mu.Lock()
	p.RecordID = recordID
	q.mu.Unlock()

	// the fingerprint joins the album's known set only now, after the row
	// actually persisted; re-dropping the same file in this session will be
	// flagged duplicate
	q.index.insert(rec.Fingerprint)

	return nil
}

// buildRecord maps a staged photo onto its photos-table row and derives the
// object key and content type for byte storage. A manual location always
// wins over extracted coordinates.
func buildRecord(p *StagedPhoto, albumID string, user User) (PhotoRecord, string, string) {
	rec := PhotoRecord{
		ID:          p.ID,
		AlbumID:     albumID,
		OwnerID:     user.ID,
		Caption:     p.Caption,
		Fingerprint: p.Fingerprint,
		OrderIndex:  p.OrderIndex,
		CaptureTime: p.Extracted.CaptureTime,
		CameraMake:  p.Extracted.CameraMake,
		CameraModel: p.Extracted.CameraModel,
	}
	if p.ManualLocation != nil {
		lat, lon := p.ManualLocation.Latitude, p.ManualLocation.Longitude
		rec.Latitude, rec.Longitude = &lat, &lon
		rec.PlaceName = p.ManualLocation.Name
	} else if p.Extracted.HasCoordinates() {
		rec.Latitude = p.Extracted.Latitude
		rec.Longitude = p.Extracted.Longitude
	}
	if p.Preview != nil {
		rec.ThumbHash = p.Preview.ThumbHash
	}

	key := path.Join(user.ID, albumID, p.ID+strings.ToLower(filepath.Ext(p.Name)))

	return rec, key, contentTypeForName(p.Name)
}

// contentTypeForName guesses the MIME type from the file extension.
func contentTypeForName(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
