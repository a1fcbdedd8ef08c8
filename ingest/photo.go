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
	"io"
	"os"

	"github.com/fernweh-app/fernweh/media"
)

// Status is the lifecycle state of a staged photo.
type Status string

const (
	// StatusPending is the initial state: staged and eligible for upload.
	StatusPending Status = "pending"

	// StatusUploading means the photo is part of an upload in flight.
	StatusUploading Status = "uploading"

	// StatusCompleted is terminal: the bytes are stored and the row is
	// persisted.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal but retryable by explicit user action.
	StatusFailed Status = "failed"

	// StatusDuplicate is assigned at intake instead of StatusPending when
	// the photo's fingerprint is already known to the album. Duplicates are
	// never uploaded but stay visible until the user removes them.
	StatusDuplicate Status = "duplicate"
)

// uploadEligible reports whether a photo in this status may enter an upload.
func (s Status) uploadEligible() bool {
	return s == StatusPending || s == StatusFailed
}

// OpenFunc returns a fresh reader over a photo's original bytes. It may be
// called several times, concurrently; every call must return an independent
// reader.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// FileSource is an OpenFunc over a file on disk.
func FileSource(path string) OpenFunc {
	return func(_ context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// BytesSource is an OpenFunc over bytes already in memory, as with a camera
// capture that was never written to disk.
func BytesSource(b []byte) OpenFunc {
	return func(_ context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// StagedPhoto is one file queued for upload. Values returned by Queue
// methods are snapshots; all mutation goes through the queue.
type StagedPhoto struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"` // -1 when unknown

	// Caption is user-editable until the photo's upload starts.
	Caption string `json:"caption,omitempty"`

	// ManualLocation, when set, overrides extracted coordinates at
	// persistence time.
	ManualLocation *Place `json:"manual_location,omitempty"`

	// Extracted is populated once by the intake pipeline and never mutated
	// afterward, whether extraction found anything or not.
	Extracted media.Metadata `json:"extracted_metadata"`

	// Fingerprint is empty until computed; once set it is immutable. It can
	// stay empty forever if the file could not be read, in which case the
	// photo simply skips duplicate detection.
	Fingerprint string `json:"fingerprint,omitempty"`

	Status      Status `json:"status"`
	ErrorDetail string `json:"error_detail,omitempty"` // only when Status is StatusFailed
	Progress    int    `json:"progress"`               // 0-100

	// OrderIndex is the photo's position in the original intake sequence.
	// It is persisted with the row so album ordering is stable no matter
	// which uploads finish first.
	OrderIndex int `json:"order_index"`

	// RecordID is the persisted row's ID after a successful upload.
	RecordID string `json:"record_id,omitempty"`

	// Preview is the locally-generated renderable artifact for this photo,
	// nil when generation failed. The queue releases it exactly once.
	Preview *Preview `json:"preview,omitempty"`

	source OpenFunc

	// settled is closed when the intake pipeline finishes, whatever the
	// outcome.
	settled chan struct{}
}

// snapshot returns a copy safe to hand outside the queue's lock. Pointer
// fields are safe to share: ManualLocation is replaced, never mutated, and
// Extracted is write-once.
func (p *StagedPhoto) snapshot() StagedPhoto {
	return *p
}
