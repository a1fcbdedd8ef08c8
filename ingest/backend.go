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
	"io"
	"time"
)

// User is the authenticated identity a photo row is persisted under.
type User struct {
	ID    string
	Email string
}

// Place is a user-chosen location for a photo. When set on a staged photo,
// it overrides whatever coordinates were extracted from the file.
type Place struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// PhotoRecord is one row of the journal's photos table, the shape handed to
// a PhotoStore. Pointer fields are nullable columns.
type PhotoRecord struct {
	ID          string // chosen by the caller; stores may not reassign it
	AlbumID     string
	OwnerID     string
	URL         string
	Caption     string
	Fingerprint string // empty when fingerprinting failed for the file
	OrderIndex  int
	CaptureTime *time.Time
	Latitude    *float64
	Longitude   *float64
	CameraMake  *string
	CameraModel *string
	PlaceName   string
	ThumbHash   string
}

// Authenticator reports the currently signed-in user. Implementations must
// return an error wrapping ErrNoUser when nobody is signed in or the session
// is no longer valid; uploading is impossible without a user.
type Authenticator interface {
	CurrentUser(ctx context.Context) (User, error)
}

// ObjectStore persists a photo's original bytes and returns a location
// reference (a URL or repository-relative path) for the stored object.
// Implementations should classify their failures with WrapQuota,
// WrapPermission, or WrapNetwork so users get an actionable message.
type ObjectStore interface {
	Store(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error)
}

// PhotoStore persists photo metadata rows and answers the fingerprint query
// that seeds duplicate detection.
//
// Insert returns the ID of the stored row. A write that references a column
// missing from the store's schema must surface as a SchemaError naming the
// column, not as a generic failure.
//
// Fingerprints returns every non-empty fingerprint already persisted for the
// album, in no particular order.
type PhotoStore interface {
	Insert(ctx context.Context, rec PhotoRecord) (string, error)
	Fingerprints(ctx context.Context, albumID string) ([]string, error)
}

// Backend bundles the three boundary contracts an upload needs.
type Backend interface {
	Authenticator
	ObjectStore
	PhotoStore
}
