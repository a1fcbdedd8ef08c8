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

package hosted

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"

	"github.com/fernweh-app/fernweh/ingest"
	"github.com/jackc/pgx/v5/pgconn"
)

const insertPhotoSQL = `
INSERT INTO photos
	(id, album_id, owner_id, url, caption, file_hash, order_index,
	 taken_at, latitude, longitude, camera_make, camera_model,
	 place_name, thumb_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`

// Insert persists one photo row and returns its ID.
func (c *Client) Insert(ctx context.Context, rec ingest.PhotoRecord) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, insertPhotoSQL,
		rec.ID,
		rec.AlbumID,
		rec.OwnerID,
		rec.URL,
		rec.Caption,
		nullable(rec.Fingerprint),
		rec.OrderIndex,
		rec.CaptureTime,
		rec.Latitude,
		rec.Longitude,
		rec.CameraMake,
		rec.CameraModel,
		nullable(rec.PlaceName),
		nullable(rec.ThumbHash),
	).Scan(&id)
	if err != nil {
		return "", classifyDBError(err)
	}
	return id, nil
}

// Fingerprints returns every non-null fingerprint already persisted for the
// album.
func (c *Client) Fingerprints(ctx context.Context, albumID string) ([]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT file_hash FROM photos WHERE album_id = $1 AND file_hash IS NOT NULL`,
		albumID)
	if err != nil {
		return nil, classifyDBError(err)
	}
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fingerprints = append(fingerprints, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err)
	}
	return fingerprints, nil
}

// nullable maps an empty string to NULL so optional text columns stay NULL
// instead of collecting empty strings.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var undefinedColumnRE = regexp.MustCompile(`column "([^"]+)"`)

// classifyDBError translates database failures into the classes the queue
// knows how to explain. An undefined column becomes a SchemaError naming the
// column, which almost always means this client is older than the service's
// schema.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42703": // undefined_column
			column := pgErr.ColumnName
			if column == "" {
				if m := undefinedColumnRE.FindStringSubmatch(pgErr.Message); m != nil {
					column = m[1]
				}
			}
			return &ingest.SchemaError{Column: column, Err: err}
		case "42P01": // undefined_table
			return &ingest.SchemaError{Err: err}
		case "28000", "28P01": // invalid_authorization_specification, invalid_password
			return ingest.WrapAuth(err)
		case "42501": // insufficient_privilege
			return ingest.WrapPermission(err)
		case "53100", "53200", "53300": // disk_full, out_of_memory, too_many_connections
			return ingest.WrapQuota(err)
		}
		return fmt.Errorf("persisting row: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ingest.WrapNetwork(err)
	}

	return err
}
