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

// Package localrepo is the ingest backend for a journal kept entirely on
// this machine: a folder with a sqlite database for photo rows and a media
// tree for the original bytes. It exists so people can journal without the
// hosted service, and it doubles as the backend integration the tests can
// run against for real.
package localrepo

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/fernweh-app/fernweh/ingest"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // also registers the sqlite3 driver
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// DBFilename is the name of the journal database inside a repo folder.
const DBFilename = "journal.db"

// mediaDir is where original photo bytes live, relative to the repo root.
const mediaDir = "media"

// Repo is a local journal repository. It implements ingest.Backend.
type Repo struct {
	dir string
	db  *sql.DB
	log *zap.Logger

	owner ingest.User
}

var _ ingest.Backend = (*Repo)(nil)

// Open opens the journal repository in dir, creating it if needed. A fresh
// repo gets a generated owner identity; reopening returns the same owner.
func Open(ctx context.Context, dir string, logger *zap.Logger) (*Repo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("making repo directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFilename)
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version() AS version").Scan(&version); err == nil {
		logger.Debug("using sqlite", zap.String("version", version))
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up database schema: %w", err)
	}

	r := &Repo{dir: dir, db: db, log: logger}
	if err := r.ensureOwner(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("local repo open",
		zap.String("dir", dir),
		zap.String("owner_id", r.owner.ID))

	return r, nil
}

// ensureOwner claims an owner identity for a fresh repo, or loads the
// existing one. The insert is a no-op when the keys already exist, so two
// processes opening the same repo still agree on the owner.
func (r *Repo) ensureOwner(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO repo (key, value) VALUES (?, ?), (?, ?), (?, ?)`,
		"owner_id", uuid.NewString(),
		"owner_email", "",
		"version", 1,
	)
	if err != nil {
		return fmt.Errorf("claiming owner identity: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT value FROM repo WHERE key='owner_id'`).Scan(&r.owner.ID)
	if err != nil {
		return fmt.Errorf("loading owner: %w", err)
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT value FROM repo WHERE key='owner_email'`).Scan(&r.owner.Email); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading owner email: %w", err)
	}
	return nil
}

// CurrentUser returns the repo's owner. A local repo always has one; it is
// created the first time the repo is opened.
func (r *Repo) CurrentUser(context.Context) (ingest.User, error) {
	if r.owner.ID == "" {
		return ingest.User{}, fmt.Errorf("repo has no owner row: %w", ingest.ErrNoUser)
	}
	return r.owner, nil
}

// Store writes a photo's original bytes into the media tree and returns the
// repo-relative path as the location reference. The filename is made unique
// with O_EXCL so an existing file is never truncated.
func (r *Repo) Store(ctx context.Context, key string, data io.Reader, _ int64, _ string) (string, error) {
	relDir := path.Join(mediaDir, path.Dir(key))
	if err := os.MkdirAll(filepath.Join(r.dir, relDir), 0o700); err != nil {
		return "", classifyFSError(err)
	}

	base := path.Base(key)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := range 10 {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		tryPath := path.Join(relDir, stem)
		if i > 0 {
			tryPath += fmt.Sprintf("__%s", randomSuffix(4))
		}
		tryPath += ext

		f, err := os.OpenFile(filepath.Join(r.dir, tryPath), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue // name taken; try another
		}
		if err != nil {
			return "", classifyFSError(err)
		}

		if _, err := io.Copy(f, data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", classifyFSError(err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return "", classifyFSError(err)
		}

		r.log.Debug("media file written", zap.String("path", tryPath))
		return tryPath, nil
	}

	return "", fmt.Errorf("unable to find available filename for %s", key)
}

const lowerAlphaNum = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix returns n random characters, lowercase only so the names stay
// unique on case-insensitive file systems too.
func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = lowerAlphaNum[rand.IntN(len(lowerAlphaNum))]
	}
	return string(b)
}

// Insert persists one photo row. The row ID is the one the caller chose.
func (r *Repo) Insert(ctx context.Context, rec ingest.PhotoRecord) (string, error) {
	var takenAt *int64
	if rec.CaptureTime != nil {
		ms := rec.CaptureTime.UTC().UnixMilli()
		takenAt = &ms
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO photos
			(id, album_id, owner_id, url, caption, file_hash, order_index,
			 taken_at, latitude, longitude, camera_make, camera_model,
			 place_name, thumb_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AlbumID,
		rec.OwnerID,
		rec.URL,
		rec.Caption,
		nullable(rec.Fingerprint),
		rec.OrderIndex,
		takenAt,
		rec.Latitude,
		rec.Longitude,
		rec.CameraMake,
		rec.CameraModel,
		nullable(rec.PlaceName),
		nullable(rec.ThumbHash),
	)
	if err != nil {
		return "", classifyDBError(err)
	}
	return rec.ID, nil
}

// Fingerprints returns every non-null fingerprint persisted for the album.
func (r *Repo) Fingerprints(ctx context.Context, albumID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file_hash FROM photos WHERE album_id=? AND file_hash IS NOT NULL AND file_hash != ''`,
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
		return nil, err
	}
	return fingerprints, nil
}

// Close closes the database. Media files need no teardown.
func (r *Repo) Close() error {
	return r.db.Close()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var (
	noColumnRE     = regexp.MustCompile(`has no column named (\S+)`)
	noSuchColumnRE = regexp.MustCompile(`no such column:? "?([^"\s]+)"?`)
)

// classifyDBError translates sqlite failures into the classes the queue can
// explain. A write that names a missing column becomes a SchemaError, which
// means the app and the repo's schema have drifted apart.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if m := noColumnRE.FindStringSubmatch(msg); m != nil {
		return &ingest.SchemaError{Column: m[1], Err: err}
	}
	if m := noSuchColumnRE.FindStringSubmatch(msg); m != nil {
		return &ingest.SchemaError{Column: m[1], Err: err}
	}
	if strings.Contains(msg, "no such table") {
		return &ingest.SchemaError{Err: err}
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return ingest.WrapQuota(err)
		case sqlite3.ErrAuth, sqlite3.ErrPerm, sqlite3.ErrReadonly:
			return ingest.WrapPermission(err)
		}
	}

	return err
}

// classifyFSError translates filesystem failures from the media tree.
func classifyFSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return ingest.WrapPermission(err)
	}
	if errors.Is(err, syscall.ENOSPC) {
		return ingest.WrapQuota(err)
	}
	return err
}
