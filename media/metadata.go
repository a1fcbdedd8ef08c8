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

// Package media reads capture metadata (timestamp, GPS coordinates, camera
// make/model) embedded in photo files. Extraction is advisory: it is bounded
// by a timeout and every failure mode collapses to an empty result, because
// missing metadata must never block an upload.
package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mholt/goexif2/exif"
	"github.com/mholt/goexif2/mknote"
	"github.com/trimmer-io/go-xmp/xmp"
	"go.uber.org/zap"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

// DefaultTimeout is the upper time bound for extracting metadata from a
// single file when the caller does not choose one.
const DefaultTimeout = 5 * time.Second

// OpenFunc returns a fresh reader over a photo's original bytes. It may be
// called more than once; every call must return an independent reader.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Metadata is the capture metadata of one photo. It is a fixed set of
// optional fields: nil means the value is unknown, and once an extraction
// finishes (with values or empty) the record is never mutated again by the
// extractor.
type Metadata struct {
	CaptureTime *time.Time
	Latitude    *float64
	Longitude   *float64
	CameraMake  *string
	CameraModel *string
}

// IsEmpty reports whether no field of the metadata is known.
func (m Metadata) IsEmpty() bool {
	return m.CaptureTime == nil &&
		m.Latitude == nil &&
		m.Longitude == nil &&
		m.CameraMake == nil &&
		m.CameraModel == nil
}

// HasCoordinates reports whether both coordinates are known. A lone latitude
// or longitude is never stored.
func (m Metadata) HasCoordinates() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// Extract reads the capture metadata embedded in a photo. The work is
// bounded by timeout (DefaultTimeout if nonpositive). Every failure mode,
// including an unreadable file or the timeout firing, converges to an empty
// Metadata; errors are logged and never returned, so a caller cannot
// accidentally fail an upload on them.
func Extract(ctx context.Context, logger *zap.Logger, open OpenFunc, timeout time.Duration) Metadata {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Metadata, 1)
	go func() {
		defer func() {
			// malformed EXIF has crashed decoders before; a panic here has to
			// degrade to empty metadata like any other extraction failure
			if r := recover(); r != nil {
				logger.Warn("metadata decoder panicked", zap.Any("panic", r))
				result <- Metadata{}
			}
		}()
		result <- extract(ctx, logger, open)
	}()

	select {
	case m := <-result:
		return m
	case <-ctx.Done():
		logger.Debug("metadata extraction exceeded time bound",
			zap.Duration("timeout", timeout))
		return Metadata{}
	}
}

func extract(ctx context.Context, logger *zap.Logger, open OpenFunc) Metadata {
	file, err := open(ctx)
	if err != nil {
		logger.Debug("opening file for metadata extraction", zap.Error(err))
		return Metadata{}
	}
	defer file.Close()

	// the EXIF and XMP scans each need their own pass over the bytes, so
	// buffer the file once up to a sane limit; embedded metadata is almost
	// always near the start anyway
	const maxBufferSize = 1024 * 1024 * 50

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(file, maxBufferSize)); err != nil {
		logger.Debug("reading file for metadata extraction", zap.Error(err))
		return Metadata{}
	}

	var m Metadata
	fillFromEXIF(logger, bytes.NewReader(buf.Bytes()), &m)
	if m.CaptureTime == nil || m.CameraMake == nil || m.CameraModel == nil {
		fillFromXMP(logger, bytes.NewReader(buf.Bytes()), &m)
	}
	m.EnrichTimezone(logger)

	return m
}

func fillFromEXIF(logger *zap.Logger, file io.Reader, m *Metadata) {
	ex, err := exif.Decode(file)
	if err != nil && exif.IsCriticalError(err) {
		logger.Debug("decoding exif", zap.Error(err))
		return
	}

	if ts, err := ex.DateTime(); err == nil && !ts.IsZero() {
		m.CaptureTime = &ts
	}

	if lat, lon, err := ex.LatLong(); err == nil {
		if ValidCoordinates(lat, lon) {
			m.Latitude = &lat
			m.Longitude = &lon
		} else {
			logger.Debug("discarding out-of-range coordinates",
				zap.Float64("latitude", lat),
				zap.Float64("longitude", lon))
		}
	}

	if s, ok := exifString(ex, exif.Make); ok {
		m.CameraMake = &s
	}
	if s, ok := exifString(ex, exif.Model); ok {
		m.CameraModel = &s
	}
}

// exifString reads a tag as a cleaned-up string. EXIF strings are often
// NUL-padded by cameras.
func exifString(ex *exif.Exif, field exif.FieldName) (string, bool) {
	tag, err := ex.Get(field)
	if err != nil {
		return "", false
	}
	s, err := tag.StringVal()
	if err != nil {
		return "", false
	}
	s = strings.TrimSpace(strings.Trim(s, "\x00"))
	return s, s != ""
}

// fillFromXMP scans for XMP packets and fills in fields EXIF did not have.
// Some editing tools strip EXIF but keep XMP, so this recovers capture time
// and camera info for those files. GPS is left to EXIF.
func fillFromXMP(logger *zap.Logger, file io.Reader, m *Metadata) {
	xmpPackets, err := xmp.ScanPackets(file)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("scanning xmp packets", zap.Error(err))
		}
		return
	}

	for _, packet := range xmpPackets {
		var doc xmp.Document
		if err := xmp.Unmarshal(packet, &doc); err != nil {
			logger.Debug("unmarshaling xmp document", zap.Error(err))
			continue
		}
		paths, err := doc.ListPaths()
		if err != nil {
			logger.Debug("listing xmp paths", zap.Error(err))
			continue
		}
		for _, p := range paths {
			switch p.Path {
			case "xmp:CreateDate", "exif:DateTimeOriginal", "photoshop:DateCreated":
				if m.CaptureTime == nil {
					if ts, ok := parseXMPTime(p.Value); ok {
						m.CaptureTime = &ts
					}
				}
			case "tiff:Make":
				if m.CameraMake == nil {
					if s := strings.TrimSpace(p.Value); s != "" {
						m.CameraMake = &s
					}
				}
			case "tiff:Model":
				if m.CameraModel == nil {
					if s := strings.TrimSpace(p.Value); s != "" {
						m.CameraModel = &s
					}
				}
			}
		}
	}
}

// parseXMPTime parses the timestamp shapes that show up in XMP packets in
// the wild. Values without an explicit zone are wall time, so they are
// anchored in the local zone the same way EXIF timestamps are, which lets
// timezone enrichment re-anchor them later.
func parseXMPTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006:01:02 15:04:05", // EXIF-style timestamps appear in XMP too
	} {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ValidCoordinates reports whether the pair is a usable WGS84 coordinate:
// latitude in -90..90, longitude in -180..180, neither NaN. Out-of-range
// values are discarded by the extractor rather than treated as errors.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

var bufPool = &sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}
