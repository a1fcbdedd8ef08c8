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

package media

import (
	"sync"
	"time"

	"github.com/ringsaturn/tzf"
	"go.uber.org/zap"
)

var (
	tzOnce   sync.Once
	tzFinder tzf.F
	tzErr    error
)

// timezoneFinder lazily initializes the shared coordinate-to-timezone
// lookup; the polygon data is sizable, so it is only loaded the first time a
// photo actually has coordinates.
func timezoneFinder() (tzf.F, error) {
	tzOnce.Do(func() {
		tzFinder, tzErr = tzf.NewDefaultFinder()
	})
	return tzFinder, tzErr
}

// EnrichTimezone assigns a real time zone to the capture time using the
// photo's coordinates. EXIF timestamps carry no zone and are parsed as wall
// time; when we know where the photo was taken, that wall time can be
// re-anchored in the zone it was actually recorded in. Advisory like the
// rest of extraction: any failure leaves the capture time untouched.
func (m *Metadata) EnrichTimezone(logger *zap.Logger) {
	if m.CaptureTime == nil || !m.HasCoordinates() {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	zone := m.CaptureTime.Location()
	if zone != time.Local && zone != time.UTC {
		// already carries an explicit zone (e.g. from an XMP value with an
		// offset); don't second-guess it
		return
	}

	finder, err := timezoneFinder()
	if err != nil {
		logger.Debug("initializing timezone finder", zap.Error(err))
		return
	}

	tzName := finder.GetTimezoneName(*m.Longitude, *m.Latitude) // longitude first
	if tzName == "" {
		return
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Debug("loading timezone",
			zap.String("timezone", tzName),
			zap.Error(err))
		return
	}

	t := *m.CaptureTime
	if zone == time.Local {
		// the value is wall time, local to wherever it was recorded; keep the
		// exact clock components while setting the zone the coordinates say it
		// was recorded in, which changes the absolute moment on purpose
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	} else {
		// UTC is an absolute moment already; just present it in the zone of
		// the coordinates
		t = t.In(loc)
	}
	m.CaptureTime = &t

	logger.Debug("inferred capture time zone",
		zap.String("timezone", tzName),
		zap.Time("capture_time", t))
}
