package media

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnrichTimezoneWallTime(t *testing.T) {
	// Honolulu; EXIF-style timestamps are parsed as local wall time
	ts := time.Date(2024, 7, 1, 12, 0, 0, 0, time.Local)
	m := Metadata{
		CaptureTime: &ts,
		Latitude:    ptr(21.3069),
		Longitude:   ptr(-157.8583),
	}
	m.EnrichTimezone(zap.NewNop())

	if got := m.CaptureTime.Location().String(); got != "Pacific/Honolulu" {
		t.Fatalf("expected zone Pacific/Honolulu, got %s", got)
	}
	if m.CaptureTime.Hour() != 12 {
		t.Errorf("wall clock should be preserved; got %v", m.CaptureTime)
	}
}

func TestEnrichTimezoneUTC(t *testing.T) {
	ts := time.Date(2024, 7, 1, 22, 0, 0, 0, time.UTC)
	m := Metadata{
		CaptureTime: &ts,
		Latitude:    ptr(21.3069),
		Longitude:   ptr(-157.8583),
	}
	m.EnrichTimezone(zap.NewNop())

	if got := m.CaptureTime.Location().String(); got != "Pacific/Honolulu" {
		t.Fatalf("expected zone Pacific/Honolulu, got %s", got)
	}
	// a UTC timestamp is an absolute moment; only its presentation changes
	if !m.CaptureTime.Equal(ts) {
		t.Errorf("absolute moment changed: %v != %v", m.CaptureTime, ts)
	}
	if m.CaptureTime.Hour() != 12 {
		t.Errorf("expected 12:00 local in Honolulu for 22:00 UTC, got %v", m.CaptureTime)
	}
}

func TestEnrichTimezoneMissingFields(t *testing.T) {
	ts := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	// no coordinates: untouched
	m := Metadata{CaptureTime: &ts}
	m.EnrichTimezone(zap.NewNop())
	if !m.CaptureTime.Equal(ts) || m.CaptureTime.Location() != time.UTC {
		t.Errorf("capture time should be untouched without coordinates, got %v", m.CaptureTime)
	}

	// no capture time: nothing to do
	m = Metadata{Latitude: ptr(21.3069), Longitude: ptr(-157.8583)}
	m.EnrichTimezone(zap.NewNop())
	if m.CaptureTime != nil {
		t.Errorf("capture time appeared out of nowhere: %v", m.CaptureTime)
	}
}

func TestEnrichTimezoneKeepsExplicitZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 7, 1, 12, 0, 0, 0, loc)
	m := Metadata{
		CaptureTime: &ts,
		Latitude:    ptr(21.3069),
		Longitude:   ptr(-157.8583),
	}
	m.EnrichTimezone(zap.NewNop())
	if m.CaptureTime.Location() != loc {
		t.Errorf("explicit zone should not be overridden, got %v", m.CaptureTime.Location())
	}
}

func ptr[T any](v T) *T { return &v }
