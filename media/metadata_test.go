package media

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestExtractNonImage(t *testing.T) {
	open := readerSource("this is not a photo, there is nothing to find here")
	m := Extract(context.Background(), zap.NewNop(), open, time.Second)
	if !m.IsEmpty() {
		t.Errorf("expected empty metadata for non-image input, got %+v", m)
	}
}

func TestExtractOpenError(t *testing.T) {
	open := func(_ context.Context) (io.ReadCloser, error) {
		return nil, io.ErrUnexpectedEOF
	}
	m := Extract(context.Background(), zap.NewNop(), open, time.Second)
	if !m.IsEmpty() {
		t.Errorf("expected empty metadata when the file cannot be opened, got %+v", m)
	}
}

func TestExtractTimeout(t *testing.T) {
	// a reader that never produces data until the deadline cancels it
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return blockingReader{ctx: ctx}, nil
	}
	start := time.Now()
	m := Extract(context.Background(), zap.NewNop(), open, 50*time.Millisecond)
	if !m.IsEmpty() {
		t.Errorf("expected empty metadata on timeout, got %+v", m)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("extraction did not respect the time bound; took %s", elapsed)
	}
}

func TestValidCoordinates(t *testing.T) {
	for i, tc := range []struct {
		lat, lon float64
		expect   bool
	}{
		{0, 0, true},
		{21.3069, -157.8583, true},
		{-90, -180, true},
		{90, 180, true},
		{190, 0, false},
		{-91, 0, false},
		{0, 181, false},
		{0, -180.5, false},
	} {
		if actual := ValidCoordinates(tc.lat, tc.lon); actual != tc.expect {
			t.Errorf("Test %d: ValidCoordinates(%v, %v) = %v, want %v",
				i, tc.lat, tc.lon, actual, tc.expect)
		}
	}
}

func TestParseXMPTime(t *testing.T) {
	for input, expectOK := range map[string]bool{
		"2023-06-14T09:30:00":       true,
		"2023-06-14T09:30:00+02:00": true,
		"2023-06-14":                true,
		"2023:06:14 09:30:00":       true,
		"":                          false,
		"yesterday":                 false,
	} {
		ts, ok := parseXMPTime(input)
		if ok != expectOK {
			t.Errorf("'%s': expected ok=%v but got ok=%v (ts=%v)", input, expectOK, ok, ts)
			continue
		}
		if ok && ts.Year() != 2023 {
			t.Errorf("'%s': parsed to unexpected time %v", input, ts)
		}
	}
}

func TestFillFromXMP(t *testing.T) {
	var m Metadata
	fillFromXMP(zap.NewNop(), strings.NewReader(xmpFixture), &m)

	if m.CaptureTime == nil {
		t.Fatal("expected capture time from XMP packet")
	}
	if m.CaptureTime.Year() != 2023 || m.CaptureTime.Month() != time.June || m.CaptureTime.Day() != 14 {
		t.Errorf("unexpected capture time %v", m.CaptureTime)
	}
	if m.CameraMake == nil || *m.CameraMake != "SONY" {
		t.Errorf("expected camera make SONY, got %v", m.CameraMake)
	}
	if m.CameraModel == nil || *m.CameraModel != "ILCE-7M3" {
		t.Errorf("expected camera model ILCE-7M3, got %v", m.CameraModel)
	}
	if m.HasCoordinates() {
		t.Errorf("XMP fill should not populate coordinates, got %v, %v", m.Latitude, m.Longitude)
	}
}

func TestExtractUsesXMPFallback(t *testing.T) {
	// no EXIF in this input at all, so everything has to come from XMP
	m := Extract(context.Background(), zap.NewNop(), readerSource(xmpFixture), time.Second)
	if m.CaptureTime == nil {
		t.Fatal("expected capture time via XMP fallback")
	}
	if m.CameraMake == nil || *m.CameraMake != "SONY" {
		t.Errorf("expected camera make SONY, got %v", m.CameraMake)
	}
}

const xmpFixture = `<?xpacket begin="" id="W5M0MpCehiHzreSzNTczkc9d"?>
<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about=""
    xmlns:xmp="http://ns.adobe.com/xap/1.0/"
    xmlns:tiff="http://ns.adobe.com/tiff/1.0/"
    xmp:CreateDate="2023-06-14T09:30:00"
    tiff:Make="SONY"
    tiff:Model="ILCE-7M3"/>
 </rdf:RDF>
</x:xmpmeta>
<?xpacket end="w"?>`

func readerSource(s string) OpenFunc {
	return func(_ context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

type blockingReader struct {
	ctx context.Context
}

func (r blockingReader) Read(_ []byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r blockingReader) Close() error { return nil }
