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
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"sync/atomic"

	_ "image/gif"
	_ "image/png"

	"github.com/galdor/go-thumbhash"
	_ "github.com/gen2brain/avif"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Preview is the transient, locally renderable artifact generated for a
// staged photo: a small JPEG on disk plus a ThumbHash placeholder for
// instant display. It is not garbage collected; the queue that created it
// must release it exactly once.
type Preview struct {
	Path      string `json:"path"`
	ThumbHash string `json:"thumb_hash"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`

	releases atomic.Int32
}

// Release deletes the preview artifact from disk. Only the first call does
// the work; later calls are no-ops, not errors, so teardown paths don't have
// to coordinate.
func (p *Preview) Release() error {
	if p == nil {
		return nil
	}
	if p.releases.Add(1) != 1 {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Released reports whether Release has been called.
func (p *Preview) Released() bool {
	return p != nil && p.releases.Load() > 0
}

const previewJPEGQuality = 80

// generatePreview decodes the photo, scales it to fit within maxDim on its
// longer side, writes the small JPEG into dir, and computes its ThumbHash.
func generatePreview(ctx context.Context, open OpenFunc, dir string, maxDim int) (*Preview, error) {
	rc, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	small := downscale(img, maxDim)
	bounds := small.Bounds()

	f, err := os.CreateTemp(dir, "preview-*.jpg")
	if err != nil {
		return nil, err
	}
	if err := jpeg.Encode(f, small, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("encoding preview: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	return &Preview{
		Path:      f.Name(),
		ThumbHash: base64.StdEncoding.EncodeToString(thumbhash.EncodeImage(small)),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}, nil
}

// downscale fits img within maxDim on its longer side. It never upscales.
func downscale(img image.Image, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := 1.0
	if w >= h && w > maxDim {
		scale = float64(maxDim) / float64(w)
	} else if h > w && h > maxDim {
		scale = float64(maxDim) / float64(h)
	}

	dw := max(1, int(float64(w)*scale))
	dh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
