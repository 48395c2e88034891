// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fitsio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path"
	"strings"

	"golang.org/x/image/tiff"
)

// PreviewOptions controls SavePreview's rendering pipeline, per spec 4.10
// "preview pipeline: normalize, stretch, clip, encode by requested format".
type PreviewOptions struct {
	Stretch    StretchParams
	ApplyStretch bool
	JPEGQuality  int // default 90 if zero
}

// SavePreview renders img to an 8-bit raster image file, choosing the codec
// from fileName's extension (.jpg/.jpeg, .png, .tif/.tiff), per spec 4.2
// "SavePreview: normalize -> stretch -> clip -> encode JPEG/PNG/TIFF".
func SavePreview(fileName string, img *Image, opts PreviewOptions) error {
	work := NewImageFromNaxisn(img.Naxisn, img.Channels, append([]float32(nil), img.Data...))
	Normalize(work)
	if opts.ApplyStretch {
		AutoStretch(work, opts.Stretch)
	}

	rgba := toRGBA(work)

	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(path.Ext(fileName)) {
	case ".jpg", ".jpeg":
		q := opts.JPEGQuality
		if q == 0 {
			q = 90
		}
		return jpeg.Encode(f, rgba, &jpeg.Options{Quality: q})
	case ".png":
		return png.Encode(f, rgba)
	case ".tif", ".tiff":
		return tiff.Encode(f, rgba, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("savepreview: unsupported extension %q", path.Ext(fileName))
	}
}

// ToRGBA converts a normalized (already in [0,1]) image to an 8-bit RGBA
// raster, replicating the mono plane across channels for grayscale previews.
// Exported for use by internal/settings' preview renderer.
func ToRGBA(img *Image) *image.RGBA { return toRGBA(img) }

// toRGBA is the unexported implementation SavePreview calls directly.
func toRGBA(img *Image) *image.RGBA {
	w, h := int(img.Width()), int(img.Height())
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	pixels := img.Pixels

	to8 := func(v float32) uint8 {
		v = clampUnit(v)
		return uint8(v*255 + 0.5)
	}

	if img.Channels == 3 {
		r := ChannelPlane(img.Data, pixels, 0)
		g := ChannelPlane(img.Data, pixels, 1)
		b := ChannelPlane(img.Data, pixels, 2)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				out.Set(x, y, color.RGBA{to8(r[idx]), to8(g[idx]), to8(b[idx]), 255})
			}
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := to8(img.Data[y*w+x])
				out.Set(x, y, color.RGBA{v, v, v, 255})
			}
		}
	}
	return out
}
