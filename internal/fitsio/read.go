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
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
)

// LoadOptions controls the optional post-processing steps of Load, per spec
// 4.2: "Load: ... optionally apply master dark ... optionally debayer ...
// optionally normalize to [0,1] float32".
type LoadOptions struct {
	MasterDark *Image // subtracted if shapes match, else ignored
	Debayer    bool
	DebayerAlg DebayerAlgorithm
	Normalize  bool
}

// Load reads a FITS file's primary HDU into an Image, detects its color
// model from header keys and array rank, and applies the requested
// optional transforms in the order the spec names them: dark subtraction,
// debayer, normalize.
func Load(fileName string, id int, opts LoadOptions) (*Image, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	lowerExt := strings.ToLower(path.Ext(fileName))
	if lowerExt == ".gz" || lowerExt == ".gzip" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}

	img, err := decode(r, id)
	if err != nil {
		return nil, err
	}
	img.FileName = fileName
	detectColorModel(img)

	if opts.MasterDark != nil && img.SameShape(opts.MasterDark) {
		for i := range img.Data {
			img.Data[i] -= opts.MasterDark.Data[i]
		}
	}
	if opts.Debayer && img.Bayer != BayerNone {
		if err := DebayerInPlace(img, opts.DebayerAlg); err != nil {
			return nil, err
		}
	}
	if opts.Normalize {
		Normalize(img)
	}
	return img, nil
}

// detectColorModel inspects BAYERPAT / XBAYROFF / YBAYROFF and the array
// rank to classify the frame, per spec 4.2.
func detectColorModel(img *Image) {
	if pat, ok := img.Header.Strings["BAYERPAT"]; ok && pat != "" {
		img.Bayer = BayerPattern(strings.ToUpper(strings.TrimSpace(pat)))
		return
	}
	if len(img.Naxisn) == 3 && img.Naxisn[2] == 3 {
		// NAXIS3 = 3: the three planes are already stored one after another,
		// which is Data's layout, so only the shape changes.
		img.Channels = 3
		w, h := img.Naxisn[0], img.Naxisn[1]
		img.Naxisn = []int32{w, h}
		img.Pixels = w * h
	}
}

// decode parses the header and the bitpix-typed data unit that follows,
// converting every sample to float32 with BZERO/BSCALE applied. The binary
// reader implements a fixed external format (FITS network byte order +
// BZERO/BSCALE rescale) and is reused near-verbatim from the teacher.
func decode(r io.Reader, id int) (*Image, error) {
	header, err := readHeader(r, id)
	if err != nil {
		return nil, err
	}
	if !header.Bools["SIMPLE"] {
		return nil, fmt.Errorf("frame %d: not a FITS file (SIMPLE=T missing)", id)
	}

	bitpix, ok := header.Ints["BITPIX"]
	if !ok {
		return nil, fmt.Errorf("frame %d: missing BITPIX", id)
	}
	naxis, ok := header.Ints["NAXIS"]
	if !ok {
		return nil, fmt.Errorf("frame %d: missing NAXIS", id)
	}
	naxisn := make([]int32, naxis)
	pixels := int32(1)
	for i := int32(1); i <= naxis; i++ {
		n, ok := header.Ints["NAXIS"+strconv.Itoa(int(i))]
		if !ok {
			return nil, fmt.Errorf("frame %d: missing NAXIS%d", id, i)
		}
		naxisn[i-1] = n
		pixels *= n
	}

	bzero, _ := header.IntOrFloat("BZERO")
	bscale, hasScale := header.IntOrFloat("BSCALE")
	if !hasScale {
		bscale = 1
	}

	data, err := readData(r, bitpix, pixels, bzero, bscale)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", id, err)
	}

	exposure, ok := header.IntOrFloat("EXPTIME")
	if !ok {
		exposure, _ = header.IntOrFloat("EXPOSURE")
	}

	return &Image{
		ID:       id,
		Header:   header,
		Naxisn:   naxisn,
		Pixels:   pixels,
		Data:     data,
		Channels: 1,
		Exposure: exposure,
	}, nil
}

const readBufLen = 64 * 1024

func readData(r io.Reader, bitpix int32, pixels int32, bzero, bscale float32) ([]float32, error) {
	data := make([]float32, pixels)
	switch bitpix {
	case 8:
		return data, readFixed(r, data, 1, bzero, bscale, func(b []byte) float64 { return float64(b[0]) })
	case 16:
		return data, readFixed(r, data, 2, bzero, bscale, func(b []byte) float64 {
			return float64(int16(uint16(b[0])<<8 | uint16(b[1])))
		})
	case 32:
		return data, readFixed(r, data, 4, bzero, bscale, func(b []byte) float64 {
			return float64(int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])))
		})
	case -32:
		return data, readFixed(r, data, 4, bzero, bscale, func(b []byte) float64 {
			bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
			return float64(math.Float32frombits(bits))
		})
	case -64:
		return data, readFixed(r, data, 8, bzero, bscale, func(b []byte) float64 {
			bits := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
				uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
			return math.Float64frombits(bits)
		})
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

// readFixed streams fixed-width big-endian samples from r into dst, applying
// decode(bytes)->raw value then the BZERO/BSCALE affine transform.
func readFixed(r io.Reader, dst []float32, width int, bzero, bscale float32, decode func([]byte) float64) error {
	buf := make([]byte, readBufLen-(readBufLen%width))
	idx := 0
	for idx < len(dst) {
		want := (len(dst) - idx) * width
		if want > len(buf) {
			want = len(buf)
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return err
		}
		for off := 0; off+width <= n; off += width {
			v := float32(decode(buf[off:off+width]))*bscale + bzero
			dst[idx] = v
			idx++
		}
	}
	return nil
}
