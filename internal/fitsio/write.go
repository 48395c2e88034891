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
	"bufio"
	"math"
	"os"
)

// SaveFITS writes img as a 16-bit integer FITS primary HDU to fileName,
// carrying forward the caller-supplied header plus BZERO=0/BSCALE=1, per
// spec 4.2 "Save FITS from array: write headers supplied by caller". Each
// sample is rounded and clamped to the int16 range; no rescale is applied.
// A three-channel image is written with the channel axis as NAXIS3, the
// planar layout that detectColorModel reads back.
func SaveFITS(fileName string, img *Image) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, fitsBlockSize*4)

	naxisn := img.Naxisn
	if img.Channels == 3 {
		naxisn = []int32{img.Naxisn[0], img.Naxisn[1], 3}
	}

	h := img.Header
	h.SetFloat("BZERO", 0)
	h.SetFloat("BSCALE", 1)
	if err := writeHeader(w, h, 16, naxisn); err != nil {
		return err
	}

	buf := make([]byte, 0, readBufLen)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		_, err := w.Write(buf)
		buf = buf[:0]
		return err
	}
	put := func(v float32) error {
		iv := int32(math.Round(float64(v)))
		if iv < -32768 {
			iv = -32768
		} else if iv > 32767 {
			iv = 32767
		}
		u := uint16(int16(iv))
		buf = append(buf, byte(u>>8), byte(u))
		if len(buf) >= readBufLen-1 {
			return flush()
		}
		return nil
	}

	if img.Channels == 3 {
		for c := int32(0); c < 3; c++ {
			plane := ChannelPlane(img.Data, img.Pixels, c)
			for _, v := range plane {
				if err := put(v); err != nil {
					return err
				}
			}
		}
	} else {
		for _, v := range img.Data {
			if err := put(v); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	total := int64(img.Pixels) * int64(img.Channels) * 2
	pad := (fitsBlockSize - total%fitsBlockSize) % fitsBlockSize
	if pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return w.Flush()
}
