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

package star

import "math"

// WarpPlane resamples a single-channel plane (width x height, row-major)
// into a same-sized destination plane under trans, using bilinear
// interpolation and filling out-of-bounds samples with outOfBounds.
//
// Grounded on the teacher's fits.Image.Project: the same invert-then-sample
// bilinear warp, generalized from a whole multi-field Image to a bare
// []float32 plane so the stacker can call it once per color channel.
func WarpPlane(src []float32, width, height int32, trans Transform2D, outOfBounds float32) ([]float32, error) {
	invTrans, err := trans.Invert()
	if err != nil {
		return nil, err
	}
	dst := make([]float32, width*height)

	for row := int32(0); row < height; row++ {
		for col := int32(0); col < width; col++ {
			pt := Point2D{float32(col), float32(row)}
			proj := invTrans.Apply(pt)

			xl, yl := int32(math.Floor(float64(proj.X))), int32(math.Floor(float64(proj.Y)))
			xh, yh := xl+1, yl+1
			xr, yr := proj.X-float32(xl), proj.Y-float32(yl)

			if xl < 0 || xh >= width || yl < 0 || yh >= height {
				dst[col+row*width] = outOfBounds
				continue
			}

			xlyl := xl + yl*width
			xhyl := xlyl + 1
			xlyh := xlyl + width
			xhyh := xhyl + width

			vyl := src[xlyl]*(1-xr) + src[xhyl]*xr
			vyh := src[xlyh]*(1-xr) + src[xhyh]*xr
			dst[col+row*width] = vyl*(1-yr) + vyh*yr
		}
	}
	return dst, nil
}
