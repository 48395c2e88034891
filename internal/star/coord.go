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

import (
	"errors"
	"fmt"
	"math"
)

// Point2D is a 2-dimensional point with floating point coordinates.
type Point2D struct {
	X float32
	Y float32
}

// Point3D is a 3-dimensional point with floating point coordinates.
type Point3D struct {
	X float32
	Y float32
	Z float32
}

// Point3DPayload attaches an arbitrary payload to a Point3D, used by the
// triangle KD-tree to carry back the originating triangle's index.
type Point3DPayload struct {
	Point3D
	Payload interface{}
}

// Transform2D is an affine 2D coordinate transformation: x'=Ax+By+C, y'=Dx+Ey+F.
type Transform2D struct {
	A float32
	B float32
	C float32
	D float32
	E float32
	F float32
}

func (p Point2D) String() string { return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y) }
func (p Point3D) String() string { return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z) }
func (t Transform2D) String() string {
	return fmt.Sprintf("x'=%.5gx %+.5gy %+.2g, y'=%.5gx %+.5gy %+.2g", t.A, t.B, t.C, t.D, t.E, t.F)
}

// Dist2D returns the euclidian distance between two points.
func Dist2D(a, b Point2D) float32 {
	return float32(math.Sqrt(float64(Dist2DSquared(a, b))))
}

// Dist2DSquared returns the squared euclidian distance between two points.
func Dist2DSquared(a, b Point2D) float32 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

func Sub2D(a, b Point2D) Point2D { return Point2D{a.X - b.X, a.Y - b.Y} }

// Dist3DSquared returns the squared euclidian distance between two 3D points.
func Dist3DSquared(a, b Point3D) float32 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return dx*dx + dy*dy + dz*dz
}

// IdentityTransform2D returns the transform that maps every point to itself.
func IdentityTransform2D() Transform2D {
	return Transform2D{1, 0, 0, 0, 1, 0}
}

// NewTransform2D solves for the affine transform mapping p1,p2,p3 onto
// p1p,p2p,p3p respectively, the core of triangle-based star alignment.
func NewTransform2D(p1, p2, p3, p1p, p2p, p3p Point2D) (Transform2D, error) {
	dx2, dy2 := p2.X-p1.X, p2.Y-p1.Y
	dx3, dy3 := p3.X-p1.X, p3.Y-p1.Y
	det := dx2*dy3 - dx3*dy2
	if det == 0 {
		return Transform2D{}, errors.New("star: degenerate triangle, divide by zero")
	}
	a := ((p2p.X-p1p.X)*dy3 - (p3p.X-p1p.X)*dy2) / det
	b := (dx2*(p3p.X-p1p.X) - dx3*(p2p.X-p1p.X)) / det
	c := p1p.X - a*p1.X - b*p1.Y

	d := ((p2p.Y-p1p.Y)*dy3 - (p3p.Y-p1p.Y)*dy2) / det
	e := (dx2*(p3p.Y-p1p.Y) - dx3*(p2p.Y-p1p.Y)) / det
	f := p1p.Y - d*p1.X - e*p1.Y

	if math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0) || math.IsInf(float64(d), 0) || math.IsInf(float64(e), 0) {
		return Transform2D{}, errors.New("star: degenerate triangle, divide by zero")
	}
	return Transform2D{a, b, c, d, e, f}, nil
}

// Apply maps a point through the transform.
func (t *Transform2D) Apply(p Point2D) Point2D {
	return Point2D{t.A*p.X + t.B*p.Y + t.C, t.D*p.X + t.E*p.Y + t.F}
}

// ApplySlice maps many points through the transform.
func (t *Transform2D) ApplySlice(ps []Point2D) []Point2D {
	out := make([]Point2D, len(ps))
	for i, p := range ps {
		out[i] = t.Apply(p)
	}
	return out
}

// Invert returns the inverse transform, used to map stack-frame detections
// back into reference-frame coordinates for overlay reporting.
func (t *Transform2D) Invert() (Transform2D, error) {
	epsilon := t.B*t.D - t.A*t.E
	if epsilon < 1e-8 && -epsilon < 1e-8 {
		return Transform2D{}, fmt.Errorf("star: matrix has no inverse, epsilon=%g", epsilon)
	}
	return Transform2D{
		A: -t.E / (t.B*t.D - t.A*t.E),
		B: t.B / (t.B*t.D - t.A*t.E),
		C: (t.C*t.E - t.B*t.F) / (t.B*t.D - t.A*t.E),
		D: -t.D / (t.A*t.E - t.B*t.D),
		E: t.A / (t.A*t.E - t.B*t.D),
		F: (t.C*t.D - t.A*t.F) / (t.A*t.E - t.B*t.D),
	}, nil
}
