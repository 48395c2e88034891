// Package stats provides the robust location/scale estimators shared by the
// live stacker's winsorized clipping, star detection, the preview stretch and
// the autofocus curve fitter: median, MAD-derived sigma, and percentiles.
//
// Grounded on the teacher's internal/stats package (median/MAD/Qn estimators
// over a qsort-based quickselect), trimmed to the estimators this domain
// actually needs and rebuilt around arbitrary percentiles (the spec leans on
// "5th percentile of sigma" and "95th percentile of |frame-master|" rather
// than the teacher's location/scale mode enum).
package stats

import (
	"math"
	"sort"

	"github.com/valyala/fastrand"
)

// MADToSigma converts a median absolute deviation into a Gaussian-equivalent
// standard deviation, per spec: sigma = 1.4826*MAD.
const MADToSigma = 1.4826

// Median returns the median of data. data is not modified; a scratch copy is
// sorted internally.
func Median(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	tmp := append([]float32(nil), data...)
	sort.Sort(float32Slice(tmp))
	return percentileSorted(tmp, 0.5)
}

// MAD returns the median absolute deviation of data around the given center.
func MAD(data []float32, center float32) float32 {
	if len(data) == 0 {
		return 0
	}
	devs := make([]float32, len(data))
	for i, v := range data {
		devs[i] = float32(math.Abs(float64(v - center)))
	}
	return Median(devs)
}

// MedianAndSigma returns the median and the MAD-derived sigma of data, via
// Median and MAD, each of which works on its own scratch copy.
func MedianAndSigma(data []float32) (median, sigma float32) {
	median = Median(data)
	sigma = MAD(data, median) * MADToSigma
	return median, sigma
}

// Percentile returns the value at the given percentile (0..1) of data, using
// linear interpolation between the two nearest ranks.
func Percentile(data []float32, p float64) float32 {
	if len(data) == 0 {
		return 0
	}
	tmp := append([]float32(nil), data...)
	sort.Sort(float32Slice(tmp))
	return percentileSorted(tmp, p)
}

func percentileSorted(sorted []float32, p float64) float32 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*float32(1-frac) + sorted[hi]*float32(frac)
}

// MeanAbsDiff returns the mean of |a[i]-b[i]| across matching-length slices.
func MeanAbsDiff(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	sum := float32(0)
	for i := range a {
		sum += float32(math.Abs(float64(a[i] - b[i])))
	}
	return sum / float32(len(a))
}

// AbsDiffPercentile returns the given percentile of |a[i]-b[i]| across
// matching-length slices: the quantity behind the simple-outlier-rejection
// threshold (spec 4.6 step 6), 95th percentile of |frame-master| * factor,
// which the stacker computes inline rather than through this function.
func AbsDiffPercentile(a, b []float32, p float64) float32 {
	diffs := make([]float32, len(a))
	for i := range a {
		diffs[i] = float32(math.Abs(float64(a[i] - b[i])))
	}
	return Percentile(diffs, p)
}

// FastApproxMedian approximates the median of a large array by uniformly
// sampling numSamples values and taking their exact median, matching the
// teacher's randomized-Qn approach for large frame buffers where an exact
// full-array median would be too slow to run every frame.
func FastApproxMedian(data []float32, numSamples int) float32 {
	if len(data) <= numSamples {
		return Median(data)
	}
	var rng fastrand.RNG
	samples := make([]float32, numSamples)
	max := uint32(len(data))
	for i := range samples {
		samples[i] = data[rng.Uint32n(max)]
	}
	return Median(samples)
}

type float32Slice []float32

func (s float32Slice) Len() int           { return len(s) }
func (s float32Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s float32Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
