// Package star detects stars in a frame and computes the affine transform
// that registers one frame's star field against a reference frame's, via
// triangle similarity matching over KD-trees. Used by the live stacker to
// align incoming sub-exposures before accumulation, and by the autofocus
// routine to measure half-flux radius as a focus metric.
package star
