package tracking

import "image"

// Observation is a single-frame detector output, before any identity has been
// assigned. Box is in color-image pixel coordinates.
type Observation struct {
	Box        image.Rectangle
	ClassID    int
	ClassName  string
	Confidence float64
}

// Track is an observation with a persistent identity. IDs are unique for the
// lifetime of a Tracker, strictly increasing, and never reused.
type Track struct {
	ID int
	Observation
	// Hits is the number of frames this track has been matched.
	Hits int
	// Misses is the number of consecutive frames the track went unmatched.
	// Always 0 on tracks returned from Update.
	Misses int
}

// IoU returns the intersection-over-union of two rectangles, 0 when disjoint.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()) + float64(b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
