package depth

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

// fillRect writes a constant depth into a region of the frame.
func fillRect(f *Frame, r image.Rectangle, mm uint16) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			f.Set(x, y, mm)
		}
	}
}

func TestEstimateUniformRegion(t *testing.T) {
	f := NewFrame(640, 480)
	// Box (100,100)-(200,200). With a 0.6 center ratio the sampled region is
	// (120,120)-(180,180); fill the whole box so the value is unambiguous.
	fillRect(f, image.Rect(100, 100, 200, 200), 1500)

	e := NewEstimator()
	got := e.EstimateMM(f, image.Rect(100, 100, 200, 200))
	require.Equal(t, 1500.0, got)
}

func TestEstimateDeterministic(t *testing.T) {
	f := NewFrame(320, 240)
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			f.Set(x, y, uint16(500+(x*7+y*13)%3000))
		}
	}

	e := NewEstimator()
	box := image.Rect(40, 40, 200, 180)
	first := e.EstimateMM(f, box)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, e.EstimateMM(f, box))
	}
}

func TestEstimateTooFewSamples(t *testing.T) {
	f := NewFrame(640, 480)
	// Only 4 valid pixels inside the shrunk center region.
	fillRect(f, image.Rect(150, 150, 152, 152), 1200)

	e := NewEstimator()
	got := e.EstimateMM(f, image.Rect(100, 100, 200, 200))
	require.Equal(t, 0.0, got)
}

func TestEstimateEmptyFrame(t *testing.T) {
	f := NewFrame(640, 480)
	e := NewEstimator()
	require.Equal(t, 0.0, e.EstimateMM(f, image.Rect(0, 0, 640, 480)))
}

func TestEstimateIgnoresOutOfRange(t *testing.T) {
	f := NewFrame(640, 480)
	fillRect(f, image.Rect(100, 100, 200, 200), 2000)
	// Saturated sensor pixels beyond the credible range must not move the mean.
	fillRect(f, image.Rect(140, 140, 150, 150), 12000)

	e := NewEstimator()
	got := e.EstimateMM(f, image.Rect(100, 100, 200, 200))
	require.Equal(t, 2000.0, got)
}

func TestEstimateRejectsOutliers(t *testing.T) {
	f := NewFrame(640, 480)
	fillRect(f, image.Rect(100, 100, 200, 200), 1500)
	// A small patch of flying pixels far from the body of the object.
	fillRect(f, image.Rect(120, 120, 123, 121), 9000)

	e := NewEstimator()
	got := e.EstimateMM(f, image.Rect(100, 100, 200, 200))
	require.InDelta(t, 1500.0, got, 1.0)
}

func TestEstimateShiftInvariance(t *testing.T) {
	base := NewFrame(640, 480)
	shifted := NewFrame(640, 480)
	for y := 100; y < 200; y++ {
		for x := 100; x < 200; x++ {
			v := uint16(1400 + (x+y)%40)
			base.Set(x, y, v)
			shifted.Set(x, y, v+250)
		}
	}

	e := NewEstimator()
	box := image.Rect(100, 100, 200, 200)
	d0 := e.EstimateMM(base, box)
	d1 := e.EstimateMM(shifted, box)
	require.InDelta(t, 250.0, d1-d0, 1e-9)
}

func TestEstimateClipsBoxToFrame(t *testing.T) {
	f := NewFrame(320, 240)
	fillRect(f, image.Rect(0, 0, 320, 240), 800)

	e := NewEstimator()
	// Box extends well past the frame on every side.
	got := e.EstimateMM(f, image.Rect(-100, -100, 500, 400))
	require.Equal(t, 800.0, got)
}
