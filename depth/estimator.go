package depth

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Estimator produces a single robust distance for a detected object. The
// bounding box is shrunk toward its center before sampling so that background
// pixels leaking in at the box edges do not contaminate the estimate, and the
// surviving samples are filtered statistically to reject sensor dropout and
// flying-pixel noise near depth discontinuities.
type Estimator struct {
	// CenterRegionRatio is the fraction of the box width/height retained
	// around the center when sampling.
	CenterRegionRatio float64
	// OutlierThreshold is the number of standard deviations from the mean
	// beyond which a sample is discarded.
	OutlierThreshold float64
	// MinValidSamples is the minimum number of in-range samples required to
	// report a depth at all.
	MinValidSamples int
	// MaxRangeMM is the exclusive upper bound on credible sample values.
	MaxRangeMM float64
}

// NewEstimator returns an estimator with the standard tuning.
func NewEstimator() *Estimator {
	return &Estimator{
		CenterRegionRatio: 0.6,
		OutlierThreshold:  2.0,
		MinValidSamples:   5,
		MaxRangeMM:        10000,
	}
}

// EstimateMM returns a robust depth in millimeters for the object bounded by
// box, or 0.0 when no reliable depth exists. Pure and deterministic: identical
// inputs always produce the identical value.
func (e *Estimator) EstimateMM(f *Frame, box image.Rectangle) float64 {
	marginX := int(float64(box.Dx()) * (1 - e.CenterRegionRatio) / 2)
	marginY := int(float64(box.Dy()) * (1 - e.CenterRegionRatio) / 2)

	x1 := box.Min.X + marginX
	y1 := box.Min.Y + marginY
	x2 := box.Max.X - marginX
	y2 := box.Max.Y - marginY

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > f.Width {
		x2 = f.Width
	}
	if y2 > f.Height {
		y2 = f.Height
	}
	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	valid := make([]float64, 0, (x2-x1)*(y2-y1))
	for y := y1; y < y2; y++ {
		row := f.Data[y*f.Width : y*f.Width+f.Width]
		for x := x1; x < x2; x++ {
			v := float64(row[x])
			if v > 0 && v < e.MaxRangeMM {
				valid = append(valid, v)
			}
		}
	}

	if len(valid) < e.MinValidSamples {
		return 0.0
	}

	mean, std := stat.MeanStdDev(valid, nil)

	filtered := valid[:0]
	for _, v := range valid {
		if math.Abs(v-mean) <= e.OutlierThreshold*std {
			filtered = append(filtered, v)
		}
	}

	// When filtering removes every sample, fall back to the unfiltered mean.
	if len(filtered) == 0 {
		return mean
	}
	return stat.Mean(filtered, nil)
}
