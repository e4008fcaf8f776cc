package detection

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"depthcam/depth"
	"depthcam/overlay"
	"depthcam/tracking"
)

// rollingWindow is how many recent frame durations feed the average.
const rollingWindow = 30

// Config tunes the per-frame pipeline. The values mirror the recorded
// sidecar's config block.
type Config struct {
	InputSize         int     // detector input size, for the sidecar
	CenterRegionRatio float64 // depth sampling region, see depth.Estimator
	OutlierThreshold  float64 // depth outlier rejection, see depth.Estimator
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		InputSize:         640,
		CenterRegionRatio: 0.6,
		OutlierThreshold:  2.0,
	}
}

// Processor is the per-frame orchestration: run the detector, assign track
// identities, fuse each tracked object with a robust depth estimate, render
// the annotated frame, and emit structured metadata.
//
// Process is driven only by the acquisition loop's goroutine. Stats() and
// ResetFrameCounter() may be called from any goroutine.
type Processor struct {
	log       logs.Log
	detector  Detector
	tracker   *tracking.Tracker
	estimator *depth.Estimator
	renderer  *overlay.Renderer
	cfg       Config
	modelPath string

	statsMu      sync.Mutex
	frameCount   int
	lastObjects  int
	totalObjects int64
	durationsMS  []float64
}

// NewProcessor wires the pipeline around a loaded detector. modelPath is
// recorded in the sidecar; fps tunes the tracker's motion model.
func NewProcessor(log logs.Log, detector Detector, modelPath string, fps int, cfg Config) *Processor {
	est := depth.NewEstimator()
	est.CenterRegionRatio = cfg.CenterRegionRatio
	est.OutlierThreshold = cfg.OutlierThreshold

	return &Processor{
		log:       log,
		detector:  detector,
		tracker:   tracking.NewTracker(fps),
		estimator: est,
		renderer:  overlay.NewRenderer(),
		cfg:       cfg,
		modelPath: modelPath,
	}
}

// Config returns the pipeline tuning, for the recording sidecar.
func (p *Processor) Config() Config {
	return p.cfg
}

// ModelPath returns the detector model path, for the recording sidecar.
func (p *Processor) ModelPath() string {
	return p.modelPath
}

// Process runs the full pipeline on one synchronized color+depth pair.
//
// It always returns an owned annotated Mat (a clone of color, drawn on when
// there are detections) and a metadata record. A detector failure is not
// fatal: the clone comes back unmodified and the metadata carries the error
// so the stream keeps flowing.
func (p *Processor) Process(color gocv.Mat, df *depth.Frame) (gocv.Mat, *FrameMetadata) {
	start := time.Now()

	annotated := color.Clone()

	raw, err := p.detector.Detect(color)
	if err != nil {
		p.log.Warnf("Detection failed, frame passes through unannotated: %v", err)
		meta := &FrameMetadata{
			FrameNumber: p.nextFrameNumber(),
			Timestamp:   float64(start.UnixNano()) / 1e9,
			Error:       fmt.Sprintf("detection failed: %v", err),
		}
		p.recordFrameStats(0, time.Since(start))
		return annotated, meta
	}

	bounds := image.Rect(0, 0, color.Cols(), color.Rows())

	obs := make([]tracking.Observation, 0, len(raw))
	for _, r := range raw {
		obs = append(obs, tracking.Observation{
			Box:        r.Box,
			ClassID:    r.ClassID,
			ClassName:  r.ClassName,
			Confidence: r.Confidence,
		})
	}
	tracks := p.tracker.Update(obs)

	detections := make([]Detection, 0, len(tracks))
	annotations := make([]overlay.Annotation, 0, len(tracks))
	for _, t := range tracks {
		// Depth estimation only ever sees in-bounds boxes.
		box := t.Box.Intersect(bounds)
		depthMM := p.estimator.EstimateMM(df, box)

		label := fmt.Sprintf("#%d %s (No depth)", t.ID, t.ClassName)
		depthM := 0.0
		if depthMM > 0 {
			depthM = depthMM / 1000.0
			label = fmt.Sprintf("#%d %s (%.2fm)", t.ID, t.ClassName, depthM)
		}

		detections = append(detections, Detection{
			TrackerID:  t.ID,
			ClassID:    t.ClassID,
			ClassName:  t.ClassName,
			Confidence: t.Confidence,
			BBox: [4]float64{
				float64(box.Min.X), float64(box.Min.Y),
				float64(box.Max.X), float64(box.Max.Y),
			},
			DepthMM: depthMM,
			DepthM:  depthM,
		})
		annotations = append(annotations, overlay.Annotation{Box: box, Label: label})
	}

	p.renderer.Draw(&annotated, annotations)

	elapsed := time.Since(start)
	meta := &FrameMetadata{
		FrameNumber:      p.nextFrameNumber(),
		Timestamp:        float64(start.UnixNano()) / 1e9,
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000.0,
		Detections:       detections,
	}
	p.recordFrameStats(len(tracks), elapsed)

	return annotated, meta
}

// nextFrameNumber hands out the next frame sequence number. The counter
// shares statsMu because ResetFrameCounter may race the stream goroutine.
func (p *Processor) nextFrameNumber() int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	n := p.frameCount
	p.frameCount++
	return n
}

// ResetFrameCounter zeroes the frame counter, used when a recording session
// begins so sequence numbers restart per session. Safe to call while the
// stream goroutine is processing frames.
func (p *Processor) ResetFrameCounter() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.frameCount = 0
}

func (p *Processor) recordFrameStats(objects int, elapsed time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.lastObjects = objects
	p.totalObjects += int64(objects)
	p.durationsMS = append(p.durationsMS, float64(elapsed.Microseconds())/1000.0)
	if len(p.durationsMS) > rollingWindow {
		p.durationsMS = p.durationsMS[1:]
	}
}

// Stats returns an immutable snapshot of the pipeline counters.
func (p *Processor) Stats() Statistics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	avg := 0.0
	if len(p.durationsMS) > 0 {
		avg = stat.Mean(p.durationsMS, nil)
	}
	return Statistics{
		ModelLoaded:      p.detector != nil,
		LastFrameObjects: p.lastObjects,
		AvgProcessMS:     avg,
		TotalObjects:     p.totalObjects,
	}
}

// Close releases the detector.
func (p *Processor) Close() error {
	if p.detector != nil {
		return p.detector.Close()
	}
	return nil
}
