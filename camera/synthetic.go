package camera

import (
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"depthcam/depth"
)

// SyntheticDriver produces generated frames at the configured rate, for
// development and testing without a depth camera attached. The scene is a
// static depth gradient with one block moving left to right at a fixed
// 1500mm, mirrored by a colored rectangle on the color stream so detection
// and depth fusion can be exercised end to end.
type SyntheticDriver struct{}

func (SyntheticDriver) Open(spec StreamSpec) (Session, error) {
	fps := spec.FPS
	if fps <= 0 {
		fps = 30
	}
	return &syntheticSession{
		spec:     spec,
		interval: time.Second / time.Duration(fps),
		last:     time.Now(),
	}, nil
}

type syntheticSession struct {
	spec     StreamSpec
	interval time.Duration

	mu     sync.Mutex
	frame  int
	last   time.Time
	closed bool
}

const (
	syntheticBlockSize    = 80
	syntheticBlockDepthMM = 1500
	syntheticBlockSpeed   = 4 // pixels per frame
)

// blockOrigin is the top-left of the moving block for frame n, wrapping at
// the right edge.
func (s *syntheticSession) blockOrigin(n int) image.Point {
	span := s.spec.Width - syntheticBlockSize
	if span <= 0 {
		return image.Point{}
	}
	return image.Pt((n*syntheticBlockSpeed)%span, (s.spec.Height-syntheticBlockSize)/2)
}

func (s *syntheticSession) WaitForPair(timeout time.Duration) (FramePair, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return FramePair{}, ErrSessionClosed
	}
	n := s.frame
	s.frame++
	wait := s.interval - time.Since(s.last)
	s.last = time.Now().Add(wait)
	s.mu.Unlock()

	// Pace output to the stream rate, but never past the caller's bound.
	if wait > 0 {
		if wait > timeout {
			time.Sleep(timeout)
			return FramePair{}, ErrFrameTimeout
		}
		time.Sleep(wait)
	}

	w, h := s.spec.Width, s.spec.Height
	origin := s.blockOrigin(n)
	block := image.Rect(origin.X, origin.Y, origin.X+syntheticBlockSize, origin.Y+syntheticBlockSize)

	df := depth.NewFrame(w, h)
	for y := 0; y < h; y++ {
		// Background gradient: near at the top, far at the bottom.
		v := uint16(500 + y*8000/h)
		for x := 0; x < w; x++ {
			df.Set(x, y, v)
		}
	}
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			df.Set(x, y, syntheticBlockDepthMM)
		}
	}

	colorMat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&colorMat, block, color.RGBA{R: 40, G: 180, B: 240, A: 255}, -1)

	return FramePair{
		Color:     colorMat,
		Depth:     df,
		Timestamp: time.Now(),
	}, nil
}

// Align is the identity: synthetic depth is generated on the color grid.
func (s *syntheticSession) Align(pair FramePair) FramePair {
	return pair
}

func (s *syntheticSession) Supports(ctrl Control) bool {
	return true
}

func (s *syntheticSession) ApplyControl(ctrl Control, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *syntheticSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
