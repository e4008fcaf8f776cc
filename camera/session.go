// Package camera owns the acquisition side of the pipeline: the camera
// session interface, the acquisition loop, and a synthetic driver for running
// without hardware. The real sensor SDK sits behind the Driver/Session
// interfaces; nothing in this package touches device internals.
package camera

import (
	"errors"
	"time"

	"gocv.io/x/gocv"

	"depthcam/depth"
)

var (
	// ErrFrameTimeout means no synchronized pair arrived within the bound.
	// Recoverable: the loop logs it and keeps going.
	ErrFrameTimeout = errors.New("timed out waiting for frame pair")

	// ErrAlreadyStreaming is returned when StartStreaming is called while the
	// stream goroutine is running.
	ErrAlreadyStreaming = errors.New("already streaming")

	// ErrNotConnected is returned for operations that need an open session.
	ErrNotConnected = errors.New("camera not connected")

	// ErrAlreadyConnected is returned by Connect when a session is open.
	ErrAlreadyConnected = errors.New("camera already connected")

	// ErrSessionClosed is returned by a session after Close.
	ErrSessionClosed = errors.New("camera session closed")
)

// Control identifies a sensor option the session may support.
type Control string

const (
	ControlColorAutoExposure Control = "color_auto_exposure"
	ControlColorExposure     Control = "color_exposure"
	ControlColorGain         Control = "color_gain"
	ControlAutoWhiteBalance  Control = "auto_white_balance"
	ControlWhiteBalance      Control = "white_balance"
	ControlDepthGain         Control = "depth_gain"
	ControlLaserPower        Control = "laser_power"
	ControlEmitterEnabled    Control = "emitter_enabled"
)

// StreamSpec is the negotiated stream shape, identical for depth and color.
type StreamSpec struct {
	Width  int
	Height int
	FPS    int
}

// FramePair is one synchronized color+depth capture. The receiver owns the
// color Mat. Depth is in millimeters, one value per color pixel after Align.
type FramePair struct {
	Color     gocv.Mat
	Depth     *depth.Frame
	Timestamp time.Time
}

// Session is an open camera stream. Implementations wrap the device SDK;
// the acquisition loop is the only caller of WaitForPair and Align.
type Session interface {
	// WaitForPair blocks up to timeout for a synchronized depth+color pair.
	// Returns ErrFrameTimeout when the bound elapses.
	WaitForPair(timeout time.Duration) (FramePair, error)

	// Align maps the depth map onto the color sensor's pixel grid. May
	// return the pair unchanged when the device aligns in hardware.
	Align(pair FramePair) FramePair

	// Supports reports whether the device exposes the given control.
	Supports(ctrl Control) bool

	// ApplyControl sets a sensor option. Only valid for supported controls.
	ApplyControl(ctrl Control, value float64) error

	// Close releases the device. Idempotent.
	Close() error
}

// Driver opens camera sessions. The production driver wraps the sensor SDK;
// SyntheticDriver serves development and tests.
type Driver interface {
	Open(spec StreamSpec) (Session, error)
}
