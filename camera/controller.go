package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"depthcam/config"
	"depthcam/detection"
	"depthcam/framebus"
	"depthcam/recording"
)

const (
	// frameWaitTimeout bounds the only blocking call in the producer role.
	frameWaitTimeout = 1000 * time.Millisecond

	// stopTimeout bounds the cooperative join when stopping the stream.
	stopTimeout = 2 * time.Second

	// maxConsecutiveErrors is how many hard camera errors in a row the loop
	// tolerates before giving up and exiting.
	maxConsecutiveErrors = 5
)

// Controller is the acquisition loop. It owns the camera session and is the
// sole producer into the frame bus, the sole driver of the detection
// pipeline, and the sole feeder of the recorder. Control methods may be
// called from any goroutine; none of them block on frame delivery.
//
// State machine: Idle -> Connected (Connect) -> Streaming (StartStreaming)
// -> Connected (StopStreaming) -> Idle (Disconnect).
type Controller struct {
	log      logs.Log
	cfg      *config.Config
	bus      *framebus.Bus
	recorder *recording.Recorder

	mu        sync.Mutex // guards session, proc, stop/done handles
	session   Session
	proc      *detection.Processor
	stop      chan struct{}
	done      chan struct{}

	streaming   atomic.Bool
	detectionOn atomic.Bool
}

// NewController wires the acquisition loop around a configuration and a
// recorder. The frame bus is created here; consumers reach it via Frames().
func NewController(log logs.Log, cfg *config.Config, recorder *recording.Recorder) *Controller {
	return &Controller{
		log:      log,
		cfg:      cfg,
		bus:      framebus.NewBus(framebus.DefaultCapacity),
		recorder: recorder,
	}
}

// Frames returns the bus consumers poll for frame bundles.
func (c *Controller) Frames() *framebus.Bus {
	return c.bus
}

// SetupDetection installs a loaded detector. Detection still has to be
// switched on with EnableDetection. Replacing the detector while streaming is
// not supported.
func (c *Controller) SetupDetection(det detection.Detector, modelPath string) error {
	if c.streaming.Load() {
		return errors.New("cannot change detector while streaming")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pcfg := detection.Config{
		InputSize:         c.cfg.Detection.InputSize,
		CenterRegionRatio: c.cfg.Detection.CenterRegionRatio,
		OutlierThreshold:  c.cfg.Detection.OutlierThreshold,
	}
	c.proc = detection.NewProcessor(c.log, det, modelPath, c.cfg.Stream.FPS, pcfg)

	c.recorder.ModelPath = modelPath
	c.recorder.Config = recording.SidecarConfig{
		CenterRegionRatio: pcfg.CenterRegionRatio,
		OutlierThreshold:  pcfg.OutlierThreshold,
		DetectorInputSize: pcfg.InputSize,
	}
	return nil
}

// EnableDetection switches per-frame detection on or off. Enabling without a
// loaded detector is a silent no-op, matching ModelLoadFailure semantics:
// streaming proceeds without detection.
func (c *Controller) EnableDetection(enabled bool) {
	c.mu.Lock()
	loaded := c.proc != nil
	c.mu.Unlock()
	c.detectionOn.Store(enabled && loaded)
}

// DetectionEnabled reports whether frames are currently being processed.
func (c *Controller) DetectionEnabled() bool {
	return c.detectionOn.Load()
}

// DetectionStats returns a snapshot of the pipeline counters, zero when no
// detector is loaded.
func (c *Controller) DetectionStats() detection.Statistics {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return detection.Statistics{}
	}
	return proc.Stats()
}

// Connect opens the camera session, negotiates identical depth/color
// streams, and applies the configured sensor controls. On any failure the
// session is fully rolled back and the controller stays Idle.
func (c *Controller) Connect(driver Driver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return ErrAlreadyConnected
	}

	spec := StreamSpec{
		Width:  c.cfg.Stream.Width,
		Height: c.cfg.Stream.Height,
		FPS:    c.cfg.Stream.FPS,
	}
	session, err := driver.Open(spec)
	if err != nil {
		return fmt.Errorf("failed to connect to camera: %w", err)
	}

	c.applyCameraSettings(session)
	c.session = session
	c.log.Infof("Camera connected: %dx%d @ %d fps", spec.Width, spec.Height, spec.FPS)
	return nil
}

// applyCameraSettings pushes the configured control values to the device.
// Unsupported or failing controls are warnings, never connect failures.
func (c *Controller) applyCameraSettings(session Session) {
	cam := c.cfg.Camera

	apply := func(ctrl Control, value float64) {
		if !session.Supports(ctrl) {
			return
		}
		if err := session.ApplyControl(ctrl, value); err != nil {
			c.log.Warnf("Could not apply camera control %s=%v: %v", ctrl, value, err)
		}
	}

	boolVal := func(on bool) float64 {
		if on {
			return 1
		}
		return 0
	}

	apply(ControlColorAutoExposure, boolVal(cam.ColorAutoExposure))
	if !cam.ColorAutoExposure && cam.ColorExposure > 0 {
		apply(ControlColorExposure, cam.ColorExposure)
	}
	if cam.ColorGain > 0 {
		apply(ControlColorGain, cam.ColorGain)
	}
	apply(ControlAutoWhiteBalance, boolVal(cam.AutoWhiteBalance))
	if !cam.AutoWhiteBalance && cam.WhiteBalance > 0 {
		apply(ControlWhiteBalance, cam.WhiteBalance)
	}
	if cam.DepthGain > 0 {
		apply(ControlDepthGain, cam.DepthGain)
	}
	if cam.LaserPower > 0 {
		apply(ControlLaserPower, cam.LaserPower)
	}
	apply(ControlEmitterEnabled, boolVal(cam.LaserEnabled))
}

// StartStreaming launches the stream goroutine. Exactly one may run per
// controller; starting while streaming fails with ErrAlreadyStreaming.
func (c *Controller) StartStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ErrNotConnected
	}
	if c.streaming.Load() {
		return ErrAlreadyStreaming
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.streaming.Store(true)
	go c.streamLoop(c.session, c.stop, c.done)

	c.log.Infof("Camera streaming started")
	return nil
}

// StopStreaming asks the stream goroutine to exit and waits up to
// stopTimeout for it. Any active recording session is stopped first.
// No-op when not streaming.
func (c *Controller) StopStreaming() {
	c.StopRecording()

	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)

	select {
	case <-done:
	case <-time.After(stopTimeout):
		// Best-effort join only; the goroutine is considered abandoned.
		c.log.Warnf("Stream goroutine did not stop within %v", stopTimeout)
	}
	c.log.Infof("Camera streaming stopped")
}

// streamLoop runs on its own goroutine, pulling synchronized pairs until
// stopped. No error here terminates the loop except repeated hard camera
// failures; in that case IsStreaming() flipping to false is the caller's
// signal.
func (c *Controller) streamLoop(session Session, stop, done chan struct{}) {
	defer close(done)
	defer c.streaming.Store(false)

	consecutiveErrors := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		pair, err := session.WaitForPair(frameWaitTimeout)
		if err != nil {
			if errors.Is(err, ErrFrameTimeout) {
				// Recoverable: the frame is simply skipped.
				c.log.Warnf("Frame wait timed out, continuing")
				continue
			}
			consecutiveErrors++
			c.log.Errorf("Camera error (%d/%d): %v", consecutiveErrors, maxConsecutiveErrors, err)
			if consecutiveErrors >= maxConsecutiveErrors {
				c.log.Errorf("Giving up after repeated camera errors")
				return
			}
			continue
		}
		consecutiveErrors = 0

		aligned := session.Align(pair)

		bundle := &framebus.Bundle{
			Color:     aligned.Color,
			Depth:     aligned.Depth,
			DepthViz:  aligned.Depth.Colorize(),
			Timestamp: aligned.Timestamp,
		}

		if c.detectionOn.Load() {
			c.mu.Lock()
			proc := c.proc
			c.mu.Unlock()
			if proc != nil {
				annotated, meta := proc.Process(aligned.Color, aligned.Depth)
				bundle.Annotated = annotated
				bundle.HasAnnotated = true
				bundle.Detection = meta
			}
		}

		// Feed the recorder before the bus takes ownership: a full bus may
		// close the bundle as soon as it is pushed.
		if c.recorder.Active() {
			c.recorder.Feed(bundle)
		}

		c.bus.Push(bundle)
	}
}

// StartRecording begins a recording session named by prefix. Sequence
// numbers restart at zero for the session.
func (c *Controller) StartRecording(prefix string) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()

	if c.detectionOn.Load() && proc != nil {
		proc.ResetFrameCounter()
	}
	if err := c.recorder.Start(prefix, c.detectionOn.Load()); err != nil {
		return err
	}
	return nil
}

// StopRecording ends any active recording session. Idempotent.
func (c *Controller) StopRecording() {
	c.recorder.Stop()
}

// IsRecording reports whether a recording session is live.
func (c *Controller) IsRecording() bool {
	return c.recorder.Active()
}

// IsConnected reports whether a camera session is open.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// IsStreaming reports whether the stream goroutine is running.
func (c *Controller) IsStreaming() bool {
	return c.streaming.Load()
}

// Disconnect stops streaming and releases the camera session. Idempotent.
func (c *Controller) Disconnect() {
	c.StopStreaming()

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			c.log.Warnf("Closing camera session: %v", err)
		}
		c.log.Infof("Camera disconnected")
	}
}

// FrameInfo is a point-in-time view of the controller, for status display.
type FrameInfo struct {
	Connected  bool
	Streaming  bool
	Recording  bool
	FPS        int
	Resolution string
	QueueLen   int
	Dropped    uint64
}

// Info returns a snapshot of the current streaming state.
func (c *Controller) Info() FrameInfo {
	return FrameInfo{
		Connected:  c.IsConnected(),
		Streaming:  c.IsStreaming(),
		Recording:  c.IsRecording(),
		FPS:        c.cfg.Stream.FPS,
		Resolution: fmt.Sprintf("%dx%d", c.cfg.Stream.Width, c.cfg.Stream.Height),
		QueueLen:   c.bus.Len(),
		Dropped:    c.bus.Dropped(),
	}
}

// Close shuts the controller down completely: streaming, recording, session,
// detector, and any bundles still queued on the bus.
func (c *Controller) Close() {
	c.Disconnect()

	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil {
		if err := proc.Close(); err != nil {
			c.log.Warnf("Closing detector: %v", err)
		}
	}
	c.bus.Drain()
}
