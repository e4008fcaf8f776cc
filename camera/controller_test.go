package camera

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"depthcam/config"
	"depthcam/depth"
	"depthcam/framebus"
	"depthcam/recording"
)

// fakeSession serves scripted WaitForPair results and records control calls.
type fakeSession struct {
	mu          sync.Mutex
	script      []error // per-call outcome, nil = deliver a frame; last entry repeats when exhausted
	calls       int
	applied     map[Control]float64
	unsupported map[Control]bool
	closed      bool
}

func newFakeSession(script ...error) *fakeSession {
	return &fakeSession{
		script:      script,
		applied:     map[Control]float64{},
		unsupported: map[Control]bool{},
	}
}

func (f *fakeSession) WaitForPair(timeout time.Duration) (FramePair, error) {
	f.mu.Lock()
	var outcome error
	if len(f.script) > 0 {
		i := f.calls
		if i >= len(f.script) {
			i = len(f.script) - 1
		}
		outcome = f.script[i]
	}
	f.calls++
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return FramePair{}, ErrSessionClosed
	}
	if outcome != nil {
		return FramePair{}, outcome
	}
	// Keep the loop from spinning unboundedly in tests.
	time.Sleep(time.Millisecond)
	return FramePair{
		Color:     gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
		Depth:     depth.NewFrame(64, 48),
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeSession) Align(pair FramePair) FramePair { return pair }

func (f *fakeSession) Supports(ctrl Control) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unsupported[ctrl]
}

func (f *fakeSession) ApplyControl(ctrl Control, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[ctrl] = value
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDriver struct {
	session *fakeSession
	openErr error
}

func (d *fakeDriver) Open(spec StreamSpec) (Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.session, nil
}

type nullSink struct{}

func (nullSink) Write(img gocv.Mat) error { return nil }
func (nullSink) Close() error             { return nil }

func newTestController(t *testing.T) (*Controller, *recording.Recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Stream.Width = 64
	cfg.Stream.Height = 48
	rec := recording.NewRecorderWithSinks(logs.NewTestingLog(t), cfg.Recording.Codec,
		cfg.Stream.FPS, cfg.Stream.Width, cfg.Stream.Height,
		func(path, codec string, fps float64, width, height int) (recording.FrameSink, error) {
			return nullSink{}, nil
		})
	c := NewController(logs.NewTestingLog(t), cfg, rec)
	t.Cleanup(c.Close)
	return c, rec
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestConnectFailureLeavesIdle(t *testing.T) {
	c, _ := newTestController(t)

	err := c.Connect(&fakeDriver{openErr: errors.New("no device")})
	require.Error(t, err)
	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.StartStreaming(), ErrNotConnected)
}

func TestConnectTwiceFails(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Connect(&fakeDriver{session: newFakeSession()}))
	require.ErrorIs(t, c.Connect(&fakeDriver{session: newFakeSession()}), ErrAlreadyConnected)
}

func TestConnectAppliesConfiguredControls(t *testing.T) {
	c, _ := newTestController(t)
	s := newFakeSession()
	s.unsupported[ControlDepthGain] = true

	require.NoError(t, c.Connect(&fakeDriver{session: s}))

	require.Equal(t, 1.0, s.applied[ControlColorAutoExposure])
	require.Equal(t, 150.0, s.applied[ControlLaserPower])
	require.Equal(t, 1.0, s.applied[ControlEmitterEnabled])
	// Unsupported controls are skipped, not attempted.
	_, tried := s.applied[ControlDepthGain]
	require.False(t, tried)
}

func TestStartStreamingTwiceFails(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.Connect(&fakeDriver{session: newFakeSession()}))

	require.NoError(t, c.StartStreaming())
	require.ErrorIs(t, c.StartStreaming(), ErrAlreadyStreaming)
	c.StopStreaming()
	require.False(t, c.IsStreaming())
}

func TestBundlesReachTheBus(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.Connect(&fakeDriver{session: newFakeSession()}))
	require.NoError(t, c.StartStreaming())

	var bundle *framebus.Bundle
	ok := waitFor(t, 2*time.Second, func() bool {
		b, got := c.Frames().Pop()
		if got {
			bundle = b
		}
		return got
	})
	require.True(t, ok, "no bundle arrived on the bus")
	defer bundle.Close()

	require.Equal(t, 64, bundle.Depth.Width)
	require.False(t, bundle.Color.Empty())
	require.False(t, bundle.DepthViz.Empty())
	require.False(t, bundle.HasAnnotated)
	require.Nil(t, bundle.Detection)

	c.StopStreaming()
}

func TestFrameTimeoutIsRecoverable(t *testing.T) {
	c, _ := newTestController(t)
	s := newFakeSession(ErrFrameTimeout, ErrFrameTimeout, ErrFrameTimeout, nil)
	require.NoError(t, c.Connect(&fakeDriver{session: s}))
	require.NoError(t, c.StartStreaming())

	ok := waitFor(t, 2*time.Second, func() bool {
		_, got := c.Frames().Pop()
		return got
	})
	require.True(t, ok, "stream never recovered after timeouts")
	require.True(t, c.IsStreaming())

	c.StopStreaming()
}

func TestRepeatedHardErrorsStopTheLoop(t *testing.T) {
	c, _ := newTestController(t)
	s := newFakeSession(errors.New("usb gone"))
	require.NoError(t, c.Connect(&fakeDriver{session: s}))
	require.NoError(t, c.StartStreaming())

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return !c.IsStreaming()
	}), "loop kept running through hard errors")
	// The loop gave up after the error budget, not on the first failure.
	require.GreaterOrEqual(t, s.callCount(), 5)

	// A stopped loop can be restarted.
	require.NoError(t, c.StartStreaming())
	c.StopStreaming()
}

func TestStopStreamingStopsRecording(t *testing.T) {
	c, rec := newTestController(t)
	require.NoError(t, c.Connect(&fakeDriver{session: newFakeSession()}))
	require.NoError(t, c.StartStreaming())

	require.NoError(t, c.StartRecording(t.TempDir()+"/rec"))
	require.True(t, rec.Active())
	require.True(t, c.IsRecording())

	c.StopStreaming()
	require.False(t, rec.Active())
	require.False(t, c.IsRecording())
}

func TestEnableDetectionWithoutDetectorIsNoOp(t *testing.T) {
	c, _ := newTestController(t)

	c.EnableDetection(true)
	require.False(t, c.DetectionEnabled())
	require.False(t, c.DetectionStats().ModelLoaded)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	s := newFakeSession()
	require.NoError(t, c.Connect(&fakeDriver{session: s}))
	require.NoError(t, c.StartStreaming())

	c.Disconnect()
	require.False(t, c.IsConnected())
	require.False(t, c.IsStreaming())
	c.Disconnect() // second call is a no-op

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	require.True(t, closed)
}

func TestInfoSnapshot(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.Connect(&fakeDriver{session: newFakeSession()}))

	info := c.Info()
	require.True(t, info.Connected)
	require.False(t, info.Streaming)
	require.Equal(t, "64x48", info.Resolution)
	require.Equal(t, 30, info.FPS)
}
