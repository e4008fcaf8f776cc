package recording

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"depthcam/depth"
	"depthcam/detection"
	"depthcam/framebus"
)

// memSink counts writes instead of producing video.
type memSink struct {
	path    string
	writes  int
	closed  bool
	failOn  int // 1-based write index to fail at, 0 = never
}

func (m *memSink) Write(img gocv.Mat) error {
	m.writes++
	if m.failOn != 0 && m.writes == m.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type sinkLog struct {
	sinks []*memSink
}

func (l *sinkLog) factory(path, codec string, fps float64, width, height int) (FrameSink, error) {
	s := &memSink{path: path}
	l.sinks = append(l.sinks, s)
	return s, nil
}

func newTestRecorder(t *testing.T) (*Recorder, *sinkLog) {
	t.Helper()
	r := NewRecorder(logs.NewTestingLog(t), "XVID", 30, 640, 480)
	r.ModelPath = "model.onnx"
	r.Config = SidecarConfig{CenterRegionRatio: 0.6, OutlierThreshold: 2.0, DetectorInputSize: 640}
	l := &sinkLog{}
	r.openSink = l.factory
	return r, l
}

func bundleWithMeta(t *testing.T, meta *detection.FrameMetadata) *framebus.Bundle {
	t.Helper()
	b := &framebus.Bundle{
		Color:     gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3),
		Depth:     depth.NewFrame(640, 480),
		DepthViz:  gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3),
		Detection: meta,
		Timestamp: time.Now(),
	}
	if meta != nil {
		b.Annotated = gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
		b.HasAnnotated = true
	}
	t.Cleanup(b.Close)
	return b
}

func TestStopWithoutSessionIsNoOp(t *testing.T) {
	r, l := newTestRecorder(t)
	r.Stop() // must not panic, write, or open anything
	require.Empty(t, l.sinks)
	require.False(t, r.Active())
}

func TestSecondStartFails(t *testing.T) {
	dir := t.TempDir()
	r, l := newTestRecorder(t)

	require.NoError(t, r.Start(filepath.Join(dir, "a"), false))
	require.True(t, r.Active())

	err := r.Start(filepath.Join(dir, "b"), false)
	require.ErrorIs(t, err, ErrSessionActive)

	// The active session is undisturbed: still the original two sinks, open.
	require.Len(t, l.sinks, 2)
	for _, s := range l.sinks {
		require.False(t, s.closed)
	}
	r.Stop()
}

func TestFrameSequenceNumbers(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "rec"), true))

	const n = 7
	for i := 0; i < n; i++ {
		// Upstream frame numbers are deliberately wrong (simulating drops at
		// the bus); the session must renumber 0..N-1.
		meta := &detection.FrameMetadata{FrameNumber: 1000 + i*3, Timestamp: float64(i)}
		r.Feed(bundleWithMeta(t, meta))
	}
	r.Stop()

	raw, err := os.ReadFile(SidecarPath(filepath.Join(dir, "rec") + "_detection.avi"))
	require.NoError(t, err)

	var doc struct {
		TotalFrames int `json:"total_frames"`
		ModelPath   string `json:"model_path"`
		Frames      []struct {
			FrameNumber int `json:"frame_number"`
		} `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, n, doc.TotalFrames)
	require.Equal(t, "model.onnx", doc.ModelPath)
	require.Len(t, doc.Frames, n)
	for i, f := range doc.Frames {
		require.Equal(t, i, f.FrameNumber)
	}
}

func TestFrameSequenceDenseWhenMetadataGaps(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "rec"), true))

	// Detection can be toggled off mid-session, so some bundles arrive with
	// no metadata. The sidecar numbering must stay dense regardless.
	for i := 0; i < 6; i++ {
		var meta *detection.FrameMetadata
		if i%2 == 0 {
			meta = &detection.FrameMetadata{FrameNumber: 500 + i}
		}
		r.Feed(bundleWithMeta(t, meta))
	}
	r.Stop()

	raw, err := os.ReadFile(SidecarPath(filepath.Join(dir, "rec") + "_detection.avi"))
	require.NoError(t, err)

	var doc struct {
		TotalFrames int `json:"total_frames"`
		Frames      []struct {
			FrameNumber int `json:"frame_number"`
		} `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 3, doc.TotalFrames)
	require.Len(t, doc.Frames, 3)
	for i, f := range doc.Frames {
		require.Equal(t, i, f.FrameNumber)
	}
}

func TestSidecarPathDerivation(t *testing.T) {
	require.Equal(t, "out/rec_detection_detections.json", SidecarPath("out/rec_detection.avi"))
	require.Equal(t, "rec_rgb_detections.json", SidecarPath("rec_rgb.avi"))
	require.Equal(t, "clip_detections.json", SidecarPath("clip.mp4"))
}

func TestNoSidecarWithoutDetectionMetadata(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "raw"), false))

	for i := 0; i < 3; i++ {
		r.Feed(bundleWithMeta(t, nil))
	}
	r.Stop()

	_, err := os.Stat(SidecarPath(filepath.Join(dir, "raw") + "_rgb.avi"))
	require.True(t, os.IsNotExist(err))
}

func TestWriteFailureDoesNotAbortSession(t *testing.T) {
	dir := t.TempDir()
	r, l := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "rec"), true))

	l.sinks[0].failOn = 2 // primary write fails on the second frame

	for i := 0; i < 4; i++ {
		r.Feed(bundleWithMeta(t, &detection.FrameMetadata{}))
	}
	require.True(t, r.Active())
	r.Stop()

	require.Equal(t, 4, l.sinks[0].writes)
	require.Equal(t, 4, l.sinks[1].writes)
}

func TestStopClosesSinksAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, l := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "rec"), false))

	r.Feed(bundleWithMeta(t, nil))
	r.Stop()
	r.Stop() // second stop is a no-op

	require.Len(t, l.sinks, 2)
	for _, s := range l.sinks {
		require.True(t, s.closed)
	}
	require.False(t, r.Active())
}

func TestPrimaryUsesAnnotatedFrameWhenDetecting(t *testing.T) {
	dir := t.TempDir()
	r, l := newTestRecorder(t)
	require.NoError(t, r.Start(filepath.Join(dir, "rec"), true))

	require.Contains(t, l.sinks[0].path, "_detection.avi")
	require.Contains(t, l.sinks[1].path, "_depth.avi")
	r.Stop()

	r2, l2 := newTestRecorder(t)
	require.NoError(t, r2.Start(filepath.Join(dir, "rec2"), false))
	require.Contains(t, l2.sinks[0].path, "_rgb.avi")
	r2.Stop()
}
