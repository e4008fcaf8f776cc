// Package recording writes a live frame stream to disk: one primary video
// (annotated when detection is active, raw color otherwise), one depth
// visualization video, and a JSON sidecar of per-frame detection metadata.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"depthcam/detection"
	"depthcam/framebus"
)

// ErrSessionActive is returned by Start while a session is already live.
var ErrSessionActive = errors.New("recording session already active")

// FrameSink is one open video output. gocv.VideoWriter satisfies it in
// production; tests substitute in-memory sinks.
type FrameSink interface {
	Write(img gocv.Mat) error
	Close() error
}

// SinkFactory opens a sink at the given path and format.
type SinkFactory func(path, codec string, fps float64, width, height int) (FrameSink, error)

func openVideoSink(path, codec string, fps float64, width, height int) (FrameSink, error) {
	w, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("video writer failed to open %s", path)
	}
	return w, nil
}

// SidecarConfig is the pipeline tuning echoed into the metadata sidecar so a
// recording is interpretable on its own.
type SidecarConfig struct {
	CenterRegionRatio float64 `json:"center_region_ratio"`
	OutlierThreshold  float64 `json:"depth_outlier_threshold"`
	DetectorInputSize int     `json:"detector_input_size"`
}

// sidecar is the on-disk shape of the metadata file.
type sidecar struct {
	TotalFrames int                        `json:"total_frames"`
	ModelPath   string                     `json:"model_path"`
	Config      SidecarConfig              `json:"config"`
	Frames      []*detection.FrameMetadata `json:"frames"`
}

// session is one live recording: two open sinks plus the accumulating
// metadata. At most one exists at a time.
type session struct {
	id          uuid.UUID
	primaryPath string
	primary     FrameSink
	depthSink   FrameSink
	startTime   time.Time
	frameCount  int
	metadata    []*detection.FrameMetadata
	detection   bool
}

// cloneFrameMetadata copies a metadata record so the session's accumulator
// does not alias the bundle the consumer may still own.
func cloneFrameMetadata(m *detection.FrameMetadata) *detection.FrameMetadata {
	c := *m
	c.Detections = append([]detection.Detection(nil), m.Detections...)
	return &c
}

// Recorder manages recording sessions. Start/Feed/Stop are serialized by an
// internal mutex so control calls from the consumer side cannot race the
// acquisition loop's Feed.
type Recorder struct {
	log   logs.Log
	codec string
	fps   float64
	w, h  int

	// ModelPath and Config describe the active pipeline for the sidecar;
	// set once before the first Start.
	ModelPath string
	Config    SidecarConfig

	openSink SinkFactory

	mu      sync.Mutex
	current *session
}

// NewRecorder creates a recorder writing at the stream's resolution and rate.
func NewRecorder(log logs.Log, codec string, fps, width, height int) *Recorder {
	return NewRecorderWithSinks(log, codec, fps, width, height, openVideoSink)
}

// NewRecorderWithSinks creates a recorder with a custom sink factory.
func NewRecorderWithSinks(log logs.Log, codec string, fps, width, height int, sinks SinkFactory) *Recorder {
	return &Recorder{
		log:      log,
		codec:    codec,
		fps:      float64(fps),
		w:        width,
		h:        height,
		openSink: sinks,
	}
}

// Start opens a new session writing to paths derived from prefix. The primary
// stream carries annotated frames when detection is active, raw color
// otherwise; the suffix marks which. Fails with ErrSessionActive when a
// session is live, leaving it undisturbed.
func (r *Recorder) Start(prefix string, detectionActive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return ErrSessionActive
	}

	suffix := "_rgb.avi"
	if detectionActive {
		suffix = "_detection.avi"
	}
	primaryPath := prefix + suffix
	depthPath := prefix + "_depth.avi"

	primary, err := r.openSink(primaryPath, r.codec, r.fps, r.w, r.h)
	if err != nil {
		return fmt.Errorf("opening primary sink: %w", err)
	}
	depthSink, err := r.openSink(depthPath, r.codec, r.fps, r.w, r.h)
	if err != nil {
		primary.Close()
		return fmt.Errorf("opening depth sink: %w", err)
	}

	r.current = &session{
		id:          uuid.New(),
		primaryPath: primaryPath,
		primary:     primary,
		depthSink:   depthSink,
		startTime:   time.Now(),
		detection:   detectionActive,
	}
	r.log.Infof("Recording session %s started: %s", r.current.id, primaryPath)
	return nil
}

// Feed writes one bundle to both sinks and accumulates its metadata. Write
// failures on individual frames are logged and do not abort the session.
// Feed outside a session is a no-op.
func (r *Recorder) Feed(bundle *framebus.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current
	if s == nil {
		return
	}

	primaryFrame := bundle.Color
	if s.detection && bundle.HasAnnotated {
		primaryFrame = bundle.Annotated
	}
	if err := s.primary.Write(primaryFrame); err != nil {
		r.log.Warnf("Recording write failed on primary stream: %v", err)
	}
	if err := s.depthSink.Write(bundle.DepthViz); err != nil {
		r.log.Warnf("Recording write failed on depth stream: %v", err)
	}

	if s.detection && bundle.Detection != nil {
		meta := cloneFrameMetadata(bundle.Detection)
		// Sequence numbers are per-session: 0..N-1 with no gaps, regardless
		// of frames dropped upstream at the bus or frames that carried no
		// metadata. frame_number always indexes the sidecar's frames array.
		meta.FrameNumber = len(s.metadata)
		s.metadata = append(s.metadata, meta)
	}
	s.frameCount++
}

// Stop closes the session's sinks and, when detection metadata accumulated,
// writes the sidecar next to the primary video. Idempotent: stopping with no
// active session is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current
	if s == nil {
		return
	}
	r.current = nil

	if err := s.primary.Close(); err != nil {
		r.log.Warnf("Closing primary sink: %v", err)
	}
	if err := s.depthSink.Close(); err != nil {
		r.log.Warnf("Closing depth sink: %v", err)
	}

	if len(s.metadata) > 0 {
		if err := r.writeSidecar(s); err != nil {
			r.log.Errorf("Failed to save detection metadata: %v", err)
		} else {
			r.log.Infof("Detection metadata saved: %s", SidecarPath(s.primaryPath))
		}
	}

	r.log.Infof("Recording session %s stopped. Duration: %.1fs, frames: %d",
		s.id, time.Since(s.startTime).Seconds(), s.frameCount)
}

// Active reports whether a session is currently live.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// SidecarPath derives the metadata path from the primary video's path by
// replacing its extension with "_detections.json".
func SidecarPath(primaryPath string) string {
	ext := filepath.Ext(primaryPath)
	return strings.TrimSuffix(primaryPath, ext) + "_detections.json"
}

func (r *Recorder) writeSidecar(s *session) error {
	doc := sidecar{
		TotalFrames: len(s.metadata),
		ModelPath:   r.ModelPath,
		Config:      r.Config,
		Frames:      s.metadata,
	}
	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SidecarPath(s.primaryPath), raw, 0o644)
}
