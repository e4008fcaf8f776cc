package detection

// Detection is one fused object observation: detector output, persistent
// track identity, and the robust depth estimate. Field names match the
// recorded sidecar schema.
type Detection struct {
	TrackerID  int        `json:"tracker_id"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2 in color-image pixels
	DepthMM    float64    `json:"depth_mm"`
	DepthM     float64    `json:"depth_m"`
}

// FrameMetadata is the structured record for one processed frame.
// FrameNumber is assigned per recording session by the recorder, starting at
// zero with no gaps; outside a recording it is the processor's own counter.
type FrameMetadata struct {
	FrameNumber      int         `json:"frame_number"`
	Timestamp        float64     `json:"timestamp"` // seconds since the Unix epoch
	ProcessingTimeMS float64     `json:"processing_time_ms"`
	Detections       []Detection `json:"detections"`
	// Error carries the detector failure for this frame; detections are nil
	// when it is set, and the frame passed through unannotated.
	Error string `json:"error,omitempty"`
}

// Statistics is an immutable snapshot of the pipeline's counters. It is
// produced only by the acquisition loop's goroutine and returned by value, so
// consumers can never observe a torn update.
type Statistics struct {
	ModelLoaded      bool
	LastFrameObjects int
	AvgProcessMS     float64 // rolling average over the most recent 30 frames
	TotalObjects     int64
}
