package detection

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// RawDetection is one detector output box before tracking or depth fusion.
// Box is in color-image pixel coordinates, x1<x2 and y1<y2.
type RawDetection struct {
	Box        image.Rectangle
	ClassID    int
	ClassName  string
	Confidence float64
}

// Detector is the external object-detector capability. Implementations are
// synchronous; the acquisition loop is the only caller.
type Detector interface {
	Detect(frame gocv.Mat) ([]RawDetection, error)
	Close() error
}

// YOLODetector runs a YOLO-family network through the OpenCV DNN module.
// It accepts either an ONNX export (single model path) or Darknet
// weights+config. Frames are resized square to InputSize; detections come
// back in the frame's own pixel coordinates.
type YOLODetector struct {
	net        gocv.Net
	classNames []string
	modelPath  string

	// InputSize is the square network input in pixels.
	InputSize int
	// MinConfidence rejects weak class scores before NMS.
	MinConfidence float64
	// NMSThreshold is the IoU above which overlapping boxes are suppressed.
	NMSThreshold float64

	mu sync.Mutex
}

// NewYOLODetector loads the network and class names. configPath is empty for
// ONNX models. A load failure leaves nothing open; the caller simply keeps
// detection disabled.
func NewYOLODetector(modelPath, configPath, namesPath string, inputSize int) (*YOLODetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	var net gocv.Net
	if configPath == "" {
		net = gocv.ReadNetFromONNX(modelPath)
	} else {
		net = gocv.ReadNet(modelPath, configPath)
	}
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	namesBytes, err := os.ReadFile(namesPath)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("could not read class names: %w", err)
	}
	var classNames []string
	for _, line := range strings.Split(string(namesBytes), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			classNames = append(classNames, line)
		}
	}
	if len(classNames) == 0 {
		net.Close()
		return nil, fmt.Errorf("class names file is empty: %s", namesPath)
	}

	if inputSize <= 0 {
		inputSize = 640
	}

	return &YOLODetector{
		net:           net,
		classNames:    classNames,
		modelPath:     modelPath,
		InputSize:     inputSize,
		MinConfidence: 0.3,
		NMSThreshold:  0.45,
	}, nil
}

// ModelPath returns the path the network was loaded from.
func (d *YOLODetector) ModelPath() string {
	return d.modelPath
}

// Detect runs one inference pass and returns boxes above the confidence
// threshold, NMS-suppressed, in frame pixel coordinates.
func (d *YOLODetector) Detect(frame gocv.Mat) ([]RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := float32(d.InputSize)
	blob := gocv.BlobFromImage(frame, 1.0/255.0,
		image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	scaleX := float32(frame.Cols()) / size
	scaleY := float32(frame.Rows()) / size

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int

	// Each output row: [cx, cy, w, h, objectness, class scores...],
	// coordinates normalized to the network input.
	for i := 0; i < output.Rows(); i++ {
		row := output.RowRange(i, i+1)
		data := row.Clone()
		classScores := data.ColRange(5, data.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(classScores)
		classID := maxLoc.X
		confidence := maxVal

		if float64(confidence) >= d.MinConfidence && classID < len(d.classNames) {
			cx := data.GetFloatAt(0, 0) * size * scaleX
			cy := data.GetFloatAt(0, 1) * size * scaleY
			w := data.GetFloatAt(0, 2) * size * scaleX
			h := data.GetFloatAt(0, 3) * size * scaleY

			left := int(cx - w/2)
			top := int(cy - h/2)
			boxes = append(boxes, image.Rect(left, top, left+int(w), top+int(h)))
			scores = append(scores, confidence)
			classIDs = append(classIDs, classID)
		}

		classScores.Close()
		data.Close()
		row.Close()
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, float32(d.MinConfidence), float32(d.NMSThreshold))

	out := make([]RawDetection, 0, len(keep))
	for _, idx := range keep {
		out = append(out, RawDetection{
			Box:        boxes[idx],
			ClassID:    classIDs[idx],
			ClassName:  d.classNames[classIDs[idx]],
			Confidence: float64(scores[idx]),
		})
	}
	return out, nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.net.Close()
	return nil
}
