package depth

import (
	"encoding/binary"
	"image"

	"gocv.io/x/gocv"
)

// Frame is a raw depth map aligned to the color stream. Values are in
// millimeters, row-major, one uint16 per pixel. A zero value means the sensor
// produced no reading for that pixel.
type Frame struct {
	Data   []uint16
	Width  int
	Height int
}

// NewFrame allocates a zeroed depth frame of the given dimensions.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Data:   make([]uint16, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the depth in millimeters at (x, y). Out-of-bounds reads return 0.
func (f *Frame) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Data[y*f.Width+x]
}

// Set writes the depth in millimeters at (x, y). Out-of-bounds writes are ignored.
func (f *Frame) Set(x, y int, mm uint16) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	f.Data[y*f.Width+x] = mm
}

// Bounds returns the frame rectangle, matching the aligned color image.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.Width, f.Height)
	copy(c.Data, f.Data)
	return c
}

// colorizeScale maps 16-bit millimeter depth into 8-bit range before the
// colormap is applied. 0.03 puts the usable indoor range (0-8.5m) on the ramp.
const colorizeScale = 0.03

// Colorize converts the depth map into a false-color BGR visualization for
// display and recording. The caller owns the returned Mat and must Close it.
func (f *Frame) Colorize() gocv.Mat {
	raw := make([]byte, len(f.Data)*2)
	for i, v := range f.Data {
		binary.LittleEndian.PutUint16(raw[i*2:], v)
	}

	m16, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV16U, raw)
	if err != nil {
		// Dimension mismatch is a programming error; return a black image
		// rather than poisoning the stream loop.
		return gocv.NewMatWithSize(f.Height, f.Width, gocv.MatTypeCV8UC3)
	}
	defer m16.Close()

	m8 := gocv.NewMat()
	defer m8.Close()
	gocv.ConvertScaleAbs(m16, &m8, colorizeScale, 0)

	out := gocv.NewMat()
	gocv.ApplyColorMap(m8, &out, gocv.ColormapJet)
	return out
}
