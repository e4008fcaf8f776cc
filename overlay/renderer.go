package overlay

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Label rendering tuning, matching the recorded-stream look.
const (
	labelFontScale     = 0.8
	labelFontThickness = 2
	labelPadding       = 8
	boxThickness       = 2
)

// Annotation is one box plus its display label, in frame pixel coordinates.
type Annotation struct {
	Box   image.Rectangle
	Label string
}

// Renderer draws detection boxes and labels onto frames. Stateless apart from
// its palette; safe to share across frames from a single goroutine.
type Renderer struct {
	labelText color.RGBA
	palette   []color.RGBA
}

// NewRenderer creates a renderer with the default palette.
func NewRenderer() *Renderer {
	return &Renderer{
		labelText: color.RGBA{255, 255, 255, 255},
		palette: []color.RGBA{
			{0, 255, 0, 255},
			{255, 128, 0, 255},
			{0, 160, 255, 255},
			{255, 0, 200, 255},
		},
	}
}

// Draw renders the annotations in place onto frame. Boxes are clipped to the
// frame; labels sit above their box when there is room, inside it otherwise.
func (r *Renderer) Draw(frame *gocv.Mat, annotations []Annotation) {
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())

	for i, a := range annotations {
		box := a.Box.Intersect(bounds)
		if box.Empty() {
			continue
		}

		c := r.palette[i%len(r.palette)]
		gocv.Rectangle(frame, box, c, boxThickness)

		if a.Label == "" {
			continue
		}

		textSize := gocv.GetTextSize(a.Label, gocv.FontHersheySimplex, labelFontScale, labelFontThickness)
		top := box.Min.Y - textSize.Y - 2*labelPadding
		if top < 0 {
			top = box.Min.Y
		}
		bg := image.Rect(box.Min.X, top, box.Min.X+textSize.X+2*labelPadding, top+textSize.Y+2*labelPadding)
		bg = bg.Intersect(bounds)
		if !bg.Empty() {
			gocv.Rectangle(frame, bg, c, -1)
		}

		org := image.Pt(box.Min.X+labelPadding, top+textSize.Y+labelPadding)
		gocv.PutText(frame, a.Label, org, gocv.FontHersheySimplex, labelFontScale, r.labelText, labelFontThickness)
	}
}
