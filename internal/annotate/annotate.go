// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	DefaultThickness = 2
	labelPadding     = 2
)

// Annotator renders boxes with per-class colors. It is not safe for
// concurrent use.
type Annotator struct {
	thickness int
	face      font.Face
	caser     cases.Caser
	colors    map[int]color.NRGBA
}

// New creates an Annotator drawing boxes of the given line thickness.
func New(thickness int) *Annotator {
	if thickness <= 0 {
		thickness = DefaultThickness
	}
	return &Annotator{
		thickness: thickness,
		face:      basicfont.Face7x13,
		caser:     cases.Title(language.English),
		colors:    make(map[int]color.NRGBA),
	}
}

// Annotate returns a copy of f with every detection drawn. f is not
// modified.
func (a *Annotator) Annotate(f frame.Frame, dets []detection.Detection) (frame.Frame, error) {
	if f.Degenerate() {
		return frame.Frame{}, fmt.Errorf("cannot annotate empty frame %s", f)
	}
	if len(dets) == 0 {
		return f.Clone(), nil
	}

	img := f.ToImage()
	for _, d := range dets {
		c := a.ClassColor(d.ClassID)
		a.drawBox(img, d.Rect(), c)
		a.drawLabel(img, d, c)
	}
	return frame.FromImage(img), nil
}

// ClassColor returns a stable color for a class id. Ids are spread around
// the hue circle by the golden angle; unknown classes are drawn white.
func (a *Annotator) ClassColor(classID int) color.NRGBA {
	if c, ok := a.colors[classID]; ok {
		return c
	}
	var c color.NRGBA
	if classID < 0 {
		c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	} else {
		hue := float64((classID*137)%360) + 0.5
		r, g, b := colorful.Hsv(hue, 0.85, 0.95).Clamped().RGB255()
		c = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	a.colors[classID] = c
	return c
}

// Label is the text drawn above a box.
func (a *Annotator) Label(d detection.Detection) string {
	return fmt.Sprintf("%s %.2f", a.caser.String(d.ClassName), d.Confidence)
}

func (a *Annotator) drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Canon()
	t := a.thickness
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		e = e.Intersect(img.Bounds())
		if !e.Empty() {
			draw.Draw(img, e, src, image.Point{}, draw.Src)
		}
	}
}

// drawLabel draws the label on a filled background above the box, or just
// inside its top edge when there is no room above.
func (a *Annotator) drawLabel(img *image.NRGBA, d detection.Detection, c color.NRGBA) {
	text := a.Label(d)
	m := a.face.Metrics()
	textH := (m.Ascent + m.Descent).Ceil()
	textW := font.MeasureString(a.face, text).Ceil()

	top := d.YMin - textH - 2*labelPadding
	if top < 0 {
		top = d.YMin
	}
	bg := image.Rect(d.XMin, top, d.XMin+textW+2*labelPadding, top+textH+2*labelPadding).Intersect(img.Bounds())
	if bg.Empty() {
		return
	}
	draw.Draw(img, bg, image.NewUniform(c), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor(c)),
		Face: a.face,
		Dot:  fixed.Point26_6{X: fixed.I(d.XMin + labelPadding), Y: fixed.I(top+labelPadding) + m.Ascent},
	}
	drawer.DrawString(text)
}

// textColor picks black or white for readability on bg.
func textColor(bg color.NRGBA) color.Color {
	c, _ := colorful.MakeColor(bg)
	if _, _, l := c.Hcl(); l > 0.6 {
		return color.Black
	}
	return color.White
}
