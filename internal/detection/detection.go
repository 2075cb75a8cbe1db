package detection

import (
	"context"
	"fmt"
	"image"

	"nightwatch-go/internal/frame"
)

// Canonical field names, in schema order.
const (
	FieldXMin       = "xmin"
	FieldYMin       = "ymin"
	FieldXMax       = "xmax"
	FieldYMax       = "ymax"
	FieldConfidence = "confidence"
	FieldClassID    = "class_id"
	FieldClassName  = "class_name"
)

// Fields is the canonical detection schema.
var Fields = []string{FieldXMin, FieldYMin, FieldXMax, FieldYMax, FieldConfidence, FieldClassID, FieldClassName}

const (
	UnknownClassID   = -1
	UnknownClassName = "unknown"
)

// Raw is a detection record in whatever shape a detection backend produces.
// See Normalize for the shapes that are understood.
type Raw any

// Detection is the canonical detection record. It is created from exactly
// one Raw record and is only meaningful within the frame it came from.
type Detection struct {
	XMin       int     `json:"xmin"`
	YMin       int     `json:"ymin"`
	XMax       int     `json:"xmax"`
	YMax       int     `json:"ymax"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// Rect returns the bounding box.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.XMin, d.YMin, d.XMax, d.YMax)
}

// Area returns the box area in pixels.
func (d Detection) Area() int {
	return (d.XMax - d.XMin) * (d.YMax - d.YMin)
}

// Label is the text drawn next to a box.
func (d Detection) Label() string {
	return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
}

// Adapter is the detection capability the pipeline depends on. Detect runs
// the model on f and returns every record at or above confThreshold.
type Adapter interface {
	Detect(ctx context.Context, f frame.Frame, confThreshold float64) ([]Raw, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, f frame.Frame, confThreshold float64) ([]Raw, error)

// Detect calls fn.
func (fn AdapterFunc) Detect(ctx context.Context, f frame.Frame, confThreshold float64) ([]Raw, error) {
	return fn(ctx, f, confThreshold)
}
