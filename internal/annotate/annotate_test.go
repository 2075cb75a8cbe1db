package annotate

import (
	"bytes"
	"testing"

	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"
)

func pixel(f frame.Frame, x, y int) [3]byte {
	i := (y*f.Width + x) * f.Channels
	return [3]byte{f.Pix[i], f.Pix[i+1], f.Pix[i+2]}
}

func TestAnnotateDrawsBoxOnCopy(t *testing.T) {
	in := frame.New(100, 80, 3)
	det := detection.Detection{XMin: 10, YMin: 10, XMax: 50, YMax: 50, Confidence: 0.9, ClassID: 2, ClassName: "car"}

	a := New(2)
	out, err := a.Annotate(in, []detection.Detection{det})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if out.Width != 100 || out.Height != 80 {
		t.Fatalf("size = %s", out)
	}
	if bytes.Count(in.Pix, []byte{0}) != len(in.Pix) {
		t.Fatal("input frame was drawn on")
	}

	black := [3]byte{}
	for _, p := range [][2]int{{10, 40}, {49, 40}, {30, 49}} {
		if pixel(out, p[0], p[1]) == black {
			t.Errorf("box edge at %v not drawn", p)
		}
	}
	for _, p := range [][2]int{{30, 35}, {90, 70}, {5, 60}} {
		if pixel(out, p[0], p[1]) != black {
			t.Errorf("pixel %v outside box and label was drawn", p)
		}
	}

	c := a.ClassColor(2)
	if got := pixel(out, 49, 40); got != [3]byte{c.B, c.G, c.R} {
		t.Errorf("edge color = %v, want BGR of %v", got, c)
	}
}

func TestAnnotateEmptyDetectionsReturnsCopy(t *testing.T) {
	in := frame.New(20, 20, 3)
	in.Pix[0] = 7
	out, err := New(0).Annotate(in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in.Pix, out.Pix) {
		t.Error("pixels changed without detections")
	}
	out.Pix[0] = 9
	if in.Pix[0] != 7 {
		t.Error("output aliases the input")
	}
}

func TestAnnotateClipsOutOfBoundsBoxes(t *testing.T) {
	in := frame.New(30, 30, 3)
	dets := []detection.Detection{
		{XMin: -20, YMin: -20, XMax: 500, YMax: 500, Confidence: 0.5, ClassID: 0, ClassName: "person"},
		{XMin: 200, YMin: 200, XMax: 300, YMax: 300, Confidence: 0.5, ClassID: -1, ClassName: "unknown"},
	}
	if _, err := New(3).Annotate(in, dets); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
}

func TestAnnotateRejectsEmptyFrame(t *testing.T) {
	if _, err := New(2).Annotate(frame.Frame{}, nil); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestClassColorIsStable(t *testing.T) {
	a := New(2)
	if a.ClassColor(5) != a.ClassColor(5) {
		t.Error("color changed between calls")
	}
	if a.ClassColor(1) == a.ClassColor(2) {
		t.Error("neighbouring classes share a color")
	}
	if u := a.ClassColor(detection.UnknownClassID); u.R != 255 || u.G != 255 || u.B != 255 {
		t.Errorf("unknown class color = %v", u)
	}
}

func TestLabel(t *testing.T) {
	a := New(2)
	got := a.Label(detection.Detection{ClassName: "traffic light", Confidence: 0.456})
	if got != "Traffic Light 0.46" {
		t.Errorf("Label = %q", got)
	}
}
