package frame

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestDegenerate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{"zero width", New(0, 10, 3), true},
		{"zero height", New(10, 0, 3), true},
		{"empty", Frame{}, true},
		{"normal", New(4, 4, 3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Degenerate(); got != tt.want {
				t.Errorf("Degenerate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	f := New(2, 2, 3)
	c := f.Clone()
	c.Pix[0] = 200
	if f.Pix[0] != 0 {
		t.Fatal("Clone shares pixel storage with the original")
	}
}

func TestSwapRB(t *testing.T) {
	f := New(1, 1, 3)
	f.Pix[0], f.Pix[1], f.Pix[2] = 10, 20, 30
	s := f.SwapRB()
	if s.Pix[0] != 30 || s.Pix[1] != 20 || s.Pix[2] != 10 {
		t.Errorf("SwapRB() = %v, want [30 20 10]", s.Pix)
	}
	if f.Pix[0] != 10 {
		t.Error("SwapRB mutated the source frame")
	}
}

func TestStats(t *testing.T) {
	f := Frame{Width: 2, Height: 1, Channels: 1, Pix: []byte{0, 100}}
	s := f.Stats()
	if s.Min != 0 || s.Max != 100 {
		t.Errorf("min/max = %v/%v, want 0/100", s.Min, s.Max)
	}
	if s.Mean != 50 {
		t.Errorf("mean = %v, want 50", s.Mean)
	}
	if math.Abs(s.StdDev-50) > 1e-9 {
		t.Errorf("stddev = %v, want 50", s.StdDev)
	}
	if (Frame{}).Stats() != (Stats{}) {
		t.Error("empty frame should give zero stats")
	}
}

func TestImageRoundTripKeepsChannelOrder(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 10, B: 0, A: 255})

	f := FromImage(img)
	if f.Pix[0] != 0 || f.Pix[2] != 255 {
		t.Fatalf("FromImage should store BGR, got %v", f.Pix)
	}
	back := f.ToImage().NRGBAAt(0, 0)
	if back.R != 255 || back.G != 10 || back.B != 0 {
		t.Errorf("ToImage() = %+v, want red", back)
	}
}

func TestResize(t *testing.T) {
	f := New(8, 6, 3)
	if got := f.Resize(8, 6); got.Width != 8 || got.Height != 6 {
		t.Errorf("same-size resize changed geometry: %s", got)
	}
	got := f.Resize(4, 3)
	if got.Width != 4 || got.Height != 3 || len(got.Pix) != 4*3*3 {
		t.Errorf("Resize(4,3) = %s with %d samples", got, len(got.Pix))
	}
}
