package frame

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Frame is a single decoded video frame.
//
// Pix holds interleaved samples in row-major order. Three-channel frames use
// BGR order, matching what OpenCV capture backends produce. A Frame is owned
// by whichever pipeline stage currently processes it; stages that draw on a
// frame work on a Clone.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Stats holds scalar intensity statistics over all samples of a frame.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// New allocates a black frame.
func New(width, height, channels int) Frame {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

// Degenerate reports whether the frame has zero area.
func (f Frame) Degenerate() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) == 0
}

// Size returns the frame geometry.
func (f Frame) Size() image.Point {
	return image.Pt(f.Width, f.Height)
}

func (f Frame) String() string {
	return fmt.Sprintf("%dx%dx%d", f.Width, f.Height, f.Channels)
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return Frame{Width: f.Width, Height: f.Height, Channels: f.Channels, Pix: pix}
}

// SwapRB returns a copy with the first and third channel exchanged
// (BGR <-> RGB). Frames with fewer than three channels are cloned unchanged.
func (f Frame) SwapRB() Frame {
	out := f.Clone()
	if f.Channels < 3 {
		return out
	}
	for i := 0; i+2 < len(out.Pix); i += f.Channels {
		out.Pix[i], out.Pix[i+2] = out.Pix[i+2], out.Pix[i]
	}
	return out
}

// Stats computes min, max, mean and population standard deviation of all
// samples. A degenerate frame yields zero stats.
func (f Frame) Stats() Stats {
	if len(f.Pix) == 0 {
		return Stats{}
	}
	lo, hi := f.Pix[0], f.Pix[0]
	var sum, sumSq float64
	for _, v := range f.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		fv := float64(v)
		sum += fv
		sumSq += fv * fv
	}
	n := float64(len(f.Pix))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Stats{
		Min:    float64(lo),
		Max:    float64(hi),
		Mean:   mean,
		StdDev: math.Sqrt(variance),
	}
}

// ToImage converts the frame to an NRGBA image (BGR samples are reordered).
func (f Frame) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	if f.Degenerate() {
		return img
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			src := (y*f.Width + x) * f.Channels
			dst := img.PixOffset(x, y)
			switch f.Channels {
			case 1:
				g := f.Pix[src]
				img.Pix[dst], img.Pix[dst+1], img.Pix[dst+2] = g, g, g
			default:
				img.Pix[dst] = f.Pix[src+2]
				img.Pix[dst+1] = f.Pix[src+1]
				img.Pix[dst+2] = f.Pix[src]
			}
			img.Pix[dst+3] = 0xff
		}
	}
	return img
}

// FromImage converts any image to a 3-channel BGR frame.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy(), 3)
	nrgba, isNRGBA := img.(*image.NRGBA)
	rgba, isRGBA := img.(*image.RGBA)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			var r, g, bl uint8
			switch {
			case isNRGBA:
				o := nrgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl = nrgba.Pix[o], nrgba.Pix[o+1], nrgba.Pix[o+2]
			case isRGBA && rgba.Pix[rgba.PixOffset(b.Min.X+x, b.Min.Y+y)+3] == 0xff:
				o := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl = rgba.Pix[o], rgba.Pix[o+1], rgba.Pix[o+2]
			default:
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				r, g, bl = c.R, c.G, c.B
			}
			i := (y*f.Width + x) * 3
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = bl, g, r
		}
	}
	return f
}

// Resize returns a copy scaled to width x height with linear interpolation.
// The frame is returned as is when the geometry already matches.
func (f Frame) Resize(width, height int) Frame {
	if f.Width == width && f.Height == height {
		return f
	}
	if f.Degenerate() || width <= 0 || height <= 0 {
		return New(0, 0, f.Channels)
	}
	return FromImage(imaging.Resize(f.ToImage(), width, height, imaging.Linear))
}
