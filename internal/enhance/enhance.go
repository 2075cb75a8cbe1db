// Package enhance brightens low-light frames before detection.
package enhance

import (
	"fmt"
	"strings"

	"nightwatch-go/config"
	"nightwatch-go/internal/frame"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	log "github.com/sirupsen/logrus"
)

// Methods understood by New. "clahe" is provided by the OpenCV integration.
const (
	MethodGamma = "gamma"
	MethodCLAHE = "clahe"
	MethodNone  = "none"
)

// Enhancer returns an enhanced copy of a frame; the input is not modified.
type Enhancer interface {
	Enhance(f frame.Frame) (frame.Frame, error)
}

// New builds the pure-Go enhancer for cfg.Method.
func New(cfg config.EnhancerConfig) (Enhancer, error) {
	switch strings.ToLower(cfg.Method) {
	case MethodGamma, "":
		return NewGamma(cfg.Gamma, cfg.Contrast, cfg.Sharpen)
	case MethodNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("enhancer method %q is not available in the pure-Go enhancer", cfg.Method)
	}
}

// None passes frames through unchanged.
type None struct{}

func (None) Enhance(f frame.Frame) (frame.Frame, error) { return f, nil }

// Gamma applies gamma correction, then an optional contrast boost and
// sharpening.
type Gamma struct {
	gamma    float64
	contrast float64 // bild contrast change in [-1, 1]
	sharpen  bool
}

// NewGamma creates a gamma enhancer. gamma must be positive; values above 1
// brighten dark regions. contrast is a percentage in [-100, 100].
func NewGamma(gamma, contrast float64, sharpen bool) (*Gamma, error) {
	if gamma <= 0 {
		return nil, fmt.Errorf("gamma must be positive, got %v", gamma)
	}
	if contrast < -100 || contrast > 100 {
		return nil, fmt.Errorf("contrast must be within [-100, 100], got %v", contrast)
	}
	log.Debugf("Gamma enhancer: gamma=%.2f contrast=%.0f%% sharpen=%v", gamma, contrast, sharpen)
	return &Gamma{gamma: gamma, contrast: contrast / 100, sharpen: sharpen}, nil
}

// Enhance implements Enhancer.
func (g *Gamma) Enhance(f frame.Frame) (frame.Frame, error) {
	if f.Degenerate() {
		return f, nil
	}
	if f.Channels != 3 && f.Channels != 1 {
		return frame.Frame{}, fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	img := adjust.Gamma(f.ToImage(), g.gamma)
	if g.contrast != 0 {
		img = adjust.Contrast(img, g.contrast)
	}
	if g.sharpen {
		img = effect.Sharpen(img)
	}
	return frame.FromImage(img), nil
}
