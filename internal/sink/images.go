// Package sink persists annotated frames.
package sink

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/pipeline"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("sink closed")

// ImageSequence writes every frame as a numbered JPEG into a directory.
// It is the fallback when no video encoder is available.
type ImageSequence struct {
	dir     string
	size    image.Point
	quality int
	count   int
	closed  bool
}

// SequenceDir maps an output path like out/annotated.mp4 to the directory
// out/annotated that receives the images.
func SequenceDir(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// OpenImageSequence creates the target directory for frames of the given
// size.
func OpenImageSequence(path string, size image.Point, quality int) (*ImageSequence, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid frame size %v", size)
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	dir := SequenceDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	log.Infof("Writing annotated frames to %s", dir)
	return &ImageSequence{dir: dir, size: size, quality: quality}, nil
}

// ImageSequenceOpener adapts OpenImageSequence to the pipeline.
func ImageSequenceOpener(quality int) pipeline.SinkOpener {
	return pipeline.SinkOpenerFunc(func(path string, size image.Point, _ float64) (pipeline.Sink, error) {
		s, err := OpenImageSequence(path, size, quality)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Dir returns the directory frames are written to.
func (s *ImageSequence) Dir() string { return s.dir }

// Count returns the number of frames written.
func (s *ImageSequence) Count() int { return s.count }

// FramePath returns the file name of the n-th written frame (1-based).
func (s *ImageSequence) FramePath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame_%06d.jpg", n))
}

// Write stores f. Frames must match the size the sink was opened with.
func (s *ImageSequence) Write(f frame.Frame) error {
	if s.closed {
		return ErrClosed
	}
	if f.Size() != s.size {
		return fmt.Errorf("frame size %v does not match sink size %v", f.Size(), s.size)
	}
	path := s.FramePath(s.count + 1)
	if err := imaging.Save(f.ToImage(), path, imaging.JPEGQuality(s.quality)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	s.count++
	return nil
}

// Close finishes the sequence. It is idempotent.
func (s *ImageSequence) Close() error {
	if !s.closed {
		s.closed = true
		log.Infof("Image sequence closed after %d frames", s.count)
	}
	return nil
}
