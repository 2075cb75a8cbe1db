package opencv

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/pipeline"

	gocv "gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// VideoSinkOpener returns a SinkOpener that encodes frames into a video file
// with the given FourCC codec.
func VideoSinkOpener(codec string) pipeline.SinkOpener {
	return pipeline.SinkOpenerFunc(func(path string, size image.Point, fps float64) (pipeline.Sink, error) {
		return OpenVideo(path, codec, size, fps)
	})
}

// VideoSink writes BGR frames to a video container.
type VideoSink struct {
	vw   *gocv.VideoWriter
	size image.Point
	path string
}

// OpenVideo creates the parent directory and opens a writer for frames of
// the given size.
func OpenVideo(path, codec string, size image.Point, fps float64) (*VideoSink, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid video size %v", size)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	vw, err := gocv.VideoWriterFile(path, codec, fps, size.X, size.Y, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer for %s (codec %s) did not open", path, codec)
	}
	log.Infof("Writing annotated video to %s (%s, %dx%d @ %.1f fps)", path, codec, size.X, size.Y, fps)
	return &VideoSink{vw: vw, size: size, path: path}, nil
}

// Write appends one frame. The frame must match the opened size.
func (s *VideoSink) Write(f frame.Frame) error {
	if f.Size() != s.size {
		return fmt.Errorf("frame size %v does not match video size %v", f.Size(), s.size)
	}
	m, err := ToMat(f)
	if err != nil {
		return err
	}
	defer m.Close()
	return s.vw.Write(m)
}

// Close finalizes the container.
func (s *VideoSink) Close() error {
	return s.vw.Close()
}
