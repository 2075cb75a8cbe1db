package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/source"
)

var (
	// ErrDetectionStage wraps a failure of the enhancer, the detector or the
	// annotator on the primary path. It ends the run.
	ErrDetectionStage = errors.New("detection stage failed")
	// ErrDegenerateFrame describes a zero-area frame. It is logged and the
	// frame skipped.
	ErrDegenerateFrame = errors.New("degenerate frame")
	// ErrSinkUnavailable means the persistent sink could not be opened or
	// written. Persistence is disabled and the run continues.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrAlreadyRunning is returned by Run while another run is active.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Enhancer improves a frame before detection.
type Enhancer interface {
	Enhance(f frame.Frame) (frame.Frame, error)
}

// EnhancerFunc lets a plain function act as an Enhancer.
type EnhancerFunc func(f frame.Frame) (frame.Frame, error)

func (fn EnhancerFunc) Enhance(f frame.Frame) (frame.Frame, error) { return fn(f) }

// Annotator draws detections onto a frame and returns the drawn copy.
type Annotator interface {
	Annotate(f frame.Frame, dets []detection.Detection) (frame.Frame, error)
}

// AnnotatorFunc lets a plain function act as an Annotator.
type AnnotatorFunc func(f frame.Frame, dets []detection.Detection) (frame.Frame, error)

func (fn AnnotatorFunc) Annotate(f frame.Frame, dets []detection.Detection) (frame.Frame, error) {
	return fn(f, dets)
}

// Sink persists annotated frames.
type Sink interface {
	Write(f frame.Frame) error
	Close() error
}

// SinkOpener opens a sink for frames of the given geometry. A nil sink or an
// error means the sink is unusable.
type SinkOpener interface {
	Open(path string, size image.Point, fps float64) (Sink, error)
}

// SinkOpenerFunc lets a plain function act as a SinkOpener.
type SinkOpenerFunc func(path string, size image.Point, fps float64) (Sink, error)

func (fn SinkOpenerFunc) Open(path string, size image.Point, fps float64) (Sink, error) {
	return fn(path, size, fps)
}

// Display renders a frame on an interactive surface. Show reports whether
// the user asked to stop.
type Display interface {
	Show(f frame.Frame) (cancel bool)
	Close() error
}

// Result is what the pipeline emits for one processed frame.
type Result struct {
	RunID      string
	Index      int
	Timestamp  time.Time
	Frame      frame.Frame // annotated
	Detections []detection.Detection
}

// Observer receives every emitted frame. Observers must not block for long
// and must not modify the frame.
type Observer interface {
	ObserveFrame(ctx context.Context, r Result)
}

// RunInfo describes a run that has started.
type RunInfo struct {
	RunID     string
	Source    string
	Backend   string
	StartedAt time.Time
}

// RunSummary describes a run that has ended.
type RunSummary struct {
	RunID      string
	State      State
	Stats      Stats
	FinishedAt time.Time
	Err        error
}

// RunRecorder is notified when runs start and end.
type RunRecorder interface {
	StartRun(ctx context.Context, info RunInfo) error
	FinishRun(ctx context.Context, summary RunSummary) error
}

// RunRecorders fans run notifications out to several recorders.
type RunRecorders []RunRecorder

func (rs RunRecorders) StartRun(ctx context.Context, info RunInfo) error {
	var errs []error
	for _, r := range rs {
		if err := r.StartRun(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs RunRecorders) FinishRun(ctx context.Context, summary RunSummary) error {
	var errs []error
	for _, r := range rs {
		if err := r.FinishRun(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stream is an open frame source. *source.Handle implements it.
type Stream interface {
	Backend() string
	Read() (frame.Frame, error)
	Warmup(ctx context.Context, n int, delay time.Duration) int
	Close() error
}

// StreamOpener opens the configured source.
type StreamOpener func(ctx context.Context, t source.Target) (Stream, error)

// BackendOpener returns a StreamOpener that uses source.Open with backends.
func BackendOpener(backends source.Backends) StreamOpener {
	return func(ctx context.Context, t source.Target) (Stream, error) {
		h, err := source.Open(ctx, t, backends)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// guard runs fn and converts a panic into an error.
func guard(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", stage, r)
		}
	}()
	return fn()
}
