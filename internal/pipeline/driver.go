package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/diagnostics"
	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/source"
	"nightwatch-go/internal/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Dependencies are the collaborators a Driver orchestrates. Adapter is
// required; everything else is optional.
type Dependencies struct {
	Open        StreamOpener
	Enhancer    Enhancer
	Adapter     detection.Adapter
	Annotator   Annotator
	Sink        SinkOpener
	Display     Display
	Diagnostics *diagnostics.Engine
	Recorder    RunRecorder
	Observers   []Observer
}

// Driver runs the acquire, enhance, detect, annotate, emit loop over one
// stream at a time. Run must not be called concurrently; State and Stats
// may be read from any goroutine.
type Driver struct {
	cfg  *config.Config
	deps Dependencies

	mu      sync.RWMutex
	state   State
	stats   Stats
	running bool

	// owned by the goroutine inside Run
	stream Stream
	sink   Sink

	closeOnce sync.Once
}

// New creates a Driver. Missing optional collaborators are replaced by
// pass-through stages; diagnostics are created from the adapter when
// enabled in cfg and not supplied.
func New(cfg *config.Config, deps Dependencies) *Driver {
	if deps.Open == nil {
		deps.Open = BackendOpener(source.Backends{})
	}
	if deps.Enhancer == nil {
		deps.Enhancer = EnhancerFunc(func(f frame.Frame) (frame.Frame, error) { return f, nil })
	}
	if deps.Annotator == nil {
		deps.Annotator = AnnotatorFunc(func(f frame.Frame, _ []detection.Detection) (frame.Frame, error) {
			return f.Clone(), nil
		})
	}
	if deps.Diagnostics == nil && deps.Adapter != nil && cfg.Diagnostics.Enabled {
		deps.Diagnostics = diagnostics.NewEngine(deps.Adapter, diagnostics.Options{
			Dir:             cfg.Diagnostics.Dir,
			Confidence:      cfg.ConfThresh,
			ProbeConfidence: cfg.Diagnostics.ProbeConfidence,
		})
	}
	return &Driver{cfg: cfg, deps: deps, state: StateIdle}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Stats returns a copy of the counters of the current or last run.
func (d *Driver) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	log.Debugf("Pipeline state %s -> %s", prev, s)
}

func (d *Driver) update(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Run opens the configured source and processes frames until the stream
// ends, the context is cancelled, the display requests cancellation or a
// detection stage fails. Cancellation is not an error. A failed run leaves
// the driver in StateFailed, a finished one in StateClosed.
func (d *Driver) Run(ctx context.Context) error {
	if d.deps.Adapter == nil {
		return fmt.Errorf("%w: no detection adapter configured", config.ErrConfiguration)
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stats = Stats{RunID: uuid.NewString(), Source: d.cfg.VideoPath, StartedAt: time.Now()}
	runID := d.stats.RunID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	logger := log.WithField("run", runID)
	d.setState(StateOpening)

	target := source.ParseTarget(d.cfg.VideoPath)
	stream, err := d.deps.Open(ctx, target)
	if err != nil {
		err = fmt.Errorf("failed to open video source %s: %w", target, err)
		d.setState(StateFailed)
		d.finish(ctx, logger, err)
		return err
	}
	d.stream = stream
	d.update(func(s *Stats) { s.Backend = stream.Backend() })

	if d.deps.Recorder != nil {
		info := RunInfo{RunID: runID, Source: d.cfg.VideoPath, Backend: stream.Backend(), StartedAt: d.Stats().StartedAt}
		if err := d.deps.Recorder.StartRun(ctx, info); err != nil {
			logger.Warnf("Failed to record run start: %v", err)
		}
	}

	if d.cfg.WarmupFrames > 0 {
		n := stream.Warmup(ctx, d.cfg.WarmupFrames, d.cfg.Capture.WarmupDelay())
		d.update(func(s *Stats) { s.WarmupFrames = n })
	}
	d.openSink(logger)

	d.setState(StateRunning)
	logger.WithFields(log.Fields{
		"source":  target.String(),
		"backend": stream.Backend(),
		"size":    fmt.Sprintf("%dx%d", d.cfg.FrameWidth, d.cfg.FrameHeight),
	}).Info("Pipeline running")

	err = d.loop(ctx, runID)
	if err != nil {
		logger.Errorf("Pipeline failed: %v", err)
		d.release(logger)
		d.setState(StateFailed)
	} else {
		d.setState(StateDraining)
		d.closeSink(logger)
		d.release(logger)
		d.setState(StateClosed)
	}
	d.finish(ctx, logger, err)
	return err
}

func (d *Driver) loop(ctx context.Context, runID string) error {
	degenerate := 0
	for {
		f, err := d.stream.Read()
		if errors.Is(err, source.ErrEndOfStream) {
			log.WithField("run", runID).Info("End of stream")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		d.update(func(s *Stats) { s.FramesRead++ })

		if f.Degenerate() {
			degenerate++
			d.update(func(s *Stats) { s.FramesSkipped++ })
			log.WithField("run", runID).Warnf("%v (%s), skipping", ErrDegenerateFrame, f)
			if limit := d.cfg.Capture.MaxDegenerateStreak; limit > 0 && degenerate > limit {
				log.WithField("run", runID).Warnf("%d consecutive degenerate frames, treating stream as ended", degenerate)
				return nil
			}
			continue
		}
		degenerate = 0

		cancel, err := d.processFrame(ctx, runID, f)
		if err != nil {
			return err
		}
		if cancel {
			log.WithField("run", runID).Infof("Cancellation requested after frame %d", d.Stats().FrameIndex)
			return nil
		}
	}
}

// processFrame runs one frame through every stage. It reports whether
// cancellation was requested at the end of the frame.
func (d *Driver) processFrame(ctx context.Context, runID string, f frame.Frame) (bool, error) {
	index := d.Stats().FrameIndex + 1
	logger := log.WithFields(log.Fields{"run": runID, "frame": index})

	if f.Width != d.cfg.FrameWidth || f.Height != d.cfg.FrameHeight {
		f = f.Resize(d.cfg.FrameWidth, d.cfg.FrameHeight)
	}

	var enhanced frame.Frame
	if err := guard("enhancer", func() (err error) {
		enhanced, err = d.deps.Enhancer.Enhance(f.Clone())
		return err
	}); err != nil {
		return false, fmt.Errorf("%w: frame %d: enhance: %w", ErrDetectionStage, index, err)
	}

	var raws []detection.Raw
	if err := guard("detector", func() (err error) {
		raws, err = d.deps.Adapter.Detect(ctx, enhanced, d.cfg.ConfThresh)
		return err
	}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			// Shutdown interrupted the detector; the frame is dropped, not failed.
			logger.Infof("Detection interrupted by cancellation: %v", err)
			return true, nil
		}
		return false, fmt.Errorf("%w: frame %d: detect: %w", ErrDetectionStage, index, err)
	}

	dets := d.normalize(logger, raws)
	if len(dets) == 0 {
		d.update(func(s *Stats) {
			s.EmptyFrames++
			s.ConsecutiveEmpty++
		})
		if d.deps.Diagnostics != nil {
			d.deps.Diagnostics.Run(ctx, runID, index, enhanced)
		}
	} else {
		d.update(func(s *Stats) {
			s.ConsecutiveEmpty = 0
			s.Detections += len(dets)
		})
		logger.Debugf("%d detections", len(dets))
	}

	var annotated frame.Frame
	if err := guard("annotator", func() (err error) {
		annotated, err = d.deps.Annotator.Annotate(f, dets)
		return err
	}); err != nil {
		return false, fmt.Errorf("%w: frame %d: annotate: %w", ErrDetectionStage, index, err)
	}

	d.write(logger, annotated)

	result := Result{RunID: runID, Index: index, Timestamp: time.Now(), Frame: annotated, Detections: dets}
	for _, o := range d.deps.Observers {
		if err := guard("observer", func() error { o.ObserveFrame(ctx, result); return nil }); err != nil {
			logger.Warnf("Frame observer failed: %v", err)
		}
	}

	cancel := false
	if d.deps.Display != nil {
		cancel = d.deps.Display.Show(annotated)
	}
	if ctx.Err() != nil {
		cancel = true
	}

	d.update(func(s *Stats) { s.FrameIndex = index })
	return cancel, nil
}

// normalize maps raw records to canonical detections. Defaulted fields of
// the first record are reported once per frame.
func (d *Driver) normalize(logger *log.Entry, raws []detection.Raw) []detection.Detection {
	dets := make([]detection.Detection, 0, len(raws))
	for i, raw := range raws {
		det, missing := detection.NormalizeWithReport(raw)
		if i == 0 && len(missing) > 0 {
			logger.WithField("missing", missing).Warn("Detection is missing canonical fields, defaults applied")
		}
		dets = append(dets, det)
	}
	return dets
}

func (d *Driver) openSink(logger *log.Entry) {
	if !d.cfg.SaveOutput || d.deps.Sink == nil {
		return
	}
	size := image.Pt(d.cfg.FrameWidth, d.cfg.FrameHeight)
	s, err := d.deps.Sink.Open(d.cfg.OutputPath, size, d.cfg.FPS)
	if err == nil && s == nil {
		err = errors.New("no sink returned")
	}
	if err != nil {
		logger.Warnf("%v: %v; continuing without saving output", ErrSinkUnavailable, err)
		return
	}
	d.sink = s
	logger.Infof("Saving annotated output to %s", d.cfg.OutputPath)
}

func (d *Driver) write(logger *log.Entry, f frame.Frame) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Write(f); err != nil {
		logger.Warnf("%v: %v; disabling output for the rest of the run", ErrSinkUnavailable, err)
		d.closeSink(logger)
		return
	}
	d.update(func(s *Stats) { s.FramesWritten++ })
}

func (d *Driver) closeSink(logger *log.Entry) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Close(); err != nil {
		logger.Warnf("Failed to close sink: %v", err)
	}
	d.sink = nil
}

// release frees the sink and the stream. It is safe to call repeatedly.
func (d *Driver) release(logger *log.Entry) {
	d.closeSink(logger)
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			logger.Warnf("Failed to release video source: %v", err)
		}
		d.stream = nil
	}
}

func (d *Driver) finish(ctx context.Context, logger *log.Entry, runErr error) {
	d.update(func(s *Stats) { s.EndedAt = time.Now() })
	stats := d.Stats()
	sys := utils.GetSystemStats()

	logger.WithFields(log.Fields{
		"state":     d.State().String(),
		"processed": stats.FrameIndex,
		"skipped":   stats.FramesSkipped,
		"empty":     stats.EmptyFrames,
		"written":   stats.FramesWritten,
		"elapsed":   stats.Elapsed().Round(time.Millisecond),
		"fps":       fmt.Sprintf("%.1f", stats.FPS()),
		"cpu":       fmt.Sprintf("%.1f%%", sys.CPUUsage),
		"mem":       utils.FormatBytes(sys.MemoryAlloc),
	}).Info("Run finished")

	if d.deps.Recorder != nil {
		summary := RunSummary{RunID: stats.RunID, State: d.State(), Stats: stats, FinishedAt: stats.EndedAt, Err: runErr}
		if err := d.deps.Recorder.FinishRun(context.WithoutCancel(ctx), summary); err != nil {
			logger.Warnf("Failed to record run summary: %v", err)
		}
	}
}

// Close releases the display. A running pipeline is stopped by cancelling
// the context passed to Run, not by Close. Close is idempotent.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if !d.running && d.state == StateIdle {
			d.state = StateClosed
		}
		d.mu.Unlock()
		if d.deps.Display != nil {
			err = d.deps.Display.Close()
		}
	})
	return err
}
