package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/source"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeStream struct {
	frames []frame.Frame
	pos    int
	closed int
}

func (s *fakeStream) Backend() string { return "fake" }

func (s *fakeStream) Read() (frame.Frame, error) {
	if s.closed > 0 || s.pos >= len(s.frames) {
		return frame.Frame{}, source.ErrEndOfStream
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *fakeStream) Warmup(_ context.Context, n int, _ time.Duration) int {
	done := 0
	for i := 0; i < n; i++ {
		if _, err := s.Read(); err != nil {
			break
		}
		done++
	}
	return done
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

func openerFor(s *fakeStream) StreamOpener {
	return func(context.Context, source.Target) (Stream, error) { return s, nil }
}

type fakeSink struct {
	written []frame.Frame
	failAt  int // 1-based write that fails; 0 never
	closed  int
}

func (s *fakeSink) Write(f frame.Frame) error {
	if s.failAt > 0 && len(s.written)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.written = append(s.written, f)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed++
	return nil
}

func sinkOpener(s *fakeSink) SinkOpener {
	return SinkOpenerFunc(func(string, image.Point, float64) (Sink, error) { return s, nil })
}

type annotation struct {
	size image.Point
	dets []detection.Detection
}

// recordingAnnotator marks each annotated frame and records what it was given.
type recordingAnnotator struct {
	calls []annotation
}

func (a *recordingAnnotator) Annotate(f frame.Frame, dets []detection.Detection) (frame.Frame, error) {
	a.calls = append(a.calls, annotation{size: f.Size(), dets: dets})
	out := f.Clone()
	out.Pix[1] = byte(len(dets))
	return out, nil
}

type fakeDisplay struct {
	shown    int
	cancelAt int
	closed   int
}

func (d *fakeDisplay) Show(frame.Frame) bool {
	d.shown++
	return d.shown == d.cancelAt
}

func (d *fakeDisplay) Close() error {
	d.closed++
	return nil
}

type observerFunc func(ctx context.Context, r Result)

func (fn observerFunc) ObserveFrame(ctx context.Context, r Result) { fn(ctx, r) }

type memRecorder struct {
	started  []RunInfo
	finished []RunSummary
}

func (r *memRecorder) StartRun(_ context.Context, info RunInfo) error {
	r.started = append(r.started, info)
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, s RunSummary) error {
	r.finished = append(r.finished, s)
	return nil
}

const testW, testH = 8, 6

// solid returns a frame whose first pixel is (v, 0, 200) and the rest v.
func solid(v byte) frame.Frame {
	f := frame.New(testW, testH, 3)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	f.Pix[1], f.Pix[2] = 0, 200
	return f
}

func sequence(n int) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		out[i] = solid(byte(i + 1))
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		VideoPath:   "0",
		OutputPath:  filepath.Join(dir, "out.mp4"),
		SaveOutput:  true,
		ConfThresh:  0.35,
		IoUThresh:   0.45,
		FPS:         20,
		FrameWidth:  testW,
		FrameHeight: testH,
		Capture:     config.CaptureConfig{MaxDegenerateStreak: 300},
		Diagnostics: config.DiagnosticsConfig{
			Enabled:         true,
			Dir:             filepath.Join(dir, "debug_frames"),
			ProbeConfidence: 0.05,
		},
	}
}

func noDetections() detection.Adapter {
	return detection.AdapterFunc(func(context.Context, frame.Frame, float64) ([]detection.Raw, error) {
		return nil, nil
	})
}

func TestDegenerateFramesAreSkipped(t *testing.T) {
	frames := sequence(10)
	frames[2] = frame.Frame{}
	frames[7] = frame.Frame{Width: 640, Channels: 3}

	stream := &fakeStream{frames: frames}
	sink := &fakeSink{}
	cfg := testConfig(t)
	cfg.Diagnostics.Enabled = false
	d := New(cfg, Dependencies{Open: openerFor(stream), Adapter: noDetections(), Sink: sinkOpener(sink)})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := d.Stats()
	if stats.FrameIndex != 8 || len(sink.written) != 8 {
		t.Errorf("processed %d, written %d; want 8", stats.FrameIndex, len(sink.written))
	}
	if stats.FramesSkipped != 2 || stats.FramesRead != 10 {
		t.Errorf("skipped %d of %d reads", stats.FramesSkipped, stats.FramesRead)
	}
	if d.State() != StateClosed {
		t.Errorf("state = %s, want closed", d.State())
	}
	if stream.closed != 1 || sink.closed != 1 {
		t.Errorf("stream closed %d, sink closed %d; want 1 each", stream.closed, sink.closed)
	}
}

func TestDegenerateStreakEndsStream(t *testing.T) {
	frames := make([]frame.Frame, 0, 8)
	for i := 0; i < 5; i++ {
		frames = append(frames, frame.Frame{})
	}
	frames = append(frames, sequence(3)...)

	stream := &fakeStream{frames: frames}
	cfg := testConfig(t)
	cfg.Capture.MaxDegenerateStreak = 3
	d := New(cfg, Dependencies{Open: openerFor(stream), Adapter: noDetections()})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Stats().FrameIndex != 0 || d.Stats().FramesSkipped != 4 {
		t.Errorf("stats = %+v", d.Stats())
	}
	if d.State() != StateClosed {
		t.Errorf("state = %s", d.State())
	}
}

func TestEndToEndFiveFrames(t *testing.T) {
	car := map[string]any{"xmin": 10, "ymin": 10, "xmax": 50, "ymax": 50, "conf": 0.9, "class_id": 2, "class_name": "car"}
	adapter := detection.AdapterFunc(func(_ context.Context, f frame.Frame, _ float64) ([]detection.Raw, error) {
		if f.Pix[3] == 3 {
			return []detection.Raw{car}, nil
		}
		return nil, nil
	})

	stream := &fakeStream{frames: sequence(5)}
	sink := &fakeSink{}
	annotator := &recordingAnnotator{}
	cfg := testConfig(t)
	d := New(cfg, Dependencies{Open: openerFor(stream), Adapter: adapter, Annotator: annotator, Sink: sinkOpener(sink)})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.written) != 5 {
		t.Fatalf("emitted %d frames, want 5", len(sink.written))
	}
	for i, f := range sink.written {
		if f.Pix[3] != byte(i+1) {
			t.Errorf("emitted frame %d out of order", i+1)
		}
	}

	want := detection.Detection{XMin: 10, YMin: 10, XMax: 50, YMax: 50, Confidence: 0.9, ClassID: 2, ClassName: "car"}
	for i, call := range annotator.calls {
		if i == 2 {
			if len(call.dets) != 1 || call.dets[0] != want {
				t.Errorf("frame 3 annotated with %+v", call.dets)
			}
			continue
		}
		if len(call.dets) != 0 {
			t.Errorf("frame %d annotated with %+v", i+1, call.dets)
		}
	}

	for i := 1; i <= 5; i++ {
		_, err := os.Stat(filepath.Join(cfg.Diagnostics.Dir, fmt.Sprintf("frame_%06d.jpg", i)))
		if exists := err == nil; exists != (i != 3) {
			t.Errorf("artifact for frame %d exists = %v", i, exists)
		}
	}
	if s := d.Stats(); s.EmptyFrames != 4 || s.Detections != 1 || s.ConsecutiveEmpty != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDiagnosticsDoNotChangeOutput(t *testing.T) {
	run := func(diagnose bool) []frame.Frame {
		adapter := detection.AdapterFunc(func(_ context.Context, f frame.Frame, threshold float64) ([]detection.Raw, error) {
			if f.Pix[0] == 200 {
				panic("swapped input")
			}
			if threshold < 0.35 {
				return nil, errors.New("probe failure")
			}
			return nil, nil
		})
		sink := &fakeSink{}
		cfg := testConfig(t)
		cfg.Diagnostics.Enabled = diagnose
		d := New(cfg, Dependencies{
			Open:      openerFor(&fakeStream{frames: sequence(4)}),
			Adapter:   adapter,
			Annotator: &recordingAnnotator{},
			Sink:      sinkOpener(sink),
		})
		if err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run(diagnose=%v): %v", diagnose, err)
		}
		return sink.written
	}

	with, without := run(true), run(false)
	if len(with) != 4 || len(without) != 4 {
		t.Fatalf("emitted %d and %d frames, want 4", len(with), len(without))
	}
	for i := range with {
		if !bytes.Equal(with[i].Pix, without[i].Pix) {
			t.Errorf("frame %d differs when diagnostics run", i+1)
		}
	}
}

func TestDisplayCancellationEmitsExactlyK(t *testing.T) {
	const k = 3
	stream := &fakeStream{frames: sequence(10)}
	sink := &fakeSink{}
	display := &fakeDisplay{cancelAt: k}
	d := New(testConfig(t), Dependencies{
		Open:    openerFor(stream),
		Adapter: noDetections(),
		Sink:    sinkOpener(sink),
		Display: display,
	})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("cancellation should not be an error: %v", err)
	}
	if len(sink.written) != k || d.Stats().FrameIndex != k {
		t.Errorf("emitted %d, processed %d; want %d", len(sink.written), d.Stats().FrameIndex, k)
	}
	if stream.pos != k {
		t.Errorf("read %d frames after cancellation, want %d", stream.pos, k)
	}
	if stream.closed != 1 || sink.closed != 1 {
		t.Error("resources not released exactly once")
	}
	if d.State() != StateClosed {
		t.Errorf("state = %s", d.State())
	}

	d.Close()
	d.Close()
	if display.closed != 1 {
		t.Errorf("display closed %d times", display.closed)
	}
}

func TestContextCancellationEmitsExactlyK(t *testing.T) {
	const k = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &fakeSink{}
	observer := observerFunc(func(_ context.Context, r Result) {
		if r.Index == k {
			cancel()
		}
	})
	d := New(testConfig(t), Dependencies{
		Open:      openerFor(&fakeStream{frames: sequence(10)}),
		Adapter:   noDetections(),
		Sink:      sinkOpener(sink),
		Observers: []Observer{observer},
	})

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.written) != k {
		t.Errorf("emitted %d frames, want %d", len(sink.written), k)
	}
}

func TestCancellationDuringDetectionIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	enhancer := EnhancerFunc(func(f frame.Frame) (frame.Frame, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return f, nil
	})
	adapter := detection.AdapterFunc(func(ctx context.Context, _ frame.Frame, _ float64) ([]detection.Raw, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	stream := &fakeStream{frames: sequence(5)}
	sink := &fakeSink{}
	rec := &memRecorder{}
	d := New(testConfig(t), Dependencies{
		Open:     openerFor(stream),
		Enhancer: enhancer,
		Adapter:  adapter,
		Sink:     sinkOpener(sink),
		Recorder: rec,
	})

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateClosed {
		t.Errorf("state = %s, want closed", d.State())
	}
	if len(sink.written) != 1 || d.Stats().FrameIndex != 1 {
		t.Errorf("written %d, index %d; want 1 completed frame", len(sink.written), d.Stats().FrameIndex)
	}
	if sink.closed != 1 || stream.closed != 1 {
		t.Error("resources not released")
	}
	if len(rec.finished) != 1 || rec.finished[0].Err != nil || rec.finished[0].State != StateClosed {
		t.Errorf("recorder got %+v", rec.finished)
	}
}

func TestMissingFieldsWarnedForFirstDetectionOnly(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	complete := map[string]any{
		"xmin": 1, "ymin": 1, "xmax": 4, "ymax": 4,
		"confidence": 0.9, "class_id": 2, "class_name": "car",
	}
	perFrame := [][]detection.Raw{
		{map[string]any{"x1": 1, "y1": 1}, map[string]any{"x1": 2}},
		{complete, map[string]any{"x1": 2}},
	}
	calls := 0
	adapter := detection.AdapterFunc(func(context.Context, frame.Frame, float64) ([]detection.Raw, error) {
		raws := perFrame[calls]
		calls++
		return raws, nil
	})
	d := New(testConfig(t), Dependencies{Open: openerFor(&fakeStream{frames: sequence(2)}), Adapter: adapter})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var warnings []*log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "Detection is missing canonical fields, defaults applied" {
			warnings = append(warnings, e)
		}
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d missing-field warnings, want 1", len(warnings))
	}
	if warnings[0].Data["frame"] != 1 {
		t.Errorf("warning attributed to frame %v, want 1", warnings[0].Data["frame"])
	}
	missing, _ := warnings[0].Data["missing"].([]string)
	if len(missing) != 5 {
		t.Errorf("missing fields = %v, want xmax, ymax, confidence, class_id, class_name", missing)
	}
}

func TestAdapterFailureIsFatal(t *testing.T) {
	calls := 0
	adapter := detection.AdapterFunc(func(context.Context, frame.Frame, float64) ([]detection.Raw, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("inference error")
		}
		return []detection.Raw{map[string]any{"x1": 1, "y1": 1, "x2": 4, "y2": 4}}, nil
	})
	stream := &fakeStream{frames: sequence(5)}
	sink := &fakeSink{}
	rec := &memRecorder{}
	d := New(testConfig(t), Dependencies{Open: openerFor(stream), Adapter: adapter, Sink: sinkOpener(sink), Recorder: rec})

	err := d.Run(context.Background())
	if !errors.Is(err, ErrDetectionStage) {
		t.Fatalf("expected ErrDetectionStage, got %v", err)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s, want failed", d.State())
	}
	if len(sink.written) != 1 || stream.pos != 2 {
		t.Errorf("written %d, read %d; no frame after the failure should be processed", len(sink.written), stream.pos)
	}
	if stream.closed != 1 || sink.closed != 1 {
		t.Error("resources not released")
	}
	if len(rec.finished) != 1 || rec.finished[0].State != StateFailed || rec.finished[0].Err == nil {
		t.Errorf("recorder got %+v", rec.finished)
	}
}

func TestEnhancerPanicIsFatal(t *testing.T) {
	enhancer := EnhancerFunc(func(frame.Frame) (frame.Frame, error) { panic("bad lut") })
	d := New(testConfig(t), Dependencies{
		Open:     openerFor(&fakeStream{frames: sequence(2)}),
		Enhancer: enhancer,
		Adapter:  noDetections(),
	})
	if err := d.Run(context.Background()); !errors.Is(err, ErrDetectionStage) {
		t.Fatalf("expected ErrDetectionStage, got %v", err)
	}
}

func TestSinkUnavailableContinues(t *testing.T) {
	opener := SinkOpenerFunc(func(string, image.Point, float64) (Sink, error) {
		return nil, errors.New("codec not found")
	})
	d := New(testConfig(t), Dependencies{Open: openerFor(&fakeStream{frames: sequence(3)}), Adapter: noDetections(), Sink: opener})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := d.Stats(); s.FrameIndex != 3 || s.FramesWritten != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSinkWriteFailureDisablesPersistence(t *testing.T) {
	sink := &fakeSink{failAt: 2}
	d := New(testConfig(t), Dependencies{Open: openerFor(&fakeStream{frames: sequence(4)}), Adapter: noDetections(), Sink: sinkOpener(sink)})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.written) != 1 || sink.closed != 1 {
		t.Errorf("written %d, closed %d", len(sink.written), sink.closed)
	}
	if d.Stats().FrameIndex != 4 {
		t.Errorf("processing stopped after sink failure")
	}
}

func TestSaveOutputDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveOutput = false
	opened := false
	opener := SinkOpenerFunc(func(string, image.Point, float64) (Sink, error) {
		opened = true
		return &fakeSink{}, nil
	})
	d := New(cfg, Dependencies{Open: openerFor(&fakeStream{frames: sequence(1)}), Adapter: noDetections(), Sink: opener})
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if opened {
		t.Error("sink opened although save_output is off")
	}
}

func TestOpenFailure(t *testing.T) {
	rec := &memRecorder{}
	opener := func(context.Context, source.Target) (Stream, error) {
		return nil, fmt.Errorf("%w: /videos/missing.mp4", source.ErrFileNotFound)
	}
	d := New(testConfig(t), Dependencies{Open: opener, Adapter: noDetections(), Recorder: rec})

	err := d.Run(context.Background())
	if !errors.Is(err, source.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s", d.State())
	}
	if len(rec.started) != 0 || len(rec.finished) != 1 {
		t.Errorf("recorder started %d, finished %d", len(rec.started), len(rec.finished))
	}
}

func TestMissingAdapter(t *testing.T) {
	d := New(testConfig(t), Dependencies{Open: openerFor(&fakeStream{})})
	if err := d.Run(context.Background()); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestFramesAreResized(t *testing.T) {
	big := frame.New(testW*2, testH*2, 3)
	annotator := &recordingAnnotator{}
	d := New(testConfig(t), Dependencies{
		Open:      openerFor(&fakeStream{frames: []frame.Frame{big}}),
		Adapter:   noDetections(),
		Annotator: annotator,
	})
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(annotator.calls) != 1 || annotator.calls[0].size != image.Pt(testW, testH) {
		t.Errorf("annotator got %+v", annotator.calls)
	}
}

func TestWarmupAndRunLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.WarmupFrames = 2
	rec := &memRecorder{}
	stream := &fakeStream{frames: sequence(5)}
	var indices []int
	observer := observerFunc(func(_ context.Context, r Result) { indices = append(indices, r.Index) })
	d := New(cfg, Dependencies{Open: openerFor(stream), Adapter: noDetections(), Recorder: rec, Observers: []Observer{observer}})

	if d.State() != StateIdle {
		t.Fatalf("initial state = %s", d.State())
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := d.Stats(); s.WarmupFrames != 2 || s.FrameIndex != 3 {
		t.Errorf("stats = %+v", s)
	}
	if len(indices) != 3 || indices[0] != 1 || indices[2] != 3 {
		t.Errorf("observed indices %v", indices)
	}
	if len(rec.started) != 1 || rec.started[0].Backend != "fake" || rec.started[0].RunID == "" {
		t.Errorf("start = %+v", rec.started)
	}
	if len(rec.finished) != 1 || rec.finished[0].State != StateClosed || rec.finished[0].Stats.FrameIndex != 3 {
		t.Errorf("finish = %+v", rec.finished)
	}

	first := d.Stats().RunID
	stream2 := &fakeStream{frames: sequence(1)}
	d.deps.Open = openerFor(stream2)
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := d.Stats(); s.RunID == first || s.FrameIndex != 0 {
		t.Errorf("second run should reset counters: %+v", s)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateOpening: "opening", StateRunning: "running",
		StateDraining: "draining", StateClosed: "closed", StateFailed: "failed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %s", s, s.String())
		}
	}
}
