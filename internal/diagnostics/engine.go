package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Probe names.
const (
	ProbeConfigured    = "configured"
	ProbeLowConfidence = "low_conf"
	ProbeSwapRB        = "swap_rb"
)

const (
	DefaultDir             = "debug_frames"
	DefaultProbeConfidence = 0.05
)

// ProbeResult is the outcome of one diagnostic re-run of the detector.
type ProbeResult struct {
	Name       string        `json:"name"`
	Threshold  float64       `json:"threshold"`
	SwapRB     bool          `json:"swap_rb"`
	Detections int           `json:"detections"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Report collects everything recorded for one zero-detection frame.
type Report struct {
	RunID        string        `json:"run_id"`
	FrameIndex   int           `json:"frame_index"`
	Timestamp    time.Time     `json:"timestamp"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	ArtifactErr  string        `json:"artifact_error,omitempty"`
	Stats        frame.Stats   `json:"stats"`
	Probes       []ProbeResult `json:"probes"`
}

// Recorder persists reports, e.g. to the diagnostics database.
type Recorder interface {
	RecordDiagnostic(ctx context.Context, r Report) error
}

// Options configures an Engine.
type Options struct {
	// Dir receives one image and one JSON file per zero-detection frame.
	Dir string
	// Confidence is the threshold the pipeline runs the detector with.
	Confidence float64
	// ProbeConfidence is the lowered threshold of the low_conf probe.
	ProbeConfidence float64
	Recorder        Recorder
	Debug           *DebugService
}

// Engine runs side-channel diagnostics for frames on which the detector
// found nothing. It never changes what the pipeline annotates or emits and
// none of its failures propagate.
type Engine struct {
	adapter detection.Adapter
	opts    Options
}

// NewEngine creates an Engine around the same adapter the pipeline uses.
func NewEngine(adapter detection.Adapter, opts Options) *Engine {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.ProbeConfidence <= 0 {
		opts.ProbeConfidence = DefaultProbeConfidence
	}
	return &Engine{adapter: adapter, opts: opts}
}

// ArtifactPath is the deterministic image path for a frame index.
func (e *Engine) ArtifactPath(index int) string {
	return filepath.Join(e.opts.Dir, fmt.Sprintf("frame_%06d.jpg", index))
}

func (e *Engine) statsPath(index int) string {
	return filepath.Join(e.opts.Dir, fmt.Sprintf("frame_%06d.json", index))
}

// Run persists the enhanced frame with its statistics and re-runs the
// detector three ways: at the configured threshold, at the probe threshold
// and on a channel-swapped copy.
func (e *Engine) Run(ctx context.Context, runID string, index int, enhanced frame.Frame) Report {
	report := Report{
		RunID:      runID,
		FrameIndex: index,
		Timestamp:  time.Now(),
		Stats:      enhanced.Stats(),
	}
	logger := log.WithFields(log.Fields{"run": runID, "frame": index})

	jpeg, err := e.writeArtifact(index, enhanced)
	if err != nil {
		report.ArtifactErr = err.Error()
		logger.Warnf("Failed to write debug artifact: %v", err)
	} else {
		report.ArtifactPath = e.ArtifactPath(index)
	}

	logger.WithFields(log.Fields{
		"min":    report.Stats.Min,
		"max":    report.Stats.Max,
		"mean":   fmt.Sprintf("%.2f", report.Stats.Mean),
		"stddev": fmt.Sprintf("%.2f", report.Stats.StdDev),
	}).Info("No detections, running diagnostic probes")

	report.Probes = []ProbeResult{
		e.probe(ctx, ProbeConfigured, enhanced, e.opts.Confidence, false),
		e.probe(ctx, ProbeLowConfidence, enhanced, e.opts.ProbeConfidence, false),
		e.probe(ctx, ProbeSwapRB, enhanced, e.opts.Confidence, true),
	}

	if err := e.writeStats(report); err != nil {
		logger.Warnf("Failed to write diagnostic stats: %v", err)
	}
	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.RecordDiagnostic(ctx, report); err != nil {
			logger.Warnf("Failed to record diagnostic: %v", err)
		}
	}
	if e.opts.Debug != nil && jpeg != nil {
		e.opts.Debug.AddDebugImage(report, jpeg)
	}
	return report
}

func (e *Engine) probe(ctx context.Context, name string, f frame.Frame, threshold float64, swap bool) (res ProbeResult) {
	res = ProbeResult{Name: name, Threshold: threshold, SwapRB: swap}
	start := time.Now()
	logger := log.WithFields(log.Fields{"probe": name, "threshold": threshold})

	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("panic: %v", r)
			logger.Errorf("Diagnostic probe panicked: %v", r)
		}
	}()

	input := f
	if swap {
		input = f.SwapRB()
	}
	raws, err := e.adapter.Detect(ctx, input, threshold)
	if err != nil {
		res.Error = err.Error()
		logger.Warnf("Diagnostic probe failed: %v", err)
		return res
	}
	res.Detections = len(raws)
	logger.Infof("Diagnostic probe found %d detections", res.Detections)
	return res
}

// writeArtifact saves the enhanced frame as JPEG and returns the encoded
// bytes for the in-memory debug buffer.
func (e *Engine) writeArtifact(index int, f frame.Frame) ([]byte, error) {
	if f.Degenerate() {
		return nil, fmt.Errorf("frame %d is empty", index)
	}
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create debug directory: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, f.ToImage(), imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := os.WriteFile(e.ArtifactPath(index), buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", e.ArtifactPath(index), err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) writeStats(r Report) error {
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.statsPath(r.FrameIndex), data, 0o644)
}
