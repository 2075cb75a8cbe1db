package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nightwatch-go/config"
	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/frame"

	gocv "gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// Model layouts understood by Detector.
const (
	LayoutYOLO = "yolo" // ONNX export with a [1, 4+C, N] output
	LayoutSSD  = "ssd"  // TensorFlow/Caffe SSD with a [1, 1, N, 7] output
)

// Detector runs an OpenCV DNN model and returns raw detection records.
// Forward passes are serialized; gocv.Net is not safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	layout    string
	inputSize int
	iou       float64
	names     detection.ClassNames
}

// NewDetector loads cfg.Model (plus cfg.ModelConfig for SSD graphs) and
// selects the compute backend from cfg.Detector.
func NewDetector(cfg *config.Config) (*Detector, error) {
	if !fileExists(cfg.Model) {
		return nil, fmt.Errorf("model file not found: %s", cfg.Model)
	}
	layout := layoutFor(cfg.Model)
	if layout == LayoutSSD && cfg.ModelConfig != "" && !fileExists(cfg.ModelConfig) {
		return nil, fmt.Errorf("model config file not found: %s", cfg.ModelConfig)
	}

	net := gocv.ReadNet(cfg.Model, cfg.ModelConfig)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", cfg.Model)
	}

	backend, target := netBackend(cfg.Detector.Backend, cfg.Detector.Target)
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	names := detection.ClassNames(detection.COCO)
	if layout == LayoutSSD {
		names = append(detection.ClassNames{"background"}, detection.COCO...)
	}
	if cfg.Detector.ClassNamesFile != "" {
		loaded, err := detection.LoadClassNames(cfg.Detector.ClassNamesFile)
		if err != nil {
			net.Close()
			return nil, err
		}
		names = loaded
	}

	size := cfg.Detector.InputSize
	if size <= 0 {
		size = 640
	}
	log.Infof("DNN model %s loaded (layout %s, input %dx%d, backend %s/%s, %d classes)",
		filepath.Base(cfg.Model), layout, size, size, cfg.Detector.Backend, cfg.Detector.Target, len(names))

	return &Detector{
		net:       net,
		layout:    layout,
		inputSize: size,
		iou:       cfg.IoUThresh,
		names:     names,
	}, nil
}

// Detect runs one forward pass over f and decodes the output. The forward
// pass cannot be interrupted, so ctx is not consulted.
func (d *Detector) Detect(_ context.Context, f frame.Frame, confThreshold float64) ([]detection.Raw, error) {
	img, err := ToMat(f)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	var blob gocv.Mat
	if d.layout == LayoutYOLO {
		blob = gocv.BlobFromImage(img, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	} else {
		blob = gocv.BlobFromImage(img, 1.0/127.5, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	}
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read network output: %w", err)
	}

	var dets []detection.Detection
	if d.layout == LayoutYOLO {
		shape := out.Size()
		if len(shape) != 3 {
			return nil, fmt.Errorf("unexpected YOLO output dims %v", shape)
		}
		sx := float64(f.Width) / float64(d.inputSize)
		sy := float64(f.Height) / float64(d.inputSize)
		dets, err = detection.DecodeYOLO(data, shape[1], shape[2], sx, sy, confThreshold, d.iou, d.names)
	} else {
		dets, err = detection.DecodeSSD(data, f.Width, f.Height, confThreshold, d.names)
	}
	if err != nil {
		return nil, err
	}
	return detection.ToRaw(dets), nil
}

// Close releases the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

func layoutFor(model string) string {
	switch strings.ToLower(filepath.Ext(model)) {
	case ".pb", ".caffemodel", ".prototxt":
		return LayoutSSD
	default:
		return LayoutYOLO
	}
}

// netBackend maps the configured backend/target names onto gocv constants,
// falling back to the default backend on CPU.
func netBackend(backend, target string) (gocv.NetBackendType, gocv.NetTargetType) {
	b := gocv.NetBackendDefault
	switch strings.ToLower(backend) {
	case "cuda":
		b = gocv.NetBackendCUDA
	case "openvino":
		b = gocv.NetBackendOpenVINO
	case "opencv":
		b = gocv.NetBackendOpenCV
	case "", "default":
	default:
		log.Warnf("Unknown DNN backend '%s', using default", backend)
	}

	t := gocv.NetTargetCPU
	switch strings.ToLower(target) {
	case "cuda":
		t = gocv.NetTargetCUDA
	case "cuda_fp16":
		t = gocv.NetTargetCUDAFP16
	case "fp16":
		t = gocv.NetTargetFP16
	case "", "cpu":
	default:
		log.Warnf("Unknown DNN target '%s', using cpu", target)
	}
	return b, t
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
