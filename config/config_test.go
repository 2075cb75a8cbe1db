package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VideoPath != "0" || cfg.WarmupFrames != 5 || cfg.ConfThresh != 0.35 || cfg.IoUThresh != 0.45 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.FrameWidth != 1280 || cfg.FrameHeight != 720 || cfg.FPS != 20 {
		t.Errorf("geometry defaults = %dx%d@%v", cfg.FrameWidth, cfg.FrameHeight, cfg.FPS)
	}
	if cfg.Enhancer.Method != "gamma" || cfg.Diagnostics.Dir != "debug_frames" || cfg.Diagnostics.ProbeConfidence != 0.05 {
		t.Errorf("section defaults = %+v %+v", cfg.Enhancer, cfg.Diagnostics)
	}
	if _, err := os.Stat("debug_frames"); err != nil {
		t.Errorf("diagnostics directory not created: %v", err)
	}
	if cfg.Capture.WarmupDelay() != 50*time.Millisecond {
		t.Errorf("warm-up delay = %v", cfg.Capture.WarmupDelay())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeConfig(t, `
video_path: videos/
save_output: false
conf_thresh: 0.4
frame_width: 640
frame_height: 480
enhancer:
  method: none
mqtt:
  enabled: true
  topic: cams/road
log:
  level: DEBUG
`)
	t.Setenv("NIGHTWATCH_FPS", "12.5")
	t.Setenv("NIGHTWATCH_MQTT_PORT", "1884")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("video", "", "")
	flags.Float64("conf-thresh", 0, "")
	if err := flags.Parse([]string{"--video", "clip.mp4"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VideoPath != "clip.mp4" {
		t.Errorf("flag did not override video_path: %q", cfg.VideoPath)
	}
	if cfg.ConfThresh != 0.4 {
		t.Errorf("unset flag overrode the file: conf_thresh = %v", cfg.ConfThresh)
	}
	if cfg.FPS != 12.5 || cfg.MQTT.Port != 1884 {
		t.Errorf("env overrides not applied: fps=%v port=%d", cfg.FPS, cfg.MQTT.Port)
	}
	if cfg.SaveOutput || cfg.FrameWidth != 640 || cfg.Enhancer.Method != "none" || cfg.MQTT.Topic != "cams/road" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadNormalizesEnumCase(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
enhancer:
  method: CLAHE
capture:
  sink: Images
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Enhancer.Method != "clahe" || cfg.Capture.Sink != "images" {
		t.Errorf("method = %q, sink = %q", cfg.Enhancer.Method, cfg.Capture.Sink)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			VideoPath: "0", OutputPath: "out.mp4", SaveOutput: true,
			ConfThresh: 0.35, IoUThresh: 0.45, FPS: 20, FrameWidth: 1280, FrameHeight: 720,
			Enhancer: EnhancerConfig{Method: "gamma"},
			Capture:  CaptureConfig{Sink: "video"},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]func(c *Config){
		"empty source":    func(c *Config) { c.VideoPath = " " },
		"zero width":      func(c *Config) { c.FrameWidth = 0 },
		"confidence":      func(c *Config) { c.ConfThresh = 1.5 },
		"iou":             func(c *Config) { c.IoUThresh = -0.1 },
		"fps":             func(c *Config) { c.FPS = 0 },
		"warmup":          func(c *Config) { c.WarmupFrames = -1 },
		"no output path":  func(c *Config) { c.OutputPath = "" },
		"unknown method":  func(c *Config) { c.Enhancer.Method = "retinex" },
		"unknown sink":    func(c *Config) { c.Capture.Sink = "rtsp" },
		"retention":       func(c *Config) { c.DB.RetentionDays = -3 },
	}
	for name, mutate := range tests {
		c := valid()
		mutate(c)
		if err := c.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestServerAddr(t *testing.T) {
	if got := (ServerConfig{Host: "127.0.0.1", Port: 8090}).Addr(); got != "127.0.0.1:8090" {
		t.Errorf("Addr = %s", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
