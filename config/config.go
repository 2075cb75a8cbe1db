package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfiguration marks problems with the configuration itself, such as a
// missing config file or invalid values.
var ErrConfiguration = errors.New("configuration error")

// Config is the pipeline configuration. It is built once at start-up and
// passed by pointer to the components that need it.
type Config struct {
	VideoPath    string  `mapstructure:"video_path"`
	OutputPath   string  `mapstructure:"output_path"`
	SaveOutput   bool    `mapstructure:"save_output"`
	Display      bool    `mapstructure:"display"`
	WarmupFrames int     `mapstructure:"warmup_frames"`
	Model        string  `mapstructure:"model"`
	ModelConfig  string  `mapstructure:"model_config"`
	ConfThresh   float64 `mapstructure:"conf_thresh"`
	IoUThresh    float64 `mapstructure:"iou_thresh"`
	FPS          float64 `mapstructure:"fps"`
	FrameWidth   int     `mapstructure:"frame_width"`
	FrameHeight  int     `mapstructure:"frame_height"`

	Enhancer    EnhancerConfig    `mapstructure:"enhancer"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Server      ServerConfig      `mapstructure:"server"`
}

// EnhancerConfig selects and tunes the low-light enhancer.
type EnhancerConfig struct {
	Method    string  `mapstructure:"method"` // gamma, clahe or none
	Gamma     float64 `mapstructure:"gamma"`
	Contrast  float64 `mapstructure:"contrast"`
	Sharpen   bool    `mapstructure:"sharpen"`
	ClaheClip float64 `mapstructure:"clahe_clip"`
}

// DetectorConfig holds DNN settings beyond the model path and thresholds.
type DetectorConfig struct {
	InputSize      int    `mapstructure:"input_size"`
	Backend        string `mapstructure:"backend"` // default, cuda, openvino
	Target         string `mapstructure:"target"`  // cpu, cuda, fp16
	ClassNamesFile string `mapstructure:"class_names_file"`
}

// CaptureConfig tunes stream acquisition and the persistent sink.
type CaptureConfig struct {
	WarmupDelayMS       int    `mapstructure:"warmup_delay_ms"`
	MaxDegenerateStreak int    `mapstructure:"max_degenerate_streak"`
	Sink                string `mapstructure:"sink"` // video or images
	Codec               string `mapstructure:"codec"`
}

// WarmupDelay returns the pause between warm-up reads.
func (c CaptureConfig) WarmupDelay() time.Duration {
	return time.Duration(c.WarmupDelayMS) * time.Millisecond
}

// DiagnosticsConfig controls the zero-detection diagnostics.
type DiagnosticsConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Dir             string  `mapstructure:"dir"`
	ProbeConfidence float64 `mapstructure:"probe_conf"`
	MaxImages       int     `mapstructure:"max_images"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds the diagnostics database settings.
type DBConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	File          string `mapstructure:"file"`
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps everything
}

// MQTTConfig holds settings for the detection event publisher.
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Broker       string `mapstructure:"broker"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	Topic        string `mapstructure:"topic"`
	PublishEmpty bool   `mapstructure:"publish_empty"`
}

// ServerConfig holds the debug/preview HTTP server settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from defaults, the config file, environment
// variables (NIGHTWATCH_ prefix) and, when flags is non-nil, command line
// flags, in increasing order of precedence. A missing config file is a
// configuration error.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrConfiguration, configPath, err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
		log.Infof("Config loaded from %s", configPath)
	}

	v.SetEnvPrefix("NIGHTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrConfiguration, err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Enhancer.Method = strings.ToLower(strings.TrimSpace(cfg.Enhancer.Method))
	cfg.Capture.Sink = strings.ToLower(strings.TrimSpace(cfg.Capture.Sink))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}
	return &cfg, nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"video":       "video_path",
	"output":      "output_path",
	"save":        "save_output",
	"display":     "display",
	"model":       "model",
	"conf-thresh": "conf_thresh",
	"log-level":   "log.level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// setDefaults sets the default value of every key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("video_path", "0")
	v.SetDefault("output_path", "output/annotated.mp4")
	v.SetDefault("save_output", true)
	v.SetDefault("display", false)
	v.SetDefault("warmup_frames", 5)
	v.SetDefault("model", "models/yolov8n.onnx")
	v.SetDefault("model_config", "")
	v.SetDefault("conf_thresh", 0.35)
	v.SetDefault("iou_thresh", 0.45)
	v.SetDefault("fps", 20.0)
	v.SetDefault("frame_width", 1280)
	v.SetDefault("frame_height", 720)

	v.SetDefault("enhancer.method", "gamma")
	v.SetDefault("enhancer.gamma", 1.8)
	v.SetDefault("enhancer.contrast", 15.0)
	v.SetDefault("enhancer.sharpen", false)
	v.SetDefault("enhancer.clahe_clip", 2.0)

	v.SetDefault("detector.input_size", 640)
	v.SetDefault("detector.backend", "default")
	v.SetDefault("detector.target", "cpu")
	v.SetDefault("detector.class_names_file", "")

	v.SetDefault("capture.warmup_delay_ms", 50)
	v.SetDefault("capture.max_degenerate_streak", 300)
	v.SetDefault("capture.sink", "video")
	v.SetDefault("capture.codec", "mp4v")

	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "debug_frames")
	v.SetDefault("diagnostics.probe_conf", 0.05)
	v.SetDefault("diagnostics.max_images", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("db.enabled", false)
	v.SetDefault("db.file", "output/nightwatch.db")
	v.SetDefault("db.retention_days", 0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "nightwatch")
	v.SetDefault("mqtt.topic", "nightwatch")
	v.SetDefault("mqtt.publish_empty", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.VideoPath) == "" {
		problems = append(problems, "video_path is empty")
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		problems = append(problems, fmt.Sprintf("frame geometry %dx%d is invalid", c.FrameWidth, c.FrameHeight))
	}
	if c.ConfThresh < 0 || c.ConfThresh > 1 {
		problems = append(problems, fmt.Sprintf("conf_thresh %.2f out of [0,1]", c.ConfThresh))
	}
	if c.IoUThresh < 0 || c.IoUThresh > 1 {
		problems = append(problems, fmt.Sprintf("iou_thresh %.2f out of [0,1]", c.IoUThresh))
	}
	if c.FPS <= 0 {
		problems = append(problems, "fps must be positive")
	}
	if c.WarmupFrames < 0 {
		problems = append(problems, "warmup_frames must not be negative")
	}
	if c.SaveOutput && c.OutputPath == "" {
		problems = append(problems, "save_output is set but output_path is empty")
	}
	switch c.Enhancer.Method {
	case "gamma", "clahe", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown enhancer method %q", c.Enhancer.Method))
	}
	switch c.Capture.Sink {
	case "video", "images":
	default:
		problems = append(problems, fmt.Sprintf("unknown sink %q", c.Capture.Sink))
	}
	if c.DB.RetentionDays < 0 {
		problems = append(problems, "db.retention_days must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// ensureDirectories creates the directories output files are written to.
func ensureDirectories(cfg *Config) error {
	var dirs []string
	if cfg.SaveOutput {
		dirs = append(dirs, filepath.Dir(cfg.OutputPath))
	}
	if cfg.Diagnostics.Enabled {
		dirs = append(dirs, cfg.Diagnostics.Dir)
	}
	if cfg.Log.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.Log.File))
	}
	if cfg.DB.Enabled {
		dirs = append(dirs, filepath.Dir(cfg.DB.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
