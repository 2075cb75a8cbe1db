package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/annotate"
	"nightwatch-go/internal/database"
	"nightwatch-go/internal/diagnostics"
	"nightwatch-go/internal/enhance"
	"nightwatch-go/internal/integrations/mqtt"
	"nightwatch-go/internal/integrations/opencv"
	"nightwatch-go/internal/logger"
	"nightwatch-go/internal/pipeline"
	"nightwatch-go/internal/server"
	"nightwatch-go/internal/sink"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const jpegQuality = 90

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "nightwatch",
		Short: "Low-light object detection over camera streams and video files",
		Long: `nightwatch reads frames from a capture device, a video file or the first
video in a directory, brightens them for low-light conditions, runs an
object detector and writes the annotated result to a video file.

Frames on which nothing is detected are saved with their statistics and
re-probed at a lower threshold and with swapped color channels to help
tell a dark scene from a broken model.`,
		Example: `  # Webcam 0 with defaults
  nightwatch

  # A dashcam clip with a custom threshold and live preview
  nightwatch --video clips/night.mp4 --conf-thresh 0.25 --display

  # Settings from a file, overridden by NIGHTWATCH_* environment variables
  nightwatch --config nightwatch.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, cfgFile)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("video", "", "device index, video file or directory (default \"0\")")
	flags.String("output", "", "annotated output path")
	flags.Bool("save", true, "write annotated frames to the output")
	flags.Bool("display", false, "show annotated frames in a window")
	flags.String("model", "", "detector model file")
	flags.Float64("conf-thresh", 0, "detection confidence threshold")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	closeLog, err := logger.Init(cfg.Log)
	if err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector, err := opencv.NewDetector(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	defer detector.Close()

	enhancer, err := newEnhancer(cfg.Enhancer)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	if c, ok := enhancer.(*opencv.CLAHE); ok {
		defer c.Close()
	}

	var (
		recorders pipeline.RunRecorders
		observers []pipeline.Observer
		store     *database.Store
		debug     *diagnostics.DebugService
		preview   *server.Preview
		events    *server.Hub
	)

	if cfg.DB.Enabled {
		store, err = database.Open(cfg.DB)
		if err != nil {
			log.Warnf("Diagnostics database unavailable, continuing without it: %v", err)
			store = nil
		} else {
			defer store.Close()
			if days := cfg.DB.RetentionDays; days > 0 {
				if _, err := store.PruneRuns(ctx, time.Now().AddDate(0, 0, -days)); err != nil {
					log.Warnf("Retention cleanup incomplete: %v", err)
				}
			}
			recorders = append(recorders, store)
			observers = append(observers, store)
		}
	}

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTT)
		if err := client.Start(); err != nil {
			log.Warnf("MQTT unavailable, continuing without it: %v", err)
		} else {
			defer client.Stop()
			recorders = append(recorders, client)
			observers = append(observers, client)
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	if cfg.Server.Enabled {
		debug = diagnostics.NewDebugService(cfg.Diagnostics.MaxImages)
		preview = server.NewPreview()
		events = server.NewHub(32)
		observers = append(observers, preview, events)
	}

	var diag *diagnostics.Engine
	if cfg.Diagnostics.Enabled {
		opts := diagnostics.Options{
			Dir:             cfg.Diagnostics.Dir,
			Confidence:      cfg.ConfThresh,
			ProbeConfidence: cfg.Diagnostics.ProbeConfidence,
			Debug:           debug,
		}
		if store != nil {
			opts.Recorder = store
		}
		diag = diagnostics.NewEngine(detector, opts)
	}

	deps := pipeline.Dependencies{
		Open:        pipeline.BackendOpener(opencv.DefaultBackends(cfg.FrameWidth, cfg.FrameHeight)),
		Enhancer:    enhancer,
		Adapter:     detector,
		Annotator:   annotate.New(2),
		Sink:        newSinkOpener(cfg.Capture),
		Diagnostics: diag,
		Observers:   observers,
	}
	if len(recorders) > 0 {
		deps.Recorder = recorders
	}
	if cfg.Display {
		deps.Display = opencv.NewWindow("nightwatch")
	}

	driver := pipeline.New(cfg, deps)
	defer driver.Close()

	if cfg.Server.Enabled {
		opts := server.Options{Status: driver, Debug: debug, Preview: preview, Events: events}
		if store != nil {
			opts.Store = store
		}
		srv := server.New(cfg.Server, opts)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Errorf("%v", err)
			}
		}()
	}

	if err := driver.Run(ctx); err != nil {
		return err
	}
	stats := driver.Stats()
	log.Infof("Processed %d frames (%d written, %d without detections) in %s",
		stats.FrameIndex, stats.FramesWritten, stats.EmptyFrames, stats.Elapsed().Round(time.Millisecond))
	return nil
}

func newEnhancer(cfg config.EnhancerConfig) (pipeline.Enhancer, error) {
	if strings.EqualFold(cfg.Method, enhance.MethodCLAHE) {
		return opencv.NewCLAHE(cfg.ClaheClip), nil
	}
	return enhance.New(cfg)
}

func newSinkOpener(cfg config.CaptureConfig) pipeline.SinkOpener {
	if cfg.Sink == "images" {
		return sink.ImageSequenceOpener(jpegQuality)
	}
	return opencv.VideoSinkOpener(cfg.Codec)
}
