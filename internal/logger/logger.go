package logger

import (
	"io"
	"os"
	"path/filepath"

	"nightwatch-go/config"

	log "github.com/sirupsen/logrus"
)

// Init configures the global logrus logger: level, text format with full
// timestamps, and output to stdout plus cfg.File when set. The returned
// function closes the log file.
func Init(cfg config.LogConfig) (func() error, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	closeFn := func() error { return nil }
	writers := []io.Writer{os.Stdout}

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			log.SetOutput(os.Stdout)
			return closeFn, err
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			log.SetOutput(os.Stdout)
			return closeFn, err
		}
		writers = append(writers, file)
		closeFn = file.Close
	}

	log.SetOutput(io.MultiWriter(writers...))
	if cfg.File != "" {
		log.Infof("Logging additionally to file: %s", cfg.File)
	}
	log.Debugf("Logger initialized at level %s", level)
	return closeFn, nil
}
