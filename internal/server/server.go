// Package server exposes pipeline status, stored runs, zero-detection debug
// frames and a live preview over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/database"
	"nightwatch-go/internal/diagnostics"
	"nightwatch-go/internal/pipeline"
	"nightwatch-go/internal/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StatusProvider reports the pipeline state. *pipeline.Driver implements it.
type StatusProvider interface {
	State() pipeline.State
	Stats() pipeline.Stats
}

// RunStore is the read side of the database store.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]database.Run, error)
	GetRun(ctx context.Context, runID string) (*database.Run, error)
	Diagnostics(ctx context.Context, runID string) ([]database.FrameDiagnostic, error)
	Detections(ctx context.Context, runID string) ([]database.FrameDetections, error)
}

// Options wires the optional data sources into the API.
type Options struct {
	Status  StatusProvider
	Store   RunStore
	Debug   *diagnostics.DebugService
	Preview *Preview
	Events  *Hub
}

// Server is the HTTP API.
type Server struct {
	cfg    config.ServerConfig
	opts   Options
	router *gin.Engine
}

// New builds the router. Routes for missing data sources are not mounted.
func New(cfg config.ServerConfig, opts Options) *Server {
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodHead},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	s := &Server{cfg: cfg, opts: opts, router: router}
	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	if opts.Store != nil {
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/diagnostics", s.handleRunDiagnostics)
		api.GET("/runs/:id/detections", s.handleRunDetections)
	}
	if opts.Debug != nil {
		opts.Debug.RegisterRoutes(api)
	}
	if opts.Preview != nil {
		api.GET("/preview.jpg", s.handlePreview)
		api.GET("/preview.mjpeg", s.handlePreviewStream)
	}
	if opts.Events != nil {
		api.GET("/events", s.handleEvents)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{"system": utils.GetSystemStats()}
	if s.opts.Status != nil {
		stats := s.opts.Status.Stats()
		body["state"] = s.opts.Status.State().String()
		body["stats"] = stats
		body["fps"] = stats.FPS()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	runs, err := s.opts.Store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		log.Errorf("Failed to list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(runs), "runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.opts.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Errorf("Failed to get run: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleRunDiagnostics(c *gin.Context) {
	recs, err := s.opts.Store.Diagnostics(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Errorf("Failed to list diagnostics: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list diagnostics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "diagnostics": recs})
}

func (s *Server) handleRunDetections(c *gin.Context) {
	recs, err := s.opts.Store.Detections(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Errorf("Failed to list detections: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "frames": recs})
}

func (s *Server) handlePreview(c *gin.Context) {
	data, index, err := s.opts.Preview.JPEG()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Frame-Index", strconv.Itoa(index))
	c.Data(http.StatusOK, "image/jpeg", data)
}

const mjpegBoundary = "nightwatchframe"

// handlePreviewStream pushes new preview frames as multipart JPEG until the
// client goes away.
func (s *Server) handlePreviewStream(c *gin.Context) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
		seq := s.opts.Preview.Seq()
		if seq == last {
			continue
		}
		data, _, err := s.opts.Preview.JPEG()
		if err != nil {
			continue
		}
		last = seq
		if _, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data)); err != nil {
			return
		}
		if _, err := c.Writer.Write(data); err != nil {
			return
		}
		if _, err := c.Writer.WriteString("\r\n"); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
