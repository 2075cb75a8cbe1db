package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nightwatch-go/internal/frame"

	log "github.com/sirupsen/logrus"
)

// Handle is an open, readable stream bound to the backend that succeeded.
// It is not safe for concurrent use; Close may be called any number of times.
type Handle struct {
	target  Target
	backend string
	capture Capture

	pending   *frame.Frame
	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Open resolves t and tries every backend registered for its kind, in order.
// A backend wins when it reports opened and returns a non-empty frame on a
// probe read; errors and panics inside a backend only move on to the next
// one.
func Open(ctx context.Context, t Target, backends Backends) (*Handle, error) {
	t, err := Resolve(t)
	if err != nil {
		return nil, err
	}

	candidates := backends.forKind(t.Kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no backends registered for %s sources", ErrSourceUnavailable, t.Kind)
	}

	openedAny := false
	var errs []error
	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		capture, first, opened, err := tryBackend(b, t)
		if opened {
			openedAny = true
		}
		if err != nil {
			log.WithFields(log.Fields{"backend": b.Name(), "source": t.String()}).Debugf("Capture backend failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}

		log.WithFields(log.Fields{
			"backend": b.Name(),
			"source":  t.String(),
			"frame":   first.String(),
		}).Info("Video source opened")
		return &Handle{target: t, backend: b.Name(), capture: capture, pending: &first}, nil
	}

	cause := ErrSourceUnavailable
	if openedAny {
		cause = ErrEmptyProbeRead
	}
	return nil, fmt.Errorf("%w: %s: %w", cause, t, errors.Join(errs...))
}

// tryBackend opens one backend and performs the probe read. opened reports
// whether the backend got as far as an opened session.
func tryBackend(b Backend, t Target) (c Capture, first frame.Frame, opened bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if c != nil {
				c.Close()
			}
			c, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	c, err = b.Open(t)
	if err != nil {
		return nil, first, false, err
	}
	if c == nil || !c.IsOpened() {
		if c != nil {
			c.Close()
		}
		return nil, first, false, errors.New("not opened")
	}

	f, ok := c.Read()
	if !ok {
		c.Close()
		return nil, first, true, errors.New("probe read failed")
	}
	if f.Degenerate() {
		c.Close()
		return nil, first, true, fmt.Errorf("probe read returned an empty frame (%s)", f)
	}
	return c, f, true, nil
}

// Target returns the resolved target.
func (h *Handle) Target() Target { return h.target }

// Backend names the backend that opened the stream.
func (h *Handle) Backend() string { return h.backend }

// Read returns the next frame, or ErrEndOfStream. Zero-area frames are
// returned as the backend produced them.
func (h *Handle) Read() (frame.Frame, error) {
	if h.closed {
		return frame.Frame{}, ErrEndOfStream
	}
	if h.pending != nil {
		f := *h.pending
		h.pending = nil
		return f, nil
	}
	f, ok := h.capture.Read()
	if !ok {
		return frame.Frame{}, ErrEndOfStream
	}
	return f, nil
}

// Warmup discards up to n frames, waiting delay between reads, so capture
// hardware can settle. A failed read ends warm-up early. It returns the
// number of frames discarded.
func (h *Handle) Warmup(ctx context.Context, n int, delay time.Duration) int {
	done := 0
	for i := 0; i < n; i++ {
		if _, err := h.Read(); err != nil {
			log.Warnf("Warm-up read %d/%d failed, continuing without further warm-up", i+1, n)
			break
		}
		done++
		if delay > 0 && i < n-1 {
			select {
			case <-ctx.Done():
				return done
			case <-time.After(delay):
			}
		}
	}
	log.Debugf("Warm-up finished after %d frames", done)
	return done
}

// Close releases the backend exactly once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed = true
		h.pending = nil
		h.closeErr = h.capture.Close()
		log.WithField("backend", h.backend).Debug("Video source released")
	})
	return h.closeErr
}
