package server

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/pipeline"

	"github.com/disintegration/imaging"
)

// Preview keeps the most recent annotated frame for the HTTP preview.
type Preview struct {
	mu      sync.RWMutex
	frame   frame.Frame
	index   int
	updated time.Time
	seq     uint64

	jpeg    []byte
	jpegSeq uint64
}

// NewPreview creates an empty preview.
func NewPreview() *Preview {
	return &Preview{}
}

// ObserveFrame implements pipeline.Observer.
func (p *Preview) ObserveFrame(_ context.Context, r pipeline.Result) {
	p.mu.Lock()
	p.frame = r.Frame
	p.index = r.Index
	p.updated = r.Timestamp
	p.seq++
	p.mu.Unlock()
}

// Seq changes every time a new frame is observed.
func (p *Preview) Seq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

// JPEG returns the latest frame encoded as JPEG together with its index.
// Encoding happens at most once per frame.
func (p *Preview) JPEG() ([]byte, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seq == 0 {
		return nil, 0, fmt.Errorf("no frame yet")
	}
	if p.jpegSeq != p.seq {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, p.frame.ToImage(), imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
			return nil, 0, fmt.Errorf("failed to encode preview: %w", err)
		}
		p.jpeg = buf.Bytes()
		p.jpegSeq = p.seq
	}
	return p.jpeg, p.index, nil
}
