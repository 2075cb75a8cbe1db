package server

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/pipeline"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Client is one connected event stream subscriber.
type Client chan []byte

// FrameEvent is sent to subscribers for every frame with detections.
type FrameEvent struct {
	RunID      string                `json:"run_id"`
	Frame      int                   `json:"frame"`
	Timestamp  time.Time             `json:"timestamp"`
	Count      int                   `json:"count"`
	Detections []detection.Detection `json:"detections"`
}

// Hub fans detection events out to server-sent event clients.
type Hub struct {
	mu      sync.Mutex
	clients map[Client]bool
	buffer  int
}

// NewHub creates a hub whose clients buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{clients: make(map[Client]bool), buffer: buffer}
}

// Subscribe registers a new client.
func (h *Hub) Subscribe() Client {
	client := make(Client, h.buffer)
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Debugf("Event client registered. Total clients: %d", n)
	return client
}

// Unsubscribe removes and closes client. Unknown clients are ignored.
func (h *Hub) Unsubscribe(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
		log.Debugf("Event client unregistered. Total clients: %d", len(h.clients))
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues message for every client. Slow clients miss messages
// instead of blocking the caller.
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- message:
		default:
			log.Debug("Event client buffer full, message dropped")
		}
	}
}

// ObserveFrame implements pipeline.Observer.
func (h *Hub) ObserveFrame(_ context.Context, r pipeline.Result) {
	if len(r.Detections) == 0 || h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(FrameEvent{
		RunID:      r.RunID,
		Frame:      r.Index,
		Timestamp:  r.Timestamp,
		Count:      len(r.Detections),
		Detections: r.Detections,
	})
	if err != nil {
		log.Errorf("Failed to marshal frame event: %v", err)
		return
	}
	h.Broadcast(data)
}

func (s *Server) handleEvents(c *gin.Context) {
	client := s.opts.Events.Subscribe()
	defer s.opts.Events.Unsubscribe(client)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("detections", string(msg))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
