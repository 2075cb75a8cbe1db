package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/detection"
	"nightwatch-go/internal/pipeline"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client publishes detection events and run state to an MQTT broker.
type Client struct {
	config config.MQTTConfig
	client mqtt.Client

	// publish is replaced in tests.
	publish func(topic string, payload []byte, retain bool) error
}

// DetectionEvent is published for every frame with detections, and for
// empty frames when publish_empty is set.
type DetectionEvent struct {
	RunID      string                `json:"run_id"`
	Frame      int                   `json:"frame"`
	Timestamp  time.Time             `json:"timestamp"`
	Count      int                   `json:"count"`
	Labels     map[string]int        `json:"labels"`
	Detections []detection.Detection `json:"detections"`
}

// RunEvent is published, retained, when a run starts or ends.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Frames    int       `json:"frames"`
	Empty     int       `json:"empty_frames"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewClient creates a client; Start connects it.
func NewClient(cfg config.MQTTConfig) *Client {
	c := &Client{config: cfg}
	c.publish = c.publishRaw
	return c
}

// Start connects to the broker.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT publisher is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.StatusTopic(), `{"state":"offline"}`, 1, true)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info("MQTT client connected successfully")
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnectHandler(mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)
}

func (c *Client) connectionLostHandler(_ mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

// DetectionsTopic is where frame events go.
func (c *Client) DetectionsTopic() string { return c.config.Topic + "/detections" }

// StatusTopic is where run events go.
func (c *Client) StatusTopic() string { return c.config.Topic + "/status" }

// PublishMessage publishes payload, JSON-encoding anything that is not a
// string or byte slice.
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		data, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}
	return c.publish(topic, data, retain)
}

func (c *Client) publishRaw(topic string, payload []byte, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}
	token := c.client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	log.Debugf("Published %d bytes to %s", len(payload), topic)
	return nil
}

// NewDetectionEvent builds the event for a processed frame.
func NewDetectionEvent(r pipeline.Result) DetectionEvent {
	labels := make(map[string]int)
	for _, d := range r.Detections {
		labels[d.ClassName]++
	}
	dets := r.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	return DetectionEvent{
		RunID:      r.RunID,
		Frame:      r.Index,
		Timestamp:  r.Timestamp,
		Count:      len(r.Detections),
		Labels:     labels,
		Detections: dets,
	}
}

// ObserveFrame implements pipeline.Observer.
func (c *Client) ObserveFrame(_ context.Context, r pipeline.Result) {
	if len(r.Detections) == 0 && !c.config.PublishEmpty {
		return
	}
	if err := c.PublishMessage(c.DetectionsTopic(), NewDetectionEvent(r), false); err != nil {
		log.Debugf("Detection event for frame %d not published: %v", r.Index, err)
	}
}

// StartRun implements pipeline.RunRecorder.
func (c *Client) StartRun(_ context.Context, info pipeline.RunInfo) error {
	return c.PublishMessage(c.StatusTopic(), RunEvent{
		RunID:     info.RunID,
		State:     pipeline.StateRunning.String(),
		Source:    info.Source,
		Backend:   info.Backend,
		Timestamp: info.StartedAt,
	}, true)
}

// FinishRun implements pipeline.RunRecorder.
func (c *Client) FinishRun(_ context.Context, s pipeline.RunSummary) error {
	ev := RunEvent{
		RunID:     s.RunID,
		State:     s.State.String(),
		Source:    s.Stats.Source,
		Backend:   s.Stats.Backend,
		Frames:    s.Stats.FrameIndex,
		Empty:     s.Stats.EmptyFrames,
		Timestamp: s.FinishedAt,
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return c.PublishMessage(c.StatusTopic(), ev, true)
}
