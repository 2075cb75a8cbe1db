package pipeline

import "time"

// State is the lifecycle state of a Driver.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats are the counters of one run. They are reset when a new run starts.
type Stats struct {
	RunID   string `json:"run_id"`
	Source  string `json:"source"`
	Backend string `json:"backend"`

	// FrameIndex is the number of frames processed so far; the frame being
	// processed has index FrameIndex+1.
	FrameIndex       int `json:"frame_index"`
	FramesRead       int `json:"frames_read"`
	FramesSkipped    int `json:"frames_skipped"`
	EmptyFrames      int `json:"empty_frames"`
	ConsecutiveEmpty int `json:"consecutive_empty"`
	FramesWritten    int `json:"frames_written"`
	Detections       int `json:"detections"`
	WarmupFrames     int `json:"warmup_frames"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Elapsed returns the run duration so far.
func (s Stats) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// FPS returns the processing rate over the run.
func (s Stats) FPS() float64 {
	secs := s.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.FrameIndex) / secs
}
