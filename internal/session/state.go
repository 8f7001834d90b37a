package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a session. Processing is transient:
// the session holds it only while a chunk is inside the recognizer.
type State int

const (
	Created State = iota
	Active
	Processing
	Stopped
)

var stateNames = map[State]string{
	Created:    "created",
	Active:     "active",
	Processing: "processing",
	Stopped:    "stopped",
}

var stateFromName = map[string]State{
	"created":    Created,
	"active":     Active,
	"processing": Processing,
	"stopped":    Stopped,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// RecognitionResult is one recognized utterance kept in session history.
type RecognitionResult struct {
	Text      string
	Trigger   bool
	Keywords  []string
	Timestamp time.Time
	Duration  float64
}

// Status is a point-in-time snapshot of one session, shaped for the REST
// surface.
type Status struct {
	ID            string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	Language      string    `json:"language"`
	SampleRate    int       `json:"sample_rate"`
	VAD           bool      `json:"vad_enabled"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	SegmentsCount int       `json:"segments_count"`
	LastText      string    `json:"last_text,omitempty"`
	Connected     bool      `json:"connected"`
}
