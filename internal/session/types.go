package session

import "time"

// Kind classifies one unit of sensed data from the device.
type Kind string

const (
	KindVisual    Kind = "visual"
	KindAcoustic  Kind = "acoustic"
	KindTelemetry Kind = "telemetry"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// GeoPoint is a device-reported position fix.
type GeoPoint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Altitude float64 `json:"altitude,omitempty"`
}

// Observation is one timestamped, immutable unit of sensed data.
// Payload holds the opaque media bytes for visual/acoustic kinds.
type Observation struct {
	Kind      Kind      `json:"kind"`
	Timestamp int64     `json:"timestamp"` // device clock, epoch ms
	MIME      string    `json:"mime,omitempty"`
	Payload   []byte    `json:"-"`
	Location  *GeoPoint `json:"location,omitempty"`
}

// TrackPoint is one entry in a session's location history.
type TrackPoint struct {
	Timestamp int64              `json:"timestamp"`
	Lat       float64            `json:"lat"`
	Lng       float64            `json:"lng"`
	Altitude  float64            `json:"altitude,omitempty"`
	Sensors   map[string]float64 `json:"sensors,omitempty"`
}

// Entry describes one live device↔session association.
type Entry struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}
