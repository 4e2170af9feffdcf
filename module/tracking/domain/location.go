package domain

import "time"

type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Sample is one raw reading from the technician's device. CapturedAt is set
// by the device at capture time, not when the server receives it.
type Sample struct {
	JobID      string     `json:"job_id"`
	Coordinate Coordinate `json:"coordinate"`
	AccuracyM  float64    `json:"accuracy_m"`
	HeadingDeg *float64   `json:"heading_deg,omitempty"`
	SpeedMps   *float64   `json:"speed_mps,omitempty"`
	CapturedAt time.Time  `json:"captured_at"`
}

// ContractorLocation is the single current row for a job.
type ContractorLocation struct {
	JobID              string    `json:"job_id"`
	ContractorID       string    `json:"contractor_id"`
	Lat                float64   `json:"latitude"`
	Lon                float64   `json:"longitude"`
	AccuracyM          float64   `json:"accuracy_m"`
	HeadingDeg         *float64  `json:"heading_deg,omitempty"`
	SpeedMps           *float64  `json:"speed_mps,omitempty"`
	CapturedAt         time.Time `json:"captured_at"`
	DistanceRemainingM float64   `json:"distance_remaining_m"`
	ETASeconds         *int      `json:"eta_seconds,omitempty"`
	HasArrived         bool      `json:"has_arrived"`
	IsTrackingEnabled  bool      `json:"is_tracking_enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (l *ContractorLocation) Coordinate() Coordinate {
	return Coordinate{Lat: l.Lat, Lon: l.Lon}
}

type HistoryQuery struct {
	JobID string
	Start time.Time
	End   time.Time
}
