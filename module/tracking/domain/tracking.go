package domain

import (
	"encoding/json"
	"time"

	"github.com/twpayne/go-geom"
)

type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateTracking SessionState = "tracking"
	StateArrived  SessionState = "arrived"
	StateStopped  SessionState = "stopped"
)

func (s SessionState) Terminal() bool {
	return s == StateArrived || s == StateStopped
}

// RouteEstimate is the result of one routing call. Available is false when
// the routing service could not produce an estimate; the other fields are
// then zero.
type RouteEstimate struct {
	DistanceM float64
	DurationS float64
	Geometry  *geom.LineString
	Available bool
}

// Unavailable is the sentinel estimate returned on any routing failure.
var Unavailable = RouteEstimate{}

type EventType string

const (
	EventLocationUpdated     EventType = "location_updated"
	EventTrackingUnavailable EventType = "tracking_unavailable"
	EventTrackingStopped     EventType = "tracking_stopped"
	EventFeedStale           EventType = "feed_stale"
)

// Display statuses shown to viewers.
const (
	StatusEnRoute          = "en_route"
	StatusCalculatingRoute = "calculating_route"
	StatusArrived          = "arrived"
	StatusGPSUnavailable   = "gps_unavailable"
	StatusStopped          = "stopped"
	StatusStale            = "stale"
)

type LocationUpdated struct {
	JobID              string          `json:"job_id"`
	Lat                float64         `json:"latitude"`
	Lon                float64         `json:"longitude"`
	ETASeconds         *int            `json:"eta_seconds,omitempty"`
	DistanceRemainingM float64         `json:"distance_remaining_m"`
	HasArrived         bool            `json:"has_arrived"`
	CapturedAt         time.Time       `json:"captured_at"`
	Route              json.RawMessage `json:"route,omitempty"`
}

// Event is what travels on a job's broadcast topic.
type Event struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id"`
	Status   string           `json:"status"`
	Location *LocationUpdated `json:"location,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	At       time.Time        `json:"at"`
}

func NewLocationEvent(loc *ContractorLocation, route json.RawMessage) Event {
	return Event{
		Type:   EventLocationUpdated,
		JobID:  loc.JobID,
		Status: LocationStatus(loc),
		Location: &LocationUpdated{
			JobID:              loc.JobID,
			Lat:                loc.Lat,
			Lon:                loc.Lon,
			ETASeconds:         loc.ETASeconds,
			DistanceRemainingM: loc.DistanceRemainingM,
			HasArrived:         loc.HasArrived,
			CapturedAt:         loc.CapturedAt,
			Route:              route,
		},
		At: loc.UpdatedAt,
	}
}

func LocationStatus(loc *ContractorLocation) string {
	switch {
	case loc.HasArrived:
		return StatusArrived
	case loc.ETASeconds == nil:
		return StatusCalculatingRoute
	default:
		return StatusEnRoute
	}
}

type ArrivalDetected struct {
	JobID        string     `json:"job_id"`
	ContractorID string     `json:"contractor_id"`
	Location     Coordinate `json:"location"`
	DetectedAt   time.Time  `json:"detected_at"`
}
