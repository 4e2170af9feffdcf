// Package geo holds the pure geospatial math used by tracking sessions:
// great-circle distance and the arrival geofence test.
package geo

import (
	"math"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

const (
	earthRadiusMeters = 6371000

	// DefaultArrivalThresholdM is the geofence radius used when a job does
	// not configure its own.
	DefaultArrivalThresholdM = 50.0
)

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b domain.Coordinate) float64 {
	return haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// IsArrived reports whether distanceM lies inside a geofence of thresholdM.
// A non-positive threshold falls back to DefaultArrivalThresholdM.
func IsArrived(distanceM, thresholdM float64) bool {
	if thresholdM <= 0 {
		thresholdM = DefaultArrivalThresholdM
	}
	return distanceM <= thresholdM
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
