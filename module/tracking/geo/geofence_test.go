package geo

import (
	"math"
	"testing"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

func TestHaversine(t *testing.T) {
	// same point should be 0
	d := haversine(-6.2088, 106.8456, -6.2088, 106.8456)
	if d != 0 {
		t.Errorf("expected 0, got %f", d)
	}

	// roughly 133m between these two points
	d = haversine(-6.2088, 106.8456, -6.2100, 106.8456)
	if d < 100 || d > 200 {
		t.Errorf("expected ~133m, got %f", d)
	}
}

func TestDistance_Symmetric(t *testing.T) {
	pairs := [][2]domain.Coordinate{
		{{Lat: 48.861, Lon: 2.351}, {Lat: 48.866, Lon: 2.355}},
		{{Lat: -6.2088, Lon: 106.8456}, {Lat: -7.0, Lon: 107.0}},
		{{Lat: 0, Lon: 179.9}, {Lat: 0, Lon: -179.9}},
		{{Lat: 89.9, Lon: 0}, {Lat: -89.9, Lon: 180}},
	}
	for _, p := range pairs {
		ab := Distance(p[0], p[1])
		ba := Distance(p[1], p[0])
		if math.Abs(ab-ba) > 1e-6 {
			t.Errorf("distance not symmetric for %v: %f vs %f", p, ab, ba)
		}
		if ab <= 0 {
			t.Errorf("expected positive distance for %v, got %f", p, ab)
		}
	}
}

func TestDistance_SamePointIsZero(t *testing.T) {
	for _, c := range []domain.Coordinate{
		{Lat: 48.861, Lon: 2.351},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 0, Lon: 0},
	} {
		if d := Distance(c, c); d > 1e-9 {
			t.Errorf("expected ~0 for %v, got %f", c, d)
		}
	}
}

func TestDistance_ParisScenario(t *testing.T) {
	dest := domain.Coordinate{Lat: 48.861, Lon: 2.351}

	far := Distance(domain.Coordinate{Lat: 48.866, Lon: 2.355}, dest)
	if far < 600 || far > 700 {
		t.Errorf("expected ~640m, got %f", far)
	}

	near := Distance(domain.Coordinate{Lat: 48.8612, Lon: 2.3512}, dest)
	if near < 10 || near > 40 {
		t.Errorf("expected ~27m, got %f", near)
	}
}

func TestIsArrived(t *testing.T) {
	tests := []struct {
		name      string
		distance  float64
		threshold float64
		want      bool
	}{
		{"inside", 15, 50, true},
		{"on boundary", 50, 50, true},
		{"outside", 50.1, 50, false},
		{"custom threshold", 120, 150, true},
		{"zero threshold uses default", 40, 0, true},
		{"negative threshold uses default", 60, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsArrived(tt.distance, tt.threshold); got != tt.want {
				t.Errorf("IsArrived(%v, %v) = %v, want %v", tt.distance, tt.threshold, got, tt.want)
			}
		})
	}
}
