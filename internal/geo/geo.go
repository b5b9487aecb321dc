package geo

import (
	"math"

	"github.com/example/rental-tracking/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two positions.
func Distance(a, b models.Position) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Finite reports whether both coordinates are usable numbers. There is no
// range check: only NaN and infinities are refused.
func Finite(p models.Position) bool {
	return !math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0) && !math.IsNaN(p.Lng) && !math.IsInf(p.Lng, 0)
}
