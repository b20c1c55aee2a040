package duplicate

import "math"

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the Haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	φ1 := a.Lat * math.Pi / 180.0
	φ2 := b.Lat * math.Pi / 180.0
	Δφ := (b.Lat - a.Lat) * math.Pi / 180.0
	Δλ := (b.Lon - a.Lon) * math.Pi / 180.0

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}
