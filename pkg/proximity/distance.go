package proximity

import (
	"math"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

const earthRadius = 6371.0 // km

// Manhattan returns |Δlat| + |Δlon| in raw degrees. It ranks neighbours and
// is not a physical distance: a degree of longitude is shorter than a degree
// of latitude away from the equator.
func Manhattan(a, b models.Location) float64 {
	return math.Abs(a.Lat-b.Lat) + math.Abs(a.Lon-b.Lon)
}

// Haversine calculates the great-circle distance between two points in kilometers
func Haversine(a, b models.Location) float64 {
	lat1Rad := a.Lat * math.Pi / 180.0
	lon1Rad := a.Lon * math.Pi / 180.0
	lat2Rad := b.Lat * math.Pi / 180.0
	lon2Rad := b.Lon * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// neighborLess orders by distance, then by station id.
func neighborLess(a, b models.Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.StationID < b.StationID
}
