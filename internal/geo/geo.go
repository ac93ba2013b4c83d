package geo

import (
	"math"
	"strconv"
	"strings"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
)

// EarthRadiusKm is fixed so distances reproduce exactly across callers.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points in
// kilometers using the Haversine formula.
func DistanceKm(a, b models.Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// IntervalPoints returns n points linearly interpolated between start and
// end in raw lat/lon space, endpoints excluded. This is a cheap stand-in
// for along-route sampling when no routing geometry is available; it is
// not geodesic.
func IntervalPoints(start, end models.Point, n int) []models.Point {
	if n <= 0 {
		return nil
	}
	pts := make([]models.Point, 0, n)
	for i := 1; i <= n; i++ {
		f := float64(i) / float64(n+1)
		pts = append(pts, models.Point{
			Lat: start.Lat + (end.Lat-start.Lat)*f,
			Lon: start.Lon + (end.Lon-start.Lon)*f,
		})
	}
	return pts
}

// ParseCoordinates parses a "lat,lon" string, optionally wrapped in
// parentheses. Malformed input is an error, never a silent default.
func ParseCoordinates(s string) (models.Point, error) {
	cleaned := strings.Trim(strings.TrimSpace(s), "()")
	parts := strings.Split(cleaned, ",")
	if len(parts) != 2 {
		return models.Point{}, apperr.Format("invalid coordinate format: %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Point{}, apperr.Format("invalid latitude in %q", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Point{}, apperr.Format("invalid longitude in %q", s)
	}
	return models.Point{Lat: lat, Lon: lon}, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
