// Package polyline implements the Google encoded polyline algorithm at
// 1e-5 precision, plus route sampling helpers built on it.
package polyline

import (
	"strings"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

const precision = 1e5

// Decode expands an encoded polyline into its coordinate sequence.
// An empty string decodes to an empty sequence; a string that ends in
// the middle of a varint group or between a lat/lon pair is corrupt.
func Decode(s string) ([]models.Point, error) {
	var pts []models.Point
	var lat, lon int64
	i := 0
	for i < len(s) {
		dLat, n, err := decodeValue(s[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if i >= len(s) {
			return nil, apperr.Decode("truncated polyline: latitude without longitude at offset %d", i)
		}
		dLon, n, err := decodeValue(s[i:])
		if err != nil {
			return nil, err
		}
		i += n

		lat += dLat
		lon += dLon
		pts = append(pts, models.Point{
			Lat: float64(lat) / precision,
			Lon: float64(lon) / precision,
		})
	}
	if pts == nil {
		return []models.Point{}, nil
	}
	return pts, nil
}

// Encode is the inverse of Decode. Coordinates are rounded to 1e-5
// degrees, so Decode(Encode(p)) matches p within that tolerance.
func Encode(points []models.Point) string {
	var b strings.Builder
	var prevLat, prevLon int64
	for _, p := range points {
		lat := round(p.Lat * precision)
		lon := round(p.Lon * precision)
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return b.String()
}

// IntermediatePoints walks the route accumulating Haversine segment
// distances and emits k samples spaced evenly by travelled distance,
// always including the first and last point. totalKm may come from an
// external routing service; when non-positive it is recomputed from the
// route itself.
func IntermediatePoints(route []models.Point, totalKm float64, k int) []models.Point {
	if len(route) == 0 || k <= 0 {
		return nil
	}
	if k == 1 || len(route) == 1 {
		return []models.Point{route[0]}
	}
	if totalKm <= 0 {
		for i := 1; i < len(route); i++ {
			totalKm += geo.DistanceKm(route[i-1], route[i])
		}
	}

	step := totalKm / float64(k-1)
	out := make([]models.Point, 0, k)
	out = append(out, route[0])

	travelled := 0.0
	next := step
	for i := 1; i < len(route) && len(out) < k-1; i++ {
		travelled += geo.DistanceKm(route[i-1], route[i])
		for travelled >= next && len(out) < k-1 {
			out = append(out, route[i])
			next += step
		}
	}
	out = append(out, route[len(route)-1])
	return out
}

func decodeValue(s string) (int64, int, error) {
	var result int64
	var shift uint
	for i := 0; i < len(s); i++ {
		b := int64(s[i]) - 63
		if b < 0 {
			return 0, 0, apperr.Decode("invalid polyline byte %q", s[i])
		}
		result |= (b & 0x1f) << shift
		if b < 0x20 {
			if result&1 != 0 {
				return ^(result >> 1), i + 1, nil
			}
			return result >> 1, i + 1, nil
		}
		shift += 5
	}
	return 0, 0, apperr.Decode("truncated polyline: unterminated varint group")
}

func encodeValue(b *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}

func round(f float64) int64 {
	if f < 0 {
		return int64(f - 0.5)
	}
	return int64(f + 0.5)
}
