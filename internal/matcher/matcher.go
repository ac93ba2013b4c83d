// Package matcher decides which opposite-role candidates are compatible
// with a searcher's route endpoint. Matching is a stateless read-only
// scan; nothing here caches or persists results.
package matcher

import (
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/polyline"
)

// SearchRadiusKm is the fixed radius within which a trajectory point
// counts as a match.
const SearchRadiusKm = 2.0

// PointInfo is a candidate trajectory point annotated with its distance
// to the target.
type PointInfo struct {
	Point      models.Point
	DistanceKm float64
}

// RadiusResult collects every point at or under the radius, and the
// single closest point overall, which may be outside the radius.
type RadiusResult struct {
	WithinRadius []PointInfo
	Closest      PointInfo
	HasClosest   bool
}

// FindWithinRadius scans points in input order. Ties on distance keep
// the first point encountered.
func FindWithinRadius(points []models.Point, target models.Point, radiusKm float64) RadiusResult {
	var res RadiusResult
	for _, p := range points {
		d := geo.DistanceKm(p, target)
		if d <= radiusKm {
			res.WithinRadius = append(res.WithinRadius, PointInfo{Point: p, DistanceKm: d})
		}
		if !res.HasClosest || d < res.Closest.DistanceKm {
			res.Closest = PointInfo{Point: p, DistanceKm: d}
			res.HasClosest = true
		}
	}
	return res
}

// MatchCandidates decodes each candidate's polyline and keeps those with
// at least one trajectory point within SearchRadiusKm of the searcher's
// endpoint. Candidates whose ride is unavailable or whose polyline does
// not decode are skipped. Results stay in candidate order; RouteMatched
// is the in-radius point count.
func MatchCandidates(endpoint models.Point, candidates []models.Candidate) []models.Match {
	return MatchCandidatesWithin(endpoint, candidates, SearchRadiusKm)
}

// MatchCandidatesWithin is MatchCandidates with an explicit radius.
func MatchCandidatesWithin(endpoint models.Point, candidates []models.Candidate, radiusKm float64) []models.Match {
	matches := make([]models.Match, 0)
	for _, c := range candidates {
		if !c.Ride.IsAvailable {
			continue
		}
		points, err := polyline.Decode(c.Ride.EncodedPolyline)
		if err != nil || len(points) == 0 {
			continue
		}
		res := FindWithinRadius(points, endpoint, radiusKm)
		if len(res.WithinRadius) == 0 {
			continue
		}
		matches = append(matches, models.Match{
			Profile:      CandidateProfile(c),
			RouteMatched: len(res.WithinRadius),
		})
	}
	return matches
}

// CandidateProfile builds the counterparty view shared in match results
// and intro events.
func CandidateProfile(c models.Candidate) models.Profile {
	p := models.Profile{
		UserID:      c.User.ID,
		FullName:    c.User.FullName,
		Gender:      c.User.Gender,
		PhoneNumber: c.User.PhoneNumber,
		Ride: &models.RideInfo{
			RideID:          c.Ride.ID,
			StartPoint:      c.Ride.StartPoint,
			EndPoint:        c.Ride.EndPoint,
			EncodedPolyline: c.Ride.EncodedPolyline,
			Price:           c.Ride.Price,
			AvailableSeats:  c.Ride.AvailableSeats,
		},
	}
	if c.Vehicle != nil {
		p.Vehicle = &models.VehicleInfo{
			VehicleType:  c.Vehicle.VehicleType,
			MakeModel:    c.Vehicle.Make + " " + c.Vehicle.Model,
			Color:        c.Vehicle.Color,
			LicensePlate: c.Vehicle.LicensePlate,
		}
	}
	return p
}
