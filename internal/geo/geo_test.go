package geo

import (
	"math"
	"testing"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
)

func TestDistanceZeroAndSymmetry(t *testing.T) {
	a := models.Point{Lat: 33.6844, Lon: 73.0479}
	b := models.Point{Lat: 33.7294, Lon: 73.0931}

	if d := DistanceKm(a, a); d != 0 {
		t.Fatalf("distance to self = %f, want 0", d)
	}
	if ab, ba := DistanceKm(a, b), DistanceKm(b, a); math.Abs(ab-ba) > 1e-12 {
		t.Fatalf("asymmetric distance: %f vs %f", ab, ba)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// One degree of latitude on the reference sphere.
	a := models.Point{Lat: 0, Lon: 0}
	b := models.Point{Lat: 1, Lon: 0}
	want := EarthRadiusKm * math.Pi / 180
	if d := DistanceKm(a, b); math.Abs(d-want) > 1e-6 {
		t.Fatalf("distance = %f, want %f", d, want)
	}
}

func TestIntervalPoints(t *testing.T) {
	start := models.Point{Lat: 0, Lon: 0}
	end := models.Point{Lat: 10, Lon: 20}

	pts := IntervalPoints(start, end, 4)
	if len(pts) != 4 {
		t.Fatalf("got %d points, want 4", len(pts))
	}
	// Endpoints excluded, fractions i/(n+1).
	if math.Abs(pts[0].Lat-2) > 1e-9 || math.Abs(pts[0].Lon-4) > 1e-9 {
		t.Fatalf("first interval point = %+v", pts[0])
	}
	if math.Abs(pts[3].Lat-8) > 1e-9 || math.Abs(pts[3].Lon-16) > 1e-9 {
		t.Fatalf("last interval point = %+v", pts[3])
	}

	if got := IntervalPoints(start, end, 0); got != nil {
		t.Fatalf("expected nil for n=0, got %v", got)
	}
}

func TestParseCoordinates(t *testing.T) {
	cases := []struct {
		in      string
		want    models.Point
		wantErr bool
	}{
		{"33.6844,73.0479", models.Point{Lat: 33.6844, Lon: 73.0479}, false},
		{"(33.6844, 73.0479)", models.Point{Lat: 33.6844, Lon: 73.0479}, false},
		{" -1.5 , 2.25 ", models.Point{Lat: -1.5, Lon: 2.25}, false},
		{"33.6844", models.Point{}, true},
		{"abc,def", models.Point{}, true},
		{"", models.Point{}, true},
	}
	for _, tc := range cases {
		got, err := ParseCoordinates(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCoordinates(%q): expected error", tc.in)
			}
			if !apperr.IsKind(err, apperr.KindFormat) {
				t.Fatalf("ParseCoordinates(%q): kind = %v, want format", tc.in, apperr.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseCoordinates(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseCoordinates(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
