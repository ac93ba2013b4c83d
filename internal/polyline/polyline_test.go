package polyline

import (
	"math"
	"testing"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
)

func TestDecodeReferencePolyline(t *testing.T) {
	// Reference example from the polyline algorithm description.
	pts, err := Decode("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []models.Point{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
	}
	if len(pts) != len(want) {
		t.Fatalf("got %d points, want %d", len(pts), len(want))
	}
	for i := range want {
		if math.Abs(pts[i].Lat-want[i].Lat) > 1e-5 || math.Abs(pts[i].Lon-want[i].Lon) > 1e-5 {
			t.Fatalf("point %d = %+v, want %+v", i, pts[i], want[i])
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	pts, err := Decode("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if len(pts) != 0 {
		t.Fatalf("expected empty sequence, got %v", pts)
	}
}

func TestDecodeTruncated(t *testing.T) {
	// Chop the reference string mid-pair and mid-varint.
	for _, in := range []string{"_p~iF", "_p~iF~ps|U_u"} {
		if _, err := Decode(in); err == nil {
			t.Fatalf("Decode(%q): expected error", in)
		} else if !apperr.IsKind(err, apperr.KindDecode) {
			t.Fatalf("Decode(%q): kind = %v, want decode", in, apperr.KindOf(err))
		}
	}
}

func TestRoundTrip(t *testing.T) {
	routes := [][]models.Point{
		{{Lat: 38.5, Lon: -120.2}, {Lat: 40.7, Lon: -120.95}, {Lat: 43.252, Lon: -126.453}},
		{{Lat: 33.68441, Lon: 73.04793}, {Lat: 33.69892, Lon: 73.06521}, {Lat: 33.71255, Lon: 73.07844}},
		{{Lat: -0.00001, Lon: 0.00001}},
		{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0}},
	}
	for _, route := range routes {
		got, err := Decode(Encode(route))
		if err != nil {
			t.Fatalf("round-trip decode: %v", err)
		}
		if len(got) != len(route) {
			t.Fatalf("round-trip length %d, want %d", len(got), len(route))
		}
		for i := range route {
			if math.Abs(got[i].Lat-route[i].Lat) > 1e-5 || math.Abs(got[i].Lon-route[i].Lon) > 1e-5 {
				t.Fatalf("round-trip point %d = %+v, want %+v", i, got[i], route[i])
			}
		}
	}
}

func TestIntermediatePoints(t *testing.T) {
	// Straight line up a meridian, eleven points one-tenth of a degree apart.
	route := make([]models.Point, 11)
	for i := range route {
		route[i] = models.Point{Lat: float64(i) / 10, Lon: 0}
	}

	got := IntermediatePoints(route, 0, 5)
	if len(got) != 5 {
		t.Fatalf("got %d samples, want 5", len(got))
	}
	if got[0] != route[0] {
		t.Fatalf("first sample = %+v, want route start", got[0])
	}
	if got[len(got)-1] != route[len(route)-1] {
		t.Fatalf("last sample = %+v, want route end", got[len(got)-1])
	}
	// Samples must be evenly spread along the travelled distance.
	for i := 1; i < len(got); i++ {
		if got[i].Lat <= got[i-1].Lat {
			t.Fatalf("samples not monotonic: %+v", got)
		}
	}
}

func TestIntermediatePointsDegenerate(t *testing.T) {
	if got := IntermediatePoints(nil, 0, 3); got != nil {
		t.Fatalf("expected nil for empty route, got %v", got)
	}
	single := []models.Point{{Lat: 1, Lon: 2}}
	got := IntermediatePoints(single, 0, 3)
	if len(got) != 1 || got[0] != single[0] {
		t.Fatalf("single-point route: got %v", got)
	}
}
