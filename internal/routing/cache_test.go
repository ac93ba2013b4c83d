package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

type fakeClient struct {
	calls int
	err   error
}

func (f *fakeClient) Route(_ context.Context, _, _ models.Point) (*Route, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Route{Geometry: "abc", DistanceKm: 12.5}, nil
}

func TestCachedClientHitsCacheOnRepeat(t *testing.T) {
	inner := &fakeClient{}
	c := NewCachedClient(inner, time.Minute)
	from := models.Point{Lat: 1, Lon: 2}
	to := models.Point{Lat: 3, Lon: 4}

	for i := 0; i < 3; i++ {
		r, err := c.Route(context.Background(), from, to)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if r.DistanceKm != 12.5 {
			t.Fatalf("distance = %f", r.DistanceKm)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}

	// A different pair misses.
	if _, err := c.Route(context.Background(), to, from); err != nil {
		t.Fatalf("route: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCachedClientDoesNotCacheFailures(t *testing.T) {
	inner := &fakeClient{err: errors.New("boom")}
	c := NewCachedClient(inner, time.Minute)
	p := models.Point{Lat: 1, Lon: 1}

	for i := 0; i < 2; i++ {
		if _, err := c.Route(context.Background(), p, p); err == nil {
			t.Fatalf("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("failure was cached: calls = %d", inner.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	cache := NewCache(10 * time.Millisecond)
	a := models.Point{Lat: 1, Lon: 1}
	b := models.Point{Lat: 2, Lon: 2}
	cache.Set(a, b, Route{Geometry: "x"})

	if _, ok := cache.Get(a, b); !ok {
		t.Fatalf("fresh entry missing")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.Get(a, b); ok {
		t.Fatalf("stale entry served")
	}
}
