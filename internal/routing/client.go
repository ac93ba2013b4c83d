// Package routing wraps an optional external route-geometry service.
// The engine only needs a decodable polyline and a scalar distance; it
// works without this client, falling back to straight-line sampling.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"encoding/json"

	"github.com/example/ride-pooling/internal/models"
)

// Route is what the engine consumes from a routing lookup.
type Route struct {
	Geometry   string  // encoded polyline
	DistanceKm float64
	DurationS  float64
}

// Client is the interface ride posting uses to enrich a start/end pair.
type Client interface {
	Route(ctx context.Context, from, to models.Point) (*Route, error)
}

// HTTPClient queries an openrouteservice-compatible directions endpoint.
type HTTPClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (c *HTTPClient) Route(ctx context.Context, from, to models.Point) (*Route, error) {
	url := fmt.Sprintf("%s/v2/directions/driving-car?start=%.6f,%.6f&end=%.6f,%.6f",
		c.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("routing service status %d", resp.StatusCode)
	}

	var out struct {
		Routes []struct {
			Summary struct {
				Distance float64 `json:"distance"` // meters
				Duration float64 `json:"duration"` // seconds
			} `json:"summary"`
			Geometry string `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Routes) == 0 {
		return nil, fmt.Errorf("routing service returned no route")
	}
	r := out.Routes[0]
	return &Route{
		Geometry:   r.Geometry,
		DistanceKm: r.Summary.Distance / 1000,
		DurationS:  r.Summary.Duration,
	}, nil
}
