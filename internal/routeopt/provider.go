package routeopt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// Provider is an external routing service that can sequence a small set of
// waypoints. Used opportunistically; every failure falls back to the
// internal heuristic.
type Provider interface {
	Sequence(ctx context.Context, start models.Coord, wps []models.Waypoint, prefs models.RoutePreferences) (*ProviderRoute, error)
}

// ProviderRoute is the provider's answer adapted to internal units.
type ProviderRoute struct {
	Order       []int // visiting order over the input waypoint indices
	DistanceKm  float64
	DurationMin float64
}

// OSRMProvider calls an OSRM-compatible /trip endpoint.
type OSRMProvider struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMProvider(endpoint string) *OSRMProvider {
	return &OSRMProvider{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (o *OSRMProvider) Sequence(ctx context.Context, start models.Coord, wps []models.Waypoint, prefs models.RoutePreferences) (*ProviderRoute, error) {
	if len(wps) == 0 {
		return &ProviderRoute{}, nil
	}
	coords := make([]string, 0, len(wps)+1)
	coords = append(coords, fmt.Sprintf("%.6f,%.6f", start.Lon, start.Lat))
	for _, w := range wps {
		coords = append(coords, fmt.Sprintf("%.6f,%.6f", w.Loc.Lon, w.Loc.Lat))
	}
	url := fmt.Sprintf("%s/trip/v1/driving/%s?source=first&roundtrip=false",
		o.Endpoint, strings.Join(coords, ";"))
	if prefs.AvoidHighways {
		url += "&exclude=motorway"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Code  string `json:"code"`
		Trips []struct {
			Distance float64 `json:"distance"` // meters
			Duration float64 `json:"duration"` // seconds
		} `json:"trips"`
		Waypoints []struct {
			WaypointIndex int `json:"waypoint_index"`
		} `json:"waypoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" || len(out.Trips) == 0 || len(out.Waypoints) != len(wps)+1 {
		return nil, fmt.Errorf("routing provider: no trip (code=%s)", out.Code)
	}

	// waypoints[k] describes input coordinate k; waypoint_index is its
	// position in the trip. Input 0 is the start, so drop it and shift.
	type placed struct{ input, pos int }
	order := make([]placed, 0, len(wps))
	for k := 1; k < len(out.Waypoints); k++ {
		order = append(order, placed{input: k - 1, pos: out.Waypoints[k].WaypointIndex})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].pos < order[j].pos })
	seq := make([]int, len(order))
	for i, p := range order {
		seq[i] = p.input
	}
	return &ProviderRoute{
		Order:       seq,
		DistanceKm:  out.Trips[0].Distance / 1000,
		DurationMin: out.Trips[0].Duration / 60,
	}, nil
}
