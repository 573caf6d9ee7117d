package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// Index is the geospatial "couriers within radius" collaborator used by the
// matcher and the tracking hub.
type Index interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.CourierProfile, error)
	Upsert(ctx context.Context, c models.CourierProfile) error
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b models.Coord) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b models.Coord) float64 {
	dLon := rad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(rad(b.Lat))
	x := math.Cos(rad(a.Lat))*math.Sin(rad(b.Lat)) -
		math.Sin(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ValidCoord reports whether c lies within [-90,90]x[-180,180].
func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// MemoryIndex is a naive scan index. Fine for tests and single-node dev;
// production uses the Redis GEO implementation.
type MemoryIndex struct {
	mu       sync.RWMutex
	couriers map[string]models.CourierProfile
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{couriers: make(map[string]models.CourierProfile)}
}

func (m *MemoryIndex) Upsert(_ context.Context, c models.CourierProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.LocUpdated.IsZero() {
		c.LocUpdated = time.Now()
	}
	m.couriers[c.ID] = c
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, lat, lon, radiusKm float64, limit int) ([]models.CourierProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	center := models.Coord{Lat: lat, Lon: lon}
	type pair struct {
		c    models.CourierProfile
		dist float64
	}
	arr := make([]pair, 0, len(m.couriers))
	for _, c := range m.couriers {
		d := Haversine(center, c.Loc)
		if d > radiusKm {
			continue
		}
		arr = append(arr, pair{c, d})
	}
	// partial selection sort for the closest N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.CourierProfile, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].c)
	}
	return out, nil
}

// Get returns a courier by id, for tests and the dev wiring.
func (m *MemoryIndex) Get(id string) (models.CourierProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.couriers[id]
	return c, ok
}
