package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with courier metadata
// kept in a hash next to the geo set.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, c models.CourierProfile) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      c.ID,
		Longitude: c.Loc.Lon,
		Latitude:  c.Loc.Lat,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(c.ID), map[string]interface{}{
		"vehicle_type":     c.VehicleType,
		"capacity_kg":      c.CapacityKg,
		"availability":     string(c.Availability),
		"online":           strconv.FormatBool(c.Online),
		"verified":         strconv.FormatBool(c.Verified),
		"active":           strconv.FormatBool(c.Active),
		"rating":           c.Rating,
		"completed":        c.Completed,
		"failed":           c.Failed,
		"avg_delivery_min": c.AvgDeliveryMin,
		"updated":          time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.CourierProfile, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
	}
	results, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.CourierProfile, 0, len(results))
	for _, g := range results {
		c := models.CourierProfile{
			ID:  g.Name,
			Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err == nil {
			fillMeta(&c, m)
		}
		out = append(out, c)
	}
	return out, nil
}

func fillMeta(c *models.CourierProfile, m map[string]string) {
	c.VehicleType = m["vehicle_type"]
	c.Availability = models.Availability(m["availability"])
	c.Online = m["online"] == "true"
	c.Verified = m["verified"] == "true"
	c.Active = m["active"] == "true"
	if v, err := strconv.ParseFloat(m["capacity_kg"], 64); err == nil {
		c.CapacityKg = v
	}
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		c.Rating = v
	}
	if v, err := strconv.Atoi(m["completed"]); err == nil {
		c.Completed = v
	}
	if v, err := strconv.Atoi(m["failed"]); err == nil {
		c.Failed = v
	}
	if v, err := strconv.ParseFloat(m["avg_delivery_min"], 64); err == nil {
		c.AvgDeliveryMin = v
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		c.LocUpdated = t
	}
}

func metaKey(id string) string { return "courier:meta:" + id }
