package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare/internal/models"
)

// RedisGeo implements PickupIndex with one GEO set per event. Lookups are
// bounded by RadiusMeters.
type RedisGeo struct {
	client       redis.UniversalClient
	prefix       string
	RadiusMeters float64
}

func NewRedisGeo(client redis.UniversalClient, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "rideshare:pickups:"
	}
	return &RedisGeo{client: client, prefix: prefix, RadiusMeters: 100000}
}

func (r *RedisGeo) key(eventID string) string { return r.prefix + eventID }

func (r *RedisGeo) Upsert(ctx context.Context, eventID, offerID string, at models.Coord) error {
	return r.client.GeoAdd(ctx, r.key(eventID), &redis.GeoLocation{Longitude: at.Lon, Latitude: at.Lat, Name: offerID}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, eventID, offerID string) error {
	return r.client.ZRem(ctx, r.key(eventID), offerID).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, eventID string, at models.Coord, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     r.RadiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key(eventID), q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{OfferID: g.Name, Meters: g.Dist})
	}
	return out, nil
}
