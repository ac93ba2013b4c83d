package geo

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-pooling/internal/models"
)

// RedisIndex projects open driver rides into a Redis GEO set keyed by
// their endpoint, plus a per-ride meta hash. It is a read-side cache
// maintained by the event consumer; ride transitions never depend on it.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, rideID int64, endpoint models.Point, seats int, available bool) error {
	name := strconv.FormatInt(rideID, 10)
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: endpoint.Lon,
		Latitude:  endpoint.Lat,
		Name:      name,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(rideID), map[string]interface{}{
		"seats":     strconv.Itoa(seats),
		"available": strconv.FormatBool(available),
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, rideID int64) error {
	name := strconv.FormatInt(rideID, 10)
	if err := r.client.ZRem(ctx, r.key, name).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(rideID)).Err()
}

// NearbyRideIDs returns ids of indexed rides whose endpoint lies within
// radiusKm of p, nearest first. Meant as a prefilter; callers still run
// the full polyline scan against the store.
func (r *RedisIndex) NearbyRideIDs(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]int64, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Count:  limit,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }

func metaKey(id int64) string { return "ride:meta:" + strconv.FormatInt(id, 10) }
