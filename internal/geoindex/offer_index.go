package geoindex

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// OfferGeoIndex keeps the departure points of published offers in a Redis
// GEO set, giving searches a cheap "offers starting near here" ordering
// hint before the polyline math runs. It covers route starts only and may
// lag behind publishes, so callers must never treat absence from the index
// as absence of the offer.
type OfferGeoIndex struct {
	client *redis.Client
	key    string
}

func NewOfferGeoIndex(addr, password, key string) *OfferGeoIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &OfferGeoIndex{client: c, key: key}
}

func (g *OfferGeoIndex) Add(ctx context.Context, evt models.OfferEvent) error {
	if _, err := g.client.GeoAdd(ctx, g.key, &redis.GeoLocation{
		Longitude: evt.Start.Lng,
		Latitude:  evt.Start.Lat,
		Name:      evt.OfferID,
	}).Result(); err != nil {
		return err
	}
	return g.client.HSet(ctx, metaKey(evt.OfferID), map[string]interface{}{
		"driver_id": evt.DriverID,
		"departure": evt.DepartureTime.Format(time.RFC3339),
		"seats":     strconv.Itoa(evt.Seats),
	}).Err()
}

func (g *OfferGeoIndex) Remove(ctx context.Context, offerID string) error {
	if err := g.client.ZRem(ctx, g.key, offerID).Err(); err != nil {
		return err
	}
	return g.client.Del(ctx, metaKey(offerID)).Err()
}

// NearbyOfferIDs returns ids of offers whose departure point lies within
// radiusMeters of p, closest first.
func (g *OfferGeoIndex) NearbyOfferIDs(ctx context.Context, p models.GeoPoint, radiusMeters float64, limit int) ([]string, error) {
	res, err := g.client.GeoRadius(ctx, g.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters,
		Unit:   "m",
		Count:  limit,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res))
	for _, loc := range res {
		ids = append(ids, loc.Name)
	}
	return ids, nil
}

func (g *OfferGeoIndex) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *OfferGeoIndex) Close() error { return g.client.Close() }

func metaKey(id string) string { return "offer:meta:" + id }
