package geo

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/example/carpool/internal/models"
)

// ErrMalformedPolyline is returned when a stored polyline cannot be decoded
// or decodes to an empty point list.
var ErrMalformedPolyline = errors.New("malformed polyline")

const earthRadiusMeters = 6371000.0

// Haversine distance in meters. The asin argument is clamped to [0,1] so
// coincident or near-antipodal points cannot push it out of range through
// floating-point overshoot.
func Haversine(a, b models.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	if h < 0 {
		h = 0
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// CumulativeDistances returns the running distance along the polyline:
// cum[0] = 0, cum[i] = cum[i-1] + Haversine(points[i-1], points[i]).
func CumulativeDistances(points []models.GeoPoint) []float64 {
	if len(points) == 0 {
		return nil
	}
	cum := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		cum[i] = cum[i-1] + Haversine(points[i-1], points[i])
	}
	return cum
}

// Project finds the closest point on the polyline to query. cum must be the
// CumulativeDistances of points; pass nil to have it computed here.
//
// The interpolation parameter t is computed with a planar dot product on raw
// lat/lng while the candidate distances use the spherical formula. Station
// tolerances are small relative to Earth's curvature, so the planar t stays
// accurate enough and saves an iterative great-circle solver. The matcher's
// tolerance threshold was chosen against this approximation; changing one
// without re-validating the other will shift match results.
func Project(query models.GeoPoint, points []models.GeoPoint, cum []float64) models.Projection {
	if len(points) < 2 {
		p := models.Projection{}
		if len(points) == 1 {
			p.ClosestPoint = points[0]
			p.DistanceMeters = Haversine(query, points[0])
		}
		return p
	}
	if cum == nil {
		cum = CumulativeDistances(points)
	}

	best := models.Projection{DistanceMeters: math.Inf(1)}
	for i := 0; i < len(points)-1; i++ {
		a, b := points[i], points[i+1]
		dLat := b.Lat - a.Lat
		dLng := b.Lng - a.Lng
		segSq := dLat*dLat + dLng*dLng

		t := 0.0
		if segSq > 0 {
			t = ((query.Lat-a.Lat)*dLat + (query.Lng-a.Lng)*dLng) / segSq
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}

		cand := models.GeoPoint{Lat: a.Lat + dLat*t, Lng: a.Lng + dLng*t}
		dist := Haversine(query, cand)
		if dist < best.DistanceMeters {
			best = models.Projection{
				ClosestPoint:   cand,
				PosMeters:      cum[i] + Haversine(a, b)*t,
				DistanceMeters: dist,
			}
		}
	}
	return best
}

// ParsePolyline decodes the persisted form of a route polyline: a JSON array
// of {lat,lng} objects in travel order. An empty array is malformed; a route
// must have at least its start point.
func ParsePolyline(raw []byte) ([]models.GeoPoint, error) {
	var points []models.GeoPoint
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, ErrMalformedPolyline
	}
	if len(points) == 0 {
		return nil, ErrMalformedPolyline
	}
	return points, nil
}

// EncodePolyline is the inverse of ParsePolyline.
func EncodePolyline(points []models.GeoPoint) []byte {
	b, _ := json.Marshal(points)
	return b
}
