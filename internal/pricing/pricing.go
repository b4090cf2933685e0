package pricing

import (
	"errors"
	"math"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

// ErrInvalidSegmentOrder means the pickup projects at or after the dropoff
// along the route. Routes are directional: a rider cannot travel against the
// driver's polyline.
var ErrInvalidSegmentOrder = errors.New("pickup must precede dropoff along the route")

// Config holds the flat pricing coefficients. They are injected rather than
// hard-coded so deployments can tune fares without touching the algorithm.
type Config struct {
	BaseCents         float64
	PerKmCents        float64
	PerMinCents       float64
	CarpoolMultiplier float64
	SpeedMps          float64
	Currency          string
}

func DefaultConfig() Config {
	return Config{
		BaseCents:         500,
		PerKmCents:        100,
		PerMinCents:       10,
		CarpoolMultiplier: 0.85,
		SpeedMps:          12, // ~43 km/h flat assumption, not measured traffic
		Currency:          "usd",
	}
}

// Service prices rider segments against route offer polylines. All methods
// are pure; concurrent use needs no locking.
type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.SpeedMps <= 0 {
		cfg.SpeedMps = DefaultConfig().SpeedMps
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultConfig().Currency
	}
	return &Service{cfg: cfg}
}

// PriceSegment projects both stations onto the offer polyline and prices the
// rideable segment between them.
func (s *Service) PriceSegment(polyline []models.GeoPoint, pickup, dropoff models.Station) (models.SegmentQuote, error) {
	cum := geo.CumulativeDistances(polyline)
	pickupProj := geo.Project(pickup.Loc, polyline, cum)
	dropoffProj := geo.Project(dropoff.Loc, polyline, cum)

	if pickupProj.PosMeters >= dropoffProj.PosMeters {
		return models.SegmentQuote{}, ErrInvalidSegmentOrder
	}

	meters := dropoffProj.PosMeters - pickupProj.PosMeters
	seconds := meters / s.cfg.SpeedMps
	return models.SegmentQuote{
		PickupPosMeters:  pickupProj.PosMeters,
		DropoffPosMeters: dropoffProj.PosMeters,
		SegmentMeters:    meters,
		SegmentSeconds:   seconds,
		PriceCents:       s.fareCents(meters, seconds),
		Currency:         s.cfg.Currency,
	}, nil
}

// EstimateRoute summarizes a full polyline: total length, duration at the
// assumed speed, and the fare for riding it end to end.
func (s *Service) EstimateRoute(polyline []models.GeoPoint) models.RouteEstimate {
	cum := geo.CumulativeDistances(polyline)
	var total float64
	if len(cum) > 0 {
		total = cum[len(cum)-1]
	}
	seconds := total / s.cfg.SpeedMps
	return models.RouteEstimate{
		TotalMeters:  total,
		TotalSeconds: seconds,
		PriceCents:   s.fareCents(total, seconds),
		Currency:     s.cfg.Currency,
	}
}

// fareCents applies the carpool multiplier before the single rounding step.
// Rounding earlier diverges by a cent on short trips.
func (s *Service) fareCents(meters, seconds float64) int64 {
	km := meters / 1000
	minutes := seconds / 60
	raw := (s.cfg.BaseCents + s.cfg.PerKmCents*km + s.cfg.PerMinCents*minutes) * s.cfg.CarpoolMultiplier
	return int64(math.Round(raw))
}
