package matcher

import (
	"log/slog"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Config holds the search tolerances. StationToleranceMeters bounds how far
// a station may sit from the route polyline; it was tuned against the planar
// projection approximation in the geo package and should not be widened
// independently of it.
type Config struct {
	StationToleranceMeters float64
}

func DefaultConfig() Config {
	return Config{StationToleranceMeters: 300}
}

// Service filters candidate route offers against a rider's search. It holds
// no mutable state; concurrent searches need no locking.
type Service struct {
	Cfg    Config
	Logger *slog.Logger
}

func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.StationToleranceMeters <= 0 {
		cfg.StationToleranceMeters = DefaultConfig().StationToleranceMeters
	}
	return &Service{Cfg: cfg, Logger: logger}
}

// Match filters candidates and returns those a rider at pickup/dropoff could
// join. Candidates are expected to be pre-filtered to published offers with
// enough free seats; candidate order is preserved and no ranking is applied.
// An offer whose stored polyline cannot be parsed is skipped, never failing
// the whole search.
func (s *Service) Match(pickup, dropoff models.Station, desired time.Time, candidates []models.RouteOffer) []models.Match {
	matches := make([]models.Match, 0, len(candidates))
	for _, offer := range candidates {
		points, err := geo.ParsePolyline(offer.Polyline)
		if err != nil {
			observability.OffersSkippedMalformed.Inc()
			if s.Logger != nil {
				s.Logger.Warn("skipping offer with malformed polyline", "offer_id", offer.ID)
			}
			continue
		}

		cum := geo.CumulativeDistances(points)
		pickupProj := geo.Project(pickup.Loc, points, cum)
		dropoffProj := geo.Project(dropoff.Loc, points, cum)

		if pickupProj.DistanceMeters > s.Cfg.StationToleranceMeters ||
			dropoffProj.DistanceMeters > s.Cfg.StationToleranceMeters {
			continue
		}
		if pickupProj.PosMeters >= dropoffProj.PosMeters {
			continue
		}
		if !withinFlex(offer.DepartureTime, desired, offer.FlexMinutes) {
			continue
		}

		matches = append(matches, models.Match{Offer: offer, Pickup: pickupProj, Dropoff: dropoffProj})
	}
	observability.OffersMatched.Add(float64(len(matches)))
	return matches
}

// withinFlex checks |departure - desired| against the offer's own tolerance.
func withinFlex(departure, desired time.Time, flexMinutes int) bool {
	delta := departure.Sub(desired)
	if delta < 0 {
		delta = -delta
	}
	return delta <= time.Duration(flexMinutes)*time.Minute
}
