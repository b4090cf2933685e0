package offers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

var ErrInvalidOffer = errors.New("invalid route offer")

// EventPublisher pushes offer events to the event stream.
type EventPublisher interface {
	PublishOfferEvent(ctx context.Context, evt models.OfferEvent) error
}

// GeoIndexer registers an offer's departure point for coarse spatial
// pre-filtering.
type GeoIndexer interface {
	Add(ctx context.Context, evt models.OfferEvent) error
	Remove(ctx context.Context, offerID string) error
}

// Service manages route offer drafts and publication. Events and Index are
// optional collaborators.
type Service struct {
	Store  storage.OfferStore
	Events EventPublisher
	Index  GeoIndexer
	Logger *slog.Logger
}

type CreateCommand struct {
	DriverID      string
	Polyline      json.RawMessage
	DepartureTime time.Time
	FlexMinutes   int
	Capacity      int
}

// Create validates and stores a draft offer. The polyline is checked at
// ingestion so a malformed geometry never reaches storage.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (models.RouteOffer, error) {
	if cmd.DriverID == "" {
		return models.RouteOffer{}, fmt.Errorf("%w: driver id required", ErrInvalidOffer)
	}
	if cmd.Capacity <= 0 {
		return models.RouteOffer{}, fmt.Errorf("%w: capacity must be positive", ErrInvalidOffer)
	}
	if cmd.FlexMinutes < 0 {
		return models.RouteOffer{}, fmt.Errorf("%w: flex minutes must not be negative", ErrInvalidOffer)
	}
	if cmd.DepartureTime.IsZero() {
		return models.RouteOffer{}, fmt.Errorf("%w: departure time required", ErrInvalidOffer)
	}
	points, err := geo.ParsePolyline(cmd.Polyline)
	if err != nil {
		return models.RouteOffer{}, err
	}

	now := time.Now()
	o := models.RouteOffer{
		ID:                newID(),
		DriverID:          cmd.DriverID,
		Polyline:          geo.EncodePolyline(points),
		DepartureTime:     cmd.DepartureTime,
		FlexMinutes:       cmd.FlexMinutes,
		CapacityTotal:     cmd.Capacity,
		CapacityAvailable: cmd.Capacity,
		Status:            models.OfferDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.SaveOffer(ctx, &o); err != nil {
		return models.RouteOffer{}, err
	}
	return o, nil
}

// Publish makes a draft offer visible to searches, announces it on the event
// stream, and registers its departure point in the geo index. Publishing an
// already-published offer is a no-op.
func (s *Service) Publish(ctx context.Context, offerID string) (models.RouteOffer, error) {
	o, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return models.RouteOffer{}, err
	}
	if o.Status == models.OfferPublished {
		return o, nil
	}
	points, err := geo.ParsePolyline(o.Polyline)
	if err != nil {
		return models.RouteOffer{}, fmt.Errorf("offer %s: %w", o.ID, err)
	}

	o.Status = models.OfferPublished
	o.UpdatedAt = time.Now()
	if err := s.Store.SaveOffer(ctx, &o); err != nil {
		return models.RouteOffer{}, err
	}
	observability.OffersPublished.Inc()

	evt := models.OfferEvent{
		Type:          "offer_published",
		OfferID:       o.ID,
		DriverID:      o.DriverID,
		Start:         points[0],
		DepartureTime: o.DepartureTime,
		Seats:         o.CapacityAvailable,
	}
	if s.Events != nil {
		if err := s.Events.PublishOfferEvent(ctx, evt); err != nil && s.Logger != nil {
			s.Logger.Warn("offer event publish failed", "offer_id", o.ID, "error", err)
		}
	}
	if s.Index != nil {
		if err := s.Index.Add(ctx, evt); err != nil && s.Logger != nil {
			s.Logger.Warn("offer geo index update failed", "offer_id", o.ID, "error", err)
		}
	}
	return o, nil
}

// Close withdraws an offer from search. Existing accepted bookings keep
// their seats; only new matching stops. Closing twice is a no-op.
func (s *Service) Close(ctx context.Context, offerID string) (models.RouteOffer, error) {
	o, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return models.RouteOffer{}, err
	}
	if o.Status == models.OfferClosed {
		return o, nil
	}

	o.Status = models.OfferClosed
	o.UpdatedAt = time.Now()
	if err := s.Store.SaveOffer(ctx, &o); err != nil {
		return models.RouteOffer{}, err
	}

	evt := models.OfferEvent{
		Type:          "offer_closed",
		OfferID:       o.ID,
		DriverID:      o.DriverID,
		DepartureTime: o.DepartureTime,
	}
	if s.Events != nil {
		if err := s.Events.PublishOfferEvent(ctx, evt); err != nil && s.Logger != nil {
			s.Logger.Warn("offer event publish failed", "offer_id", o.ID, "error", err)
		}
	}
	if s.Index != nil {
		if err := s.Index.Remove(ctx, o.ID); err != nil && s.Logger != nil {
			s.Logger.Warn("offer geo index removal failed", "offer_id", o.ID, "error", err)
		}
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, offerID string) (models.RouteOffer, error) {
	return s.Store.GetOffer(ctx, offerID)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
