package booking

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/storage"
)

var (
	ErrInvalidStateTransition = errors.New("invalid booking state transition")
	ErrInsufficientCapacity   = errors.New("route offer has insufficient capacity")
	ErrInvalidPin             = errors.New("pin code mismatch")
)

// allowedTransitions is the booking state flow as data. Offered is a valid
// reject source reserved for a driver-side counter-offer flow; nothing in
// this service sets it.
var allowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingRequested: {models.BookingAccepted, models.BookingRejected},
	models.BookingOffered:   {models.BookingRejected},
	models.BookingAccepted:  {models.BookingBoarded},
	models.BookingBoarded:   {models.BookingDropped},
}

func canTransition(from, to models.BookingStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventPublisher pushes lifecycle events to the event stream. Best-effort;
// the lifecycle never fails on a publish error.
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, evt models.BookingEvent) error
}

// Notifier pushes a booking notice to the offer's driver.
type Notifier interface {
	NotifyDriver(driverID string, n models.BookingNotice) error
}

// PaymentGateway holds the rider's fare at accept time and captures it after
// dropoff.
type PaymentGateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentRef string) error
}

// Service drives the booking lifecycle. Events, Notify, and Payments are
// optional collaborators; a nil value disables that side effect.
type Service struct {
	Store    storage.Store
	Pricer   *pricing.Service
	Events   EventPublisher
	Notify   Notifier
	Payments PaymentGateway
	Logger   *slog.Logger
}

type RequestCommand struct {
	RouteOfferID     string
	RiderID          string
	Seats            int
	PickupStationID  string
	DropoffStationID string
}

// Request prices the rider's segment against the offer and creates the
// booking in the requested state. Capacity is not reserved here; it is only
// consumed on Accept.
func (s *Service) Request(ctx context.Context, cmd RequestCommand) (models.Booking, error) {
	if cmd.Seats <= 0 {
		return models.Booking{}, fmt.Errorf("seats must be positive, got %d", cmd.Seats)
	}
	pickup, err := s.Store.GetStation(ctx, cmd.PickupStationID)
	if err != nil {
		return models.Booking{}, err
	}
	dropoff, err := s.Store.GetStation(ctx, cmd.DropoffStationID)
	if err != nil {
		return models.Booking{}, err
	}
	offer, err := s.Store.GetOffer(ctx, cmd.RouteOfferID)
	if err != nil {
		return models.Booking{}, err
	}
	points, err := geo.ParsePolyline(offer.Polyline)
	if err != nil {
		return models.Booking{}, fmt.Errorf("offer %s: %w", offer.ID, err)
	}
	quote, err := s.Pricer.PriceSegment(points, pickup, dropoff)
	if err != nil {
		return models.Booking{}, err
	}

	now := time.Now()
	b := models.Booking{
		ID:               newID(),
		RouteOfferID:     offer.ID,
		RiderID:          cmd.RiderID,
		SeatsRequested:   cmd.Seats,
		PickupStationID:  pickup.ID,
		DropoffStationID: dropoff.ID,
		PickupPosMeters:  quote.PickupPosMeters,
		DropoffPosMeters: quote.DropoffPosMeters,
		PriceCents:       quote.PriceCents,
		Currency:         quote.Currency,
		PinCode:          newPin(),
		Status:           models.BookingRequested,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.SaveBooking(ctx, &b); err != nil {
		return models.Booking{}, err
	}
	observability.BookingsCreated.Inc()
	s.publish(ctx, b, "booking_requested")
	if s.Notify != nil {
		if err := s.Notify.NotifyDriver(offer.DriverID, models.BookingNotice{
			BookingID:    b.ID,
			RouteOfferID: offer.ID,
			RiderID:      b.RiderID,
			Seats:        b.SeatsRequested,
			PriceCents:   b.PriceCents,
			PickupPos:    b.PickupPosMeters,
			DropoffPos:   b.DropoffPosMeters,
		}); err != nil && s.Logger != nil {
			s.Logger.Warn("driver notify failed", "booking_id", b.ID, "error", err)
		}
	}
	return b, nil
}

// Accept reserves seats on the owning offer and moves the booking to
// accepted. The seat decrement and the status change form one atomic unit:
// the decrement happens first through the store's conditional update, and a
// lost status race releases the seats again.
func (s *Service) Accept(ctx context.Context, bookingID string) (models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if !canTransition(b.Status, models.BookingAccepted) {
		return models.Booking{}, ErrInvalidStateTransition
	}

	reserved, err := s.Store.TryReserve(ctx, b.RouteOfferID, b.SeatsRequested)
	if err != nil {
		return models.Booking{}, err
	}
	if !reserved {
		observability.CapacityConflicts.Inc()
		return models.Booking{}, ErrInsufficientCapacity
	}

	ok, err := s.Store.UpdateBookingStatus(ctx, b.ID, b.Status, models.BookingAccepted)
	if err != nil || !ok {
		if relErr := s.Store.ReleaseSeats(ctx, b.RouteOfferID, b.SeatsRequested); relErr != nil && s.Logger != nil {
			s.Logger.Error("seat release failed after lost accept race", "booking_id", b.ID, "error", relErr)
		}
		if err != nil {
			return models.Booking{}, err
		}
		return models.Booking{}, ErrInvalidStateTransition
	}
	b.Status = models.BookingAccepted
	observability.BookingsAccepted.Inc()
	s.publish(ctx, b, "booking_accepted")

	if s.Payments != nil {
		if ref, err := s.Payments.Hold(ctx, b.PriceCents, b.Currency, b.RiderID); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("payment hold failed", "booking_id", b.ID, "error", err)
			}
		} else {
			b.PaymentRef = ref
			if err := s.Store.SetBookingPaymentRef(ctx, b.ID, ref); err != nil && s.Logger != nil {
				s.Logger.Error("payment ref not persisted", "booking_id", b.ID, "error", err)
			}
		}
	}
	return b, nil
}

// Reject moves a requested (or driver-offered) booking to rejected. Capacity
// is untouched: seats are only consumed on Accept.
func (s *Service) Reject(ctx context.Context, bookingID string) (models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if !canTransition(b.Status, models.BookingRejected) {
		return models.Booking{}, ErrInvalidStateTransition
	}
	ok, err := s.Store.UpdateBookingStatus(ctx, b.ID, b.Status, models.BookingRejected)
	if err != nil {
		return models.Booking{}, err
	}
	if !ok {
		return models.Booking{}, ErrInvalidStateTransition
	}
	b.Status = models.BookingRejected
	s.publish(ctx, b, "booking_rejected")
	return b, nil
}

// Board verifies the rider's PIN at the pickup and moves the booking to
// boarded. A wrong PIN leaves the booking untouched and is retryable.
func (s *Service) Board(ctx context.Context, bookingID, pin string) (models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if !canTransition(b.Status, models.BookingBoarded) {
		return models.Booking{}, ErrInvalidStateTransition
	}
	if pin != b.PinCode {
		return models.Booking{}, ErrInvalidPin
	}
	ok, err := s.Store.UpdateBookingStatus(ctx, b.ID, b.Status, models.BookingBoarded)
	if err != nil {
		return models.Booking{}, err
	}
	if !ok {
		return models.Booking{}, ErrInvalidStateTransition
	}
	b.Status = models.BookingBoarded
	s.publish(ctx, b, "booking_boarded")
	return b, nil
}

// Drop completes the ride and captures the held fare.
func (s *Service) Drop(ctx context.Context, bookingID string) (models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if !canTransition(b.Status, models.BookingDropped) {
		return models.Booking{}, ErrInvalidStateTransition
	}
	ok, err := s.Store.UpdateBookingStatus(ctx, b.ID, b.Status, models.BookingDropped)
	if err != nil {
		return models.Booking{}, err
	}
	if !ok {
		return models.Booking{}, ErrInvalidStateTransition
	}
	b.Status = models.BookingDropped
	s.publish(ctx, b, "booking_dropped")

	if s.Payments != nil && b.PaymentRef != "" {
		if err := s.Payments.Capture(ctx, b.PaymentRef); err != nil && s.Logger != nil {
			s.Logger.Warn("payment capture failed", "booking_id", b.ID, "payment_ref", b.PaymentRef, "error", err)
		}
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, bookingID string) (models.Booking, error) {
	return s.Store.GetBooking(ctx, bookingID)
}

func (s *Service) publish(ctx context.Context, b models.Booking, evtType string) {
	if s.Events == nil {
		return
	}
	evt := models.BookingEvent{
		Type:         evtType,
		BookingID:    b.ID,
		RouteOfferID: b.RouteOfferID,
		RiderID:      b.RiderID,
		Seats:        b.SeatsRequested,
		Status:       b.Status,
		At:           time.Now(),
	}
	if err := s.Events.PublishBookingEvent(ctx, evt); err != nil && s.Logger != nil {
		s.Logger.Warn("event publish failed", "booking_id", b.ID, "type", evtType, "error", err)
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// newPin returns a random 4-digit code in [1000,9999].
func newPin() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	n := binary.BigEndian.Uint32(buf[:])
	return fmt.Sprintf("%04d", 1000+n%9000)
}
