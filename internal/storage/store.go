package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

var (
	ErrStationNotFound = errors.New("station not found")
	ErrOfferNotFound   = errors.New("route offer not found")
	ErrBookingNotFound = errors.New("booking not found")
)

// StationStore resolves station ids to coordinates. Stations are immutable
// reference data.
type StationStore interface {
	GetStation(ctx context.Context, id string) (models.Station, error)
	SaveStation(ctx context.Context, st models.Station) error
}

// OfferStore persists route offers. TryReserve is the one mutation that
// touches shared state under concurrency: it must atomically check and
// decrement the available-seat counter, returning false when the offer lacks
// the requested seats.
type OfferStore interface {
	SaveOffer(ctx context.Context, o *models.RouteOffer) error
	GetOffer(ctx context.Context, id string) (models.RouteOffer, error)
	SearchPublished(ctx context.Context, minSeats int, from, to time.Time) ([]models.RouteOffer, error)
	TryReserve(ctx context.Context, offerID string, seats int) (bool, error)
	ReleaseSeats(ctx context.Context, offerID string, seats int) error
}

// BookingStore persists bookings. UpdateBookingStatus is compare-and-swap on
// the current status so two concurrent transitions cannot both apply.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus) (bool, error)
	SetBookingPaymentRef(ctx context.Context, id, ref string) error
}

// Store is the full persistence surface the services are wired against.
type Store interface {
	StationStore
	OfferStore
	BookingStore
}

// MemoryStore is the in-process Store used in tests and for running the
// binary without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	stations map[string]models.Station
	offers   map[string]*models.RouteOffer
	bookings map[string]*models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations: make(map[string]models.Station),
		offers:   make(map[string]*models.RouteOffer),
		bookings: make(map[string]*models.Booking),
	}
}

func (m *MemoryStore) SaveStation(ctx context.Context, st models.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[st.ID] = st
	return nil
}

func (m *MemoryStore) GetStation(ctx context.Context, id string) (models.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stations[id]
	if !ok {
		return models.Station{}, ErrStationNotFound
	}
	return st, nil
}

func (m *MemoryStore) SaveOffer(ctx context.Context, o *models.RouteOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (models.RouteOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.RouteOffer{}, ErrOfferNotFound
	}
	return *o, nil
}

func (m *MemoryStore) SearchPublished(ctx context.Context, minSeats int, from, to time.Time) ([]models.RouteOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RouteOffer, 0)
	for _, o := range m.offers {
		if o.Status != models.OfferPublished || o.CapacityAvailable < minSeats {
			continue
		}
		if o.DepartureTime.Before(from) || o.DepartureTime.After(to) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *MemoryStore) TryReserve(ctx context.Context, offerID string, seats int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, ErrOfferNotFound
	}
	if o.Status != models.OfferPublished || o.CapacityAvailable < seats {
		return false, nil
	}
	o.CapacityAvailable -= seats
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ReleaseSeats(ctx context.Context, offerID string, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	o.CapacityAvailable += seats
	if o.CapacityAvailable > o.CapacityTotal {
		o.CapacityAvailable = o.CapacityTotal
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, ErrBookingNotFound
	}
	return *b, nil
}

func (m *MemoryStore) SetBookingPaymentRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PaymentRef = ref
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return true, nil
}
