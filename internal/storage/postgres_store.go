package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

// PostgresStore implements Store on database/sql with lib/pq. The capacity
// decrement in TryReserve is a single conditional UPDATE, so the row lock
// taken by Postgres serializes concurrent accepts against the same offer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) SaveStation(ctx context.Context, st models.Station) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stations(id, lat, lng) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
		st.ID, st.Loc.Lat, st.Loc.Lng)
	return err
}

func (p *PostgresStore) GetStation(ctx context.Context, id string) (models.Station, error) {
	var st models.Station
	err := p.db.QueryRowContext(ctx, `SELECT id, lat, lng FROM stations WHERE id=$1`, id).
		Scan(&st.ID, &st.Loc.Lat, &st.Loc.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Station{}, ErrStationNotFound
	}
	if err != nil {
		return models.Station{}, err
	}
	return st, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.RouteOffer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO route_offers(
			id, driver_id, polyline, departure_time, flex_minutes,
			capacity_total, capacity_available, status, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			polyline = EXCLUDED.polyline,
			departure_time = EXCLUDED.departure_time,
			flex_minutes = EXCLUDED.flex_minutes,
			capacity_total = EXCLUDED.capacity_total,
			capacity_available = EXCLUDED.capacity_available,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.DriverID, string(o.Polyline), o.DepartureTime, o.FlexMinutes,
		o.CapacityTotal, o.CapacityAvailable, string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.RouteOffer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, polyline, departure_time, flex_minutes,
		       capacity_total, capacity_available, status, created_at, updated_at
		FROM route_offers WHERE id=$1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) SearchPublished(ctx context.Context, minSeats int, from, to time.Time) ([]models.RouteOffer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, polyline, departure_time, flex_minutes,
		       capacity_total, capacity_available, status, created_at, updated_at
		FROM route_offers
		WHERE status = 'published'
		  AND capacity_available >= $1
		  AND departure_time BETWEEN $2 AND $3
		ORDER BY departure_time`, minSeats, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RouteOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TryReserve(ctx context.Context, offerID string, seats int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE route_offers
		SET capacity_available = capacity_available - $2, updated_at = NOW()
		WHERE id = $1 AND status = 'published' AND capacity_available >= $2`,
		offerID, seats)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ReleaseSeats(ctx context.Context, offerID string, seats int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE route_offers
		SET capacity_available = LEAST(capacity_available + $2, capacity_total), updated_at = NOW()
		WHERE id = $1`, offerID, seats)
	return err
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings(
			id, route_offer_id, rider_id, seats_requested,
			pickup_station_id, dropoff_station_id, pickup_pos_meters, dropoff_pos_meters,
			price_cents, currency, pin_code, payment_ref, status, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.RouteOfferID, b.RiderID, b.SeatsRequested,
		b.PickupStationID, b.DropoffStationID, b.PickupPosMeters, b.DropoffPosMeters,
		b.PriceCents, b.Currency, b.PinCode, b.PaymentRef, string(b.Status), b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) SetBookingPaymentRef(ctx context.Context, id, ref string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE bookings SET payment_ref = $2, updated_at = NOW() WHERE id = $1`, id, ref)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	var b models.Booking
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, route_offer_id, rider_id, seats_requested,
		       pickup_station_id, dropoff_station_id, pickup_pos_meters, dropoff_pos_meters,
		       price_cents, currency, pin_code, payment_ref, status, created_at, updated_at
		FROM bookings WHERE id=$1`, id).
		Scan(&b.ID, &b.RouteOfferID, &b.RiderID, &b.SeatsRequested,
			&b.PickupStationID, &b.DropoffStationID, &b.PickupPosMeters, &b.DropoffPosMeters,
			&b.PriceCents, &b.Currency, &b.PinCode, &b.PaymentRef, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return models.Booking{}, err
	}
	b.Status = models.BookingStatus(status)
	return b, nil
}

func (p *PostgresStore) UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (models.RouteOffer, error) {
	var o models.RouteOffer
	var polyline, status string
	err := row.Scan(&o.ID, &o.DriverID, &polyline, &o.DepartureTime, &o.FlexMinutes,
		&o.CapacityTotal, &o.CapacityAvailable, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RouteOffer{}, ErrOfferNotFound
	}
	if err != nil {
		return models.RouteOffer{}, err
	}
	o.Polyline = []byte(polyline)
	o.Status = models.OfferStatus(status)
	return o, nil
}
