package models

import (
	"encoding/json"
	"time"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Projection is the closest point on a route polyline to a query point.
// PosMeters is the cumulative distance from the route start to that point;
// DistanceMeters is the great-circle offset between query and closest point.
type Projection struct {
	ClosestPoint   GeoPoint `json:"closest_point"`
	PosMeters      float64  `json:"pos_meters"`
	DistanceMeters float64  `json:"distance_meters"`
}

type Station struct {
	ID  string   `json:"id"`
	Loc GeoPoint `json:"loc"`
}

type OfferStatus string

const (
	OfferDraft     OfferStatus = "draft"
	OfferPublished OfferStatus = "published"
	OfferClosed    OfferStatus = "closed"
)

// RouteOffer is a driver's published route. Polyline is kept in its wire
// form, a JSON array of {lat,lng} objects in travel order; it is the single
// authoritative geometry and is decoded where geometry is computed.
type RouteOffer struct {
	ID                string          `json:"id"`
	DriverID          string          `json:"driver_id"`
	Polyline          json.RawMessage `json:"polyline"`
	DepartureTime     time.Time       `json:"departure_time"`
	FlexMinutes       int             `json:"flex_minutes"`
	CapacityTotal     int             `json:"capacity_total"`
	CapacityAvailable int             `json:"capacity_available"`
	Status            OfferStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type BookingStatus string

const (
	BookingRequested BookingStatus = "requested"
	BookingOffered   BookingStatus = "offered"
	BookingAccepted  BookingStatus = "accepted"
	BookingBoarded   BookingStatus = "boarded"
	BookingDropped   BookingStatus = "dropped"
	BookingRejected  BookingStatus = "rejected"
)

type Booking struct {
	ID               string        `json:"id"`
	RouteOfferID     string        `json:"route_offer_id"`
	RiderID          string        `json:"rider_id"`
	SeatsRequested   int           `json:"seats_requested"`
	PickupStationID  string        `json:"pickup_station_id"`
	DropoffStationID string        `json:"dropoff_station_id"`
	PickupPosMeters  float64       `json:"pickup_pos_meters"`
	DropoffPosMeters float64       `json:"dropoff_pos_meters"`
	PriceCents       int64         `json:"price_cents"`
	Currency         string        `json:"currency"`
	PinCode          string        `json:"-"`
	PaymentRef       string        `json:"-"`
	Status           BookingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SegmentQuote is the priced portion of a route between a rider's projected
// pickup and dropoff positions.
type SegmentQuote struct {
	PickupPosMeters  float64 `json:"pickup_pos_meters"`
	DropoffPosMeters float64 `json:"dropoff_pos_meters"`
	SegmentMeters    float64 `json:"segment_meters"`
	SegmentSeconds   float64 `json:"segment_seconds"`
	PriceCents       int64   `json:"price_cents"`
	Currency         string  `json:"currency"`
}

// RouteEstimate summarizes a full offer polyline.
type RouteEstimate struct {
	TotalMeters  float64 `json:"total_meters"`
	TotalSeconds float64 `json:"total_seconds"`
	PriceCents   int64   `json:"price_cents"`
	Currency     string  `json:"currency"`
}

type SearchRequest struct {
	PickupStationID  string    `json:"pickup_station_id"`
	DropoffStationID string    `json:"dropoff_station_id"`
	DesiredTime      time.Time `json:"desired_time"`
	Seats            int       `json:"seats"`
}

// Match is one route offer that passed all of the search filters, together
// with the projections the filters were computed from.
type Match struct {
	Offer   RouteOffer `json:"offer"`
	Pickup  Projection `json:"pickup"`
	Dropoff Projection `json:"dropoff"`
}

// OfferEvent is published to the event stream when an offer is published, so
// downstream consumers (the geo-index feeder) can react without coupling to
// the API process.
type OfferEvent struct {
	Type          string    `json:"type"`
	OfferID       string    `json:"offer_id"`
	DriverID      string    `json:"driver_id"`
	Start         GeoPoint  `json:"start"`
	DepartureTime time.Time `json:"departure_time"`
	Seats         int       `json:"seats"`
}

// BookingEvent records a booking lifecycle transition on the event stream.
type BookingEvent struct {
	Type         string        `json:"type"`
	BookingID    string        `json:"booking_id"`
	RouteOfferID string        `json:"route_offer_id"`
	RiderID      string        `json:"rider_id"`
	Seats        int           `json:"seats"`
	Status       BookingStatus `json:"status"`
	At           time.Time     `json:"at"`
}

// BookingNotice is pushed to a connected driver when a rider requests a seat
// on one of the driver's offers.
type BookingNotice struct {
	BookingID    string  `json:"booking_id"`
	RouteOfferID string  `json:"route_offer_id"`
	RiderID      string  `json:"rider_id"`
	Seats        int     `json:"seats"`
	PriceCents   int64   `json:"price_cents"`
	PickupPos    float64 `json:"pickup_pos_meters"`
	DropoffPos   float64 `json:"dropoff_pos_meters"`
}
