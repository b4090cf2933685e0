package matcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

var departure = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func offerAlongEquator(t *testing.T, id string) models.RouteOffer {
	t.Helper()
	poly, err := json.Marshal([]models.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}})
	if err != nil {
		t.Fatal(err)
	}
	return models.RouteOffer{
		ID:                id,
		DriverID:          "d1",
		Polyline:          poly,
		DepartureTime:     departure,
		FlexMinutes:       30,
		CapacityTotal:     3,
		CapacityAvailable: 3,
		Status:            models.OfferPublished,
	}
}

func station(id string, lat, lng float64) models.Station {
	return models.Station{ID: id, Loc: models.GeoPoint{Lat: lat, Lng: lng}}
}

func TestMatchIncludesOfferAlongRoute(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	offer := offerAlongEquator(t, "o1")

	got := s.Match(station("p", 0, 0.5), station("d", 0, 1.5), departure.Add(10*time.Minute), []models.RouteOffer{offer})
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	m := got[0]
	if m.Offer.ID != "o1" {
		t.Fatalf("unexpected offer: %s", m.Offer.ID)
	}
	if m.Pickup.PosMeters >= m.Dropoff.PosMeters {
		t.Fatalf("pickup pos %f must precede dropoff pos %f", m.Pickup.PosMeters, m.Dropoff.PosMeters)
	}
}

func TestMatchRejectsFarStation(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	offer := offerAlongEquator(t, "o1")

	// ~0.05 degrees of latitude ~ 5.5 km off the route
	got := s.Match(station("p", 0.05, 0.5), station("d", 0, 1.5), departure, []models.RouteOffer{offer})
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
}

func TestMatchRejectsReversedDirection(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	offer := offerAlongEquator(t, "o1")

	got := s.Match(station("p", 0, 1.5), station("d", 0, 0.5), departure, []models.RouteOffer{offer})
	if len(got) != 0 {
		t.Fatalf("expected no matches for reversed segment, got %d", len(got))
	}
}

func TestMatchRejectsOutsideFlexWindow(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	offer := offerAlongEquator(t, "o1")

	pickup, dropoff := station("p", 0, 0.5), station("d", 0, 1.5)
	if got := s.Match(pickup, dropoff, departure.Add(31*time.Minute), []models.RouteOffer{offer}); len(got) != 0 {
		t.Fatalf("expected rejection 31m after departure with 30m flex, got %d", len(got))
	}
	if got := s.Match(pickup, dropoff, departure.Add(-30*time.Minute), []models.RouteOffer{offer}); len(got) != 1 {
		t.Fatalf("expected match exactly at the flex boundary, got %d", len(got))
	}
}

func TestMatchSkipsMalformedPolyline(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	bad := offerAlongEquator(t, "bad")
	bad.Polyline = json.RawMessage(`[]`)
	good := offerAlongEquator(t, "good")

	got := s.Match(station("p", 0, 0.5), station("d", 0, 1.5), departure, []models.RouteOffer{bad, good})
	if len(got) != 1 || got[0].Offer.ID != "good" {
		t.Fatalf("expected the malformed offer to be skipped, got %+v", got)
	}
}

func TestMatchPreservesCandidateOrder(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	offers := []models.RouteOffer{offerAlongEquator(t, "a"), offerAlongEquator(t, "b"), offerAlongEquator(t, "c")}

	got := s.Match(station("p", 0, 0.5), station("d", 0, 1.5), departure, offers)
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].Offer.ID != id {
			t.Fatalf("candidate order not preserved: %+v", got)
		}
	}
}
