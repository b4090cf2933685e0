package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.ServerConfig{
		PricingBaseCents:         500,
		PricingPerKmCents:        100,
		PricingPerMinCents:       10,
		PricingCarpoolMultiplier: 0.85,
		PricingSpeedMps:          12,
		PricingCurrency:          "usd",
		StationToleranceMeters:   300,
		SearchWindow:             24 * time.Hour,
		QuoteCacheTTL:            time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger, storage.NewMemoryStore())
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func seedScenario(t *testing.T, s *Server) (offerID string) {
	t.Helper()
	// numeric station id exercises boundary normalization
	if rec := doJSON(t, s, "POST", "/api/v1/stations", map[string]any{"id": 101, "loc": models.GeoPoint{Lat: 0, Lng: 0.5}}); rec.Code != http.StatusCreated {
		t.Fatalf("create pickup station: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, "POST", "/api/v1/stations", map[string]any{"id": "st-drop", "loc": models.GeoPoint{Lat: 0, Lng: 1.5}}); rec.Code != http.StatusCreated {
		t.Fatalf("create dropoff station: %d", rec.Code)
	}

	rec := doJSON(t, s, "POST", "/api/v1/offers", map[string]any{
		"driver_id":      "drv-1",
		"polyline":       []models.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}},
		"departure_time": time.Now().Add(time.Hour).Format(time.RFC3339),
		"flex_minutes":   60,
		"capacity":       2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create offer: %d %s", rec.Code, rec.Body.String())
	}
	var offer models.RouteOffer
	decodeBody(t, rec, &offer)

	if rec := doJSON(t, s, "POST", "/api/v1/offers/"+offer.ID+"/publish", nil); rec.Code != http.StatusOK {
		t.Fatalf("publish offer: %d %s", rec.Code, rec.Body.String())
	}
	return offer.ID
}

func TestSearchAndBookingFlow(t *testing.T) {
	s := newTestServer(t)
	offerID := seedScenario(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/offers/search", map[string]any{
		"pickup_station_id":  101,
		"dropoff_station_id": "st-drop",
		"desired_time":       time.Now().Add(time.Hour).Format(time.RFC3339),
		"seats":              1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var searchResp struct {
		Matches []models.Match `json:"matches"`
	}
	decodeBody(t, rec, &searchResp)
	if len(searchResp.Matches) != 1 || searchResp.Matches[0].Offer.ID != offerID {
		t.Fatalf("expected the published offer in results, got %+v", searchResp.Matches)
	}

	rec = doJSON(t, s, "POST", "/api/v1/bookings", map[string]any{
		"route_offer_id":     offerID,
		"rider_id":           "rider-1",
		"seats":              1,
		"pickup_station_id":  "101",
		"dropoff_station_id": "st-drop",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request booking: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Booking models.Booking `json:"booking"`
		PinCode string         `json:"pin_code"`
	}
	decodeBody(t, rec, &created)
	if created.Booking.Status != models.BookingRequested {
		t.Fatalf("expected requested, got %s", created.Booking.Status)
	}
	if len(created.PinCode) != 4 {
		t.Fatalf("expected a 4-digit pin, got %q", created.PinCode)
	}

	id := created.Booking.ID
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+id+"/accept", nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}

	wrong := "0000"
	if wrong == created.PinCode {
		wrong = "0001"
	}
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+id+"/board", map[string]any{"pin_code": wrong}); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong pin should be 403, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+id+"/board", map[string]any{"pin_code": created.PinCode}); rec.Code != http.StatusOK {
		t.Fatalf("board: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+id+"/drop", nil); rec.Code != http.StatusOK {
		t.Fatalf("drop: %d %s", rec.Code, rec.Body.String())
	}

	// the ride is complete; further transitions conflict
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+id+"/accept", nil); rec.Code != http.StatusConflict {
		t.Fatalf("accept after drop should be 409, got %d", rec.Code)
	}
}

func TestQuoteEndpointAndOrdering(t *testing.T) {
	s := newTestServer(t)
	offerID := seedScenario(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/offers/"+offerID+"/quote", map[string]any{
		"pickup_station_id":  "101",
		"dropoff_station_id": "st-drop",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body.String())
	}
	var q models.SegmentQuote
	decodeBody(t, rec, &q)
	if q.PriceCents <= 0 || q.PickupPosMeters >= q.DropoffPosMeters {
		t.Fatalf("bad quote: %+v", q)
	}

	// reversed direction is a client error
	rec = doJSON(t, s, "POST", "/api/v1/offers/"+offerID+"/quote", map[string]any{
		"pickup_station_id":  "st-drop",
		"dropoff_station_id": "101",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reversed quote should be 400, got %d", rec.Code)
	}
}

func TestCapacityConflictOverHTTP(t *testing.T) {
	s := newTestServer(t)
	offerID := seedScenario(t, s)

	var ids []string
	for i := 0; i < 2; i++ {
		rec := doJSON(t, s, "POST", "/api/v1/bookings", map[string]any{
			"route_offer_id":     offerID,
			"rider_id":           fmt.Sprintf("rider-%d", i),
			"seats":              2,
			"pickup_station_id":  "101",
			"dropoff_station_id": "st-drop",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("request booking %d: %d", i, rec.Code)
		}
		var created struct {
			Booking models.Booking `json:"booking"`
		}
		decodeBody(t, rec, &created)
		ids = append(ids, created.Booking.ID)
	}

	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+ids[0]+"/accept", nil); rec.Code != http.StatusOK {
		t.Fatalf("first accept: %d", rec.Code)
	}
	if rec := doJSON(t, s, "POST", "/api/v1/bookings/"+ids[1]+"/accept", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second accept should be 409, got %d", rec.Code)
	}
}

type fakeGeoPrefilter struct {
	ids []string
	err error
}

func (f *fakeGeoPrefilter) NearbyOfferIDs(ctx context.Context, p models.GeoPoint, radiusMeters float64, limit int) ([]string, error) {
	return f.ids, f.err
}

func searchMatches(t *testing.T, s *Server) []models.Match {
	t.Helper()
	rec := doJSON(t, s, "POST", "/api/v1/offers/search", map[string]any{
		"pickup_station_id":  "101",
		"dropoff_station_id": "st-drop",
		"desired_time":       time.Now().Add(time.Hour).Format(time.RFC3339),
		"seats":              1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Matches []models.Match `json:"matches"`
	}
	decodeBody(t, rec, &resp)
	return resp.Matches
}

func TestSearchKeepsOffersMissingFromGeoIndex(t *testing.T) {
	s := newTestServer(t)
	offerID := seedScenario(t, s)

	// the published offer never made it into the index
	s.GeoIdx = &fakeGeoPrefilter{ids: []string{"some-other-offer"}}

	matches := searchMatches(t, s)
	if len(matches) != 1 || matches[0].Offer.ID != offerID {
		t.Fatalf("offer absent from the geo index must still match, got %+v", matches)
	}
}

func TestSearchGeoHintOrdersNearFirst(t *testing.T) {
	s := newTestServer(t)
	first := seedScenario(t, s)

	// second offer on the same corridor
	rec := doJSON(t, s, "POST", "/api/v1/offers", map[string]any{
		"driver_id":      "drv-2",
		"polyline":       []models.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}},
		"departure_time": time.Now().Add(time.Hour).Format(time.RFC3339),
		"flex_minutes":   60,
		"capacity":       2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create second offer: %d", rec.Code)
	}
	var second models.RouteOffer
	decodeBody(t, rec, &second)
	if rec := doJSON(t, s, "POST", "/api/v1/offers/"+second.ID+"/publish", nil); rec.Code != http.StatusOK {
		t.Fatalf("publish second offer: %d", rec.Code)
	}

	s.GeoIdx = &fakeGeoPrefilter{ids: []string{second.ID}}

	matches := searchMatches(t, s)
	if len(matches) != 2 {
		t.Fatalf("both offers must match, got %d", len(matches))
	}
	if matches[0].Offer.ID != second.ID || matches[1].Offer.ID != first {
		t.Fatalf("indexed offer must sort first, got %s then %s", matches[0].Offer.ID, matches[1].Offer.ID)
	}
}

func TestSearchSurvivesGeoIndexError(t *testing.T) {
	s := newTestServer(t)
	offerID := seedScenario(t, s)

	s.GeoIdx = &fakeGeoPrefilter{err: errors.New("redis down")}

	matches := searchMatches(t, s)
	if len(matches) != 1 || matches[0].Offer.ID != offerID {
		t.Fatalf("geo index failure must not hide offers, got %+v", matches)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDriverWSSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/drivers/drv-1"
	notice := models.BookingNotice{BookingID: "bk-1", RouteOfferID: "off-1"}

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()
	waitFor(t, "first session to register", func() bool {
		return s.WSReg.NotifyDriver("drv-1", notice) == nil
	})

	// a reconnect replaces the session; the server closes the old conn
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer conn2.Close()
	// drain conn1 (it may still hold the delivered notice) until the server
	// closes it
	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn1.ReadMessage(); err != nil {
			break
		}
	}

	// the stale connection's teardown must not evict the live session
	if err := s.WSReg.NotifyDriver("drv-1", notice); err != nil {
		t.Fatalf("replacement session lost: %v", err)
	}

	// dropping the live connection removes the session so notices fall
	// through to the push notifiers
	conn2.Close()
	waitFor(t, "dead session removal", func() bool {
		return errors.Is(s.WSReg.NotifyDriver("drv-1", notice), dispatch.ErrNoSession)
	})
}

func TestNotFoundMapping(t *testing.T) {
	s := newTestServer(t)
	if rec := doJSON(t, s, "GET", "/api/v1/offers/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "GET", "/api/v1/stations/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "GET", "/api/v1/bookings/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
