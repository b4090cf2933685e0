package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/geoindex"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/offers"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/storage"
)

// GeoPrefilter is the slice of the offer geo index the search path reads.
type GeoPrefilter interface {
	NearbyOfferIDs(ctx context.Context, p models.GeoPoint, radiusMeters float64, limit int) ([]string, error)
}

type Server struct {
	Offers   *offers.Service
	Bookings *booking.Service
	Matcher  *matcher.Service
	Pricer   *pricing.Service
	Quotes   *pricing.QuoteCache
	Store    storage.Store
	GeoIdx   GeoPrefilter
	WSReg    *dispatch.WSRegistry

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the handler against explicit dependencies; tests use it
// with in-memory fakes.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, store storage.Store) *Server {
	pricer := pricing.NewService(pricing.Config{
		BaseCents:         cfg.PricingBaseCents,
		PerKmCents:        cfg.PricingPerKmCents,
		PerMinCents:       cfg.PricingPerMinCents,
		CarpoolMultiplier: cfg.PricingCarpoolMultiplier,
		SpeedMps:          cfg.PricingSpeedMps,
		Currency:          cfg.PricingCurrency,
	})
	wsreg := dispatch.NewWSRegistry()

	s := &Server{
		Offers:   &offers.Service{Store: store, Logger: logging.Component(logger, "offers")},
		Bookings: &booking.Service{Store: store, Pricer: pricer, Notify: wsreg, Logger: logging.Component(logger, "booking")},
		Matcher:  matcher.NewService(matcher.Config{StationToleranceMeters: cfg.StationToleranceMeters}, logging.Component(logger, "matcher")),
		Pricer:   pricer,
		Quotes:   pricing.NewQuoteCache(cfg.QuoteCacheTTL),
		Store:    store,
		WSReg:    wsreg,
		cfg:      cfg,
		logger:   logger,
	}
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv builds the production wiring: Postgres when PG_DSN is
// set, Redis geo index and Kafka events when configured, Stripe when an API
// key is present. Anything unconfigured degrades to an in-process fallback.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	s := NewServer(cfg, logger, store)

	if cfg.RedisAddr != "" {
		idx := geoindex.NewOfferGeoIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		s.GeoIdx = idx
		s.Offers.Index = idx
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.OfferEventTopic, cfg.BookingEventTopic)
		s.Offers.Events = producer
		s.Bookings.Events = producer
	}
	if cfg.StripeAPIKey != "" {
		s.Bookings.Payments = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	notifiers := []dispatch.Notifier{s.WSReg}
	if cfg.NotifyWebhook != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(cfg.NotifyWebhook))
	}
	if cfg.FCMEndpoint != "" {
		notifiers = append(notifiers, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	s.Bookings.Notify = &dispatch.FallbackNotifier{Notifiers: notifiers}

	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/stations", s.handleCreateStation).Methods("POST")
	s.mux.HandleFunc("/api/v1/stations/{id}", s.handleGetStation).Methods("GET")

	s.mux.HandleFunc("/api/v1/offers", s.handleCreateOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/search", s.handleSearchOffers).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}", s.handleGetOffer).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{id}/publish", s.handlePublishOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/close", s.handleCloseOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/estimate", s.handleEstimateRoute).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{id}/quote", s.handleQuoteSegment).Methods("POST")

	s.mux.HandleFunc("/api/v1/bookings", s.handleRequestBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/accept", s.handleAcceptBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/reject", s.handleRejectBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/board", s.handleBoardBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/drop", s.handleDropBooking).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// flexID accepts a JSON string or number, normalizing loosely-typed station
// ids at the boundary so only string ids reach the core.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID  flexID          `json:"id"`
		Loc models.GeoPoint `json:"loc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "station id required", http.StatusBadRequest)
		return
	}
	st := models.Station{ID: string(req.ID), Loc: req.Loc}
	if err := s.Store.SaveStation(r.Context(), st); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.GetStation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID      string          `json:"driver_id"`
		Polyline      json.RawMessage `json:"polyline"`
		DepartureTime time.Time       `json:"departure_time"`
		FlexMinutes   int             `json:"flex_minutes"`
		Capacity      int             `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Offers.Create(r.Context(), offers.CreateCommand{
		DriverID:      req.DriverID,
		Polyline:      req.Polyline,
		DepartureTime: req.DepartureTime,
		FlexMinutes:   req.FlexMinutes,
		Capacity:      req.Capacity,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handlePublishOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.Offers.Publish(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCloseOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.Offers.Close(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Quotes.Invalidate(o.ID)
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.Offers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEstimateRoute(w http.ResponseWriter, r *http.Request) {
	o, err := s.Offers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	points, err := geo.ParsePolyline(o.Polyline)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pricer.EstimateRoute(points))
}

func (s *Server) handleQuoteSegment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PickupStationID  flexID `json:"pickup_station_id"`
		DropoffStationID flexID `json:"dropoff_station_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offerID := mux.Vars(r)["id"]
	pickupID, dropoffID := string(req.PickupStationID), string(req.DropoffStationID)

	if q, ok := s.Quotes.Get(offerID, pickupID, dropoffID); ok {
		writeJSON(w, http.StatusOK, q)
		return
	}

	o, err := s.Offers.Get(r.Context(), offerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	points, err := geo.ParsePolyline(o.Polyline)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pickup, err := s.Store.GetStation(r.Context(), pickupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dropoff, err := s.Store.GetStation(r.Context(), dropoffID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := s.Pricer.PriceSegment(points, pickup, dropoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Quotes.Set(offerID, pickupID, dropoffID, q)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleSearchOffers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PickupStationID  flexID    `json:"pickup_station_id"`
		DropoffStationID flexID    `json:"dropoff_station_id"`
		DesiredTime      time.Time `json:"desired_time"`
		Seats            int       `json:"seats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Seats <= 0 {
		http.Error(w, "seats must be positive", http.StatusBadRequest)
		return
	}
	start := time.Now()
	observability.SearchesTotal.Inc()

	pickup, err := s.Store.GetStation(r.Context(), string(req.PickupStationID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	dropoff, err := s.Store.GetStation(r.Context(), string(req.DropoffStationID))
	if err != nil {
		s.writeError(w, err)
		return
	}

	from := req.DesiredTime.Add(-s.cfg.SearchWindow)
	to := req.DesiredTime.Add(s.cfg.SearchWindow)
	candidates, err := s.Store.SearchPublished(r.Context(), req.Seats, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	candidates = s.orderByGeoHint(r, pickup, candidates)

	matches := s.Matcher.Match(pickup, dropoff, req.DesiredTime, candidates)
	observability.SearchLatency.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// orderByGeoHint moves candidates whose departure point the Redis index
// places near the pickup to the front. Every candidate is kept: the index
// only covers route starts and may lag or miss publishes, so it must never
// decide inclusion — dropping a candidate here would hide an offer the
// matcher would accept.
func (s *Server) orderByGeoHint(r *http.Request, pickup models.Station, candidates []models.RouteOffer) []models.RouteOffer {
	if s.GeoIdx == nil || len(candidates) == 0 {
		return candidates
	}
	ids, err := s.GeoIdx.NearbyOfferIDs(r.Context(), pickup.Loc, s.cfg.GeoPrefilterRadiusM, s.cfg.GeoPrefilterLimit)
	if err != nil {
		s.logger.Warn("geo hint unavailable", "error", err)
		return candidates
	}
	near := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		near[id] = struct{}{}
	}
	out := make([]models.RouteOffer, 0, len(candidates))
	var rest []models.RouteOffer
	for _, c := range candidates {
		if _, ok := near[c.ID]; ok {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}

func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RouteOfferID     string `json:"route_offer_id"`
		RiderID          string `json:"rider_id"`
		Seats            int    `json:"seats"`
		PickupStationID  flexID `json:"pickup_station_id"`
		DropoffStationID flexID `json:"dropoff_station_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Bookings.Request(r.Context(), booking.RequestCommand{
		RouteOfferID:     req.RouteOfferID,
		RiderID:          req.RiderID,
		Seats:            req.Seats,
		PickupStationID:  string(req.PickupStationID),
		DropoffStationID: string(req.DropoffStationID),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// the pin is returned once, to the rider who created the booking
	writeJSON(w, http.StatusCreated, map[string]any{"booking": b, "pin_code": b.PinCode})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Accept(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRejectBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Reject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBoardBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PinCode string `json:"pin_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Bookings.Board(r.Context(), mux.Vars(r)["id"], req.PinCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDropBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Drop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its error response
		s.logger.Warn("websocket upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	s.WSReg.Add(driverID, conn)

	// drain the connection; the first read error means the driver is gone
	// and later notices should fall through to the push notifiers
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(driverID, conn)
				return
			}
		}
	}()
}

// writeError maps the service error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, storage.ErrStationNotFound),
		errors.Is(err, storage.ErrOfferNotFound),
		errors.Is(err, storage.ErrBookingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pricing.ErrInvalidSegmentOrder),
		errors.Is(err, geo.ErrMalformedPolyline),
		errors.Is(err, offers.ErrInvalidOffer):
		status = http.StatusBadRequest
	case errors.Is(err, booking.ErrInsufficientCapacity),
		errors.Is(err, booking.ErrInvalidStateTransition):
		status = http.StatusConflict
	case errors.Is(err, booking.ErrInvalidPin):
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "status": strconv.Itoa(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
