package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process. Values
// load from environment variables with defaults good enough to run locally.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	OfferEventTopic   string
	BookingEventTopic string

	PGDSN string

	StripeAPIKey  string
	NotifyWebhook string
	FCMEndpoint   string
	FCMKey        string

	PricingBaseCents         float64
	PricingPerKmCents        float64
	PricingPerMinCents       float64
	PricingCarpoolMultiplier float64
	PricingSpeedMps          float64
	PricingCurrency          string

	StationToleranceMeters float64
	SearchWindow           time.Duration
	GeoPrefilterRadiusM    float64
	GeoPrefilterLimit      int

	QuoteCacheTTL time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:       "offers_geo",
		OfferEventTopic:   "offer-events",
		BookingEventTopic: "booking-events",

		PricingBaseCents:         500,
		PricingPerKmCents:        100,
		PricingPerMinCents:       10,
		PricingCarpoolMultiplier: 0.85,
		PricingSpeedMps:          12,
		PricingCurrency:          "usd",

		StationToleranceMeters: 300,
		SearchWindow:           24 * time.Hour,
		GeoPrefilterRadiusM:    50000,
		GeoPrefilterLimit:      200,

		QuoteCacheTTL: 5 * time.Minute,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.OfferEventTopic, "KAFKA_OFFER_TOPIC")
	setStringFromEnv(&cfg.BookingEventTopic, "KAFKA_BOOKING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.NotifyWebhook = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setFloatFromEnv(&cfg.PricingBaseCents, "PRICING_BASE_CENTS", &errs)
	setFloatFromEnv(&cfg.PricingPerKmCents, "PRICING_PER_KM_CENTS", &errs)
	setFloatFromEnv(&cfg.PricingPerMinCents, "PRICING_PER_MIN_CENTS", &errs)
	setFloatFromEnv(&cfg.PricingCarpoolMultiplier, "PRICING_CARPOOL_MULTIPLIER", &errs)
	setFloatFromEnv(&cfg.PricingSpeedMps, "PRICING_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.PricingCurrency, "PRICING_CURRENCY")

	setFloatFromEnv(&cfg.StationToleranceMeters, "STATION_TOLERANCE_METERS", &errs)
	setDurationFromEnv(&cfg.SearchWindow, "SEARCH_WINDOW", &errs)
	setFloatFromEnv(&cfg.GeoPrefilterRadiusM, "GEO_PREFILTER_RADIUS_M", &errs)
	setIntFromEnv(&cfg.GeoPrefilterLimit, "GEO_PREFILTER_LIMIT", &errs)

	setDurationFromEnv(&cfg.QuoteCacheTTL, "QUOTE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.PricingSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_SPEED_MPS must be > 0"))
	}
	if cfg.StationToleranceMeters <= 0 {
		errs = append(errs, fmt.Errorf("STATION_TOLERANCE_METERS must be > 0"))
	}
	if cfg.SearchWindow <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
