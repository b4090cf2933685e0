package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/geoindex"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_offer_events_consumed_total",
		Help:      "Total offer events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_offer_events_invalid_total",
		Help:      "Total invalid offer events received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_index_updates_total",
		Help:      "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_index_errors_total",
		Help:      "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "carpool-index-feeder"
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	idx := geoindex.NewOfferGeoIndex(redisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	defer idx.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := idx.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.OfferEventTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.OfferEventTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var evt models.OfferEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil || evt.OfferID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid offer event", "error", err)
			continue
		}

		if err := applyEventWithRetry(ctx, idx, evt, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Error("index update failed", "offer_id", evt.OfferID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// OfferIndexer is the subset of the geo index the consumer writes through; a
// fake stands in for it in tests.
type OfferIndexer interface {
	Add(ctx context.Context, evt models.OfferEvent) error
	Remove(ctx context.Context, offerID string) error
}

// applyEventWithRetry mirrors an offer event into the geo index, retrying
// transient failures with doubling delay.
func applyEventWithRetry(ctx context.Context, idx OfferIndexer, evt models.OfferEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		switch evt.Type {
		case "offer_closed":
			err = idx.Remove(ctx, evt.OfferID)
		default:
			err = idx.Add(ctx, evt)
		}
		if err == nil {
			return nil
		}
	}
	return err
}
