package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

// KafkaProducer publishes offer and booking lifecycle events.
type KafkaProducer struct {
	offers   *kafka.Writer
	bookings *kafka.Writer
}

func NewKafkaProducer(brokers []string, offerTopic, bookingTopic string) *KafkaProducer {
	return &KafkaProducer{
		offers:   kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: offerTopic, Balancer: &kafka.LeastBytes{}}),
		bookings: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: bookingTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (k *KafkaProducer) PublishOfferEvent(ctx context.Context, evt models.OfferEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.offers.WriteMessages(ctx, kafka.Message{Key: []byte(evt.OfferID), Value: b})
}

func (k *KafkaProducer) PublishBookingEvent(ctx context.Context, evt models.BookingEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.bookings.WriteMessages(ctx, kafka.Message{Key: []byte(evt.BookingID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.offers, k.bookings} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
