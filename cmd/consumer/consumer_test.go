package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

// fakeIndexer implements OfferIndexer for tests
type fakeIndexer struct {
	failAdd     int // number of times to fail Add before succeeding
	failRemove  int
	addCalls    int
	removeCalls int
	removedIDs  []string
}

func (f *fakeIndexer) Add(ctx context.Context, evt models.OfferEvent) error {
	f.addCalls++
	if f.addCalls <= f.failAdd {
		return errors.New("add fail")
	}
	return nil
}

func (f *fakeIndexer) Remove(ctx context.Context, offerID string) error {
	f.removeCalls++
	if f.removeCalls <= f.failRemove {
		return errors.New("remove fail")
	}
	f.removedIDs = append(f.removedIDs, offerID)
	return nil
}

func publishedEvent() models.OfferEvent {
	return models.OfferEvent{
		Type:          "offer_published",
		OfferID:       "off-1",
		DriverID:      "drv-1",
		Start:         models.GeoPoint{Lat: 48.1, Lng: 11.5},
		DepartureTime: time.Now().Add(time.Hour),
		Seats:         3,
	}
}

func TestApplyEventWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndexer{failAdd: 2}
	start := time.Now()
	if err := applyEventWithRetry(context.Background(), f, publishedEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.addCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.addCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyEventWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndexer{failAdd: 5}
	if err := applyEventWithRetry(context.Background(), f, publishedEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.addCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.addCalls)
	}
}

func TestApplyEventWithRetry_ClosedRemoves(t *testing.T) {
	f := &fakeIndexer{}
	evt := models.OfferEvent{Type: "offer_closed", OfferID: "off-9"}
	if err := applyEventWithRetry(context.Background(), f, evt, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.addCalls != 0 || f.removeCalls != 1 || f.removedIDs[0] != "off-9" {
		t.Fatalf("expected a single removal of off-9, got add=%d remove=%v", f.addCalls, f.removedIDs)
	}
}

func TestApplyEventWithRetry_CancelledContext(t *testing.T) {
	f := &fakeIndexer{failAdd: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyEventWithRetry(ctx, f, publishedEvent(), 3, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.addCalls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", f.addCalls)
	}
}
