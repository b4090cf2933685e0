package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/models"
)

// Notifier delivers a booking notice to a driver's app.
type Notifier interface {
	NotifyDriver(driverID string, n models.BookingNotice) error
}

// WebhookNotifier posts booking notices to a driver-app backend endpoint.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) NotifyDriver(driverID string, n models.BookingNotice) error {
	payload := map[string]any{"driver_id": driverID, "notice": n}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := w.Client.Post(w.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FallbackNotifier tries each notifier in order until one delivers, so a
// driver with a live websocket gets the notice there and falls back to push
// otherwise.
type FallbackNotifier struct {
	Notifiers []Notifier
}

func (f *FallbackNotifier) NotifyDriver(driverID string, n models.BookingNotice) error {
	var lastErr error
	for _, notifier := range f.Notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.NotifyDriver(driverID, n); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no notifier configured for driver %s", driverID)
	}
	return lastErr
}
