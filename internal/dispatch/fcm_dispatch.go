package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/models"
)

// FCMNotifier posts booking notices to the FCM HTTPv1 endpoint for drivers
// whose apps are reachable only via push.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) NotifyDriver(driverID string, n models.BookingNotice) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": "driver-" + driverID,
			"data": map[string]any{
				"booking_id":     n.BookingID,
				"route_offer_id": n.RouteOfferID,
				"seats":          n.Seats,
				"price_cents":    n.PriceCents,
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}
