package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway wraps stripe-go PaymentIntent hold/capture flows for
// booking fares.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the given API key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// Hold creates a manual-capture PaymentIntent for the fare and returns its
// ID. Funds stay held until Capture or Cancel.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent after dropoff. Holds
// that are never captured expire on Stripe's side; no explicit cancel is
// needed because an accepted booking only leaves that state by boarding.
func (s *StripeGateway) Capture(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Capture(paymentRef, nil)
	return err
}
