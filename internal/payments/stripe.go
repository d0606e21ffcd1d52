package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

// StripeGate creates a Stripe Checkout Session per appointment entering
// awaiting_payment. The session id doubles as the payment reference; the
// webhook matches it back on checkout.session.completed.
type StripeGate struct {
	secretKey  string
	successURL string
	cancelURL  string
}

type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

func NewStripeGate(cfg StripeConfig) (*StripeGate, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	return &StripeGate{
		secretKey:  key,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		cancelURL:  strings.TrimSpace(cfg.CancelURL),
	}, nil
}

func (g *StripeGate) CreateOrder(_ context.Context, appt model.Appointment) (string, error) {
	stripe.Key = g.secretKey

	currency := strings.ToLower(appt.Currency)
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(appt.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(appt.FeeCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Appointment " + appt.StartTime.UTC().Format(time.RFC3339)),
					},
				},
			},
		},
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"provider_id":    appt.ProviderID,
			"requester_id":   appt.RequesterID,
			"fee_cents":      fmt.Sprintf("%d", appt.FeeCents),
		},
	}
	// Stripe-level idempotency: retried accepts reuse the appointment+version key.
	params.IdempotencyKey = stripe.String(fmt.Sprintf("appt-%s-v%d", appt.ID, appt.Version))

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}
