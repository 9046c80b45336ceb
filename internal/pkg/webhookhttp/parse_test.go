package webhookhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync/subsync/internal/pkg/pipeline"
)

func TestParseEventSubscriptionObject(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_1",
				"customer": "cus_1",
				"status": "active",
				"cancel_at_period_end": true,
				"current_period_start": 1767225600,
				"current_period_end": 1769904000,
				"currency": "eur",
				"items": {
					"data": [
						{"price": {"id": "price_pro_month", "recurring": {"interval": "month"}}}
					]
				}
			},
			"previous_attributes": {"cancel_at_period_end": false}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, pipeline.EventSubscriptionUpdated, ev.Type)
	assert.Equal(t, "sub_1", ev.ObjectID)
	assert.Equal(t, "cus_1", ev.ProviderCustomerID)
	// Subscription objects are their own subscription reference.
	assert.Equal(t, "sub_1", ev.Payload.ProviderSubscriptionID)
	assert.Equal(t, "active", ev.Payload.Status)
	assert.True(t, ev.Payload.CancelAtPeriodEnd)
	assert.Equal(t, int64(1767225600), ev.Payload.PeriodStart)
	assert.Equal(t, []string{"price_pro_month"}, ev.Payload.PriceIDs)
	assert.Equal(t, "month", ev.Payload.BillingInterval)
	assert.Equal(t, false, ev.PreviousAttributes["cancel_at_period_end"])
}

func TestParseEventInvoiceObject(t *testing.T) {
	payload := []byte(`{
		"id": "evt_2",
		"type": "invoice.paid",
		"data": {
			"object": {
				"id": "in_1",
				"customer": "cus_1",
				"subscription": "sub_1",
				"amount_paid": 999,
				"currency": "eur",
				"period_start": 1767225600,
				"period_end": 1769904000
			}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "in_1", ev.ObjectID)
	assert.Equal(t, "sub_1", ev.Payload.ProviderSubscriptionID)
	assert.Equal(t, int64(999), ev.Payload.Amount)
	// Invoices carry period_start/period_end instead of current_period_*.
	assert.Equal(t, int64(1767225600), ev.Payload.PeriodStart)
	assert.Equal(t, int64(1769904000), ev.Payload.PeriodEnd)
}

func TestParseEventCheckoutSession(t *testing.T) {
	payload := []byte(`{
		"id": "evt_3",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_1",
				"customer": "cus_1",
				"subscription": "sub_1",
				"client_reference_id": "u1",
				"amount_total": 999,
				"currency": "eur",
				"customer_details": {"email": "u1@example.com"}
			}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "u1", ev.Payload.ClientReferenceID)
	assert.Equal(t, "u1@example.com", ev.Payload.Email)
	assert.Equal(t, int64(999), ev.Payload.Amount)
	assert.Equal(t, "evt_3_cs_1", ev.Key())
}

func TestParseEventFailedPayment(t *testing.T) {
	payload := []byte(`{
		"id": "evt_4",
		"type": "invoice.payment_failed",
		"data": {
			"object": {
				"id": "in_2",
				"customer": "cus_1",
				"subscription": "sub_1",
				"amount_due": 999,
				"last_payment_error": {"message": "card_declined"}
			}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "card_declined", ev.Payload.FailureReason)
	assert.Equal(t, int64(999), ev.Payload.Amount)
}

func TestParseEventRejectsBrokenEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{broken`},
		{"missing id", `{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`},
		{"missing type", `{"id":"evt_1","data":{"object":{"id":"in_1"}}}`},
		{"missing object", `{"id":"evt_1","type":"invoice.paid","data":{}}`},
		{"object without id", `{"id":"evt_1","type":"invoice.paid","data":{"object":{"customer":"cus_1"}}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}
