package webhookhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/subsync/subsync/app/models"
	"github.com/subsync/subsync/internal/pkg/pipeline"
)

// rawEvent mirrors the provider's envelope: an event wrapping the affected
// billing object plus a sparse diff of changed attributes.
type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes map[string]any  `json:"previous_attributes"`
	} `json:"data"`
}

type rawObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	PeriodStart        int64  `json:"period_start"`
	PeriodEnd          int64  `json:"period_end"`
	AmountPaid         int64  `json:"amount_paid"`
	AmountDue          int64  `json:"amount_due"`
	AmountTotal        int64  `json:"amount_total"`
	Currency           string `json:"currency"`
	ClientReferenceID  string `json:"client_reference_id"`
	CustomerEmail      string `json:"customer_email"`
	CustomerDetails    struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	DefaultPaymentMethod string `json:"default_payment_method"`
	Items                struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	LastPaymentError struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// ParseEvent extracts the pipeline event from a raw provider payload. It
// performs shape validation only; business meaning is the dispatcher's job.
func ParseEvent(payload []byte) (*pipeline.Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("webhook payload missing event id")
	}
	if strings.TrimSpace(raw.Type) == "" {
		return nil, errors.New("webhook payload missing event type")
	}
	if len(raw.Data.Object) == 0 {
		return nil, errors.New("webhook payload missing data object")
	}

	var obj rawObject
	if err := json.Unmarshal(raw.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode event object: %w", err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, errors.New("webhook object missing id")
	}

	ev := &pipeline.Event{
		ID:                 raw.ID,
		Type:               raw.Type,
		ObjectID:           obj.ID,
		Provider:           models.ProviderStripe,
		ProviderCustomerID: obj.Customer,
		PreviousAttributes: raw.Data.PreviousAttributes,
		Payload: pipeline.EventPayload{
			Status:            obj.Status,
			CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
			Currency:          obj.Currency,
			PaymentMethod:     obj.DefaultPaymentMethod,
			ClientReferenceID: obj.ClientReferenceID,
			FailureReason:     obj.LastPaymentError.Message,
		},
	}

	// Subscription objects carry their own id; invoices and checkout
	// sessions reference the subscription by id.
	if strings.HasPrefix(raw.Type, "customer.subscription.") {
		ev.Payload.ProviderSubscriptionID = obj.ID
	} else {
		ev.Payload.ProviderSubscriptionID = obj.Subscription
	}

	if obj.CurrentPeriodStart > 0 {
		ev.Payload.PeriodStart = obj.CurrentPeriodStart
	} else {
		ev.Payload.PeriodStart = obj.PeriodStart
	}
	if obj.CurrentPeriodEnd > 0 {
		ev.Payload.PeriodEnd = obj.CurrentPeriodEnd
	} else {
		ev.Payload.PeriodEnd = obj.PeriodEnd
	}

	switch {
	case obj.AmountPaid > 0:
		ev.Payload.Amount = obj.AmountPaid
	case obj.AmountTotal > 0:
		ev.Payload.Amount = obj.AmountTotal
	default:
		ev.Payload.Amount = obj.AmountDue
	}

	if obj.CustomerEmail != "" {
		ev.Payload.Email = obj.CustomerEmail
	} else {
		ev.Payload.Email = obj.CustomerDetails.Email
	}

	for _, item := range obj.Items.Data {
		if item.Price.ID != "" {
			ev.Payload.PriceIDs = append(ev.Payload.PriceIDs, item.Price.ID)
		}
		if item.Price.Recurring.Interval != "" && ev.Payload.BillingInterval == "" {
			ev.Payload.BillingInterval = item.Price.Recurring.Interval
		}
	}

	return ev, nil
}
