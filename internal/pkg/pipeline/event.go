package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Provider event types handled by the dispatcher. Anything else is a safe
// no-op.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
)

// EventPayload carries the source-of-truth billing fields extracted from the
// provider object. Unix timestamps follow the provider's wire format.
type EventPayload struct {
	ProviderSubscriptionID string   `json:"subscription_id"`
	Status                 string   `json:"status"`
	PriceIDs               []string `json:"price_ids"`
	BillingInterval        string   `json:"billing_interval"`
	CancelAtPeriodEnd      bool     `json:"cancel_at_period_end"`
	PeriodStart            int64    `json:"period_start"`
	PeriodEnd              int64    `json:"period_end"`
	Amount                 int64    `json:"amount"`
	Currency               string   `json:"currency"`
	PaymentMethod          string   `json:"payment_method"`
	FailureReason          string   `json:"failure_reason"`
	ClientReferenceID      string   `json:"client_reference_id"`
	Email                  string   `json:"email"`
}

// Event is a parsed, signature-verified provider notification. The HTTP
// boundary builds it; the pipeline trusts it completely.
type Event struct {
	ID                 string `json:"id" validate:"required"`
	Type               string `json:"type" validate:"required"`
	ObjectID           string `json:"object_id" validate:"required"`
	Provider           string `json:"provider"`
	ProviderCustomerID string `json:"provider_customer_id"`
	CustomerID         string `json:"customer_id"`

	// PreviousAttributes is the provider's sparse diff of changed fields.
	// Absent for event types that do not carry one.
	PreviousAttributes map[string]any `json:"previous_attributes,omitempty"`

	Payload EventPayload `json:"payload"`
}

// Key derives the deduplication key for this delivery. It is stable across
// redeliveries of the same logical event and distinct across unrelated events
// that share an id fragment.
func (e *Event) Key() string {
	return fmt.Sprintf("%s_%s", e.ID, e.ObjectID)
}

// Validate checks the minimal shape the pipeline needs to operate.
func (e *Event) Validate() error {
	v := validator.New()

	return v.Struct(e)
}

// MarshalPayload serializes the full event for failed-event replay storage.
func (e *Event) MarshalPayload() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EventFromPayload restores an event stored by MarshalPayload.
func EventFromPayload(payload string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored event: %w", err)
	}
	if strings.TrimSpace(ev.ID) == "" {
		return nil, fmt.Errorf("stored event is missing an id")
	}
	return &ev, nil
}
