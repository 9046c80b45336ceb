package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/subsync/subsync/app/models"
	"github.com/subsync/subsync/internal/pkg/plans"
)

// Dispatcher maps a provider event type to one reconciliation action.
// Unrecognized event types are deliberate no-ops so new provider types stay
// safe without a code change.
type Dispatcher struct {
	recon *Reconciler
	plans *plans.Resolver
	repo  Repository
}

// NewDispatcher creates a dispatcher over the given reconciler and resolver.
func NewDispatcher(recon *Reconciler, resolver *plans.Resolver, repo Repository) *Dispatcher {
	return &Dispatcher{
		recon: recon,
		plans: resolver,
		repo:  repo,
	}
}

// Dispatch applies the type-specific handling for ev. The caller already
// holds the customer lock.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return d.handleCheckoutCompleted(ctx, ev)
	case EventInvoicePaid:
		return d.handleInvoicePaid(ctx, ev)
	case EventInvoicePaymentFailed:
		return d.handleInvoicePaymentFailed(ctx, ev)
	case EventSubscriptionUpdated:
		return d.handleSubscriptionUpdated(ctx, ev)
	case EventSubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, ev)
	case EventSubscriptionCreated:
		// Creation is handled exactly once at checkout completion; the
		// provider always delivers this event after it for our signup flow.
		log.Infof("[Dispatcher] Ignoring %s for %s", ev.Type, ev.ObjectID)
		return nil
	default:
		log.Infof("[Dispatcher] No handler for event type %s, ignoring", ev.Type)
		return nil
	}
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, ev *Event) error {
	provider := eventProvider(ev)

	if ev.Payload.ClientReferenceID != "" && ev.ProviderCustomerID != "" {
		link := &models.CustomerLink{
			CustomerID:         ev.Payload.ClientReferenceID,
			Provider:           provider,
			ProviderCustomerID: ev.ProviderCustomerID,
			Email:              ev.Payload.Email,
		}
		if err := d.repo.UpsertCustomerLink(link); err != nil {
			return fmt.Errorf("failed to link provider customer %s: %w", ev.ProviderCustomerID, err)
		}
	}

	subID := strings.TrimSpace(ev.Payload.ProviderSubscriptionID)
	if subID != "" {
		existing, err := d.repo.GetSubscription(ev.CustomerID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load subscription for %s: %w", ev.CustomerID, err)
		}
		if existing != nil && existing.ProviderSubscriptionID == subID {
			log.Infof("[Dispatcher] Subscription %s already recorded for customer %s, skipping checkout", subID, ev.CustomerID)
			return nil
		}
	}

	tier, err := d.resolveTier(ctx, ev)
	if err != nil {
		return err
	}

	patch := SubscriptionPatch{
		Tier:                   strPtr(tier),
		Status:                 strPtr(models.SubscriptionStatusActive),
		CancelAtPeriodEnd:      boolPtr(false),
		PaymentFailureReason:   strPtr(""),
		ProviderCustomerID:     strPtr(ev.ProviderCustomerID),
		ProviderSubscriptionID: strPtr(subID),
	}
	addBillingFields(&patch, ev)

	_, err = d.recon.Reconcile(ctx, ev.CustomerID, patch)
	return err
}

func (d *Dispatcher) handleInvoicePaid(ctx context.Context, ev *Event) error {
	// All fields are absolute, never incremental, so re-applying is safe.
	patch := SubscriptionPatch{
		Status:               strPtr(models.SubscriptionStatusActive),
		CancelAtPeriodEnd:    boolPtr(false),
		PaymentFailureReason: strPtr(""),
	}
	if ev.Payload.ProviderSubscriptionID != "" {
		patch.ProviderSubscriptionID = strPtr(ev.Payload.ProviderSubscriptionID)
	}
	addBillingFields(&patch, ev)

	_, err := d.recon.Reconcile(ctx, ev.CustomerID, patch)
	return err
}

func (d *Dispatcher) handleInvoicePaymentFailed(ctx context.Context, ev *Event) error {
	// Mirrors explicit cancellation so downstream access control has one
	// code path for revoked access.
	reason := ev.Payload.FailureReason
	if reason == "" {
		reason = "payment_failed"
	}
	patch := SubscriptionPatch{
		Status:               strPtr(models.SubscriptionStatusCanceled),
		CancelAtPeriodEnd:    boolPtr(true),
		PaymentFailureReason: strPtr(reason),
	}

	_, err := d.recon.Reconcile(ctx, ev.CustomerID, patch)
	return err
}

func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, ev *Event) error {
	if !hasMeaningfulChange(ev) {
		log.Infof("[Dispatcher] No attribute change in %s for %s, skipping", ev.Type, ev.ObjectID)
		return nil
	}

	tier, err := d.resolveTier(ctx, ev)
	if err != nil {
		return err
	}

	patch := SubscriptionPatch{
		Tier:              strPtr(tier),
		CancelAtPeriodEnd: boolPtr(ev.Payload.CancelAtPeriodEnd),
	}
	if ev.Payload.Status != "" {
		patch.Status = strPtr(normalizeStatus(ev.Payload.Status))
	}
	if ev.Payload.ProviderSubscriptionID != "" {
		patch.ProviderSubscriptionID = strPtr(ev.Payload.ProviderSubscriptionID)
	}
	addBillingFields(&patch, ev)

	_, err = d.recon.Reconcile(ctx, ev.CustomerID, patch)
	return err
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, ev *Event) error {
	patch := SubscriptionPatch{
		Status:            strPtr(models.SubscriptionStatusCanceled),
		CancelAtPeriodEnd: boolPtr(false),
	}

	_, err := d.recon.Reconcile(ctx, ev.CustomerID, patch)
	return err
}

func (d *Dispatcher) resolveTier(ctx context.Context, ev *Event) (string, error) {
	if len(ev.Payload.PriceIDs) == 0 {
		return string(plans.TierFree), nil
	}
	_, tier, err := d.plans.ResolveBestTier(ctx, eventProvider(ev), ev.Payload.PriceIDs, ev.Payload.BillingInterval)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to resolve tier: %w", err)
	}
	return tier, nil
}

// hasMeaningfulChange reports whether previous_attributes carries an actual
// value diff in status, cancellation flag, items, or payment method. A field
// merely being present in the payload is not evidence of change; only a value
// that differs from the current one qualifies.
func hasMeaningfulChange(ev *Event) bool {
	prev := ev.PreviousAttributes
	if len(prev) == 0 {
		return false
	}

	if raw, ok := prev["status"]; ok {
		if old, ok := raw.(string); ok && !strings.EqualFold(old, ev.Payload.Status) {
			return true
		}
	}
	if raw, ok := prev["cancel_at_period_end"]; ok {
		if old, ok := raw.(bool); ok && old != ev.Payload.CancelAtPeriodEnd {
			return true
		}
	}
	if raw, ok := prev["default_payment_method"]; ok {
		old, _ := raw.(string)
		if old != ev.Payload.PaymentMethod {
			return true
		}
	}
	if raw, ok := prev["items"]; ok {
		oldPrices, parsed := priceIDsFromItems(raw)
		if !parsed {
			// Unable to prove equality, so treat as changed.
			log.Warnf("[Dispatcher] Unparseable previous items for %s, treating as change", ev.ObjectID)
			return true
		}
		if !samePriceSet(oldPrices, ev.Payload.PriceIDs) {
			return true
		}
	}
	return false
}

// priceIDsFromItems extracts price ids from a previous_attributes items
// value, which arrives as {"data":[{"price":{"id":...}}]}.
func priceIDsFromItems(raw any) ([]string, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items.Data))
	for _, it := range items.Data {
		if it.Price.ID != "" {
			out = append(out, it.Price.ID)
		}
	}
	return out, true
}

func samePriceSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing,
		models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled,
		models.SubscriptionStatusInactive:
		return strings.ToLower(strings.TrimSpace(status))
	default:
		return models.SubscriptionStatusIncomplete
	}
}

func eventProvider(ev *Event) string {
	if ev.Provider != "" {
		return strings.ToLower(ev.Provider)
	}
	return models.ProviderStripe
}

func addBillingFields(patch *SubscriptionPatch, ev *Event) {
	if ev.Payload.PeriodStart > 0 {
		t := time.Unix(ev.Payload.PeriodStart, 0).UTC()
		patch.BillingPeriodStart = &t
	}
	if ev.Payload.PeriodEnd > 0 {
		t := time.Unix(ev.Payload.PeriodEnd, 0).UTC()
		patch.BillingPeriodEnd = &t
	}
	if ev.Payload.Amount > 0 {
		patch.BillingAmount = &ev.Payload.Amount
	}
	if ev.Payload.Currency != "" {
		c := strings.ToLower(ev.Payload.Currency)
		patch.BillingCurrency = &c
	}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
