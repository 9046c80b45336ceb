package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/subsync/subsync/app/models"
)

// ReconcileOutcome describes what a reconcile call did to the record.
type ReconcileOutcome string

const (
	OutcomeCreated ReconcileOutcome = "created"
	OutcomeUpdated ReconcileOutcome = "updated"
	OutcomeSkipped ReconcileOutcome = "skipped"
)

// DefaultReconcileCooldown absorbs redundant deliveries that pass the dedup
// checks (different event key, same underlying subscription state) without
// burning a version increment.
const DefaultReconcileCooldown = 5 * time.Second

// SubscriptionPatch carries the source-of-truth fields an event handler wants
// to change. Nil fields leave the existing record untouched. Version and
// LastReconciledAt are owned by the reconciler; values smuggled in through a
// patch are stripped before the merge.
type SubscriptionPatch struct {
	Tier                   *string
	Status                 *string
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	CancelAtPeriodEnd      *bool
	PaymentFailureReason   *string
	BillingPeriodStart     *time.Time
	BillingPeriodEnd       *time.Time
	BillingAmount          *int64
	BillingCurrency        *string

	// Derived fields; never applied.
	Version          *int64
	LastReconciledAt *time.Time
}

// IsEmpty reports whether the patch would change nothing.
func (p *SubscriptionPatch) IsEmpty() bool {
	return p.Tier == nil && p.Status == nil && p.ProviderCustomerID == nil &&
		p.ProviderSubscriptionID == nil && p.CancelAtPeriodEnd == nil &&
		p.PaymentFailureReason == nil && p.BillingPeriodStart == nil &&
		p.BillingPeriodEnd == nil && p.BillingAmount == nil && p.BillingCurrency == nil
}

// Reconciler owns the canonical subscription record. It is the only writer;
// every write is a versioned, cooldown-guarded merge.
type Reconciler struct {
	repo     Repository
	cooldown time.Duration
	now      func() time.Time
}

// NewReconciler creates a reconciler with the default cooldown.
func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{
		repo:     repo,
		cooldown: DefaultReconcileCooldown,
		now:      time.Now,
	}
}

// Reconcile merges patch onto the customer's subscription record. The
// existing record wins for every field the patch does not carry; the version
// increases by exactly one per applied write.
func (r *Reconciler) Reconcile(ctx context.Context, customerID string, patch SubscriptionPatch) (ReconcileOutcome, error) {
	_ = ctx
	if strings.TrimSpace(customerID) == "" {
		return "", Permanent(errors.New("customer id is required"))
	}
	r.strip(&patch)

	existing, err := r.repo.GetSubscription(customerID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to load subscription for %s: %w", customerID, err)
		}
		return r.create(customerID, patch)
	}

	if r.withinCooldown(existing, patch) {
		log.Infof("[Reconciler] Cooldown skip for customer %s (subscription %s)", customerID, existing.ProviderSubscriptionID)
		return OutcomeSkipped, nil
	}

	merged := *existing
	applyPatch(&merged, patch)
	merged.Version = existing.Version + 1
	merged.LastReconciledAt = r.now()

	if err := r.repo.UpdateSubscriptionVersioned(&merged, existing.Version); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("subscription for %s changed underneath reconcile (version %d): %w", customerID, existing.Version, err)
		}
		return "", fmt.Errorf("failed to write subscription for %s: %w", customerID, err)
	}
	return OutcomeUpdated, nil
}

func (r *Reconciler) create(customerID string, patch SubscriptionPatch) (ReconcileOutcome, error) {
	sub := models.Subscription{
		CustomerID: customerID,
		Tier:       "free",
		Status:     models.SubscriptionStatusInactive,
	}
	applyPatch(&sub, patch)
	sub.Version = 1
	sub.LastReconciledAt = r.now()

	if err := r.repo.CreateSubscription(&sub); err != nil {
		return "", fmt.Errorf("failed to create subscription for %s: %w", customerID, err)
	}
	return OutcomeCreated, nil
}

func (r *Reconciler) withinCooldown(existing *models.Subscription, patch SubscriptionPatch) bool {
	if patch.ProviderSubscriptionID == nil || existing.ProviderSubscriptionID == "" {
		return false
	}
	if *patch.ProviderSubscriptionID != existing.ProviderSubscriptionID {
		return false
	}
	return r.now().Sub(existing.LastReconciledAt) < r.cooldown
}

func (r *Reconciler) strip(patch *SubscriptionPatch) {
	if patch.Version != nil || patch.LastReconciledAt != nil {
		log.Warnf("[Reconciler] Stripping derived fields from patch")
		patch.Version = nil
		patch.LastReconciledAt = nil
	}
}

func applyPatch(sub *models.Subscription, patch SubscriptionPatch) {
	if patch.Tier != nil {
		sub.Tier = *patch.Tier
	}
	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.ProviderCustomerID != nil {
		sub.ProviderCustomerID = *patch.ProviderCustomerID
	}
	if patch.ProviderSubscriptionID != nil {
		sub.ProviderSubscriptionID = *patch.ProviderSubscriptionID
	}
	if patch.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
	}
	if patch.PaymentFailureReason != nil {
		sub.PaymentFailureReason = *patch.PaymentFailureReason
	}
	if patch.BillingPeriodStart != nil {
		sub.BillingPeriodStart = patch.BillingPeriodStart
	}
	if patch.BillingPeriodEnd != nil {
		sub.BillingPeriodEnd = patch.BillingPeriodEnd
	}
	if patch.BillingAmount != nil {
		sub.BillingAmount = *patch.BillingAmount
	}
	if patch.BillingCurrency != nil {
		sub.BillingCurrency = *patch.BillingCurrency
	}
}
