package models

import "time"

const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusInactive   = "inactive"
	SubscriptionStatusIncomplete = "incomplete"
)

// Subscription is the canonical per-customer subscription record. It is owned
// exclusively by the reconciler; every other component treats it as opaque.
// Version increases monotonically on every successful write and
// LastReconciledAt backs the reconciler's write cooldown.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	CustomerID             string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"customer_id"`
	Tier                   string     `gorm:"type:varchar(50);not null;default:'free';index" json:"tier"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'inactive';index" json:"status"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);index" json:"provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);index" json:"provider_subscription_id"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	PaymentFailureReason   string     `gorm:"type:varchar(255)" json:"payment_failure_reason"`
	BillingPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"billing_period_start,omitempty"`
	BillingPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"billing_period_end,omitempty"`
	BillingAmount          int64      `gorm:"default:0" json:"billing_amount"`
	BillingCurrency        string     `gorm:"type:varchar(8)" json:"billing_currency"`
	Version                int64      `gorm:"not null;default:0" json:"version"`
	LastReconciledAt       time.Time  `gorm:"type:timestamp;not null" json:"last_reconciled_at"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
