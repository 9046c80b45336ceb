package models

import "time"

// Billing provider constants used across billing-related models.
const (
	ProviderStripe = "stripe"
)

// CustomerLink maps a provider customer id to the internal customer id. The
// checkout flow writes the link; every later event for that provider customer
// resolves through it.
type CustomerLink struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	CustomerID         string    `gorm:"type:varchar(64);not null;index:ux_customer_links_customer_provider,unique,priority:1" json:"customer_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_customer_links_customer_provider,unique,priority:2;index:ux_customer_links_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index:ux_customer_links_provider_customer,unique,priority:2" json:"provider_customer_id"`
	Email              string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
