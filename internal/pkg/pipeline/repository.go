package pipeline

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subsync/subsync/app/models"
)

// Repository provides the DB operations used by the pipeline.
type Repository interface {
	// Durable dedup.
	IsProcessed(eventKey string) (bool, error)
	MarkProcessed(rec *models.ProcessedEvent) (bool, error)
	RecentProcessedForCustomer(customerID, excludeEventType string, since time.Time) ([]models.ProcessedEvent, error)
	DeleteProcessedBefore(cutoff time.Time) (int64, error)

	// Failed events.
	CreateFailedEvent(rec *models.FailedEvent) error
	GetFailedEventByKey(eventKey string) (*models.FailedEvent, error)
	ListRetryableFailedEvents(limit int) ([]models.FailedEvent, error)
	SaveFailedEvent(rec *models.FailedEvent) error
	DeleteFailedEvent(id uint) error
	DeleteExhaustedFailedEvents(cutoff time.Time) (int64, error)

	// Subscription record.
	GetSubscription(customerID string) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	UpdateSubscriptionVersioned(sub *models.Subscription, expectedVersion int64) error

	// Customer index.
	ResolveCustomerID(provider, providerCustomerID string) (string, error)
	UpsertCustomerLink(link *models.CustomerLink) error

	// Raw delivery audit.
	RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a pipeline repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) IsProcessed(eventKey string) (bool, error) {
	var count int64
	err := r.db.Model(&models.ProcessedEvent{}).Where("event_key = ?", eventKey).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormRepository) MarkProcessed(rec *models.ProcessedEvent) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(rec)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) RecentProcessedForCustomer(customerID, excludeEventType string, since time.Time) ([]models.ProcessedEvent, error) {
	var recs []models.ProcessedEvent
	err := r.db.
		Where("customer_id = ? AND event_type <> ? AND processed_at >= ?", customerID, excludeEventType, since).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) DeleteProcessedBefore(cutoff time.Time) (int64, error) {
	tx := r.db.Where("processed_at < ?", cutoff).Delete(&models.ProcessedEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CreateFailedEvent(rec *models.FailedEvent) error {
	return r.db.Create(rec).Error
}

func (r *gormRepository) GetFailedEventByKey(eventKey string) (*models.FailedEvent, error) {
	var rec models.FailedEvent
	err := r.db.Where("event_key = ?", eventKey).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListRetryableFailedEvents(limit int) ([]models.FailedEvent, error) {
	var recs []models.FailedEvent
	err := r.db.
		Where("retry_count < max_retries").
		Order("occurred_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) SaveFailedEvent(rec *models.FailedEvent) error {
	return r.db.Save(rec).Error
}

func (r *gormRepository) DeleteFailedEvent(id uint) error {
	return r.db.Delete(&models.FailedEvent{}, id).Error
}

func (r *gormRepository) DeleteExhaustedFailedEvents(cutoff time.Time) (int64, error) {
	tx := r.db.
		Where("retry_count >= max_retries OR occurred_at < ?", cutoff).
		Delete(&models.FailedEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) GetSubscription(customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("customer_id = ?", customerID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

// UpdateSubscriptionVersioned writes the record only while its stored version
// still matches expectedVersion. A concurrent writer makes the update match
// zero rows, which surfaces as gorm.ErrRecordNotFound.
func (r *gormRepository) UpdateSubscriptionVersioned(sub *models.Subscription, expectedVersion int64) error {
	tx := r.db.Model(&models.Subscription{}).
		Where("customer_id = ? AND version = ?", sub.CustomerID, expectedVersion).
		Updates(map[string]interface{}{
			"tier":                     sub.Tier,
			"status":                   sub.Status,
			"provider_customer_id":     sub.ProviderCustomerID,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"cancel_at_period_end":     sub.CancelAtPeriodEnd,
			"payment_failure_reason":   sub.PaymentFailureReason,
			"billing_period_start":     sub.BillingPeriodStart,
			"billing_period_end":       sub.BillingPeriodEnd,
			"billing_amount":           sub.BillingAmount,
			"billing_currency":         sub.BillingCurrency,
			"version":                  sub.Version,
			"last_reconciled_at":       sub.LastReconciledAt,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ResolveCustomerID(provider, providerCustomerID string) (string, error) {
	var link models.CustomerLink
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).First(&link).Error
	if err != nil {
		return "", err
	}
	return link.CustomerID, nil
}

func (r *gormRepository) UpsertCustomerLink(link *models.CustomerLink) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_customer_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id",
			"email",
			"updated_at",
		}),
	}).Create(link).Error; err != nil {
		return err
	}

	return r.db.Where("provider = ? AND provider_customer_id = ?", link.Provider, link.ProviderCustomerID).
		First(link).Error
}

func (r *gormRepository) RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
