package models

import "time"

// ProcessedEvent is the durable duplicate filter. One row exists per
// successfully handled delivery; its presence means the event must never be
// re-applied. Rows are garbage-collected by the sweeper after the retention
// window.
type ProcessedEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventKey    string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_key"`
	EventType   string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CustomerID  string    `gorm:"type:varchar(64);not null;index:idx_processed_events_customer_processed,priority:1" json:"customer_id"`
	ProcessedAt time.Time `gorm:"type:timestamp;not null;index:idx_processed_events_customer_processed,priority:2" json:"processed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
