package models

import "time"

const FailedEventMaxRetries = 3

// FailedEvent records a delivery whose handling failed permanently for this
// event, together with the raw payload so an operator-triggered retry can
// replay it. Rows are deleted once MaxRetries is exhausted or after the
// retention window.
type FailedEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	EventKey    string     `gorm:"type:varchar(191);not null;index" json:"event_key"`
	EventType   string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CustomerID  string     `gorm:"type:varchar(64);index" json:"customer_id"`
	Error       string     `gorm:"type:text" json:"error"`
	PayloadJSON string     `gorm:"type:longtext" json:"payload_json"`
	OccurredAt  time.Time  `gorm:"type:timestamp;not null;index" json:"occurred_at"`
	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries  int        `gorm:"not null;default:3" json:"max_retries"`
	LastRetryAt *time.Time `gorm:"type:timestamp;default:null" json:"last_retry_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsRetryable reports whether the record still has retry budget left.
func (f *FailedEvent) IsRetryable() bool {
	max := f.MaxRetries
	if max <= 0 {
		max = FailedEventMaxRetries
	}
	return f.RetryCount < max
}
