package models

import (
	"encoding/json"
	"time"
)

// DeliveryItem is an order that reached the backend but still has to reach
// the external order system.
type DeliveryItem struct {
	OrderID     string          `gorm:"column:order_id;primaryKey" json:"order_id"`
	UserID      string          `gorm:"column:user_id;not null;index" json:"user_id"`
	Reference   string          `gorm:"column:reference;not null" json:"reference"`
	Payload     json.RawMessage `gorm:"column:payload;type:text;not null" json:"payload"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
	RetryCount  int             `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Phase       int             `gorm:"column:phase;not null;default:0" json:"phase"`
	NextRetryAt time.Time       `gorm:"column:next_retry_at;not null;index" json:"next_retry_at"`
	ClaimedAt   *time.Time      `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	LastError   *string         `gorm:"column:last_error" json:"last_error,omitempty"`
}

func (DeliveryItem) TableName() string { return "delivery_items" }

func (DeliveryItem) PrimaryKey() string { return "order_id" }

func (DeliveryItem) Indexes() map[string]string {
	return map[string]string{
		"by_user":       "user_id",
		"by_next_retry": "next_retry_at",
	}
}
