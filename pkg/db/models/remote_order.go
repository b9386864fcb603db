package models

import (
	"time"

	"github.com/scanshop/companion-sync/pkg/enums"
)

// RemoteOrder is the device-side mirror of an order's backend status, used
// by status views that must work offline.
type RemoteOrder struct {
	ID          string            `gorm:"column:id;primaryKey" json:"id"`
	UserID      string            `gorm:"column:user_id;not null;index" json:"user_id"`
	Warehouse   string            `gorm:"column:warehouse;not null;default:''" json:"warehouse"`
	QRCode      string            `gorm:"column:qr_code;not null;default:''" json:"qr_code"`
	Reference   string            `gorm:"column:reference;not null;default:''" json:"reference"`
	Status      enums.OrderStatus `gorm:"column:status;not null" json:"status"`
	ExternalRef *string           `gorm:"column:external_ref" json:"external_ref,omitempty"`
	LastError   *string           `gorm:"column:last_error" json:"last_error,omitempty"`
	UpdatedAt   time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (RemoteOrder) TableName() string { return "remote_orders" }

func (RemoteOrder) PrimaryKey() string { return "id" }

func (RemoteOrder) Indexes() map[string]string {
	return map[string]string{"by_user": "user_id"}
}
