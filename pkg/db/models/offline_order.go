package models

import (
	"time"

	dbtypes "github.com/scanshop/companion-sync/pkg/db/types"
)

// OfflineOrder is a checkout that never reached the backend. RemoteOrderID
// and LinesAttached record progress so a resumed drain does not create the
// remote order twice.
type OfflineOrder struct {
	ID            string                   `gorm:"column:id;primaryKey" json:"id"`
	UserID        string                   `gorm:"column:user_id;not null;index" json:"user_id"`
	Warehouse     string                   `gorm:"column:warehouse;not null" json:"warehouse"`
	HomeWarehouse string                   `gorm:"column:home_warehouse;not null;default:''" json:"home_warehouse"`
	CustomerCode  string                   `gorm:"column:customer_code;not null;default:''" json:"customer_code"`
	Notes         string                   `gorm:"column:notes;not null;default:''" json:"notes"`
	Lines         dbtypes.JSON[[]CartLine] `gorm:"column:lines;type:text;not null" json:"lines"`
	CreatedAt     time.Time                `gorm:"column:created_at" json:"created_at"`
	RemoteOrderID *string                  `gorm:"column:remote_order_id" json:"remote_order_id,omitempty"`
	QRCode        string                   `gorm:"column:qr_code;not null;default:''" json:"qr_code,omitempty"`
	LinesAttached int                      `gorm:"column:lines_attached;not null;default:0" json:"lines_attached"`
	Attempts      int                      `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ClaimedAt     *time.Time               `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	LastError     *string                  `gorm:"column:last_error" json:"last_error,omitempty"`
}

func (OfflineOrder) TableName() string { return "offline_orders" }

func (OfflineOrder) PrimaryKey() string { return "id" }

func (OfflineOrder) Indexes() map[string]string {
	return map[string]string{"by_user": "user_id"}
}
