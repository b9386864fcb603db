package models

import (
	"time"

	"github.com/shopspring/decimal"

	dbtypes "github.com/scanshop/companion-sync/pkg/db/types"
)

// CurrentCartID is the key of the single in-progress cart on a device.
const CurrentCartID = "current"

// CartLine is one scanned article. Subtotal is derived and recomputed on
// every mutation.
type CartLine struct {
	Code        string          `json:"code" validate:"required"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// CartRecord persists the device cart between app sessions.
type CartRecord struct {
	ID        string                   `gorm:"column:id;primaryKey"`
	Lines     dbtypes.JSON[[]CartLine] `gorm:"column:lines;type:text;not null"`
	UpdatedAt time.Time                `gorm:"column:updated_at"`
}

func (CartRecord) TableName() string { return "carts" }

func (CartRecord) PrimaryKey() string { return "id" }

func (CartRecord) Indexes() map[string]string { return nil }
