package backend

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/scanshop/companion-sync/pkg/enums"
)

type catalogVersion struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Hash      string    `gorm:"column:hash;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (catalogVersion) TableName() string { return "catalog_versions" }

type remoteProduct struct {
	Code        string          `gorm:"column:code;primaryKey"`
	Description string          `gorm:"column:description;not null"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(12,4);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;not null;index"`
	DeletedAt   *time.Time      `gorm:"column:deleted_at"`
}

func (remoteProduct) TableName() string { return "products" }

func (p remoteProduct) row() ProductRow {
	return ProductRow{Code: p.Code, Description: p.Description, Price: p.Price, UpdatedAt: p.UpdatedAt}
}

type remoteAlias struct {
	Code        string     `gorm:"column:code;primaryKey"`
	ProductCode string     `gorm:"column:product_code;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;index"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

func (remoteAlias) TableName() string { return "product_aliases" }

func (a remoteAlias) row() AliasRow {
	return AliasRow{Code: a.Code, ProductCode: a.ProductCode, UpdatedAt: a.UpdatedAt}
}

type orderRecord struct {
	ID                int64             `gorm:"column:id;primaryKey;autoIncrement"`
	UserID            string            `gorm:"column:user_id;not null;index"`
	Warehouse         string            `gorm:"column:warehouse;not null"`
	QRCode            string            `gorm:"column:qr_code;not null;default:''"`
	ClientRef         *string           `gorm:"column:client_ref;uniqueIndex:ux_orders_client_ref"`
	Status            enums.OrderStatus `gorm:"column:status;not null"`
	StatusDetail      *string           `gorm:"column:status_detail"`
	ExternalRef       *string           `gorm:"column:external_ref"`
	HistoryRecordedAt *time.Time        `gorm:"column:history_recorded_at"`
	CreatedAt         time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;not null"`
}

func (orderRecord) TableName() string { return "orders" }

type orderLineRecord struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID     int64           `gorm:"column:order_id;not null;uniqueIndex:ux_order_lines_position"`
	Position    int             `gorm:"column:position;not null;uniqueIndex:ux_order_lines_position"`
	Code        string          `gorm:"column:code;not null"`
	Description string          `gorm:"column:description;not null"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(12,4);not null"`
	Quantity    int             `gorm:"column:quantity;not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
}

func (orderLineRecord) TableName() string { return "order_lines" }

type purchaseHistoryRecord struct {
	UserID          string          `gorm:"column:user_id;primaryKey"`
	Code            string          `gorm:"column:code;primaryKey"`
	Description     string          `gorm:"column:description;not null"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:numeric(12,4);not null"`
	LastQuantity    int             `gorm:"column:last_quantity;not null"`
	TimesPurchased  int             `gorm:"column:times_purchased;not null"`
	LastPurchasedAt time.Time       `gorm:"column:last_purchased_at;not null"`
}

func (purchaseHistoryRecord) TableName() string { return "purchase_history" }

type erpReference struct {
	Reference   string    `gorm:"column:reference;primaryKey"`
	ExternalRef string    `gorm:"column:external_ref;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (erpReference) TableName() string { return "erp_references" }

func schemaModels() []any {
	return []any{
		&catalogVersion{},
		&remoteProduct{},
		&remoteAlias{},
		&orderRecord{},
		&orderLineRecord{},
		&purchaseHistoryRecord{},
		&erpReference{},
	}
}
