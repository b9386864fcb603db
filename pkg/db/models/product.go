package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NormalizeCode is the canonical form of principal and alias codes. Codes are
// stored and looked up in this form so lookups stay keyed reads.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Product is the local replica of a catalog article.
type Product struct {
	Code        string          `gorm:"column:code;primaryKey" json:"code"`
	Description string          `gorm:"column:description;not null;default:''" json:"description"`
	Price       decimal.Decimal `gorm:"column:price;type:text;not null" json:"price"`
	UpdatedAt   time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Product) TableName() string { return "products" }

func (Product) PrimaryKey() string { return "code" }

func (Product) Indexes() map[string]string { return nil }

func (Product) NormalizeKey(key string) string { return NormalizeCode(key) }

func (p *Product) BeforeSave(*gorm.DB) error {
	p.Code = NormalizeCode(p.Code)
	if p.Code == "" {
		return errors.New("product code is required")
	}
	return nil
}

// ProductAlias maps a secondary code (barcode, supplier reference) to exactly
// one principal code.
type ProductAlias struct {
	Code        string    `gorm:"column:code;primaryKey" json:"code"`
	ProductCode string    `gorm:"column:product_code;not null;index" json:"product_code"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ProductAlias) TableName() string { return "product_aliases" }

func (ProductAlias) PrimaryKey() string { return "code" }

func (ProductAlias) Indexes() map[string]string {
	return map[string]string{"by_product": "product_code"}
}

func (ProductAlias) NormalizeKey(key string) string { return NormalizeCode(key) }

func (a *ProductAlias) BeforeSave(*gorm.DB) error {
	a.Code = NormalizeCode(a.Code)
	a.ProductCode = NormalizeCode(a.ProductCode)
	if a.Code == "" || a.ProductCode == "" {
		return errors.New("alias code and product code are required")
	}
	if a.Code == a.ProductCode {
		return errors.New("alias cannot point at itself")
	}
	return nil
}
