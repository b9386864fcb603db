package models

import "time"

// Setting is one scalar in the local key-value area (catalog fingerprint,
// last sync time, cached ERP token).
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Setting) TableName() string { return "settings" }

func (Setting) PrimaryKey() string { return "key" }

func (Setting) Indexes() map[string]string { return nil }
