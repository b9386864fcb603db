package models

import "time"

// AcceptedReference records that the external order system accepted an
// order reference. It is written before any backend bookkeeping so a retry
// never submits the same reference twice.
type AcceptedReference struct {
	Reference   string    `gorm:"column:reference;primaryKey" json:"reference"`
	ExternalRef string    `gorm:"column:external_ref;not null;default:''" json:"external_ref"`
	AcceptedAt  time.Time `gorm:"column:accepted_at;not null" json:"accepted_at"`
}

func (AcceptedReference) TableName() string { return "accepted_references" }

func (AcceptedReference) PrimaryKey() string { return "reference" }

func (AcceptedReference) Indexes() map[string]string { return nil }
