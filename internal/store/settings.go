package store

import (
	"context"
	"time"

	"github.com/scanshop/companion-sync/pkg/db/models"
)

// Keys of the scalar settings area.
const (
	SettingFingerprintHash = "catalog.fingerprint.hash"
	SettingFingerprintID   = "catalog.fingerprint.id"
	SettingLastSyncAt      = "catalog.last_sync_at"
	SettingERPToken        = "erp.token"
	SettingERPTokenExpiry  = "erp.token_expires_at"
)

// GetSettingTx reads a scalar inside an open transaction.
func GetSettingTx(tx *Tx, key string) (string, bool, error) {
	rec, found, err := Get[models.Setting](tx, key)
	if err != nil || !found {
		return "", found, err
	}
	return rec.Value, true, nil
}

// PutSettingTx writes a scalar inside an open transaction.
func PutSettingTx(tx *Tx, key, value string) error {
	return Put(tx, models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()})
}

// DeleteSettingTx removes a scalar inside an open transaction.
func DeleteSettingTx(tx *Tx, key string) error {
	return Delete[models.Setting](tx, key)
}

// GetSetting reads a scalar in its own transaction.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.Do(ctx, func(tx *Tx) error {
		var err error
		value, found, err = GetSettingTx(tx, key)
		return err
	})
	return value, found, err
}

// PutSetting writes a scalar in its own transaction.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.Do(ctx, func(tx *Tx) error {
		return PutSettingTx(tx, key, value)
	})
}

// DeleteSetting removes a scalar in its own transaction.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.Do(ctx, func(tx *Tx) error {
		return DeleteSettingTx(tx, key)
	})
}
