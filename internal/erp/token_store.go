package erp

import (
	"context"
	"time"

	"github.com/scanshop/companion-sync/internal/store"
)

// SettingsTokenStore keeps the bearer token in the local settings area.
type SettingsTokenStore struct {
	store *store.Store
}

// NewSettingsTokenStore binds a TokenStore to the local store.
func NewSettingsTokenStore(s *store.Store) *SettingsTokenStore {
	return &SettingsTokenStore{store: s}
}

// LoadToken implements TokenStore.
func (s *SettingsTokenStore) LoadToken(ctx context.Context) (Token, bool, error) {
	var token Token
	found := false
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		value, ok, err := store.GetSettingTx(tx, store.SettingERPToken)
		if err != nil || !ok {
			return err
		}
		rawExpiry, ok, err := store.GetSettingTx(tx, store.SettingERPTokenExpiry)
		if err != nil || !ok {
			return err
		}
		expires, err := time.Parse(time.RFC3339Nano, rawExpiry)
		if err != nil {
			return nil
		}
		token = Token{Value: value, ExpiresAt: expires}
		found = true
		return nil
	})
	return token, found, err
}

// SaveToken implements TokenStore.
func (s *SettingsTokenStore) SaveToken(ctx context.Context, token Token) error {
	return s.store.Do(ctx, func(tx *store.Tx) error {
		if err := store.PutSettingTx(tx, store.SettingERPToken, token.Value); err != nil {
			return err
		}
		return store.PutSettingTx(tx, store.SettingERPTokenExpiry, token.ExpiresAt.UTC().Format(time.RFC3339Nano))
	})
}
