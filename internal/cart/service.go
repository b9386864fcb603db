package cart

import (
	"context"
	"errors"
	"time"

	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
	dbtypes "github.com/scanshop/companion-sync/pkg/db/types"
)

// Service persists the device cart between sessions.
type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(s *store.Store) (*Service, error) {
	if s == nil {
		return nil, errors.New("local store required")
	}
	return &Service{store: s, now: time.Now}, nil
}

// Load returns the current cart, empty when none was saved.
func (s *Service) Load(ctx context.Context) (Cart, error) {
	var out Cart
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		rec, ok, err := store.Get[models.CartRecord](tx, models.CurrentCartID)
		if err != nil || !ok {
			return err
		}
		out.Lines, _ = Totals(rec.Lines.Val)
		return nil
	})
	return out, err
}

// Save replaces the current cart.
func (s *Service) Save(ctx context.Context, c Cart) error {
	lines, _ := Totals(c.Lines)
	return s.store.Do(ctx, func(tx *store.Tx) error {
		return store.Put(tx, models.CartRecord{
			ID:        models.CurrentCartID,
			Lines:     dbtypes.NewJSON(lines),
			UpdatedAt: s.now().UTC(),
		})
	})
}

// Clear empties the current cart.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Do(ctx, func(tx *store.Tx) error {
		return ClearTx(tx)
	})
}

// ClearTx empties the cart inside a caller-owned transaction.
func ClearTx(tx *store.Tx) error {
	return store.Delete[models.CartRecord](tx, models.CurrentCartID)
}
