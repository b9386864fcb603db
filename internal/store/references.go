package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

// ReferenceLedger is the on-device record of references the external order
// system accepted. It satisfies idempotency.Store and stays available while
// the backend is unreachable.
type ReferenceLedger struct {
	store *Store
	now   func() time.Time
}

// NewReferenceLedger builds a ledger over s.
func NewReferenceLedger(s *Store) *ReferenceLedger {
	return &ReferenceLedger{store: s, now: time.Now}
}

func (l *ReferenceLedger) Lookup(ctx context.Context, reference string) (string, bool, error) {
	var (
		rec   models.AcceptedReference
		found bool
	)
	err := l.store.Do(ctx, func(tx *Tx) error {
		var err error
		rec, found, err = Get[models.AcceptedReference](tx, strings.TrimSpace(reference))
		return err
	})
	if err != nil {
		return "", false, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "lookup accepted reference")
	}
	return rec.ExternalRef, found, nil
}

// Record keeps the first external reference stored for reference.
func (l *ReferenceLedger) Record(ctx context.Context, reference, externalRef string) error {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "reference is required")
	}
	err := l.store.Do(ctx, func(tx *Tx) error {
		return tx.DB().Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AcceptedReference{
			Reference:   ref,
			ExternalRef: externalRef,
			AcceptedAt:  l.now().UTC(),
		}).Error
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "record accepted reference")
	}
	return nil
}
