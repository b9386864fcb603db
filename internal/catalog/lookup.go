package catalog

import (
	"context"
	"strings"

	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Match is a resolved product and the code that was scanned.
type Match struct {
	Product  models.Product `json:"product"`
	Scanned  string         `json:"scanned"`
	ViaAlias bool           `json:"via_alias"`
}

// Lookup resolves a scanned code against principal codes first and then one
// alias hop.
func (s *Service) Lookup(ctx context.Context, code string) (Match, bool, error) {
	scanned := models.NormalizeCode(code)
	var (
		match Match
		found bool
	)
	if scanned == "" {
		return match, false, nil
	}
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		p, ok, err := store.Get[models.Product](tx, scanned)
		if err != nil {
			return err
		}
		if ok {
			match, found = Match{Product: p, Scanned: scanned}, true
			return nil
		}
		alias, ok, err := store.Get[models.ProductAlias](tx, scanned)
		if err != nil || !ok {
			return err
		}
		p, ok, err = store.Get[models.Product](tx, alias.ProductCode)
		if err != nil || !ok {
			return err
		}
		match, found = Match{Product: p, Scanned: scanned, ViaAlias: true}, true
		return nil
	})
	return match, found, err
}

// Search returns products whose code or description contains term, ordered
// by code.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]models.Product, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []models.Product{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	pattern := "%" + escapeLike(term) + "%"
	var out []models.Product
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().
			Where(`code LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'`, pattern, pattern).
			Order("code").
			Limit(limit).
			Find(&out).Error
	})
	return out, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
