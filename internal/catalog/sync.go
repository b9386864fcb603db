package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/enums"
)

const maxPageBackoff = 10 * time.Second

// incrementalSync applies the backend delta in one transaction together with
// the new fingerprint. A non-empty reason means the delta was not applied and
// a full sync is required.
func (s *Service) incrementalSync(ctx context.Context, local, remote backend.Fingerprint) (Result, string, error) {
	stats, err := s.backend.ChangeStats(ctx, local)
	if err != nil {
		return Result{}, "", err
	}
	total := stats.Total()
	switch {
	case total == 0:
		return Result{}, "fingerprints differ but no changes were reported", nil
	case total >= s.cfg.IncrementalCutoff:
		return Result{}, fmt.Sprintf("%d changes exceed incremental cutoff %d", total, s.cfg.IncrementalCutoff), nil
	}

	changes, err := s.backend.ChangedSince(ctx, local)
	if err != nil {
		return Result{}, "", err
	}

	res := Result{Strategy: enums.SyncStrategyIncremental, Fingerprint: remote, FingerprintKept: true}
	err = s.store.Do(ctx, func(tx *store.Tx) error {
		for _, code := range changes.RemovedProducts {
			if err := store.Delete[models.Product](tx, code); err != nil {
				return err
			}
			res.Removed++
		}
		for _, code := range changes.RemovedAliases {
			if err := store.Delete[models.ProductAlias](tx, code); err != nil {
				return err
			}
			res.Removed++
		}

		products := toProducts(changes.Products)
		if err := store.Put(tx, products...); err != nil {
			return err
		}
		res.Products = len(products)

		candidates, dropped := toAliases(changes.Aliases)
		candidates, chainedInDelta := dropChained(candidates)
		dropped += chainedInDelta
		aliases := make([]models.ProductAlias, 0, len(candidates))
		for _, a := range candidates {
			_, chained, err := store.Get[models.ProductAlias](tx, a.ProductCode)
			if err != nil {
				return err
			}
			if chained {
				dropped++
				continue
			}
			aliases = append(aliases, a)
		}
		if err := store.Put(tx, aliases...); err != nil {
			return err
		}
		res.Aliases = len(aliases)
		res.DroppedAliases = dropped

		return s.persistFingerprintTx(tx, remote)
	})
	if err != nil {
		return Result{}, "", err
	}
	return res, "", nil
}

// fullSync downloads both collections before touching local data, then
// replaces each atomically. The fingerprint is written last and only when
// the remote version is known.
func (s *Service) fullSync(ctx context.Context, remote backend.Fingerprint, persist bool) (Result, error) {
	productRows, err := fetchAll(ctx, s, s.backend.FetchProductsPage)
	if err != nil {
		return Result{}, fmt.Errorf("download products: %w", err)
	}
	aliasRows, err := fetchAll(ctx, s, s.backend.FetchAliasesPage)
	if err != nil {
		return Result{}, fmt.Errorf("download aliases: %w", err)
	}

	products := toProducts(productRows)
	aliases, dropped := toAliases(aliasRows)
	aliases, chained := dropChained(aliases)
	dropped += chained

	if err := store.ReplaceAll(ctx, s.store, products); err != nil {
		return Result{}, err
	}
	if err := store.ReplaceAll(ctx, s.store, aliases); err != nil {
		return Result{}, err
	}

	res := Result{
		Strategy:       enums.SyncStrategyFull,
		Fingerprint:    remote,
		Products:       len(products),
		Aliases:        len(aliases),
		DroppedAliases: dropped,
	}
	if !persist {
		return res, nil
	}
	if err := s.store.Do(ctx, func(tx *store.Tx) error {
		return s.persistFingerprintTx(tx, remote)
	}); err != nil {
		return Result{}, err
	}
	res.FingerprintKept = true
	return res, nil
}

// fetchAll pages until a short page, retrying each page with exponential
// backoff.
func fetchAll[T any](ctx context.Context, s *Service, fetch func(ctx context.Context, offset, limit int) ([]T, error)) ([]T, error) {
	var out []T
	for offset := 0; ; offset += s.cfg.PageSize {
		var page []T
		err := retry.Do(ctx, s.pageBackoff(), func(ctx context.Context) error {
			rows, err := fetch(ctx, offset, s.cfg.PageSize)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				return retry.RetryableError(err)
			}
			page = rows
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		out = append(out, page...)
		if len(page) < s.cfg.PageSize {
			return out, nil
		}
	}
}

func (s *Service) pageBackoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.PageRetryBase)
	b = retry.WithCappedDuration(maxPageBackoff, b)
	return retry.WithMaxRetries(uint64(s.cfg.PageRetries-1), b)
}

func toProducts(rows []backend.ProductRow) []models.Product {
	out := make([]models.Product, 0, len(rows))
	for _, row := range rows {
		code := models.NormalizeCode(row.Code)
		if code == "" {
			continue
		}
		out = append(out, models.Product{
			Code:        code,
			Description: row.Description,
			Price:       row.Price,
			UpdatedAt:   row.UpdatedAt.UTC(),
		})
	}
	return out
}

// toAliases normalizes rows and drops blanks and self references.
func toAliases(rows []backend.AliasRow) ([]models.ProductAlias, int) {
	out := make([]models.ProductAlias, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		code := models.NormalizeCode(row.Code)
		target := models.NormalizeCode(row.ProductCode)
		if code == "" || target == "" || code == target {
			dropped++
			continue
		}
		out = append(out, models.ProductAlias{Code: code, ProductCode: target, UpdatedAt: row.UpdatedAt.UTC()})
	}
	return out, dropped
}

// dropChained removes aliases whose target is itself an alias, keeping
// resolution to a single hop.
func dropChained(aliases []models.ProductAlias) ([]models.ProductAlias, int) {
	codes := make(map[string]struct{}, len(aliases))
	for _, a := range aliases {
		codes[a.Code] = struct{}{}
	}
	out := aliases[:0]
	dropped := 0
	for _, a := range aliases {
		if _, chained := codes[a.ProductCode]; chained {
			dropped++
			continue
		}
		out = append(out, a)
	}
	return out, dropped
}
