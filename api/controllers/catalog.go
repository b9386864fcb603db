package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/api/validators"
	"github.com/scanshop/companion-sync/internal/catalog"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

type CatalogSyncer interface {
	CheckAndSync(ctx context.Context) (catalog.Result, error)
	ForceResync(ctx context.Context) error
	Status(ctx context.Context) (catalog.Status, error)
}

type ProductFinder interface {
	Lookup(ctx context.Context, code string) (catalog.Match, bool, error)
	Search(ctx context.Context, term string, limit int) ([]models.Product, error)
}

// CatalogSync runs a catalog check now. force=true forgets the local
// fingerprint first so the check ends in a full download.
func CatalogSync(syncer CatalogSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if syncer == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog unavailable"))
			return
		}
		force, err := validators.ParseQueryBool(r, "force")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if force {
			if err := syncer.ForceResync(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		res, err := syncer.CheckAndSync(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}

func CatalogStatus(syncer CatalogSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if syncer == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog unavailable"))
			return
		}
		status, err := syncer.Status(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

// ProductLookup resolves a scanned code, following one alias hop.
func ProductLookup(finder ProductFinder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if finder == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog unavailable"))
			return
		}
		match, ok, err := finder.Lookup(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "product not found"))
			return
		}
		responses.WriteSuccess(w, match)
	}
}

func ProductSearch(finder ProductFinder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if finder == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		products, err := finder.Search(r.Context(), validators.SanitizeString(r.URL.Query().Get("q"), maxFilterLength), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, products)
	}
}
