package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/api/validators"
	"github.com/scanshop/companion-sync/internal/history"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const maxFilterLength = 64

// HistoryReader is the purchase history cache surface used over HTTP.
type HistoryReader interface {
	GetUserHistory(ctx context.Context, userID string, f history.Filters) (history.Result, error)
	InvalidateUser(userID string)
	Stats() history.Stats
}

// HistoryFetch returns the user's purchase history filtered by the code and
// description query parameters.
func HistoryFetch(cache HistoryReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "history cache unavailable"))
			return
		}
		q := r.URL.Query()
		filters := history.Filters{
			Code:        validators.SanitizeString(q.Get("code"), maxFilterLength),
			Description: validators.SanitizeString(q.Get("description"), maxFilterLength),
		}
		res, err := cache.GetUserHistory(r.Context(), chi.URLParam(r, "userId"), filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}

// HistoryInvalidate drops the cached entry so the next read goes remote.
func HistoryInvalidate(cache HistoryReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "history cache unavailable"))
			return
		}
		userID := validators.SanitizeString(chi.URLParam(r, "userId"), 0)
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "user id required"))
			return
		}
		cache.InvalidateUser(userID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func HistoryStats(cache HistoryReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "history cache unavailable"))
			return
		}
		responses.WriteSuccess(w, cache.Stats())
	}
}
