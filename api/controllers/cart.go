package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/api/validators"
	"github.com/scanshop/companion-sync/internal/cart"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

type CartStore interface {
	Load(ctx context.Context) (cart.Cart, error)
	Save(ctx context.Context, c cart.Cart) error
	Clear(ctx context.Context) error
}

type cartResponse struct {
	Lines   []models.CartLine `json:"lines"`
	Summary cart.Summary      `json:"summary"`
}

func newCartResponse(c cart.Cart) cartResponse {
	lines, summary := cart.Totals(c.Lines)
	return cartResponse{Lines: lines, Summary: summary}
}

type addItemRequest struct {
	Code     string `json:"code" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0,max=9999"`
}

type setQuantityRequest struct {
	Quantity int `json:"quantity" validate:"min=0,max=9999"`
}

func CartFetch(carts CartStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if carts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart unavailable"))
			return
		}
		c, err := carts.Load(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCartResponse(c))
	}
}

// CartAddItem scans a code into the cart, resolving aliases through the
// local catalog.
func CartAddItem(carts CartStore, finder ProductFinder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if carts == nil || finder == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart unavailable"))
			return
		}
		var payload addItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		match, ok, err := finder.Lookup(r.Context(), payload.Code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "product not found").
				WithDetails(map[string]string{"code": payload.Code}))
			return
		}
		c, err := carts.Load(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		c = c.Add(match.Product, payload.Quantity)
		if err := carts.Save(r.Context(), c); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCartResponse(c))
	}
}

// CartSetQuantity replaces a line quantity; zero removes the line.
func CartSetQuantity(carts CartStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if carts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart unavailable"))
			return
		}
		var payload setQuantityRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		updateCart(w, r, carts, logg, func(c cart.Cart) cart.Cart {
			return c.SetQuantity(chi.URLParam(r, "code"), payload.Quantity)
		})
	}
}

func CartRemoveItem(carts CartStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if carts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart unavailable"))
			return
		}
		updateCart(w, r, carts, logg, func(c cart.Cart) cart.Cart {
			return c.Remove(chi.URLParam(r, "code"))
		})
	}
}

func CartClear(carts CartStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if carts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart unavailable"))
			return
		}
		if err := carts.Clear(r.Context()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func updateCart(w http.ResponseWriter, r *http.Request, carts CartStore, logg *logger.Logger, mutate func(cart.Cart) cart.Cart) {
	c, err := carts.Load(r.Context())
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	c = mutate(c)
	if err := carts.Save(r.Context(), c); err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	responses.WriteSuccess(w, newCartResponse(c))
}
