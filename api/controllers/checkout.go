package controllers

import (
	"net/http"
	"strings"

	"github.com/scanshop/companion-sync/api/middleware"
	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/api/validators"
	"github.com/scanshop/companion-sync/internal/checkout"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

// checkoutRequest omits lines to check out the saved device cart.
type checkoutRequest struct {
	UserID        string            `json:"user_id"`
	Warehouse     string            `json:"warehouse" validate:"required"`
	HomeWarehouse string            `json:"home_warehouse"`
	CustomerCode  string            `json:"customer_code"`
	Notes         string            `json:"notes" validate:"max=500"`
	Lines         []models.CartLine `json:"lines" validate:"omitempty,dive"`
}

func (c checkoutRequest) toRequest(headerUser string) checkout.Request {
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		userID = headerUser
	}
	return checkout.Request{
		UserID:        userID,
		Warehouse:     validators.SanitizeString(c.Warehouse, 16),
		HomeWarehouse: validators.SanitizeString(c.HomeWarehouse, 16),
		CustomerCode:  validators.SanitizeString(c.CustomerCode, 64),
		Notes:         strings.TrimSpace(c.Notes),
		Lines:         c.Lines,
	}
}

// CheckoutSubmit places an order. Delivered orders answer 201, orders left in
// a device queue 202 and ERP rejections 422 with the rejection message.
func CheckoutSubmit(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		req := payload.toRequest(middleware.UserIDFromContext(r.Context()))
		if req.UserID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "user id required").
				WithDetails(map[string]string{"user_id": "is required"}))
			return
		}

		out, err := svc.Submit(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, outcomeStatus(out.Status), out)
	}
}

func outcomeStatus(status checkout.OutcomeStatus) int {
	switch status {
	case checkout.OutcomeDelivered:
		return http.StatusCreated
	case checkout.OutcomePendingDelivery, checkout.OutcomeQueuedOffline:
		return http.StatusAccepted
	case checkout.OutcomeFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}
