package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/internal/coordinator"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

type DeliveryLister interface {
	Pending(ctx context.Context) ([]models.DeliveryItem, error)
}

type OfflineLister interface {
	List(ctx context.Context) ([]models.OfflineOrder, error)
}

type CycleReporter interface {
	LastCycle() (coordinator.CycleReport, bool)
}

type deliveryView struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Reference   string    `json:"reference"`
	RetryCount  int       `json:"retry_count"`
	Phase       int       `json:"phase"`
	NextRetryAt time.Time `json:"next_retry_at"`
	InFlight    bool      `json:"in_flight"`
	LastError   string    `json:"last_error,omitempty"`
}

type offlineView struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Warehouse     string    `json:"warehouse"`
	Lines         int       `json:"lines"`
	CreatedAt     time.Time `json:"created_at"`
	RemoteOrderID string    `json:"remote_order_id,omitempty"`
	Attempts      int       `json:"attempts"`
	InFlight      bool      `json:"in_flight"`
	LastError     string    `json:"last_error,omitempty"`
}

type queuesResponse struct {
	Delivery  []deliveryView           `json:"delivery"`
	Offline   []offlineView            `json:"offline"`
	LastCycle *coordinator.CycleReport `json:"last_cycle,omitempty"`
}

// QueueStatus lists what is still waiting to leave the device.
func QueueStatus(deliveries DeliveryLister, drafts OfflineLister, cycles CycleReporter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deliveries == nil || drafts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "queues unavailable"))
			return
		}

		pending, err := deliveries.Pending(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		queued, err := drafts.List(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := queuesResponse{
			Delivery: make([]deliveryView, 0, len(pending)),
			Offline:  make([]offlineView, 0, len(queued)),
		}
		for _, item := range pending {
			out.Delivery = append(out.Delivery, deliveryView{
				OrderID:     item.OrderID,
				UserID:      item.UserID,
				Reference:   item.Reference,
				RetryCount:  item.RetryCount,
				Phase:       item.Phase,
				NextRetryAt: item.NextRetryAt,
				InFlight:    item.ClaimedAt != nil,
				LastError:   deref(item.LastError),
			})
		}
		for _, draft := range queued {
			out.Offline = append(out.Offline, offlineView{
				ID:            draft.ID,
				UserID:        draft.UserID,
				Warehouse:     draft.Warehouse,
				Lines:         len(draft.Lines.Val),
				CreatedAt:     draft.CreatedAt,
				RemoteOrderID: deref(draft.RemoteOrderID),
				Attempts:      draft.Attempts,
				InFlight:      draft.ClaimedAt != nil,
				LastError:     deref(draft.LastError),
			})
		}
		if cycles != nil {
			if report, ok := cycles.LastCycle(); ok {
				out.LastCycle = &report
			}
		}
		responses.WriteSuccess(w, out)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
