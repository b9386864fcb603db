package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/cart"
	"github.com/scanshop/companion-sync/internal/delivery"
	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/offline"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/validation"
)

// OutcomeStatus says where a checkout ended up.
type OutcomeStatus string

const (
	OutcomeDelivered       OutcomeStatus = "delivered"
	OutcomePendingDelivery OutcomeStatus = "pending_delivery"
	OutcomeQueuedOffline   OutcomeStatus = "queued_offline"
	OutcomeFailed          OutcomeStatus = "failed"
)

// Request is one checkout. Empty lines mean "use the saved cart".
type Request struct {
	UserID        string            `json:"user_id" validate:"required"`
	Warehouse     string            `json:"warehouse" validate:"required"`
	HomeWarehouse string            `json:"home_warehouse"`
	CustomerCode  string            `json:"customer_code"`
	Notes         string            `json:"notes" validate:"max=500"`
	Lines         []models.CartLine `json:"lines" validate:"required,min=1,dive"`
}

// Outcome is returned to the shell. Message carries the ERP rejection text
// for failed orders.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	OrderID     string        `json:"order_id,omitempty"`
	OfflineID   string        `json:"offline_id,omitempty"`
	QRCode      string        `json:"qr_code,omitempty"`
	Reference   string        `json:"reference,omitempty"`
	ExternalRef string        `json:"external_ref,omitempty"`
	Message     string        `json:"message,omitempty"`
}

type recorder interface {
	MarkDelivered(ctx context.Context, order orders.Order, externalRef string) error
	MarkFailed(ctx context.Context, order orders.Order, cause error) error
	MarkPending(ctx context.Context, order orders.Order, cause error)
	InvalidateUser(userID string)
}

type deliveryQueue interface {
	Enqueue(ctx context.Context, item delivery.Item) error
}

type offlineQueue interface {
	Enqueue(ctx context.Context, d offline.Draft) (string, error)
	EnqueueCreated(ctx context.Context, d offline.Draft, order orders.Order, attached int) (string, error)
}

type cartStore interface {
	Load(ctx context.Context) (cart.Cart, error)
	Clear(ctx context.Context) error
}

// Service classifies a checkout into delivered, retry queue, offline queue
// or rejected.
type Service interface {
	Submit(ctx context.Context, req Request) (Outcome, error)
}

type service struct {
	backend   backend.Backend
	submitter erp.Submitter
	recorder  recorder
	delivery  deliveryQueue
	offline   offlineQueue
	cart      cartStore
	logg      *logger.Logger
}

// NewService builds the checkout service. cartStore may be nil when callers
// always send lines.
func NewService(
	b backend.Backend,
	submitter erp.Submitter,
	rec recorder,
	dq deliveryQueue,
	oq offlineQueue,
	carts cartStore,
	logg *logger.Logger,
) (Service, error) {
	if b == nil {
		return nil, fmt.Errorf("backend required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("erp submitter required")
	}
	if rec == nil {
		return nil, fmt.Errorf("order recorder required")
	}
	if dq == nil {
		return nil, fmt.Errorf("delivery queue required")
	}
	if oq == nil {
		return nil, fmt.Errorf("offline queue required")
	}
	return &service{
		backend:   b,
		submitter: submitter,
		recorder:  rec,
		delivery:  dq,
		offline:   oq,
		cart:      carts,
		logg:      logg,
	}, nil
}

func (s *service) Submit(ctx context.Context, req Request) (Outcome, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Warehouse = strings.ToUpper(strings.TrimSpace(req.Warehouse))
	req.HomeWarehouse = strings.ToUpper(strings.TrimSpace(req.HomeWarehouse))
	if len(req.Lines) == 0 && s.cart != nil {
		saved, err := s.cart.Load(ctx)
		if err != nil {
			return Outcome{}, err
		}
		req.Lines = saved.Lines
	}
	req.Lines, _ = cart.Totals(req.Lines)
	if err := validation.Struct(req); err != nil {
		return Outcome{}, err
	}
	if s.logg != nil {
		ctx = s.logg.WithUserID(ctx, req.UserID)
	}
	draft := req.draft()

	created, err := s.backend.CreateOrder(ctx, backend.OrderDraft{UserID: req.UserID, Warehouse: req.Warehouse})
	if err != nil {
		if !backend.IsUnreachable(err) {
			return Outcome{}, err
		}
		id, qerr := s.offline.Enqueue(ctx, draft)
		if qerr != nil {
			return Outcome{}, qerr
		}
		s.clearCart(ctx)
		return Outcome{Status: OutcomeQueuedOffline, OfflineID: id}, nil
	}

	snapshot := orders.Snapshot{
		OrderID:       created.ID,
		QRCode:        created.QRCode,
		UserID:        req.UserID,
		Warehouse:     req.Warehouse,
		HomeWarehouse: req.HomeWarehouse,
		CustomerCode:  req.CustomerCode,
		Notes:         req.Notes,
		Lines:         req.Lines,
	}
	order := snapshot.Order()
	s.recorder.InvalidateUser(req.UserID)
	if s.logg != nil {
		ctx = s.logg.WithOrderID(ctx, order.ID)
	}
	out := Outcome{OrderID: order.ID, QRCode: order.QRCode, Reference: order.Reference}

	attached, err := orders.AttachLines(ctx, s.backend, order.ID, req.Lines, 0)
	if err != nil {
		if !backend.IsUnreachable(err) {
			return Outcome{}, err
		}
		id, qerr := s.offline.EnqueueCreated(ctx, draft, order, attached)
		if qerr != nil {
			return Outcome{}, qerr
		}
		s.clearCart(ctx)
		out.Status = OutcomeQueuedOffline
		out.OfflineID = id
		return out, nil
	}
	s.clearCart(ctx)

	payload := orders.BuildPayload(snapshot)
	res, err := s.submitter.SubmitOrder(ctx, payload)
	switch {
	case err == nil:
		if merr := s.recorder.MarkDelivered(ctx, order, res.Reference); merr != nil {
			return s.pending(ctx, order, payload, merr, out)
		}
		out.Status = OutcomeDelivered
		out.ExternalRef = res.Reference
		return out, nil
	case erp.IsValidation(err):
		if merr := s.recorder.MarkFailed(ctx, order, err); merr != nil && s.logg != nil {
			s.logg.Error(ctx, "record erp rejection failed", merr)
		}
		out.Status = OutcomeFailed
		out.Message = rejectionMessage(err)
		return out, nil
	default:
		s.recorder.MarkPending(ctx, order, err)
		return s.pending(ctx, order, payload, err, out)
	}
}

func (s *service) pending(ctx context.Context, order orders.Order, payload erp.Payload, cause error, out Outcome) (Outcome, error) {
	err := s.delivery.Enqueue(ctx, delivery.Item{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reference: order.Reference,
		Payload:   payload,
	})
	if err != nil {
		return Outcome{}, err
	}
	if s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", cause.Error()), "erp delivery queued for retry")
	}
	out.Status = OutcomePendingDelivery
	return out, nil
}

func (s *service) clearCart(ctx context.Context) {
	if s.cart == nil {
		return
	}
	if err := s.cart.Clear(ctx); err != nil && s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "clear cart failed")
	}
}

func (r Request) draft() offline.Draft {
	return offline.Draft{
		UserID:        r.UserID,
		Warehouse:     r.Warehouse,
		HomeWarehouse: r.HomeWarehouse,
		CustomerCode:  r.CustomerCode,
		Notes:         r.Notes,
		Lines:         r.Lines,
	}
}
