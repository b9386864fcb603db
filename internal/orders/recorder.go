package orders

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm/clause"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/enums"
	"github.com/scanshop/companion-sync/pkg/logger"
)

// Order identifies a remote order across both delivery queues.
type Order struct {
	ID        string
	UserID    string
	Warehouse string
	QRCode    string
	Reference string
}

// HistoryInvalidator drops cached purchase history for a user.
type HistoryInvalidator interface {
	InvalidateUser(userID string)
}

// RecorderParams wires a Recorder.
type RecorderParams struct {
	Backend backend.Backend
	Store   *store.Store
	Cache   HistoryInvalidator
	Logger  *logger.Logger
	Now     func() time.Time
}

// Recorder applies the bookkeeping that follows a delivery outcome: backend
// status, external reference, purchase history, the local status mirror and
// the user's cached history.
type Recorder struct {
	backend backend.Backend
	store   *store.Store
	cache   HistoryInvalidator
	logg    *logger.Logger
	now     func() time.Time
}

// NewRecorder validates dependencies.
func NewRecorder(p RecorderParams) (*Recorder, error) {
	if p.Backend == nil {
		return nil, errors.New("backend required")
	}
	if p.Store == nil {
		return nil, errors.New("local store required")
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{backend: p.Backend, store: p.Store, cache: p.Cache, logg: p.Logger, now: now}, nil
}

// MarkDelivered records an accepted order. Failing to update the backend
// status or reference is returned so the caller can retry; purchase history
// and the local mirror are best-effort.
func (r *Recorder) MarkDelivered(ctx context.Context, order Order, externalRef string) error {
	ctx = r.orderContext(ctx, order)
	if externalRef != "" {
		if err := r.backend.UpdateExternalReference(ctx, order.ID, externalRef); err != nil {
			return err
		}
	}
	if err := r.backend.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusDelivered, ""); err != nil {
		return err
	}
	if err := r.backend.RecordPurchaseHistory(ctx, order.ID); err != nil {
		r.warn(ctx, "record purchase history", err)
	}

	var ref *string
	if externalRef != "" {
		ref = &externalRef
	}
	r.mirror(ctx, r.mirrorRecord(order, enums.OrderStatusDelivered, ref, nil))
	r.invalidate(order.UserID)
	if r.logg != nil {
		r.logg.Info(r.logg.WithField(ctx, "external_ref", externalRef), "order delivered")
	}
	return nil
}

// MarkFailed records a terminal rejection.
func (r *Recorder) MarkFailed(ctx context.Context, order Order, cause error) error {
	ctx = r.orderContext(ctx, order)
	detail := causeText(cause)
	if err := r.backend.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusFailed, detail); err != nil {
		return err
	}
	r.mirror(ctx, r.mirrorRecord(order, enums.OrderStatusFailed, nil, &detail))
	r.invalidate(order.UserID)
	if r.logg != nil {
		r.logg.Warn(r.logg.WithField(ctx, "cause", detail), "order rejected by erp")
	}
	return nil
}

// MarkPending records that the order waits in the delivery queue. The
// backend update is best-effort: the queue item is the source of truth.
func (r *Recorder) MarkPending(ctx context.Context, order Order, cause error) {
	ctx = r.orderContext(ctx, order)
	detail := causeText(cause)
	if err := r.backend.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusPendingERP, detail); err != nil {
		r.warn(ctx, "mark order pending", err)
	}
	var lastErr *string
	if detail != "" {
		lastErr = &detail
	}
	r.mirror(ctx, r.mirrorRecord(order, enums.OrderStatusPendingERP, nil, lastErr))
	r.invalidate(order.UserID)
}

// MirrorTx upserts the status mirror inside an open transaction. Identity
// columns already on file are kept when the update carries blanks.
func MirrorTx(tx *store.Tx, rec models.RemoteOrder) error {
	updates := []string{"status", "last_error", "updated_at"}
	if rec.ExternalRef != nil {
		updates = append(updates, "external_ref")
	}
	if rec.Warehouse != "" {
		updates = append(updates, "warehouse")
	}
	if rec.QRCode != "" {
		updates = append(updates, "qr_code")
	}
	if rec.Reference != "" {
		updates = append(updates, "reference")
	}
	return tx.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&rec).Error
}

// NewMirror builds the mirror row for an order in the given status.
func NewMirror(order Order, status enums.OrderStatus, now time.Time) models.RemoteOrder {
	return models.RemoteOrder{
		ID:        order.ID,
		UserID:    order.UserID,
		Warehouse: order.Warehouse,
		QRCode:    order.QRCode,
		Reference: order.Reference,
		Status:    status,
		UpdatedAt: now.UTC(),
	}
}

func (r *Recorder) mirrorRecord(order Order, status enums.OrderStatus, externalRef, lastErr *string) models.RemoteOrder {
	rec := NewMirror(order, status, r.now())
	rec.ExternalRef = externalRef
	rec.LastError = lastErr
	return rec
}

// Mirrors lists the cached order statuses for a user, newest first.
func (r *Recorder) Mirrors(ctx context.Context, userID string) ([]models.RemoteOrder, error) {
	var out []models.RemoteOrder
	err := r.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Where("user_id = ?", userID).Order("updated_at DESC").Find(&out).Error
	})
	return out, err
}

func (r *Recorder) mirror(ctx context.Context, rec models.RemoteOrder) {
	err := r.store.Do(ctx, func(tx *store.Tx) error {
		return MirrorTx(tx, rec)
	})
	if err != nil {
		r.warn(ctx, "update order mirror", err)
	}
}

// InvalidateUser forwards to the history cache when one is wired.
func (r *Recorder) InvalidateUser(userID string) {
	r.invalidate(userID)
}

func (r *Recorder) invalidate(userID string) {
	if r.cache != nil && userID != "" {
		r.cache.InvalidateUser(userID)
	}
}

func (r *Recorder) orderContext(ctx context.Context, order Order) context.Context {
	if r.logg == nil {
		return ctx
	}
	ctx = r.logg.WithOrderID(ctx, order.ID)
	return r.logg.WithUserID(ctx, order.UserID)
}

func (r *Recorder) warn(ctx context.Context, msg string, err error) {
	if r.logg == nil {
		return
	}
	r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), msg)
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
