package offline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/delivery"
	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
	dbtypes "github.com/scanshop/companion-sync/pkg/db/types"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/metrics"
	"github.com/scanshop/companion-sync/pkg/validation"
)

const (
	// QueueName labels this queue in logs and metrics.
	QueueName = "offline"
	// SyncTag is the background-sync registration used to wake the drain.
	SyncTag = "offline-orders"
	// IDPrefix marks drafts that have no remote order yet.
	IDPrefix = "offline_"

	defaultDuplicateWindow = 90 * time.Second
)

// Draft is a checkout captured while the backend was unreachable.
type Draft struct {
	UserID        string            `json:"user_id" validate:"required"`
	Warehouse     string            `json:"warehouse" validate:"required"`
	HomeWarehouse string            `json:"home_warehouse"`
	CustomerCode  string            `json:"customer_code"`
	Notes         string            `json:"notes" validate:"max=500"`
	Lines         []models.CartLine `json:"lines" validate:"required,min=1,dive"`
}

// BackgroundSync asks the platform to wake the engine when connectivity
// returns.
type BackgroundSync interface {
	Register(ctx context.Context, tag string) error
}

// Recorder applies delivery outcomes.
type Recorder interface {
	MarkDelivered(ctx context.Context, order orders.Order, externalRef string) error
	MarkFailed(ctx context.Context, order orders.Order, cause error) error
	MarkPending(ctx context.Context, order orders.Order, cause error)
}

// DeliveryQueue accepts orders that reached the backend but not the ERP.
type DeliveryQueue interface {
	EnqueueTx(tx *store.Tx, item delivery.Item) error
}

// ProcessResult summarizes one drain.
type ProcessResult struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Handed    int  `json:"handed_to_delivery"`
	Deferred  int  `json:"deferred"`
	Remaining int  `json:"remaining"`
}

// Params wires a Queue.
type Params struct {
	Store           *store.Store
	Backend         backend.Backend
	Submitter       erp.Submitter
	Recorder        Recorder
	Delivery        DeliveryQueue
	Sync            BackgroundSync
	DuplicateWindow time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.SyncMetrics
	Now             func() time.Time
}

// Queue holds checkouts until the backend is reachable and then pushes them
// through order creation and ERP delivery.
type Queue struct {
	store     *store.Store
	backend   backend.Backend
	submitter erp.Submitter
	recorder  Recorder
	delivery  DeliveryQueue
	sync      BackgroundSync
	window    time.Duration
	logg      *logger.Logger
	metrics   *metrics.SyncMetrics
	now       func() time.Time
	newID     func() string
	busy      atomic.Bool
}

func NewQueue(p Params) (*Queue, error) {
	switch {
	case p.Store == nil:
		return nil, errors.New("local store required")
	case p.Backend == nil:
		return nil, errors.New("backend required")
	case p.Submitter == nil:
		return nil, errors.New("erp submitter required")
	case p.Recorder == nil:
		return nil, errors.New("order recorder required")
	case p.Delivery == nil:
		return nil, errors.New("delivery queue required")
	}
	window := p.DuplicateWindow
	if window <= 0 {
		window = defaultDuplicateWindow
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:     p.Store,
		backend:   p.Backend,
		submitter: p.Submitter,
		recorder:  p.Recorder,
		delivery:  p.Delivery,
		sync:      p.Sync,
		window:    window,
		logg:      p.Logger,
		metrics:   p.Metrics,
		now:       now,
		newID:     func() string { return IDPrefix + uuid.NewString() },
	}, nil
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// Enqueue stores a draft and returns its id. A draft for the same user and
// warehouse created within the duplicate window is returned instead of a
// new one, so a double tap on checkout queues one order.
func (q *Queue) Enqueue(ctx context.Context, d Draft) (string, error) {
	d.UserID = strings.TrimSpace(d.UserID)
	d.Warehouse = strings.ToUpper(strings.TrimSpace(d.Warehouse))
	d.HomeWarehouse = strings.ToUpper(strings.TrimSpace(d.HomeWarehouse))
	if err := validation.Struct(d); err != nil {
		return "", err
	}

	now := q.clock()
	var (
		id      string
		created bool
	)
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		existing, err := store.GetByIndex[models.OfflineOrder](tx, "by_user", d.UserID)
		if err != nil {
			return err
		}
		for _, o := range existing {
			if o.Warehouse == d.Warehouse && now.Sub(o.CreatedAt) < q.window {
				id = o.ID
				return nil
			}
		}
		id = q.newID()
		created = true
		return store.Put(tx, models.OfflineOrder{
			ID:            id,
			UserID:        d.UserID,
			Warehouse:     d.Warehouse,
			HomeWarehouse: d.HomeWarehouse,
			CustomerCode:  strings.TrimSpace(d.CustomerCode),
			Notes:         strings.TrimSpace(d.Notes),
			Lines:         dbtypes.NewJSON(d.Lines),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return "", err
	}

	logCtx := ctx
	if q.logg != nil {
		logCtx = q.logg.WithFields(q.logg.WithUserID(ctx, d.UserID), map[string]any{"offline_id": id, "duplicate": !created})
	}
	if !created {
		if q.logg != nil {
			q.logg.Info(logCtx, "duplicate offline checkout collapsed")
		}
		return id, nil
	}
	if q.sync != nil {
		if err := q.sync.Register(ctx, SyncTag); err != nil && q.logg != nil {
			q.logg.Warn(q.logg.WithField(logCtx, "error", err.Error()), "background sync registration failed")
		}
	}
	if q.logg != nil {
		q.logg.Info(logCtx, "order queued offline")
	}
	q.updateDepth(ctx)
	return id, nil
}

// EnqueueCreated stores a draft for a remote order that already exists but
// whose lines could not all be attached. Draining resumes at attached
// without creating the order again.
func (q *Queue) EnqueueCreated(ctx context.Context, d Draft, order orders.Order, attached int) (string, error) {
	d.UserID = strings.TrimSpace(d.UserID)
	d.Warehouse = strings.ToUpper(strings.TrimSpace(d.Warehouse))
	d.HomeWarehouse = strings.ToUpper(strings.TrimSpace(d.HomeWarehouse))
	if err := validation.Struct(d); err != nil {
		return "", err
	}
	remoteID := order.ID
	id := q.newID()
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return store.Put(tx, models.OfflineOrder{
			ID:            id,
			UserID:        d.UserID,
			Warehouse:     d.Warehouse,
			HomeWarehouse: d.HomeWarehouse,
			CustomerCode:  strings.TrimSpace(d.CustomerCode),
			Notes:         strings.TrimSpace(d.Notes),
			Lines:         dbtypes.NewJSON(d.Lines),
			CreatedAt:     q.clock(),
			RemoteOrderID: &remoteID,
			QRCode:        order.QRCode,
			LinesAttached: attached,
		})
	})
	if err != nil {
		return "", err
	}
	if q.sync != nil {
		if err := q.sync.Register(ctx, SyncTag); err != nil && q.logg != nil {
			q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "background sync registration failed")
		}
	}
	if q.logg != nil {
		q.logg.Info(q.logg.WithFields(q.logg.WithOrderID(ctx, order.ID), map[string]any{
			"offline_id":     id,
			"lines_attached": attached,
		}), "partially attached order queued offline")
	}
	q.updateDepth(ctx)
	return id, nil
}

// ProcessAll drains every unclaimed draft once. Overlapping calls return
// Skipped; a draft that fails is left queued and never aborts the loop.
func (q *Queue) ProcessAll(ctx context.Context) (ProcessResult, error) {
	if !q.busy.CompareAndSwap(false, true) {
		return ProcessResult{Skipped: true}, nil
	}
	defer q.busy.Store(false)

	started := time.Now()
	defer func() { q.metrics.ObserveDrain(QueueName, time.Since(started)) }()

	var drafts []models.OfflineOrder
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Where("claimed_at IS NULL").Order("created_at").Find(&drafts).Error
	})
	if err != nil {
		return ProcessResult{}, err
	}

	var result ProcessResult
	for _, draft := range drafts {
		if ctx.Err() != nil {
			break
		}
		q.process(ctx, draft, &result)
	}
	result.Remaining = q.updateDepth(ctx)
	if q.logg != nil && result.Attempted > 0 {
		q.logg.Info(q.logg.WithFields(ctx, map[string]any{
			"queue":     QueueName,
			"attempted": result.Attempted,
			"delivered": result.Delivered,
			"failed":    result.Failed,
			"handed":    result.Handed,
			"deferred":  result.Deferred,
			"remaining": result.Remaining,
		}), "offline queue drained")
	}
	return result, nil
}

func (q *Queue) process(ctx context.Context, draft models.OfflineOrder, result *ProcessResult) {
	if q.logg != nil {
		ctx = q.logg.WithFields(q.logg.WithUserID(ctx, draft.UserID), map[string]any{
			"offline_id": draft.ID,
			"attempt":    draft.Attempts + 1,
		})
	}
	claimed, err := q.claim(ctx, draft.ID)
	if err != nil {
		q.logError(ctx, "claim offline order failed", err)
		return
	}
	if !claimed {
		return
	}
	result.Attempted++

	if draft.RemoteOrderID == nil {
		created, err := q.backend.CreateOrder(ctx, backend.OrderDraft{
			UserID:    draft.UserID,
			Warehouse: draft.Warehouse,
			ClientRef: draft.ID,
		})
		if err != nil {
			q.postpone(ctx, draft.ID, err, result)
			return
		}
		order := orders.Order{
			ID:        created.ID,
			UserID:    draft.UserID,
			Warehouse: draft.Warehouse,
			QRCode:    created.QRCode,
			Reference: orders.Reference(created.ID, created.QRCode),
		}
		if err := q.recordCreated(ctx, draft.ID, order); err != nil {
			// The claim is kept. Once the lease expires the draft is picked
			// up again and CreateOrder returns this order for draft.ID.
			q.logError(ctx, "record remote order id "+order.ID+" failed", err)
			result.Deferred++
			return
		}
		draft.RemoteOrderID = &created.ID
		draft.QRCode = created.QRCode
	}

	snapshot := orders.Snapshot{
		OrderID:       *draft.RemoteOrderID,
		QRCode:        draft.QRCode,
		UserID:        draft.UserID,
		Warehouse:     draft.Warehouse,
		HomeWarehouse: draft.HomeWarehouse,
		CustomerCode:  draft.CustomerCode,
		Notes:         draft.Notes,
		Lines:         draft.Lines.Val,
	}
	order := snapshot.Order()
	if q.logg != nil {
		ctx = q.logg.WithOrderID(ctx, order.ID)
	}

	if draft.LinesAttached < len(snapshot.Lines) {
		attached, err := orders.AttachLines(ctx, q.backend, order.ID, snapshot.Lines, draft.LinesAttached)
		if perr := q.recordProgress(ctx, draft.ID, attached); perr != nil {
			q.logError(ctx, "record attach progress failed", perr)
		}
		if err != nil {
			q.postpone(ctx, draft.ID, err, result)
			return
		}
	}

	payload := orders.BuildPayload(snapshot)
	res, err := q.submitter.SubmitOrder(ctx, payload)
	switch {
	case err == nil:
		if merr := q.recorder.MarkDelivered(ctx, order, res.Reference); merr != nil {
			q.handOff(ctx, draft.ID, order, payload, merr, result)
			return
		}
		q.remove(ctx, draft.ID)
		result.Delivered++
		q.metrics.IncDelivery(QueueName, "delivered")
	case erp.IsValidation(err):
		if merr := q.recorder.MarkFailed(ctx, order, err); merr != nil {
			q.handOff(ctx, draft.ID, order, payload, merr, result)
			return
		}
		q.remove(ctx, draft.ID)
		result.Failed++
		q.metrics.IncDelivery(QueueName, "failed")
	default:
		q.recorder.MarkPending(ctx, order, err)
		q.handOff(ctx, draft.ID, order, payload, err, result)
	}
}

// handOff moves a draft whose remote order exists into the delivery queue.
// The delivery item insert and the draft delete commit together.
func (q *Queue) handOff(ctx context.Context, draftID string, order orders.Order, payload erp.Payload, cause error, result *ProcessResult) {
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		if err := q.delivery.EnqueueTx(tx, delivery.Item{
			OrderID:   order.ID,
			UserID:    order.UserID,
			Reference: order.Reference,
			Payload:   payload,
		}); err != nil {
			return err
		}
		return store.Delete[models.OfflineOrder](tx, draftID)
	})
	if err != nil {
		q.logError(ctx, "hand off to delivery queue failed", err)
		q.release(ctx, draftID, cause)
		result.Deferred++
		return
	}
	result.Handed++
	q.metrics.IncDelivery(QueueName, "handed_off")
	if q.logg != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", cause.Error()), "erp delivery deferred to retry queue")
	}
}

func (q *Queue) postpone(ctx context.Context, draftID string, cause error, result *ProcessResult) {
	q.release(ctx, draftID, cause)
	result.Deferred++
	q.metrics.IncDelivery(QueueName, "retry")
	if q.logg == nil {
		return
	}
	if backend.IsUnreachable(cause) {
		q.logg.Warn(q.logg.WithField(ctx, "error", cause.Error()), "backend unreachable; order stays queued")
		return
	}
	if pkgerrors.IsRetryable(cause) {
		q.logg.Warn(q.logg.WithField(ctx, "error", cause.Error()), "offline order attempt failed; order stays queued")
		return
	}
	q.logg.Error(ctx, "offline order could not be created", cause)
}

func (q *Queue) claim(ctx context.Context, id string) (bool, error) {
	claimed := false
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.OfflineOrder{}).
			Where("id = ? AND claimed_at IS NULL", id).
			Updates(map[string]any{
				"claimed_at": q.clock(),
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

func (q *Queue) release(ctx context.Context, id string, cause error) {
	updates := map[string]any{"claimed_at": gorm.Expr("NULL")}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.OfflineOrder{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		q.logError(ctx, "release offline order failed", err)
	}
}

func (q *Queue) recordCreated(ctx context.Context, draftID string, order orders.Order) error {
	return q.store.Do(ctx, func(tx *store.Tx) error {
		err := tx.DB().Model(&models.OfflineOrder{}).Where("id = ?", draftID).Updates(map[string]any{
			"remote_order_id": order.ID,
			"qr_code":         order.QRCode,
		}).Error
		if err != nil {
			return err
		}
		return orders.MirrorTx(tx, orders.NewMirror(order, enums.OrderStatusCreated, q.clock()))
	})
}

func (q *Queue) recordProgress(ctx context.Context, draftID string, attached int) error {
	return q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.OfflineOrder{}).Where("id = ?", draftID).Update("lines_attached", attached).Error
	})
}

func (q *Queue) remove(ctx context.Context, id string) {
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return store.Delete[models.OfflineOrder](tx, id)
	})
	if err != nil {
		q.logError(ctx, "remove offline order failed", err)
	}
}

// List returns queued drafts, oldest first.
func (q *Queue) List(ctx context.Context) ([]models.OfflineOrder, error) {
	var out []models.OfflineOrder
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Order("created_at").Find(&out).Error
	})
	return out, err
}

// Recover releases claims older than lease, left by a crash mid-drain.
func (q *Queue) Recover(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := q.clock().Add(-lease)
	released := 0
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.OfflineOrder{}).
			Where("claimed_at IS NOT NULL AND claimed_at <= ?", cutoff).
			Update("claimed_at", gorm.Expr("NULL"))
		released = int(res.RowsAffected)
		return res.Error
	})
	if err == nil && released > 0 && q.logg != nil {
		q.logg.Warn(q.logg.WithField(ctx, "released", released), "released stale offline claims")
	}
	return released, err
}

func (q *Queue) updateDepth(ctx context.Context) int {
	var n int64
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		n, err = store.Count[models.OfflineOrder](tx)
		return err
	})
	if err != nil {
		return 0
	}
	q.metrics.SetQueueDepth(QueueName, int(n))
	return int(n)
}

func (q *Queue) logError(ctx context.Context, msg string, err error) {
	if q.logg == nil {
		return
	}
	q.logg.Error(ctx, msg, err)
}
