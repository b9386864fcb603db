package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/metrics"
)

// QueueName labels this queue in logs and metrics.
const QueueName = "delivery"

// Recorder applies delivery outcomes.
type Recorder interface {
	MarkDelivered(ctx context.Context, order orders.Order, externalRef string) error
	MarkFailed(ctx context.Context, order orders.Order, cause error) error
}

// Waker is told that the earliest retry time may have moved.
type Waker interface {
	Reschedule()
}

type wakerBox struct{ Waker }

// Item is an order created on the backend that still has to reach the
// external order system.
type Item struct {
	OrderID   string
	UserID    string
	Reference string
	Payload   erp.Payload
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Skipped      bool `json:"skipped"`
	Attempted    int  `json:"attempted"`
	Delivered    int  `json:"delivered"`
	Deduplicated int  `json:"deduplicated"`
	Failed       int  `json:"failed"`
	Rescheduled  int  `json:"rescheduled"`
	Remaining    int  `json:"remaining"`
}

// Params wires a Queue.
type Params struct {
	Store     *store.Store
	Submitter erp.Submitter
	Recorder  Recorder
	Logger    *logger.Logger
	Metrics   *metrics.SyncMetrics
	Now       func() time.Time
}

// Queue is the durable retry queue for ERP delivery.
type Queue struct {
	store     *store.Store
	submitter erp.Submitter
	recorder  Recorder
	logg      *logger.Logger
	metrics   *metrics.SyncMetrics
	now       func() time.Time
	busy      atomic.Bool
	waker     atomic.Value
}

// NewQueue validates dependencies.
func NewQueue(p Params) (*Queue, error) {
	if p.Store == nil {
		return nil, errors.New("local store required")
	}
	if p.Submitter == nil {
		return nil, errors.New("erp submitter required")
	}
	if p.Recorder == nil {
		return nil, errors.New("order recorder required")
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:     p.Store,
		submitter: p.Submitter,
		recorder:  p.Recorder,
		logg:      p.Logger,
		metrics:   p.Metrics,
		now:       now,
	}, nil
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// Bind registers the waker told about items enqueued through Enqueue.
func (q *Queue) Bind(w Waker) {
	if w != nil {
		q.waker.Store(wakerBox{w})
	}
}

// Enqueue persists an item for its first retry in five minutes and wakes
// the bound waker once the insert has committed.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return q.EnqueueTx(tx, item)
	})
	if err != nil {
		return err
	}
	if box, ok := q.waker.Load().(wakerBox); ok {
		box.Reschedule()
	}
	return nil
}

// EnqueueTx persists an item inside a caller-owned transaction. Enqueueing
// an order that is already queued keeps the existing schedule.
func (q *Queue) EnqueueTx(tx *store.Tx, item Item) error {
	if strings.TrimSpace(item.OrderID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if strings.TrimSpace(item.UserID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode delivery payload")
	}
	reference := item.Reference
	if reference == "" {
		reference = item.Payload.Reference
	}

	now := q.clock()
	phase, next := Schedule(0, now)
	rec := models.DeliveryItem{
		OrderID:     item.OrderID,
		UserID:      item.UserID,
		Reference:   reference,
		Payload:     payload,
		CreatedAt:   now,
		RetryCount:  0,
		Phase:       phase,
		NextRetryAt: next,
	}
	if err := tx.DB().Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "enqueue delivery item")
	}
	return nil
}

// Drain attempts every due item once. Overlapping calls return Skipped.
// Item failures are logged and rescheduled, never returned.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.busy.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.busy.Store(false)

	started := time.Now()
	defer func() { q.metrics.ObserveDrain(QueueName, time.Since(started)) }()

	now := q.clock()
	var due []models.DeliveryItem
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().
			Where("claimed_at IS NULL AND next_retry_at <= ?", now).
			Order("next_retry_at").
			Find(&due).Error
	})
	if err != nil {
		return DrainResult{}, err
	}

	var result DrainResult
	for _, item := range due {
		if ctx.Err() != nil {
			break
		}
		q.process(ctx, item, &result)
	}

	if remaining, err := q.count(ctx); err == nil {
		result.Remaining = remaining
		q.metrics.SetQueueDepth(QueueName, remaining)
	}
	if q.logg != nil && result.Attempted > 0 {
		q.logg.Info(q.logg.WithFields(ctx, map[string]any{
			"queue":       QueueName,
			"attempted":   result.Attempted,
			"delivered":   result.Delivered,
			"failed":      result.Failed,
			"rescheduled": result.Rescheduled,
			"remaining":   result.Remaining,
		}), "delivery queue drained")
	}
	return result, nil
}

func (q *Queue) process(ctx context.Context, item models.DeliveryItem, result *DrainResult) {
	if q.logg != nil {
		ctx = q.logg.WithOrderID(ctx, item.OrderID)
	}
	claimed, err := q.claim(ctx, item.OrderID)
	if err != nil {
		q.logError(ctx, "claim delivery item", err)
		return
	}
	if !claimed {
		return
	}
	result.Attempted++

	order := orders.Order{ID: item.OrderID, UserID: item.UserID, Reference: item.Reference}

	var payload erp.Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		cause := pkgerrors.Wrap(pkgerrors.CodeValidation, err, "stored payload is unreadable")
		q.finishFailed(ctx, item, order, cause, result)
		return
	}

	res, err := q.submitter.SubmitOrder(ctx, payload)
	switch {
	case err == nil:
		if err := q.recorder.MarkDelivered(ctx, order, res.Reference); err != nil {
			q.reschedule(ctx, item, err, result)
			return
		}
		if res.Deduplicated {
			result.Deduplicated++
		}
		q.remove(ctx, item)
		result.Delivered++
		q.metrics.IncDelivery(QueueName, "delivered")
	case erp.IsValidation(err):
		q.finishFailed(ctx, item, order, err, result)
	default:
		q.reschedule(ctx, item, err, result)
	}
}

func (q *Queue) finishFailed(ctx context.Context, item models.DeliveryItem, order orders.Order, cause error, result *DrainResult) {
	if err := q.recorder.MarkFailed(ctx, order, cause); err != nil {
		q.reschedule(ctx, item, err, result)
		return
	}
	q.remove(ctx, item)
	result.Failed++
	q.metrics.IncDelivery(QueueName, "failed")
}

// claim marks the item in flight so it leaves the due set before the send.
// A lost race reports false.
func (q *Queue) claim(ctx context.Context, orderID string) (bool, error) {
	claimed := false
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.DeliveryItem{}).
			Where("order_id = ? AND claimed_at IS NULL", orderID).
			Update("claimed_at", q.clock())
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

func (q *Queue) reschedule(ctx context.Context, item models.DeliveryItem, cause error, result *DrainResult) {
	retryCount := item.RetryCount + 1
	phase, next := Schedule(retryCount, q.clock())
	message := cause.Error()
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.DeliveryItem{}).
			Where("order_id = ?", item.OrderID).
			Updates(map[string]any{
				"retry_count":   retryCount,
				"phase":         phase,
				"next_retry_at": next,
				"claimed_at":    gorm.Expr("NULL"),
				"last_error":    message,
			}).Error
	})
	if err != nil {
		q.logError(ctx, "reschedule delivery item", err)
		return
	}
	result.Rescheduled++
	q.metrics.IncDelivery(QueueName, "retry")
	if q.logg == nil {
		return
	}
	logCtx := q.logg.WithFields(ctx, map[string]any{
		"retry_count":   retryCount,
		"phase":         phase,
		"next_retry_at": next,
	})
	if pkgerrors.IsRetryable(cause) {
		q.logg.Warn(q.logg.WithField(logCtx, "error", message), "delivery attempt failed; rescheduled")
		return
	}
	q.logg.Error(logCtx, "delivery attempt failed with a non-retryable error; rescheduled", cause)
}

func (q *Queue) remove(ctx context.Context, item models.DeliveryItem) {
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return store.Delete[models.DeliveryItem](tx, item.OrderID)
	})
	if err != nil {
		q.logError(ctx, "remove delivered item", err)
	}
}

// NextRetryAt returns the earliest scheduled attempt among unclaimed items.
func (q *Queue) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	var next models.DeliveryItem
	found := false
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		err := tx.DB().Where("claimed_at IS NULL").Order("next_retry_at").Limit(1).Take(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return time.Time{}, false, err
	}
	return next.NextRetryAt, true, nil
}

// Recover releases claims older than lease, left behind by a crash
// mid-delivery.
func (q *Queue) Recover(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := q.clock().Add(-lease)
	released := 0
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.DeliveryItem{}).
			Where("claimed_at IS NOT NULL AND claimed_at <= ?", cutoff).
			Update("claimed_at", gorm.Expr("NULL"))
		released = int(res.RowsAffected)
		return res.Error
	})
	if err == nil && released > 0 && q.logg != nil {
		q.logg.Warn(q.logg.WithField(ctx, "released", released), "released stale delivery claims")
	}
	return released, err
}

// Pending lists queued items, soonest first.
func (q *Queue) Pending(ctx context.Context) ([]models.DeliveryItem, error) {
	var items []models.DeliveryItem
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		return tx.DB().Order("next_retry_at").Find(&items).Error
	})
	return items, err
}

func (q *Queue) count(ctx context.Context) (int, error) {
	var n int64
	err := q.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		n, err = store.Count[models.DeliveryItem](tx)
		return err
	})
	return int(n), err
}

func (q *Queue) logError(ctx context.Context, msg string, err error) {
	if q.logg == nil {
		return
	}
	q.logg.Error(ctx, fmt.Sprintf("%s failed", msg), err)
}
