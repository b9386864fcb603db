package delivery

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/backend/backendtest"
	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/internal/store/storetest"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/idempotency"
	"github.com/scanshop/companion-sync/pkg/logger"
)

type scriptedSubmitter struct {
	mu      sync.Mutex
	results []error
	calls   []erp.Payload
	ref     string
	dedup   bool
	block   chan struct{}
}

func (s *scriptedSubmitter) SubmitOrder(_ context.Context, payload erp.Payload) (erp.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, payload)
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return erp.Result{}, err
		}
	}
	return erp.Result{Reference: s.ref, Deduplicated: s.dedup}, nil
}

func (s *scriptedSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	queue  *Queue
	fake   *backendtest.Fake
	store  *store.Store
	submit *scriptedSubmitter
	clock  *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := backendtest.New()
	s := storetest.New(t)
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec, err := orders.NewRecorder(orders.RecorderParams{Backend: fake, Store: s, Now: clk.Now})
	require.NoError(t, err)
	sub := &scriptedSubmitter{ref: "PED-1"}
	q, err := NewQueue(Params{Store: s, Submitter: sub, Recorder: rec, Now: clk.Now})
	require.NoError(t, err)
	return &harness{queue: q, fake: fake, store: s, submit: sub, clock: clk}
}

func (h *harness) enqueue(t *testing.T, userID string) Item {
	t.Helper()
	created, err := h.fake.CreateOrder(context.Background(), backend.OrderDraft{UserID: userID, Warehouse: "ALZIRA"})
	require.NoError(t, err)
	item := Item{
		OrderID: created.ID,
		UserID:  userID,
		Payload: erp.Payload{Reference: orders.Reference(created.ID, created.QRCode), Series: "008", SalesCenter: "8", Lines: []erp.Line{{ArticleCode: "X1", Units: 2}}},
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), item))
	return item
}

func (h *harness) pending(t *testing.T) []models.DeliveryItem {
	t.Helper()
	items, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	return items
}

func TestEnqueueSchedulesFirstRetry(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")

	items := h.pending(t)
	require.Len(t, items, 1)
	assert.Equal(t, item.OrderID, items[0].OrderID)
	assert.Equal(t, item.Payload.Reference, items[0].Reference)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Equal(t, PhaseFast, items[0].Phase)
	assert.True(t, items[0].NextRetryAt.Equal(h.clock.Now().Add(5*time.Minute)))

	next, ok, err := h.queue.NextRetryAt(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(items[0].NextRetryAt))
}

func TestEnqueueRejectsMissingIdentity(t *testing.T) {
	h := newHarness(t)
	err := h.queue.Enqueue(context.Background(), Item{UserID: "u1"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestEnqueueTwiceKeepsSchedule(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	h.clock.Advance(time.Minute)
	require.NoError(t, h.queue.Enqueue(context.Background(), item))

	items := h.pending(t)
	require.Len(t, items, 1)
	assert.True(t, items[0].NextRetryAt.Equal(time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)))
}

func TestDrainSkipsItemsNotDue(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "u1")

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 1, res.Remaining)
	assert.Zero(t, h.submit.callCount())
}

func TestDrainDeliversDueItem(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	h.clock.Advance(5 * time.Minute)

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 0, res.Remaining)
	assert.Empty(t, h.pending(t))

	order, ok := h.fake.Order(item.OrderID)
	require.True(t, ok)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)
	assert.Equal(t, "PED-1", order.ExternalRef)
	require.Len(t, h.submit.calls, 1)
	assert.Equal(t, item.Payload.Reference, h.submit.calls[0].Reference)
}

func TestDrainCountsDeduplicatedDelivery(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "u1")
	h.submit.dedup = true
	h.clock.Advance(5 * time.Minute)

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Deduplicated)
}

func TestDrainValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	h.submit.results = []error{pkgerrors.New(pkgerrors.CodeValidation, "ERP error 400: codigo_articulo obligatorio")}
	h.clock.Advance(5 * time.Minute)

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, h.pending(t))

	order, ok := h.fake.Order(item.OrderID)
	require.True(t, ok)
	assert.Equal(t, enums.OrderStatusFailed, order.Status)
	assert.Contains(t, order.Detail, "obligatorio")
}

func TestDrainTransientFailureReschedules(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	h.submit.results = []error{pkgerrors.New(pkgerrors.CodeDependency, "erp unavailable")}
	h.clock.Advance(5 * time.Minute)

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rescheduled)

	items := h.pending(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Nil(t, items[0].ClaimedAt)
	require.NotNil(t, items[0].LastError)
	assert.Contains(t, *items[0].LastError, "erp unavailable")
	assert.True(t, items[0].NextRetryAt.Equal(h.clock.Now().Add(5*time.Minute)))

	order, _ := h.fake.Order(item.OrderID)
	assert.NotEqual(t, enums.OrderStatusDelivered, order.Status)
}

func TestDrainMovesToSlowerPhases(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	require.NoError(t, h.store.Do(context.Background(), func(tx *store.Tx) error {
		return tx.DB().Model(&models.DeliveryItem{}).Where("order_id = ?", item.OrderID).
			Updates(map[string]any{"retry_count": 19, "next_retry_at": h.clock.Now()}).Error
	}))
	h.submit.results = []error{errors.New("connection reset")}

	_, err := h.queue.Drain(context.Background())
	require.NoError(t, err)

	items := h.pending(t)
	require.Len(t, items, 1)
	assert.Equal(t, 20, items[0].RetryCount)
	assert.Equal(t, PhaseSlow, items[0].Phase)
	assert.True(t, items[0].NextRetryAt.Equal(h.clock.Now().Add(30*time.Minute)))
}

func TestDrainRecorderFailureKeepsItem(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "u1")
	h.fake.Update(func(f *backendtest.Fake) { f.StatusErr = backendtest.Unreachable("update status") })
	h.clock.Advance(5 * time.Minute)

	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, res.Rescheduled)
	assert.Len(t, h.pending(t), 1)
}

func TestDrainOverlapIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "u1")
	h.clock.Advance(5 * time.Minute)
	h.submit.block = make(chan struct{})

	done := make(chan DrainResult, 1)
	go func() {
		res, _ := h.queue.Drain(context.Background())
		done <- res
	}()

	require.Eventually(t, func() bool { return h.queue.busy.Load() }, time.Second, 5*time.Millisecond)
	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(h.submit.block)
	first := <-done
	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 1, h.submit.callCount())
}

func TestRecoverReleasesStaleClaims(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	claimed, err := h.queue.claim(context.Background(), item.OrderID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, ok, err := h.queue.NextRetryAt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := h.queue.Recover(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, released)

	h.clock.Advance(2 * time.Minute)
	released, err = h.queue.Recover(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	items := h.pending(t)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].ClaimedAt)
}

func TestNewQueueRequiresDependencies(t *testing.T) {
	_, err := NewQueue(Params{})
	assert.Error(t, err)
}

type countingWaker struct {
	mu    sync.Mutex
	calls int
}

func (w *countingWaker) Reschedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
}

func TestEnqueueWakesBoundWaker(t *testing.T) {
	h := newHarness(t)
	w := &countingWaker{}
	h.queue.Bind(w)

	h.enqueue(t, "u1")
	assert.Equal(t, 1, w.calls)

	err := h.queue.Enqueue(context.Background(), Item{OrderID: "o-missing-user"})
	require.Error(t, err)
	assert.Equal(t, 1, w.calls)
}

// hookSubmitter counts sends per reference and runs onSend before
// answering the first send.
type hookSubmitter struct {
	mu     sync.Mutex
	sent   map[string]int
	onSend func(payload erp.Payload)
}

func (s *hookSubmitter) SubmitOrder(_ context.Context, payload erp.Payload) (erp.Result, error) {
	s.mu.Lock()
	s.sent[payload.Reference]++
	hook := s.onSend
	s.onSend = nil
	s.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
	return erp.Result{Reference: "PED-" + payload.Reference}, nil
}

func TestConcurrentDrainsSendEachItemOnce(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "u1")
	h.clock.Advance(time.Second)
	second := h.enqueue(t, "u2")
	h.clock.Advance(6 * time.Minute)

	rec, err := orders.NewRecorder(orders.RecorderParams{Backend: h.fake, Store: h.store, Now: h.clock.Now})
	require.NoError(t, err)
	sub := &hookSubmitter{sent: map[string]int{}}
	qa, err := NewQueue(Params{Store: h.store, Submitter: sub, Recorder: rec, Now: h.clock.Now})
	require.NoError(t, err)
	qb, err := NewQueue(Params{Store: h.store, Submitter: sub, Recorder: rec, Now: h.clock.Now})
	require.NoError(t, err)

	var resB DrainResult
	sub.onSend = func(payload erp.Payload) {
		require.Equal(t, first.Payload.Reference, payload.Reference)
		resB, err = qb.Drain(context.Background())
		require.NoError(t, err)
	}

	resA, err := qa.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, resA.Attempted)
	assert.Equal(t, 1, resA.Delivered)
	assert.Equal(t, 1, resB.Attempted)
	assert.Equal(t, 1, resB.Delivered)
	assert.Equal(t, 1, sub.sent[first.Payload.Reference])
	assert.Equal(t, 1, sub.sent[second.Payload.Reference])
	assert.Empty(t, h.pending(t))
}

type unavailableReferences struct{}

func (unavailableReferences) Lookup(context.Context, string) (string, bool, error) {
	return "", false, backendtest.Unreachable("lookup reference")
}

func (unavailableReferences) Record(context.Context, string, string) error {
	return backendtest.Unreachable("record reference")
}

func TestAcceptedOrderIsNotResentWhileBackendIsDown(t *testing.T) {
	h := newHarness(t)
	guard, err := idempotency.NewTiered(store.NewReferenceLedger(h.store), unavailableReferences{})
	require.NoError(t, err)
	guarded, err := erp.NewGuardedSubmitter(h.submit, guard, nil)
	require.NoError(t, err)
	rec, err := orders.NewRecorder(orders.RecorderParams{Backend: h.fake, Store: h.store, Now: h.clock.Now})
	require.NoError(t, err)
	q, err := NewQueue(Params{Store: h.store, Submitter: guarded, Recorder: rec, Now: h.clock.Now})
	require.NoError(t, err)

	item := h.enqueue(t, "u1")
	h.fake.Update(func(f *backendtest.Fake) { f.StatusErr = backendtest.Unreachable("update status") })

	for i := 0; i < 3; i++ {
		h.clock.Advance(6 * time.Minute)
		res, err := q.Drain(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.Rescheduled, "drain %d", i)
	}
	assert.Equal(t, 1, h.submit.callCount())

	h.fake.Update(func(f *backendtest.Fake) { f.StatusErr = nil })
	h.clock.Advance(6 * time.Minute)
	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Equal(t, 1, h.submit.callCount())

	order, ok := h.fake.Order(item.OrderID)
	require.True(t, ok)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)
	assert.Empty(t, h.pending(t))
}

func TestRescheduleLogLevelFollowsRetryability(t *testing.T) {
	cases := []struct {
		name  string
		cause error
		level string
	}{
		{name: "dependency", cause: pkgerrors.New(pkgerrors.CodeDependency, "erp unavailable"), level: `"level":"warn"`},
		{name: "unauthorized", cause: pkgerrors.New(pkgerrors.CodeUnauthorized, "erp token expired"), level: `"level":"error"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			buf := &bytes.Buffer{}
			logg := logger.New(logger.Options{ServiceName: "test", Output: buf})
			rec, err := orders.NewRecorder(orders.RecorderParams{Backend: h.fake, Store: h.store, Now: h.clock.Now})
			require.NoError(t, err)
			q, err := NewQueue(Params{Store: h.store, Submitter: h.submit, Recorder: rec, Logger: logg, Now: h.clock.Now})
			require.NoError(t, err)

			h.enqueue(t, "u1")
			h.submit.results = []error{tc.cause}
			h.clock.Advance(6 * time.Minute)
			res, err := q.Drain(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Rescheduled)
			assert.Contains(t, buf.String(), tc.level)
			assert.Contains(t, buf.String(), "rescheduled")
		})
	}
}

func TestStaleClaimIsDrainedAfterRecover(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "u1")
	h.clock.Advance(5 * time.Minute)
	claimed, err := h.queue.claim(context.Background(), item.OrderID)
	require.NoError(t, err)
	require.True(t, claimed)

	h.clock.Advance(3 * time.Minute)
	res, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	released, err := h.queue.Recover(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	res, err = h.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, h.submit.callCount())
	assert.Empty(t, h.pending(t))
}
