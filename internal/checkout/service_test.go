package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanshop/companion-sync/internal/backend/backendtest"
	"github.com/scanshop/companion-sync/internal/cart"
	"github.com/scanshop/companion-sync/internal/delivery"
	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/offline"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/internal/store/storetest"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

type stubSubmitter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubSubmitter) SubmitOrder(context.Context, erp.Payload) (erp.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return erp.Result{}, s.err
	}
	return erp.Result{Reference: "PED-5"}, nil
}

type invalidations struct {
	mu    sync.Mutex
	users []string
}

func (i *invalidations) InvalidateUser(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users = append(i.users, userID)
}

type harness struct {
	svc      Service
	fake     *backendtest.Fake
	submit   *stubSubmitter
	carts    *cart.Service
	delivery *delivery.Queue
	offline  *offline.Queue
	cache    *invalidations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := backendtest.New()
	s := storetest.New(t)
	now := func() time.Time { return time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC) }
	cache := &invalidations{}
	rec, err := orders.NewRecorder(orders.RecorderParams{Backend: fake, Store: s, Cache: cache, Now: now})
	require.NoError(t, err)
	sub := &stubSubmitter{}
	dq, err := delivery.NewQueue(delivery.Params{Store: s, Submitter: sub, Recorder: rec, Now: now})
	require.NoError(t, err)
	oq, err := offline.NewQueue(offline.Params{Store: s, Backend: fake, Submitter: sub, Recorder: rec, Delivery: dq, Now: now})
	require.NoError(t, err)
	carts, err := cart.NewService(s)
	require.NoError(t, err)
	svc, err := NewService(fake, sub, rec, dq, oq, carts, nil)
	require.NoError(t, err)
	return &harness{svc: svc, fake: fake, submit: sub, carts: carts, delivery: dq, offline: oq, cache: cache}
}

func (h *harness) saveCart(t *testing.T) {
	t.Helper()
	c := cart.Cart{}.
		Add(models.Product{Code: "TOR-100", Description: "Tornillo", Price: decimal.RequireFromString("0.15")}, 10).
		Add(models.Product{Code: "ARA-300", Description: "Arandela", Price: decimal.RequireFromString("0.05")}, 4)
	require.NoError(t, h.carts.Save(context.Background(), c))
}

func (h *harness) cartEmpty(t *testing.T) bool {
	t.Helper()
	c, err := h.carts.Load(context.Background())
	require.NoError(t, err)
	return c.IsEmpty()
}

func request() Request {
	return Request{UserID: "u1", Warehouse: "ontinyent", HomeWarehouse: "gandia"}
}

func TestSubmitDelivered(t *testing.T) {
	h := newHarness(t)
	h.saveCart(t)

	out, err := h.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Status)
	assert.Equal(t, "1", out.OrderID)
	assert.Equal(t, "RQC/1-000001", out.Reference)
	assert.Equal(t, "PED-5", out.ExternalRef)
	assert.True(t, h.cartEmpty(t))
	assert.Contains(t, h.cache.users, "u1")

	order, ok := h.fake.Order("1")
	require.True(t, ok)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)
	assert.Len(t, order.Lines, 2)
}

func TestSubmitBackendUnreachableQueuesOffline(t *testing.T) {
	h := newHarness(t)
	h.saveCart(t)
	h.fake.SetUnreachable(true)

	out, err := h.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueuedOffline, out.Status)
	assert.NotEmpty(t, out.OfflineID)
	assert.Empty(t, out.OrderID)
	assert.True(t, h.cartEmpty(t))
	assert.Zero(t, h.submit.calls)

	drafts, err := h.offline.List(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "ONTINYENT", drafts[0].Warehouse)
	assert.Len(t, drafts[0].Lines.Val, 2)
}

func TestSubmitAttachFailureQueuesCreatedOrder(t *testing.T) {
	h := newHarness(t)
	h.saveCart(t)
	h.fake.Update(func(f *backendtest.Fake) { f.AttachFailAfter = 1 })

	out, err := h.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueuedOffline, out.Status)
	assert.Equal(t, "1", out.OrderID)

	drafts, err := h.offline.List(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.NotNil(t, drafts[0].RemoteOrderID)
	assert.Equal(t, 1, drafts[0].LinesAttached)
}

func TestSubmitValidationRejection(t *testing.T) {
	h := newHarness(t)
	h.saveCart(t)
	h.submit.err = pkgerrors.New(pkgerrors.CodeValidation, "ERP error 400: codigo_articulo obligatorio")

	out, err := h.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, "ERP error 400: codigo_articulo obligatorio", out.Message)

	items, err := h.delivery.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	order, _ := h.fake.Order("1")
	assert.Equal(t, enums.OrderStatusFailed, order.Status)
}

func TestSubmitTransientFailureQueuesDelivery(t *testing.T) {
	h := newHarness(t)
	h.saveCart(t)
	h.submit.err = pkgerrors.New(pkgerrors.CodeDependency, "erp returned 503")

	out, err := h.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingDelivery, out.Status)

	items, err := h.delivery.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].OrderID)
	order, _ := h.fake.Order("1")
	assert.Equal(t, enums.OrderStatusPendingERP, order.Status)
}

func TestSubmitUsesExplicitLines(t *testing.T) {
	h := newHarness(t)
	req := request()
	req.Lines = []models.CartLine{{Code: "X1", Quantity: 2, UnitPrice: decimal.NewFromInt(1)}}

	out, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Status)
	order, _ := h.fake.Order("1")
	assert.Len(t, order.Lines, 1)
}

func TestSubmitEmptyCartIsValidationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), request())
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	assert.Zero(t, h.fake.CallCount("CreateOrder"))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
