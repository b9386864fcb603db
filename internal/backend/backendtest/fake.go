// Package backendtest provides an in-memory backend.Backend for tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

// ErrOffline is the cause wrapped into injected unreachable errors.
var ErrOffline = errors.New("backend offline")

// Unreachable returns a dependency error like the real adapter produces.
func Unreachable(op string) error {
	return pkgerrors.Wrap(pkgerrors.CodeDependency, ErrOffline, "backend "+op)
}

// Order is the fake's view of a remote order.
type Order struct {
	ID          string
	UserID      string
	Warehouse   string
	QRCode      string
	Status      enums.OrderStatus
	Detail      string
	ExternalRef string
	Lines       map[int]backend.OrderLine
	Recorded    bool
}

// Fake is a goroutine-safe in-memory backend. Exported error fields inject
// failures into the matching call.
type Fake struct {
	mu sync.Mutex

	Fingerprint    backend.Fingerprint
	HasFingerprint bool
	Products       []backend.ProductRow
	Aliases        []backend.AliasRow
	Stats          backend.ChangeStats
	Changes        backend.ChangeSet
	History        map[string][]backend.PurchaseRecord

	FingerprintErr  error
	StatsErr        error
	ChangedErr      error
	PageErrs        []error
	CreateErr       error
	AttachErr       error
	AttachFailAfter int
	StatusErr       error
	HistoryErr      error
	RecordErr       error

	Orders     map[string]*Order
	clientRefs map[string]string
	nextID     int64

	Calls map[string]int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		History:         map[string][]backend.PurchaseRecord{},
		Orders:          map[string]*Order{},
		clientRefs:      map[string]string{},
		Calls:           map[string]int{},
		AttachFailAfter: -1,
	}
}

func (f *Fake) call(name string) {
	f.Calls[name]++
}

// CallCount reports how many times a method was invoked.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

// Order returns a copy of the stored order.
func (f *Fake) Order(id string) (Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.Orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Update mutates the fake under its lock, for tests that change behavior
// while other goroutines are calling it.
func (f *Fake) Update(fn func(*Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// SetUnreachable makes order creation and line attachment fail transiently.
func (f *Fake) SetUnreachable(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offline {
		f.CreateErr = Unreachable("create order")
		f.AttachErr = Unreachable("attach line")
		return
	}
	f.CreateErr = nil
	f.AttachErr = nil
}

func (f *Fake) LatestFingerprint(context.Context) (backend.Fingerprint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("LatestFingerprint")
	if f.FingerprintErr != nil {
		return backend.Fingerprint{}, false, f.FingerprintErr
	}
	return f.Fingerprint, f.HasFingerprint, nil
}

func (f *Fake) popPageErr() error {
	if len(f.PageErrs) == 0 {
		return nil
	}
	err := f.PageErrs[0]
	f.PageErrs = f.PageErrs[1:]
	return err
}

func (f *Fake) FetchProductsPage(_ context.Context, offset, limit int) ([]backend.ProductRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("FetchProductsPage")
	if err := f.popPageErr(); err != nil {
		return nil, err
	}
	return page(f.Products, offset, limit), nil
}

func (f *Fake) FetchAliasesPage(_ context.Context, offset, limit int) ([]backend.AliasRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("FetchAliasesPage")
	if err := f.popPageErr(); err != nil {
		return nil, err
	}
	return page(f.Aliases, offset, limit), nil
}

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]T, end-offset)
	copy(out, rows[offset:end])
	return out
}

func (f *Fake) ChangeStats(context.Context, backend.Fingerprint) (backend.ChangeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ChangeStats")
	if f.StatsErr != nil {
		return backend.ChangeStats{}, f.StatsErr
	}
	return f.Stats, nil
}

func (f *Fake) ChangedSince(context.Context, backend.Fingerprint) (backend.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ChangedSince")
	if f.ChangedErr != nil {
		return backend.ChangeSet{}, f.ChangedErr
	}
	return f.Changes, nil
}

func (f *Fake) CreateOrder(_ context.Context, draft backend.OrderDraft) (backend.CreatedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CreateOrder")
	if f.CreateErr != nil {
		return backend.CreatedOrder{}, f.CreateErr
	}
	if id, ok := f.clientRefs[draft.ClientRef]; ok && draft.ClientRef != "" {
		return backend.CreatedOrder{ID: id, QRCode: f.Orders[id].QRCode}, nil
	}
	f.nextID++
	id := strconv.FormatInt(f.nextID, 10)
	order := &Order{
		ID:        id,
		UserID:    draft.UserID,
		Warehouse: draft.Warehouse,
		QRCode:    fmt.Sprintf("%06d", f.nextID),
		Status:    enums.OrderStatusCreated,
		Lines:     map[int]backend.OrderLine{},
	}
	f.Orders[id] = order
	if draft.ClientRef != "" {
		f.clientRefs[draft.ClientRef] = id
	}
	return backend.CreatedOrder{ID: id, QRCode: order.QRCode}, nil
}

func (f *Fake) AttachLine(_ context.Context, orderID string, line backend.OrderLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("AttachLine")
	if f.AttachErr != nil {
		return f.AttachErr
	}
	order, ok := f.Orders[orderID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if f.AttachFailAfter >= 0 && len(order.Lines) >= f.AttachFailAfter {
		return Unreachable("attach line")
	}
	order.Lines[line.Position] = line
	return nil
}

func (f *Fake) UpdateOrderStatus(_ context.Context, orderID string, status enums.OrderStatus, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("UpdateOrderStatus")
	if f.StatusErr != nil {
		return f.StatusErr
	}
	order, ok := f.Orders[orderID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	order.Status = status
	order.Detail = detail
	return nil
}

func (f *Fake) UpdateExternalReference(_ context.Context, orderID, externalRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("UpdateExternalReference")
	if f.StatusErr != nil {
		return f.StatusErr
	}
	order, ok := f.Orders[orderID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	order.ExternalRef = externalRef
	return nil
}

func (f *Fake) RecordPurchaseHistory(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("RecordPurchaseHistory")
	if f.RecordErr != nil {
		return f.RecordErr
	}
	order, ok := f.Orders[orderID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.Recorded {
		return nil
	}
	order.Recorded = true
	positions := make([]int, 0, len(order.Lines))
	for pos := range order.Lines {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for _, pos := range positions {
		line := order.Lines[pos]
		f.History[order.UserID] = append(f.History[order.UserID], backend.PurchaseRecord{
			Code:           line.Code,
			Description:    line.Description,
			UnitPrice:      line.UnitPrice,
			LastQuantity:   line.Quantity,
			TimesPurchased: 1,
		})
	}
	return nil
}

func (f *Fake) FetchPurchaseHistory(_ context.Context, userID string) ([]backend.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("FetchPurchaseHistory")
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	records := f.History[userID]
	out := make([]backend.PurchaseRecord, len(records))
	copy(out, records)
	return out, nil
}

var _ backend.Backend = (*Fake)(nil)
