package backend

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

// ErrUnknownVersion is returned by change queries whose base fingerprint the
// backend no longer knows.
var ErrUnknownVersion = errors.New("unknown catalog version")

// Fingerprint identifies one remote catalog snapshot.
type Fingerprint struct {
	Hash      string `json:"hash"`
	VersionID int64  `json:"version_id"`
}

// IsZero reports whether no fingerprint is known.
func (f Fingerprint) IsZero() bool {
	return f.Hash == ""
}

// Equal compares by hash; an empty hash never equals anything.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Hash != "" && f.Hash == other.Hash
}

// ProductRow is one catalog article as served by the backend.
type ProductRow struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AliasRow maps a secondary code to a principal code.
type AliasRow struct {
	Code        string    `json:"code"`
	ProductCode string    `json:"product_code"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChangeStats summarizes what changed after a fingerprint.
type ChangeStats struct {
	NewProducts      int `json:"new_products"`
	ModifiedProducts int `json:"modified_products"`
	RemovedProducts  int `json:"removed_products"`
	NewAliases       int `json:"new_aliases"`
	ModifiedAliases  int `json:"modified_aliases"`
	RemovedAliases   int `json:"removed_aliases"`
}

// Total is the number of changed records across both collections.
func (s ChangeStats) Total() int {
	return s.NewProducts + s.ModifiedProducts + s.RemovedProducts +
		s.NewAliases + s.ModifiedAliases + s.RemovedAliases
}

// ChangeSet is the delta between a fingerprint and the current catalog.
type ChangeSet struct {
	Products        []ProductRow `json:"products"`
	Aliases         []AliasRow   `json:"aliases"`
	RemovedProducts []string     `json:"removed_products"`
	RemovedAliases  []string     `json:"removed_aliases"`
}

// OrderDraft is what the backend needs to open a remote order. ClientRef,
// when set, makes creation idempotent: a repeated ClientRef returns the
// order created the first time.
type OrderDraft struct {
	UserID    string `json:"user_id"`
	Warehouse string `json:"warehouse"`
	ClientRef string `json:"client_ref,omitempty"`
}

// CreatedOrder identifies a remote order.
type CreatedOrder struct {
	ID     string `json:"id"`
	QRCode string `json:"qr_code"`
}

// OrderLine is one article attached to a remote order. Position makes
// attaching idempotent.
type OrderLine struct {
	Position    int             `json:"position"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

// PurchaseRecord is one article in a user's purchase history.
type PurchaseRecord struct {
	Code            string          `json:"code"`
	Description     string          `json:"description"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	LastQuantity    int             `json:"last_quantity"`
	TimesPurchased  int             `json:"times_purchased"`
	LastPurchasedAt time.Time       `json:"last_purchased_at"`
}

// Backend is the remote query surface the sync engine depends on.
type Backend interface {
	LatestFingerprint(ctx context.Context) (Fingerprint, bool, error)
	FetchProductsPage(ctx context.Context, offset, limit int) ([]ProductRow, error)
	FetchAliasesPage(ctx context.Context, offset, limit int) ([]AliasRow, error)
	ChangeStats(ctx context.Context, since Fingerprint) (ChangeStats, error)
	ChangedSince(ctx context.Context, since Fingerprint) (ChangeSet, error)
	CreateOrder(ctx context.Context, draft OrderDraft) (CreatedOrder, error)
	AttachLine(ctx context.Context, orderID string, line OrderLine) error
	UpdateOrderStatus(ctx context.Context, orderID string, status enums.OrderStatus, detail string) error
	UpdateExternalReference(ctx context.Context, orderID, externalRef string) error
	RecordPurchaseHistory(ctx context.Context, orderID string) error
	FetchPurchaseHistory(ctx context.Context, userID string) ([]PurchaseRecord, error)
}

// IsUnreachable reports whether err means the backend could not be reached
// or failed transiently.
func IsUnreachable(err error) bool {
	return pkgerrors.Is(err, pkgerrors.CodeDependency)
}
