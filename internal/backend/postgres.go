package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const defaultQueryTimeout = 15 * time.Second

// Postgres implements Backend over the shared Postgres database.
type Postgres struct {
	db           *gorm.DB
	logg         *logger.Logger
	queryTimeout time.Duration
	now          func() time.Time
}

// Option customizes the adapter.
type Option func(*Postgres)

// WithQueryTimeout bounds every backend query.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(p *Postgres) {
		if timeout > 0 {
			p.queryTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Postgres) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPostgres binds the adapter to an opened backend client.
func NewPostgres(client *db.Client, logg *logger.Logger, opts ...Option) (*Postgres, error) {
	if client == nil {
		return nil, fmt.Errorf("backend db client required")
	}
	p := &Postgres{
		db:           client.DB(),
		logg:         logg,
		queryTimeout: defaultQueryTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EnsureSchema creates the backend tables when missing. Used by development
// setups that run against an empty database.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(schemaModels()...); err != nil {
		return p.unreachable(ctx, err, "ensure schema")
	}
	return nil
}

func (p *Postgres) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	return p.db.WithContext(ctx), cancel
}

func (p *Postgres) unreachable(ctx context.Context, err error, op string) error {
	if p.logg != nil {
		logCtx := p.logg.WithFields(ctx, map[string]any{
			"op":    op,
			"cause": pkgerrors.Dump(err),
		})
		p.logg.Warn(logCtx, "backend call failed")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "backend "+op)
}

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order id %q", orderID))
	}
	return id, nil
}

// LatestFingerprint returns the newest catalog version. found is false when
// the backend has never published one.
func (p *Postgres) LatestFingerprint(ctx context.Context) (Fingerprint, bool, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	var version catalogVersion
	err := conn.Order("id DESC").Limit(1).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Fingerprint{}, false, nil
	}
	if err != nil {
		return Fingerprint{}, false, p.unreachable(ctx, err, "latest fingerprint")
	}
	return Fingerprint{Hash: version.Hash, VersionID: version.ID}, true, nil
}

// FetchProductsPage returns live products ordered by code.
func (p *Postgres) FetchProductsPage(ctx context.Context, offset, limit int) ([]ProductRow, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	var records []remoteProduct
	err := conn.Where("deleted_at IS NULL").Order("code").Offset(offset).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, p.unreachable(ctx, err, "fetch products page")
	}
	out := make([]ProductRow, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.row())
	}
	return out, nil
}

// FetchAliasesPage returns live aliases ordered by code.
func (p *Postgres) FetchAliasesPage(ctx context.Context, offset, limit int) ([]AliasRow, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	var records []remoteAlias
	err := conn.Where("deleted_at IS NULL").Order("code").Offset(offset).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, p.unreachable(ctx, err, "fetch aliases page")
	}
	out := make([]AliasRow, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.row())
	}
	return out, nil
}

func (p *Postgres) versionCutoff(conn *gorm.DB, since Fingerprint) (time.Time, error) {
	var version catalogVersion
	err := conn.Where("hash = ?", since.Hash).Order("id DESC").Limit(1).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrUnknownVersion, since.Hash)
	}
	if err != nil {
		return time.Time{}, err
	}
	return version.CreatedAt, nil
}

type changeCounts struct {
	Created  int
	Modified int
	Removed  int
}

func countChanges(conn *gorm.DB, model any, cutoff time.Time) (changeCounts, error) {
	var out changeCounts
	err := conn.Model(model).
		Select(`
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND created_at > ? THEN 1 ELSE 0 END), 0) AS created,
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND created_at <= ? THEN 1 ELSE 0 END), 0) AS modified,
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS removed`, cutoff, cutoff).
		Where("updated_at > ? OR deleted_at > ?", cutoff, cutoff).
		Scan(&out).Error
	return out, err
}

// ChangeStats counts records changed after since. An unknown base version
// yields a CodeNotFound error wrapping ErrUnknownVersion.
func (p *Postgres) ChangeStats(ctx context.Context, since Fingerprint) (ChangeStats, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	cutoff, err := p.versionCutoff(conn, since)
	if err != nil {
		if pkgerrors.As(err) != nil {
			return ChangeStats{}, err
		}
		return ChangeStats{}, p.unreachable(ctx, err, "change stats")
	}

	products, err := countChanges(conn, &remoteProduct{}, cutoff)
	if err != nil {
		return ChangeStats{}, p.unreachable(ctx, err, "change stats")
	}
	aliases, err := countChanges(conn, &remoteAlias{}, cutoff)
	if err != nil {
		return ChangeStats{}, p.unreachable(ctx, err, "change stats")
	}
	return ChangeStats{
		NewProducts:      products.Created,
		ModifiedProducts: products.Modified,
		RemovedProducts:  products.Removed,
		NewAliases:       aliases.Created,
		ModifiedAliases:  aliases.Modified,
		RemovedAliases:   aliases.Removed,
	}, nil
}

// ChangedSince returns upserted and removed records after since.
func (p *Postgres) ChangedSince(ctx context.Context, since Fingerprint) (ChangeSet, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	cutoff, err := p.versionCutoff(conn, since)
	if err != nil {
		if pkgerrors.As(err) != nil {
			return ChangeSet{}, err
		}
		return ChangeSet{}, p.unreachable(ctx, err, "changed since")
	}

	var products []remoteProduct
	if err := conn.Where("updated_at > ? OR deleted_at > ?", cutoff, cutoff).Order("code").Find(&products).Error; err != nil {
		return ChangeSet{}, p.unreachable(ctx, err, "changed products")
	}
	var aliases []remoteAlias
	if err := conn.Where("updated_at > ? OR deleted_at > ?", cutoff, cutoff).Order("code").Find(&aliases).Error; err != nil {
		return ChangeSet{}, p.unreachable(ctx, err, "changed aliases")
	}

	var set ChangeSet
	for _, rec := range products {
		if rec.DeletedAt != nil {
			set.RemovedProducts = append(set.RemovedProducts, rec.Code)
			continue
		}
		set.Products = append(set.Products, rec.row())
	}
	for _, rec := range aliases {
		if rec.DeletedAt != nil {
			set.RemovedAliases = append(set.RemovedAliases, rec.Code)
			continue
		}
		set.Aliases = append(set.Aliases, rec.row())
	}
	return set, nil
}

// CreateOrder opens a remote order in the created state. The QR code is the
// zero-padded order id. A draft whose ClientRef already produced an order
// gets that order back.
func (p *Postgres) CreateOrder(ctx context.Context, draft OrderDraft) (CreatedOrder, error) {
	if strings.TrimSpace(draft.UserID) == "" || strings.TrimSpace(draft.Warehouse) == "" {
		return CreatedOrder{}, pkgerrors.New(pkgerrors.CodeValidation, "user and warehouse are required")
	}
	conn, cancel := p.conn(ctx)
	defer cancel()

	clientRef := strings.TrimSpace(draft.ClientRef)
	if clientRef != "" {
		existing, found, err := orderByClientRef(conn, clientRef)
		if err != nil {
			return CreatedOrder{}, p.unreachable(ctx, err, "create order")
		}
		if found {
			return existing, nil
		}
	}

	now := p.now()
	record := orderRecord{
		UserID:    draft.UserID,
		Warehouse: strings.ToUpper(strings.TrimSpace(draft.Warehouse)),
		Status:    enums.OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if clientRef != "" {
		record.ClientRef = &clientRef
	}
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		record.QRCode = fmt.Sprintf("%06d", record.ID)
		return tx.Model(&record).Update("qr_code", record.QRCode).Error
	})
	if err != nil && clientRef != "" && db.IsUniqueViolation(err, "") {
		// Lost a race with a concurrent create for the same draft.
		existing, found, lerr := orderByClientRef(conn, clientRef)
		if lerr == nil && found {
			return existing, nil
		}
	}
	if err != nil {
		return CreatedOrder{}, p.unreachable(ctx, err, "create order")
	}
	return CreatedOrder{ID: strconv.FormatInt(record.ID, 10), QRCode: record.QRCode}, nil
}

func orderByClientRef(conn *gorm.DB, clientRef string) (CreatedOrder, bool, error) {
	var rec orderRecord
	err := conn.Where("client_ref = ?", clientRef).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CreatedOrder{}, false, nil
	}
	if err != nil {
		return CreatedOrder{}, false, err
	}
	return CreatedOrder{ID: strconv.FormatInt(rec.ID, 10), QRCode: rec.QRCode}, true, nil
}

// AttachLine adds a line to an order. Re-attaching the same position is a
// no-op, so resumed uploads never duplicate lines.
func (p *Postgres) AttachLine(ctx context.Context, orderID string, line OrderLine) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	if line.Quantity <= 0 || strings.TrimSpace(line.Code) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "line requires a code and a positive quantity")
	}
	conn, cancel := p.conn(ctx)
	defer cancel()

	record := orderLineRecord{
		OrderID:     id,
		Position:    line.Position,
		Code:        line.Code,
		Description: line.Description,
		UnitPrice:   line.UnitPrice,
		Quantity:    line.Quantity,
		CreatedAt:   p.now(),
	}
	err = conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}, {Name: "position"}},
		DoNothing: true,
	}).Create(&record).Error
	if err != nil {
		return p.unreachable(ctx, err, "attach line")
	}
	return nil
}

func (p *Postgres) updateOrder(ctx context.Context, orderID, op string, values map[string]any) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	conn, cancel := p.conn(ctx)
	defer cancel()

	values["updated_at"] = p.now()
	res := conn.Model(&orderRecord{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return p.unreachable(ctx, res.Error, op)
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("order %s not found", orderID))
	}
	return nil
}

// UpdateOrderStatus sets the processing status and an optional detail message.
func (p *Postgres) UpdateOrderStatus(ctx context.Context, orderID string, status enums.OrderStatus, detail string) error {
	if !status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", status))
	}
	var detailValue *string
	if detail != "" {
		detailValue = &detail
	}
	return p.updateOrder(ctx, orderID, "update order status", map[string]any{
		"status":        status,
		"status_detail": detailValue,
	})
}

// UpdateExternalReference stores the external order system's reference.
func (p *Postgres) UpdateExternalReference(ctx context.Context, orderID, externalRef string) error {
	if strings.TrimSpace(externalRef) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external reference is required")
	}
	return p.updateOrder(ctx, orderID, "update external reference", map[string]any{
		"external_ref": externalRef,
	})
}

// RecordPurchaseHistory folds an order's lines into the owner's purchase
// history. An order is folded at most once.
func (p *Postgres) RecordPurchaseHistory(ctx context.Context, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	conn, cancel := p.conn(ctx)
	defer cancel()

	now := p.now()
	err = conn.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderRecord{}).
			Where("id = ? AND history_recorded_at IS NULL", id).
			Update("history_recorded_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var order orderRecord
		if err := tx.Where("id = ?", id).Take(&order).Error; err != nil {
			return err
		}
		var lines []orderLineRecord
		if err := tx.Where("order_id = ?", id).Order("position").Find(&lines).Error; err != nil {
			return err
		}
		for _, line := range lines {
			entry := purchaseHistoryRecord{
				UserID:          order.UserID,
				Code:            line.Code,
				Description:     line.Description,
				UnitPrice:       line.UnitPrice,
				LastQuantity:    line.Quantity,
				TimesPurchased:  1,
				LastPurchasedAt: now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "code"}},
				DoUpdates: clause.Assignments(map[string]any{
					"description":       line.Description,
					"unit_price":        line.UnitPrice,
					"last_quantity":     line.Quantity,
					"last_purchased_at": now,
					"times_purchased":   gorm.Expr("purchase_history.times_purchased + 1"),
				}),
			}).Create(&entry).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return p.unreachable(ctx, err, "record purchase history")
	}
	return nil
}

// FetchPurchaseHistory returns the user's full history, most recent first.
func (p *Postgres) FetchPurchaseHistory(ctx context.Context, userID string) ([]PurchaseRecord, error) {
	conn, cancel := p.conn(ctx)
	defer cancel()

	var records []purchaseHistoryRecord
	err := conn.Where("user_id = ?", userID).Order("last_purchased_at DESC").Order("code").Find(&records).Error
	if err != nil {
		return nil, p.unreachable(ctx, err, "fetch purchase history")
	}
	out := make([]PurchaseRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, PurchaseRecord{
			Code:            rec.Code,
			Description:     rec.Description,
			UnitPrice:       rec.UnitPrice,
			LastQuantity:    rec.LastQuantity,
			TimesPurchased:  rec.TimesPurchased,
			LastPurchasedAt: rec.LastPurchasedAt,
		})
	}
	return out, nil
}

// References exposes the durable delivery-dedup table.
func (p *Postgres) References() *ReferenceStore {
	return &ReferenceStore{backend: p}
}

// ReferenceStore records which order references the external order system
// has already accepted.
type ReferenceStore struct {
	backend *Postgres
}

// Lookup returns the external reference recorded for reference.
func (s *ReferenceStore) Lookup(ctx context.Context, reference string) (string, bool, error) {
	conn, cancel := s.backend.conn(ctx)
	defer cancel()

	var rec erpReference
	err := conn.Where("reference = ?", reference).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.backend.unreachable(ctx, err, "lookup reference")
	}
	return rec.ExternalRef, true, nil
}

// Record stores the external reference. The first recorded value wins.
func (s *ReferenceStore) Record(ctx context.Context, reference, externalRef string) error {
	conn, cancel := s.backend.conn(ctx)
	defer cancel()

	err := conn.Create(&erpReference{
		Reference:   reference,
		ExternalRef: externalRef,
		CreatedAt:   s.backend.now(),
	}).Error
	if err == nil || db.IsUniqueViolation(err, "") {
		return nil
	}
	return s.backend.unreachable(ctx, err, "record reference")
}
