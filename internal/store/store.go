package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/db/models"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const defaultChunkSize = 500

// Collection is a named record set with a primary key and optional secondary
// indexes keyed by a logical name.
type Collection interface {
	TableName() string
	PrimaryKey() string
	Indexes() map[string]string
}

// KeyNormalizer is implemented by collections whose keys are canonicalized
// before storage, so lookups apply the same transformation.
type KeyNormalizer interface {
	NormalizeKey(string) string
}

// Store is the durable on-device persistence layer. Every read and write goes
// through Do, which opens one transaction.
type Store struct {
	client    *db.Client
	chunkSize int
	logg      *logger.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithChunkSize sets the batch size used by ReplaceAll.
func WithChunkSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithLogger attaches a logger for bulk operations.
func WithLogger(logg *logger.Logger) Option {
	return func(s *Store) {
		s.logg = logg
	}
}

// New wraps an opened local client.
func New(client *db.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("local db client required")
	}
	s := &Store{client: client, chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tx is one open unit of work.
type Tx struct {
	ctx context.Context
	db  *gorm.DB
}

// DB exposes the transaction handle for queries the generic helpers do not cover.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// Context returns the context the transaction was opened with.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// NewTx binds an existing gorm transaction, letting callers compose store
// helpers with a transaction they already own.
func NewTx(ctx context.Context, gdb *gorm.DB) *Tx {
	return &Tx{ctx: ctx, db: gdb.WithContext(ctx)}
}

// Do runs fn in a transaction. It commits when fn returns nil and rolls back
// on error or panic. Errors that are not already typed are reported as
// storage failures.
func (s *Store) Do(ctx context.Context, fn func(*Tx) error) error {
	err := s.client.WithTx(ctx, func(gtx *gorm.DB) error {
		return fn(&Tx{ctx: ctx, db: gtx})
	})
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "local store transaction failed")
}

// Ping checks the underlying database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// ChunkSize reports the batch size used by ReplaceAll.
func (s *Store) ChunkSize() int {
	return s.chunkSize
}

// NormalizeCode is the canonical form of product and alias codes.
func NormalizeCode(code string) string {
	return models.NormalizeCode(code)
}

func normalizeKey[T Collection](key string) string {
	var zero T
	if n, ok := any(zero).(KeyNormalizer); ok {
		return n.NormalizeKey(key)
	}
	return key
}

func storageErr(err error, op, table string) error {
	return pkgerrors.Wrap(pkgerrors.CodeStorage, err, fmt.Sprintf("%s %s", op, table))
}

// Put inserts or overwrites records by primary key.
func Put[T Collection](tx *Tx, records ...T) error {
	if len(records) == 0 {
		return nil
	}
	var zero T
	if err := tx.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error; err != nil {
		return storageErr(err, "put", zero.TableName())
	}
	return nil
}

// Get loads one record by primary key. found is false when no record exists.
func Get[T Collection](tx *Tx, key string) (T, bool, error) {
	var out T
	err := tx.db.
		Where(clause.Eq{Column: clause.Column{Name: out.PrimaryKey()}, Value: normalizeKey[T](key)}).
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		return out, false, storageErr(err, "get", out.TableName())
	}
	return out, true, nil
}

// GetAll returns every record ordered by primary key.
func GetAll[T Collection](tx *Tx) ([]T, error) {
	var zero T
	var out []T
	if err := tx.db.Order(clause.OrderByColumn{Column: clause.Column{Name: zero.PrimaryKey()}}).Find(&out).Error; err != nil {
		return nil, storageErr(err, "list", zero.TableName())
	}
	return out, nil
}

// GetByIndex returns records whose indexed column equals value. Unknown index
// names are a validation error.
func GetByIndex[T Collection](tx *Tx, index string, value any) ([]T, error) {
	var zero T
	column, ok := zero.Indexes()[index]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown index %q on %s", index, zero.TableName()))
	}
	var out []T
	err := tx.db.
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: value}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: zero.PrimaryKey()}}).
		Find(&out).Error
	if err != nil {
		return nil, storageErr(err, "query", zero.TableName())
	}
	return out, nil
}

// Delete removes a record by primary key. Deleting a missing key is a no-op.
func Delete[T Collection](tx *Tx, key string) error {
	var zero T
	err := tx.db.
		Where(clause.Eq{Column: clause.Column{Name: zero.PrimaryKey()}, Value: normalizeKey[T](key)}).
		Delete(&zero).Error
	if err != nil {
		return storageErr(err, "delete", zero.TableName())
	}
	return nil
}

// Clear removes every record in the collection.
func Clear[T Collection](tx *Tx) error {
	var zero T
	if err := tx.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&zero).Error; err != nil {
		return storageErr(err, "clear", zero.TableName())
	}
	return nil
}

// Count returns the number of records in the collection.
func Count[T Collection](tx *Tx) (int64, error) {
	var zero T
	var n int64
	if err := tx.db.Model(&zero).Count(&n).Error; err != nil {
		return 0, storageErr(err, "count", zero.TableName())
	}
	return n, nil
}

// ReplaceAll atomically swaps the collection contents for records. Inserts
// are chunked and the goroutine yields between chunks; a cancelled context
// aborts and rolls back the whole replacement.
func ReplaceAll[T Collection](ctx context.Context, s *Store, records []T) error {
	var zero T
	started := time.Now()
	err := s.Do(ctx, func(tx *Tx) error {
		if err := Clear[T](tx); err != nil {
			return err
		}
		for start := 0; start < len(records); start += s.chunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := start + s.chunkSize
			if end > len(records) {
				end = len(records)
			}
			chunk := records[start:end]
			if err := tx.db.CreateInBatches(&chunk, len(chunk)).Error; err != nil {
				return storageErr(err, "replace", zero.TableName())
			}
			runtime.Gosched()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"table":       zero.TableName(),
			"records":     len(records),
			"duration_ms": time.Since(started).Milliseconds(),
		})
		s.logg.Debug(logCtx, "collection replaced")
	}
	return nil
}
