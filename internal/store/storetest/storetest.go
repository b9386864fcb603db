// Package storetest opens migrated in-memory local stores for tests.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/migrate"
)

var seq atomic.Int64

// NewClient opens a private shared-cache in-memory database with the
// embedded schema applied. It is closed when the test ends.
func NewClient(t testing.TB) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	path := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	client, err := db.NewLocal(context.Background(), config.LocalStoreConfig{Path: path, MaxOpenConns: 1}, nil)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.DB().DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	if _, err := migrate.Up(context.Background(), sqlDB); err != nil {
		t.Fatalf("migrate local store: %v", err)
	}
	return client
}

// New returns a Store over NewClient.
func New(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.New(NewClient(t), opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}
