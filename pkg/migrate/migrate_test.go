package migrate_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/migrate"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	require.NoError(t, migrate.ValidateDir("migrations"))
	require.NoError(t, migrate.ValidateFS(migrate.Embedded()))
}

func TestValidateFSRejectsBadFiles(t *testing.T) {
	up := "-- +goose Up\n-- +goose Down\n"
	cases := map[string]fstest.MapFS{
		"bad name":     {"create_things.sql": {Data: []byte(up)}},
		"duplicate":    {"20260301090000_a.sql": {Data: []byte(up)}, "20260301090000_b.sql": {Data: []byte(up)}},
		"missing down": {"20260301090000_a.sql": {Data: []byte("-- +goose Up\n")}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, migrate.ValidateFS(fsys))
		})
	}

	ok := fstest.MapFS{"20260301090000_a.sql": {Data: []byte(up)}, "README.md": {Data: []byte("notes")}}
	assert.NoError(t, migrate.ValidateFS(ok))
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()

	full, err := migrate.CreateSQLMigration(dir, "Add Cart Notes!")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(full, "_add_cart_notes.sql"), full)
	assert.Equal(t, dir, filepath.Dir(full))

	body, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- rollback add_cart_notes")
	require.NoError(t, migrate.ValidateDir(dir))

	_, err = migrate.CreateSQLMigration(dir, "!!!")
	assert.Error(t, err)
}

func TestUpCreatesLocalCollections(t *testing.T) {
	ctx := context.Background()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	client, err := db.NewLocal(ctx, config.LocalStoreConfig{
		Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.DB().DB()
	require.NoError(t, err)

	applied, err := migrate.Up(ctx, sqlDB)
	require.NoError(t, err)
	assert.Len(t, applied, 4)

	for _, table := range []string{"products", "product_aliases", "settings", "carts", "delivery_items", "offline_orders", "remote_orders", "accepted_references"} {
		assert.True(t, client.DB().Migrator().HasTable(table), "missing table %s", table)
	}

	again, err := migrate.Up(ctx, sqlDB)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCheckLocalReportsPendingMigrations(t *testing.T) {
	ctx := context.Background()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	client, err := db.NewLocal(ctx, config.LocalStoreConfig{
		Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	sqlDB, err := client.DB().DB()
	require.NoError(t, err)

	before, err := migrate.CheckLocal(ctx, sqlDB)
	require.NoError(t, err)
	assert.Equal(t, "ok", before.Integrity)
	assert.Len(t, before.Pending, 4)
	assert.False(t, before.OK())

	_, err = migrate.Up(ctx, sqlDB)
	require.NoError(t, err)

	after, err := migrate.CheckLocal(ctx, sqlDB)
	require.NoError(t, err)
	assert.True(t, after.OK())
	assert.Equal(t, int64(20260301090300), after.Current)
	assert.Equal(t, "memory", after.JournalMode)
}

func TestEnsureLocalDir(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "device", "companion.db")

	require.NoError(t, migrate.EnsureLocalDir("file:"+path+"?_busy_timeout=500"))
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, migrate.EnsureLocalDir("file:scratch?mode=memory&cache=shared"))
	require.NoError(t, migrate.EnsureLocalDir(":memory:"))
	_, err = os.Stat("scratch")
	assert.True(t, os.IsNotExist(err))
}
