package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
)

// LocalHealth is what -cmd=check reports for the on-device database.
type LocalHealth struct {
	Integrity   string
	JournalMode string
	Current     int64
	Pending     []int64
}

// OK reports a database sqlite found intact with every embedded migration
// applied.
func (h LocalHealth) OK() bool {
	return h.Integrity == "ok" && len(h.Pending) == 0
}

// CheckLocal runs PRAGMA integrity_check and compares the applied goose
// version with the embedded migrations. Only the first integrity problem is
// reported.
func CheckLocal(ctx context.Context, db *sql.DB) (LocalHealth, error) {
	var h LocalHealth
	if db == nil {
		return h, fmt.Errorf("db is required")
	}
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&h.Integrity); err != nil {
		return h, fmt.Errorf("integrity check: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&h.JournalMode); err != nil {
		return h, fmt.Errorf("journal mode: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, Embedded())
	if err != nil {
		return h, fmt.Errorf("goose provider: %w", err)
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return h, fmt.Errorf("goose status: %w", err)
	}
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		if st.State == goose.StatePending {
			h.Pending = append(h.Pending, st.Source.Version)
		}
	}
	h.Current, err = provider.GetDBVersion(ctx)
	if err != nil {
		return h, fmt.Errorf("goose version: %w", err)
	}
	return h, nil
}

// EnsureLocalDir creates the directory holding a file-backed sqlite path.
// In-memory paths are left alone.
func EnsureLocalDir(path string) error {
	file := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(file, '?'); i >= 0 {
		if strings.Contains(file[i:], "mode=memory") {
			return nil
		}
		file = file[:i]
	}
	if file == "" || file == ":memory:" {
		return nil
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create local store directory %s: %w", dir, err)
	}
	return nil
}
