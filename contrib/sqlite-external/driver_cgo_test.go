//go:build cgo_sqlite

package sqliteexternal

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestDriverRegistered(t *testing.T) {
	db, err := sql.Open(DriverName, filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRow(`SELECT sqlite_version()`).Scan(&version); err != nil {
		t.Fatalf("sqlite_version() error = %v", err)
	}
	if version == "" {
		t.Error("sqlite_version() returned an empty string")
	}
}
