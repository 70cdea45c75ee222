package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// These tests drive JuniperKV and a SQLite table through the same random
// operations and require identical ordered contents. SQLite compares BLOB
// keys with memcmp, which is JuniperKV's key order.

type oracle struct {
	t        *testing.T
	sql      *sql.DB
	kv       *db.DB
	maxValue int
}

func newOracle(t *testing.T, pageSize int) *oracle {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "oracle.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Exec(`CREATE TABLE kv (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	cfg := db.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.CheckpointBytes = 16 << 10
	kv, err := db.Open(filepath.Join(dir, "test.jkv"), cfg)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return &oracle{t: t, sql: s, kv: kv, maxValue: pageSize / 8}
}

// batch applies n random operations in one transaction on each side.
func (o *oracle) batch(rng *rand.Rand, n, keySpace int) {
	o.t.Helper()
	stx, err := o.sql.Begin()
	if err != nil {
		o.t.Fatalf("sqlite Begin() error = %v", err)
	}
	ktx, err := o.kv.Begin(context.Background(), db.ReadWrite)
	if err != nil {
		o.t.Fatalf("Begin() error = %v", err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%06d", rng.Intn(keySpace)))
		if rng.Intn(3) == 0 {
			res, err := stx.Exec(`DELETE FROM kv WHERE k = ?`, key)
			if err != nil {
				o.t.Fatalf("sqlite delete: %v", err)
			}
			affected, _ := res.RowsAffected()
			err = ktx.Delete(key)
			switch {
			case affected == 1 && err != nil:
				o.t.Fatalf("Delete(%s) error = %v, sqlite deleted a row", key, err)
			case affected == 0 && !errors.Is(err, jerrors.ErrNotFound):
				o.t.Fatalf("Delete(%s) error = %v, sqlite found no row", key, err)
			}
			continue
		}
		value := bytes.Repeat([]byte{byte('a' + rng.Intn(26))}, 1+rng.Intn(o.maxValue))
		if _, err := stx.Exec(`INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)`, key, value); err != nil {
			o.t.Fatalf("sqlite insert: %v", err)
		}
		if err := ktx.Insert(key, value); err != nil {
			o.t.Fatalf("Insert(%s) error = %v", key, err)
		}
	}

	if rng.Intn(5) == 0 {
		stx.Rollback()
		ktx.Rollback()
		return
	}
	if err := stx.Commit(); err != nil {
		o.t.Fatalf("sqlite Commit() error = %v", err)
	}
	if err := ktx.Commit(); err != nil {
		o.t.Fatalf("Commit() error = %v", err)
	}
}

func (o *oracle) compare(start, end []byte) {
	o.t.Helper()
	query := `SELECT k, v FROM kv WHERE (? IS NULL OR k >= ?) AND (? IS NULL OR k <= ?) ORDER BY k`
	rows, err := o.sql.Query(query, bound(start), bound(start), bound(end), bound(end))
	if err != nil {
		o.t.Fatalf("sqlite query: %v", err)
	}
	defer rows.Close()
	var want []string
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			o.t.Fatalf("sqlite scan: %v", err)
		}
		want = append(want, string(k)+"="+string(v))
	}
	if err := rows.Err(); err != nil {
		o.t.Fatalf("sqlite rows: %v", err)
	}

	var got []string
	err = o.kv.View(context.Background(), func(tx *db.Tx) error {
		it := tx.Scan(start, end)
		defer it.Close()
		for it.Next() {
			got = append(got, string(it.Key())+"="+string(it.Value()))
		}
		return it.Err()
	})
	if err != nil {
		o.t.Fatalf("Scan() error = %v", err)
	}

	if len(got) != len(want) {
		o.t.Fatalf("scan [%s, %s]: %d records, sqlite has %d", start, end, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			o.t.Fatalf("scan [%s, %s] record %d = %.40s, sqlite has %.40s", start, end, i, got[i], want[i])
		}
	}
}

// bound binds an open range end as SQL NULL.
func bound(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func TestOracleRandomOperations(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
		keySpace int
		batches  int
	}{
		{"small pages dense keys", 512, 300, 60},
		{"default pages sparse keys", 4096, 5000, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOracle(t, tt.pageSize)
			rng := rand.New(rand.NewSource(int64(tt.pageSize)))
			for b := 0; b < tt.batches; b++ {
				o.batch(rng, 1+rng.Intn(80), tt.keySpace)
				if b%10 == 9 {
					o.compare(nil, nil)
				}
			}
			o.compare(nil, nil)
			for i := 0; i < 20; i++ {
				lo, hi := rng.Intn(tt.keySpace), rng.Intn(tt.keySpace)
				if lo > hi {
					lo, hi = hi, lo
				}
				o.compare([]byte(fmt.Sprintf("k%06d", lo)), []byte(fmt.Sprintf("k%06d", hi)))
			}
			if err := o.kv.Check(); err != nil {
				t.Fatalf("Check() error = %v", err)
			}
		})
	}
}

func TestOracleSurvivesReopen(t *testing.T) {
	o := newOracle(t, 1024)
	rng := rand.New(rand.NewSource(7))
	for b := 0; b < 20; b++ {
		o.batch(rng, 50, 1000)
	}

	path := o.kv.Path()
	if err := o.kv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	kv, err := db.Open(path, db.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer kv.Close()
	o.kv = kv
	o.compare(nil, nil)
}
