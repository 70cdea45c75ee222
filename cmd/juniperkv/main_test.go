package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/sqlite"
)

// runCLI executes args with captured stdout and the given stdin.
func runCLI(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldIn := stdout, stdin
	stdout, stdin = &out, strings.NewReader(input)
	defer func() { stdout, stdin = oldOut, oldIn }()

	err := run(context.Background(), append(args, "--log-level=error"), kong.Exit(func(int) {}))
	return out.String(), err
}

// mustRun fails the test if the command fails.
func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, "", args...)
	if err != nil {
		t.Fatalf("%s error = %v", strings.Join(args, " "), err)
	}
	return out
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cli.jkv")
}

func TestPutGetDelete(t *testing.T) {
	path := testDB(t)
	mustRun(t, "--db", path, "put", "greeting", "hello world")

	if got := mustRun(t, "--db", path, "get", "greeting"); got != "hello world\n" {
		t.Errorf("get = %q, want %q", got, "hello world\n")
	}
	if got := mustRun(t, "--db", path, "get", "--raw", "greeting"); got != "hello world" {
		t.Errorf("get --raw = %q", got)
	}

	mustRun(t, "--db", path, "delete", "greeting")
	if _, err := runCLI(t, "", "--db", path, "get", "greeting"); !errors.Is(err, jerrors.ErrNotFound) {
		t.Errorf("get after delete error = %v, want not found", err)
	}
	if _, err := runCLI(t, "", "--db", path, "del", "greeting"); !errors.Is(err, jerrors.ErrNotFound) {
		t.Errorf("delete missing error = %v, want not found", err)
	}
}

func TestPutStdin(t *testing.T) {
	path := testDB(t)
	if _, err := runCLI(t, "line one\nline two\n", "--db", path, "put", "--stdin", "doc"); err != nil {
		t.Fatalf("put --stdin error = %v", err)
	}
	if got := mustRun(t, "--db", path, "get", "--raw", "doc"); got != "line one\nline two\n" {
		t.Errorf("get --raw = %q", got)
	}
}

func TestScan(t *testing.T) {
	path := testDB(t)
	for _, k := range []string{"c", "a", "b", "d"} {
		mustRun(t, "--db", path, "put", k, strings.ToUpper(k))
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"all", nil, "a\tA\nb\tB\nc\tC\nd\tD\n"},
		{"range", []string{"b", "c"}, "b\tB\nc\tC\n"},
		{"open start", []string{"-", "b"}, "a\tA\nb\tB\n"},
		{"open end", []string{"c"}, "c\tC\nd\tD\n"},
		{"limit", []string{"--limit", "2"}, "a\tA\nb\tB\n"},
		{"keys", []string{"--keys", "c"}, "c\nd\n"},
		{"empty range", []string{"x", "z"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", path, "scan"}, tt.args...)
			if got := mustRun(t, args...); got != tt.want {
				t.Errorf("scan = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShell(t *testing.T) {
	path := testDB(t)
	script := "put k1 v1\nbegin\nput k2 v2\ncommit\nscan\nbogus\nexit\n"
	out, err := runCLI(t, script, "--db", path, "shell", "--quiet")
	if err != nil {
		t.Fatalf("shell error = %v", err)
	}
	for _, want := range []string{"OK\n", "COMMIT\n", "k1\tv1\nk2\tv2\n(2 records)\n", "error: "} {
		if !strings.Contains(out, want) {
			t.Errorf("shell output missing %q:\n%s", want, out)
		}
	}
	if got := mustRun(t, "--db", path, "get", "k2"); got != "v2\n" {
		t.Errorf("get k2 = %q", got)
	}
}

func TestCheckpoint(t *testing.T) {
	path := testDB(t)
	mustRun(t, "--db", path, "--checkpoint-bytes", "0", "put", "a", "1")
	out := mustRun(t, "--db", path, "checkpoint")
	if !strings.Contains(out, "Checkpointed") || !strings.Contains(out, "WAL:") {
		t.Errorf("checkpoint output = %q", out)
	}
}

func TestInspect(t *testing.T) {
	path := testDB(t)
	for _, k := range []string{"a", "b", "c"} {
		mustRun(t, "--db", path, "--page-size", "1024", "put", k, "v")
	}
	out := mustRun(t, "--db", path, "inspect", "--check")
	for _, want := range []string{
		"Database: " + path,
		"Page size:   1024",
		"Version:     3",
		"Records:     3",
		"Height:      1",
		"Unfinished:  0",
		"Check: OK",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestDumpRestore(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jkv")
	dst := filepath.Join(dir, "dst.jkv")
	dump := filepath.Join(dir, "backup.jkvdump")

	mustRun(t, "--db", src, "put", "x", "1")
	mustRun(t, "--db", src, "put", "y", "2")

	if out := mustRun(t, "--db", src, "dump", dump); !strings.Contains(out, "Dumped 2 records") {
		t.Errorf("dump output = %q", out)
	}
	if out := mustRun(t, "--db", dst, "restore", dump); !strings.Contains(out, "Restored 2 records") {
		t.Errorf("restore output = %q", out)
	}
	if got := mustRun(t, "--db", dst, "scan"); got != "x\t1\ny\t2\n" {
		t.Errorf("scan restored = %q", got)
	}
}

func TestRestoreRejectsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	notDump := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notDump, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "", "--db", filepath.Join(dir, "x.jkv"), "restore", notDump); err == nil {
		t.Error("restore of a text file succeeded")
	}
}

func TestImportSQLite(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "contacts.db")
	src, err := sqlite.Open(srcPath)
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE contacts (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`,
		`INSERT INTO contacts VALUES (3, 'Carol', 'carol@example.com'), (1, 'Alice', 'alice@example.com'), (2, 'Bob', NULL)`,
		`CREATE TABLE notes (slug TEXT PRIMARY KEY, body TEXT)`,
	} {
		if _, err := src.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	src.Close()

	path := filepath.Join(dir, "contacts.jkv")
	if got := mustRun(t, "--db", path, "import-sqlite", srcPath); got != "contacts\nnotes\n" {
		t.Errorf("table list = %q", got)
	}
	out := mustRun(t, "--db", path, "import-sqlite", srcPath, "--table", "contacts")
	if !strings.Contains(out, "Imported 3 rows from contacts (3 columns, 1 batches)") {
		t.Errorf("import output = %q", out)
	}

	d, err := db.Open(path, db.DefaultConfig())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer d.Close()
	var n int
	err = d.View(context.Background(), func(tx *db.Tx) error {
		it := tx.Scan(nil, nil)
		defer it.Close()
		for it.Next() {
			n++
		}
		return it.Err()
	})
	if err != nil || n != 3 {
		t.Errorf("imported records = %d, %v", n, err)
	}

	if _, err := runCLI(t, "", "--db", path, "import-sqlite", srcPath, "--table", "contacts", "--key", "nope"); !errors.Is(err, jerrors.ErrInvalidInput) {
		t.Errorf("import with unknown key column error = %v", err)
	}
}

func TestInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"hyphen database name", []string{"--db=-data", "get", "k"}},
		{"unknown sync mode", []string{"--db", "x.jkv", "--sync", "sometimes", "get", "k"}},
		{"unknown command", []string{"frobnicate"}},
		{"missing key", []string{"--db", "x.jkv", "get"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, "", tt.args...); err == nil {
				t.Errorf("%v succeeded", tt.args)
			}
		})
	}
}

func TestConfigFromFlags(t *testing.T) {
	g := Globals{PageSize: 8192, Sync: "async", Contention: "fail", CheckpointBytes: 10, Strict: true}
	cfg, err := g.config(true)
	if err != nil {
		t.Fatalf("config() error = %v", err)
	}
	if cfg.PageSize != 8192 || cfg.WALSyncMode != db.SyncModeAsync || cfg.ContentionPolicy != db.Fail {
		t.Errorf("config() = %+v", cfg)
	}
	if cfg.CheckpointBytes != 10 || !cfg.StrictRecovery || !cfg.ReadOnly || cfg.Logger == nil {
		t.Errorf("config() = %+v", cfg)
	}
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.HasPrefix(out, "juniperkv version "+version) || !strings.Contains(out, "sqlite driver:") {
		t.Errorf("version output = %q", out)
	}
}
