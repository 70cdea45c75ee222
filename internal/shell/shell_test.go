package shell

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line  string
		check func(*Command) bool
	}{
		{"get a", func(c *Command) bool { return c.Get != nil && c.Get.Key == "a" }},
		{"GET Mixed", func(c *Command) bool { return c.Get != nil && c.Get.Key == "Mixed" }},
		{`put "two words" 'x y'`, func(c *Command) bool {
			return c.Put != nil && c.Put.Key == "two words" && c.Put.Value == "x y"
		}},
		{`put k "esc\"aped"`, func(c *Command) bool { return c.Put != nil && c.Put.Value == `esc"aped` }},
		{"put get put", func(c *Command) bool { return c.Put != nil && c.Put.Key == "get" && c.Put.Value == "put" }},
		{"del k", func(c *Command) bool { return c.Delete != nil && c.Delete.Key == "k" }},
		{"delete k", func(c *Command) bool { return c.Delete != nil }},
		{"scan", func(c *Command) bool { return c.Scan != nil && c.Scan.Start == nil && c.Scan.End == nil }},
		{"scan a", func(c *Command) bool { return c.Scan != nil && *c.Scan.Start == "a" && c.Scan.End == nil }},
		{"scan - z", func(c *Command) bool { return c.Scan != nil && *c.Scan.Start == "-" && *c.Scan.End == "z" }},
		{"begin", func(c *Command) bool { return c.Begin != nil && c.Begin.Mode == "" }},
		{"begin ro", func(c *Command) bool { return c.Begin != nil && c.Begin.Mode == "ro" }},
		{"commit", func(c *Command) bool { return c.Commit }},
		{"rollback", func(c *Command) bool { return c.Abort }},
		{"checkpoint", func(c *Command) bool { return c.Checkpoint }},
		{"stats", func(c *Command) bool { return c.Stats }},
		{"quit", func(c *Command) bool { return c.Exit }},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.line, err)
			}
			if !tt.check(cmd) {
				t.Errorf("Parse(%q) = %+v", tt.line, cmd)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, line := range []string{"fly away", "get", "put onlykey", "get a b", `get "unterminated`} {
		if _, err := Parse(line); err == nil {
			t.Errorf("Parse(%q) expected error", line)
		}
	}
}

func newSession(t *testing.T) (*Session, *bytes.Buffer) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "shell.jkv"), db.DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	var out bytes.Buffer
	s := NewSession(context.Background(), d, &out)
	t.Cleanup(func() { s.Close() })
	return s, &out
}

func TestSession_AutoCommit(t *testing.T) {
	s, out := newSession(t)
	script := `
# comment lines and blanks are skipped

put c 3
put a 1
put b 2
get b
del c
scan
get c
exit
put never run
`
	if err := s.Run(strings.NewReader(script)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := "OK\nOK\nOK\n2\nOK\na\t1\nb\t2\n(2 records)\nerror: "
	if !strings.HasPrefix(out.String(), want) {
		t.Errorf("output = %q, want prefix %q", out.String(), want)
	}
	if strings.Count(out.String(), "OK") != 4 {
		t.Errorf("commands after exit ran: %q", out.String())
	}
}

func TestSession_ExplicitTransaction(t *testing.T) {
	s, out := newSession(t)

	for _, line := range []string{"begin", "put k v", "scan"} {
		if err := s.Exec(line); err != nil {
			t.Fatalf("Exec(%q) error = %v", line, err)
		}
	}
	if !s.InTx() {
		t.Fatal("InTx() = false after begin")
	}
	if !strings.Contains(out.String(), "k\tv\n(1 records)") {
		t.Errorf("scan inside transaction missed own write: %q", out.String())
	}
	if err := s.Exec("begin"); !errors.Is(err, jerrors.ErrInvalidInput) {
		t.Errorf("nested begin error = %v", err)
	}
	if err := s.Exec("checkpoint"); !errors.Is(err, jerrors.ErrInvalidInput) {
		t.Errorf("checkpoint in write tx error = %v", err)
	}
	if err := s.Exec("abort"); err != nil {
		t.Fatalf("abort error = %v", err)
	}
	if err := s.Exec("get k"); !errors.Is(err, jerrors.ErrNotFound) {
		t.Errorf("get after abort error = %v, want not found", err)
	}

	out.Reset()
	for _, line := range []string{"begin rw", "put k v2", "commit", "get k"} {
		if err := s.Exec(line); err != nil {
			t.Fatalf("Exec(%q) error = %v", line, err)
		}
	}
	if !strings.HasSuffix(out.String(), "COMMIT\nv2\n") {
		t.Errorf("output = %q", out.String())
	}
	if err := s.Exec("commit"); !errors.Is(err, jerrors.ErrInvalidInput) {
		t.Errorf("commit without tx error = %v", err)
	}
}

func TestSession_ReadOnlyTransaction(t *testing.T) {
	s, _ := newSession(t)
	if err := s.Exec("begin ro"); err != nil {
		t.Fatalf("begin ro error = %v", err)
	}
	if err := s.Exec("put k v"); !errors.Is(err, jerrors.ErrReadOnly) {
		t.Errorf("put in read-only tx error = %v", err)
	}
	if err := s.Exec("checkpoint"); err != nil {
		t.Errorf("checkpoint during read-only tx error = %v", err)
	}
}

func TestSession_StatsAndHelp(t *testing.T) {
	s, out := newSession(t)
	s.Exec("put a 1")
	if err := s.Exec("stats"); err != nil {
		t.Fatalf("stats error = %v", err)
	}
	if !strings.Contains(out.String(), "version:        1") {
		t.Errorf("stats output = %q", out.String())
	}
	if err := s.Exec("help"); err != nil || !strings.Contains(out.String(), "commands:") {
		t.Errorf("help = %v, output %q", err, out.String())
	}
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte{0x00, 0x01}, "x'0001'"},
		{[]byte{0xff}, "x'ff'"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := Display(tt.in); got != tt.want {
			t.Errorf("Display(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
