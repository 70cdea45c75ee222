package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// ErrExit is returned by Exec for "exit" and "quit".
var ErrExit = errors.New("exit")

// Session runs shell commands against one database. Without an explicit
// "begin", every command runs in its own transaction.
type Session struct {
	ctx    context.Context
	db     *db.DB
	out    io.Writer
	tx     *db.Tx
	Prompt string
}

// NewSession returns a session writing results to out.
func NewSession(ctx context.Context, d *db.DB, out io.Writer) *Session {
	return &Session{ctx: ctx, db: d, out: out}
}

// InTx reports whether an explicit transaction is open.
func (s *Session) InTx() bool { return s.tx != nil }

// Run executes lines from in until EOF or "exit". Command errors are
// printed and do not stop the loop; corruption and I/O failures do.
func (s *Session) Run(in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for {
		if s.Prompt != "" {
			fmt.Fprint(s.out, s.Prompt)
		}
		if !sc.Scan() {
			break
		}
		if err := s.Exec(sc.Text()); err != nil {
			if errors.Is(err, ErrExit) {
				return nil
			}
			if jerrors.IsFatal(err) {
				return err
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

// Exec parses and runs one line. Blank lines and lines starting with # are
// ignored.
func (s *Session) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	cmd, err := Parse(line)
	if err != nil {
		return jerrors.NewValidation("command", err.Error())
	}
	return s.run(cmd)
}

func (s *Session) run(cmd *Command) error {
	switch {
	case cmd.Get != nil:
		return s.read(func(tx *db.Tx) error {
			v, err := tx.Get([]byte(cmd.Get.Key))
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, Display(v))
			return nil
		})
	case cmd.Put != nil:
		return s.write(func(tx *db.Tx) error {
			return tx.Insert([]byte(cmd.Put.Key), []byte(cmd.Put.Value))
		})
	case cmd.Delete != nil:
		return s.write(func(tx *db.Tx) error {
			return tx.Delete([]byte(cmd.Delete.Key))
		})
	case cmd.Scan != nil:
		return s.read(func(tx *db.Tx) error {
			return s.scan(tx, bound(cmd.Scan.Start), bound(cmd.Scan.End))
		})
	case cmd.Begin != nil:
		return s.begin(cmd.Begin.Mode)
	case cmd.Commit:
		if s.tx == nil {
			return jerrors.NewValidation("commit", "no transaction open")
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "COMMIT")
		return nil
	case cmd.Abort:
		if s.tx == nil {
			return jerrors.NewValidation("abort", "no transaction open")
		}
		s.tx.Rollback()
		s.tx = nil
		fmt.Fprintln(s.out, "ROLLBACK")
		return nil
	case cmd.Checkpoint:
		if s.tx != nil && s.tx.Mode() == db.ReadWrite {
			return jerrors.NewValidation("checkpoint", "commit or abort the open write transaction first")
		}
		if err := s.db.Checkpoint(s.ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	case cmd.Stats:
		s.stats()
		return nil
	case cmd.Help:
		fmt.Fprint(s.out, helpText)
		return nil
	case cmd.Exit:
		return ErrExit
	}
	return jerrors.NewValidation("command", "empty command")
}

func (s *Session) begin(mode string) error {
	if s.tx != nil {
		return jerrors.NewValidation("begin", fmt.Sprintf("transaction %d already open", s.tx.ID()))
	}
	m := db.ReadWrite
	if mode = strings.ToLower(mode); mode == "ro" || mode == "readonly" {
		m = db.ReadOnly
	}
	tx, err := s.db.Begin(s.ctx, m)
	if err != nil {
		return err
	}
	s.tx = tx
	fmt.Fprintf(s.out, "BEGIN %s %d\n", m, tx.ID())
	return nil
}

// read runs fn in the open transaction or a fresh read-only one.
func (s *Session) read(fn func(*db.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(s.ctx, fn)
}

// write runs fn in the open transaction or an auto-committed one.
func (s *Session) write(fn func(*db.Tx) error) error {
	var err error
	if s.tx != nil {
		err = fn(s.tx)
	} else {
		err = s.db.Update(s.ctx, fn)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Session) scan(tx *db.Tx, start, end []byte) error {
	it := tx.Scan(start, end)
	defer it.Close()
	n := 0
	for it.Next() {
		fmt.Fprintf(s.out, "%s\t%s\n", Display(it.Key()), Display(it.Value()))
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d records)\n", n)
	return nil
}

func (s *Session) stats() {
	st := s.db.Stats()
	fmt.Fprintf(s.out, "path:           %s\n", st.Path)
	fmt.Fprintf(s.out, "version:        %d\n", st.Version)
	fmt.Fprintf(s.out, "root page:      %d\n", st.Root)
	fmt.Fprintf(s.out, "page size:      %d\n", st.Pager.PageSize)
	fmt.Fprintf(s.out, "pages:          %d (%d free, %d pending)\n", st.Pager.PageCount, st.Pager.FreePages, st.Pager.PendingPages)
	fmt.Fprintf(s.out, "applied lsn:    %d\n", st.AppliedLSN)
	fmt.Fprintf(s.out, "wal bytes:      %d\n", st.WALBytes)
	fmt.Fprintf(s.out, "active readers: %d\n", st.ActiveReaders)
}

// Close rolls back any open transaction.
func (s *Session) Close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func bound(s *string) []byte {
	if s == nil || *s == "-" {
		return nil
	}
	return []byte(*s)
}

// Display renders b as text when it is printable UTF-8 and as x'hex'
// otherwise.
func Display(b []byte) string {
	if !utf8.Valid(b) {
		return fmt.Sprintf("x'%x'", b)
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return fmt.Sprintf("x'%x'", b)
		}
	}
	return string(b)
}

const helpText = `commands:
  get KEY              print the value stored under KEY
  put KEY VALUE        store VALUE under KEY
  del KEY              delete KEY
  scan [START [END]]   list keys in [START, END]; "-" leaves an end open
  begin [ro|rw]        open an explicit transaction
  commit | abort       finish the open transaction
  checkpoint           truncate the write-ahead log
  stats                show database statistics
  exit                 leave the shell
Keys and values are bare words or quoted strings.
`
