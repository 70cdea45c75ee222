package main

import (
	"context"
	"fmt"
	"io"

	"github.com/FocuswithJustin/JuniperKV/core/backup"
	"github.com/FocuswithJustin/JuniperKV/core/db"
	"github.com/FocuswithJustin/JuniperKV/core/sqlite"
	"github.com/FocuswithJustin/JuniperKV/internal/shell"
	"github.com/FocuswithJustin/JuniperKV/internal/validation"
)

// GetCmd prints one value.
type GetCmd struct {
	Key string `arg:"" help:"Key to read"`
	Raw bool   `help:"Write the value bytes unchanged"`
}

func (c *GetCmd) Run(ctx context.Context, g *Globals) error {
	return g.withDB(true, func(d *db.DB) error {
		return d.View(ctx, func(tx *db.Tx) error {
			v, err := tx.Get([]byte(c.Key))
			if err != nil {
				return err
			}
			if c.Raw {
				_, err = stdout.Write(v)
				return err
			}
			fmt.Fprintln(stdout, shell.Display(v))
			return nil
		})
	})
}

// PutCmd stores one value.
type PutCmd struct {
	Key   string `arg:"" help:"Key to write"`
	Value string `arg:"" optional:"" help:"Value to store"`
	Stdin bool   `help:"Read the value from standard input"`
}

func (c *PutCmd) Run(ctx context.Context, g *Globals) error {
	value := []byte(c.Value)
	if c.Stdin {
		var err error
		if value, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("failed to read value: %w", err)
		}
	}
	return g.withDB(false, func(d *db.DB) error {
		return d.Update(ctx, func(tx *db.Tx) error {
			return tx.Insert([]byte(c.Key), value)
		})
	})
}

// DeleteCmd removes one key.
type DeleteCmd struct {
	Key string `arg:"" help:"Key to delete"`
}

func (c *DeleteCmd) Run(ctx context.Context, g *Globals) error {
	return g.withDB(false, func(d *db.DB) error {
		return d.Update(ctx, func(tx *db.Tx) error {
			return tx.Delete([]byte(c.Key))
		})
	})
}

// ScanCmd lists a key range.
type ScanCmd struct {
	Start string `arg:"" optional:"" help:"First key (inclusive)"`
	End   string `arg:"" optional:"" help:"Last key (inclusive)"`
	Limit int    `short:"n" help:"Stop after this many records (0 for all)"`
	Keys  bool   `help:"Print keys only"`
}

func (c *ScanCmd) Run(ctx context.Context, g *Globals) error {
	return g.withDB(true, func(d *db.DB) error {
		return d.View(ctx, func(tx *db.Tx) error {
			it := tx.Scan(scanBound(c.Start), scanBound(c.End))
			defer it.Close()
			for n := 0; it.Next(); n++ {
				if c.Limit > 0 && n == c.Limit {
					break
				}
				if c.Keys {
					fmt.Fprintln(stdout, shell.Display(it.Key()))
				} else {
					fmt.Fprintf(stdout, "%s\t%s\n", shell.Display(it.Key()), shell.Display(it.Value()))
				}
			}
			return it.Err()
		})
	})
}

// scanBound maps an empty or "-" argument to an open bound.
func scanBound(s string) []byte {
	if s == "" || s == "-" {
		return nil
	}
	return []byte(s)
}

// ShellCmd runs the interactive shell.
type ShellCmd struct {
	Quiet bool `short:"q" help:"Do not print a prompt"`
}

func (c *ShellCmd) Run(ctx context.Context, g *Globals) error {
	return g.withDB(false, func(d *db.DB) error {
		s := shell.NewSession(ctx, d, stdout)
		defer s.Close()
		if !c.Quiet {
			s.Prompt = "juniperkv> "
		}
		return s.Run(stdin)
	})
}

// CheckpointCmd forces a checkpoint.
type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(ctx context.Context, g *Globals) error {
	return g.withDB(false, func(d *db.DB) error {
		before := d.Stats().WALBytes
		if err := d.Checkpoint(ctx); err != nil {
			return err
		}
		st := d.Stats()
		fmt.Fprintf(stdout, "Checkpointed %s at lsn %d\n", d.Path(), st.AppliedLSN)
		fmt.Fprintf(stdout, "  WAL: %d -> %d bytes\n", before, st.WALBytes)
		return nil
	})
}

// DumpCmd writes a backup.
type DumpCmd struct {
	Out string `arg:"" help:"Dump file to write" type:"path"`
}

func (c *DumpCmd) Run(ctx context.Context, g *Globals) error {
	if err := validation.ValidatePath(c.Out); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	return g.withDB(true, func(d *db.DB) error {
		st, err := backup.DumpFile(ctx, d, c.Out)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Dumped %d records (version %d) to %s\n", st.Records, st.Version, c.Out)
		fmt.Fprintf(stdout, "  Size: %d bytes\n", st.Bytes)
		return nil
	})
}

// RestoreCmd loads a backup.
type RestoreCmd struct {
	In string `arg:"" help:"Dump file to load" type:"existingfile"`
}

func (c *RestoreCmd) Run(ctx context.Context, g *Globals) error {
	if _, err := validation.RequireFileType(c.In, validation.FileTypeXZ); err != nil {
		return fmt.Errorf("invalid dump: %w", err)
	}
	return g.withDB(false, func(d *db.DB) error {
		st, err := backup.RestoreFile(ctx, d, c.In)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Restored %d records from %s (version %d)\n", st.Records, c.In, st.Version)
		return nil
	})
}

// ImportSQLiteCmd copies a SQLite table.
type ImportSQLiteCmd struct {
	Source string `arg:"" help:"SQLite database file" type:"existingfile"`
	Table  string `help:"Table to import (lists tables when empty)"`
	Key    string `help:"Column used as the record key" default:"id"`
}

func (c *ImportSQLiteCmd) Run(ctx context.Context, g *Globals) error {
	if _, err := validation.RequireFileType(c.Source, validation.FileTypeSQLite); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	src, err := sqlite.OpenReadOnly(c.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	if c.Table == "" {
		tables, err := sqlite.Tables(ctx, src)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintln(stdout, t)
		}
		return nil
	}

	return g.withDB(false, func(d *db.DB) error {
		st, err := sqlite.ImportTable(ctx, src, c.Table, c.Key, d)
		if err != nil {
			return fmt.Errorf("import stopped after %d rows: %w", st.Rows, err)
		}
		fmt.Fprintf(stdout, "Imported %d rows from %s (%d columns, %d batches)\n", st.Rows, st.Table, len(st.Columns), st.Batches)
		return nil
	})
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := sqlite.GetInfo()
	fmt.Fprintf(stdout, "juniperkv version %s\n", version)
	fmt.Fprintf(stdout, "  sqlite driver: %s (%s)\n", info.DriverName, info.DriverType)
	return nil
}
