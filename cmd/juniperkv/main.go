// Command juniperkv is the CLI for JuniperKV databases.
// It reads and writes keys, runs the interactive shell, and handles
// checkpoints, inspection, backups, and SQLite imports.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	"github.com/FocuswithJustin/JuniperKV/core/storage/txn"
	"github.com/FocuswithJustin/JuniperKV/core/storage/wal"
	"github.com/FocuswithJustin/JuniperKV/internal/logging"
	"github.com/FocuswithJustin/JuniperKV/internal/validation"
)

const version = "0.1.0"

// Command results go to stdout and are swapped out by tests.
var (
	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
)

// Globals are the flags shared by every command.
type Globals struct {
	DB              string `name:"db" short:"d" help:"Database file" default:"juniper.jkv" env:"JUNIPERKV_DB"`
	PageSize        int    `name:"page-size" help:"Page size for a new database" default:"4096"`
	Sync            string `name:"sync" help:"WAL sync mode (sync, async)" enum:"sync,async" default:"sync"`
	Contention      string `name:"contention" help:"What a second writer does (wait, fail)" enum:"wait,fail" default:"wait"`
	CheckpointBytes int64  `name:"checkpoint-bytes" help:"Checkpoint once the log grows past this many bytes (0 disables)" default:"4194304"`
	ArchiveWAL      bool   `name:"archive-wal" help:"Keep checkpointed log entries as xz segments"`
	Strict          bool   `name:"strict" help:"Fail on a corrupt log instead of truncating it"`
	LogLevel        string `name:"log-level" help:"Log level (debug, info, warn, error)" enum:"debug,info,warn,error" default:"warn"`
	LogFormat       string `name:"log-format" help:"Log format (text, json)" enum:"text,json" default:"text"`
}

// CLI defines the command-line interface for juniperkv.
type CLI struct {
	Globals

	Get          GetCmd          `cmd:"" help:"Print the value stored under a key"`
	Put          PutCmd          `cmd:"" help:"Store a value under a key"`
	Delete       DeleteCmd       `cmd:"" aliases:"del" help:"Delete a key"`
	Scan         ScanCmd         `cmd:"" help:"List keys in a range"`
	Shell        ShellCmd        `cmd:"" help:"Start the interactive shell"`
	Checkpoint   CheckpointCmd   `cmd:"" help:"Apply and truncate the write-ahead log"`
	Inspect      InspectCmd      `cmd:"" help:"Show header, free list, tree, and log details"`
	Dump         DumpCmd         `cmd:"" help:"Write a compressed snapshot of every record"`
	Restore      RestoreCmd      `cmd:"" help:"Load records from a dump"`
	ImportSQLite ImportSQLiteCmd `cmd:"" name:"import-sqlite" help:"Copy a SQLite table into the database"`
	Version      VersionCmd      `cmd:"" help:"Print version information"`
}

// initLogging configures the process logger from the log flags.
func (g *Globals) initLogging() error {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(g.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLogger(level, format)
	return nil
}

// config builds the engine configuration from the flags.
func (g *Globals) config(readOnly bool) (db.Config, error) {
	cfg := db.DefaultConfig()
	var err error
	if cfg.WALSyncMode, err = wal.ParseSyncMode(g.Sync); err != nil {
		return cfg, err
	}
	if cfg.ContentionPolicy, err = txn.ParseContentionPolicy(g.Contention); err != nil {
		return cfg, err
	}
	cfg.PageSize = g.PageSize
	cfg.CheckpointBytes = g.CheckpointBytes
	cfg.ArchiveWAL = g.ArchiveWAL
	cfg.StrictRecovery = g.Strict
	cfg.ReadOnly = readOnly
	cfg.Logger = logging.GetLogger()
	return cfg, nil
}

// open validates the database path and opens it.
func (g *Globals) open(readOnly bool) (*db.DB, error) {
	if err := validation.ValidatePath(g.DB); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	cfg, err := g.config(readOnly)
	if err != nil {
		return nil, err
	}
	d, report, err := db.OpenWithReport(g.DB, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", g.DB, err)
	}
	if report.Truncated {
		fmt.Fprintf(os.Stderr, "warning: %s: log was corrupt and has been truncated\n", g.DB)
	}
	return d, nil
}

// withDB opens the database, runs fn, and closes it. The close error is
// reported when fn succeeded.
func (g *Globals) withDB(readOnly bool, fn func(*db.DB) error) (err error) {
	d, err := g.open(readOnly)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", g.DB, cerr)
		}
	}()
	return fn(d)
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("juniperkv"),
		kong.Description("JuniperKV - embedded single-file key/value store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	}, options...)
	return kong.New(cli, options...)
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, options ...kong.Option) error {
	var cli CLI
	parser, err := newParser(&cli, options...)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	if err := cli.initLogging(); err != nil {
		return err
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&cli.Globals)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(cli.initLogging())

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
