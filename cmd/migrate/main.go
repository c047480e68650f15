// Command migrate manages the postgres schema of the fiscal lease tables.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"github.com/erp/fiscalsync/internal/infrastructure/logger"
	"github.com/erp/fiscalsync/internal/infrastructure/migration"
	"github.com/erp/fiscalsync/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type options struct {
	dir        string
	configPath string
	log        *zap.Logger
	source     fs.FS
}

type command struct {
	usage string
	help  string
	// offline commands never open the database
	offline bool
	run     func(ctx context.Context, o *options, m *migration.Migrator, db *sql.DB, args []string) error
}

var commands = map[string]command{
	"up": {
		usage: "up",
		help:  "Apply pending migrations and check every family table exists",
		run: func(ctx context.Context, o *options, m *migration.Migrator, db *sql.DB, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return verifyTables(ctx, o.log, db)
		},
	},
	"down": {
		usage: "down",
		help:  "Drop the lease tables (all lease history is lost)",
		run: func(_ context.Context, o *options, m *migration.Migrator, _ *sql.DB, _ []string) error {
			o.log.Warn("Rolling back every migration; lease history will be dropped")
			return m.Down()
		},
	},
	"step": {
		usage: "step <n>",
		help:  "Apply n migrations (negative rolls back)",
		run: func(_ context.Context, _ *options, m *migration.Migrator, _ *sql.DB, args []string) error {
			n, err := intArg(args, "step count")
			if err != nil {
				return err
			}
			return m.Steps(n)
		},
	},
	"force": {
		usage: "force <version>",
		help:  "Mark a version as applied after fixing a dirty migration by hand",
		run: func(_ context.Context, o *options, m *migration.Migrator, _ *sql.DB, args []string) error {
			v, err := intArg(args, "version")
			if err != nil {
				return err
			}
			o.log.Warn("Forcing migration version", zap.Int("version", v))
			return m.Force(v)
		},
	},
	"status": {
		usage: "status",
		help:  "Show the schema version and lease counts per family and state",
		run: func(ctx context.Context, o *options, m *migration.Migrator, db *sql.DB, _ []string) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
			statuses, err := migration.InspectLotTables(ctx, db)
			if err != nil {
				return err
			}
			printTables(statuses)
			return nil
		},
	},
	"create": {
		usage:   "create <name> [description]",
		help:    "Write a new up/down pair into -dir",
		offline: true,
		run: func(_ context.Context, o *options, _ *migration.Migrator, _ *sql.DB, args []string) error {
			if len(args) == 0 {
				return errors.New("migration name required")
			}
			if o.dir == "" {
				return errors.New("create writes files and needs -dir")
			}
			desc := strings.Join(args[1:], " ")
			mf, err := migration.CreateMigration(o.dir, args[0], desc)
			if err != nil {
				return err
			}
			o.log.Info("Migration created", zap.Uint("version", mf.Version), zap.String("up_file", mf.UpPath), zap.String("down_file", mf.DownPath))
			return nil
		},
	},
	"list": {
		usage:   "list",
		help:    "List bundled migrations",
		offline: true,
		run: func(_ context.Context, o *options, _ *migration.Migrator, _ *sql.DB, _ []string) error {
			list, err := migration.ListMigrations(o.source)
			if err != nil {
				return err
			}
			for _, e := range list {
				fmt.Println(e)
			}
			return nil
		},
	},
}

func main() {
	o := &options{}
	logLevel := "info"
	flag.StringVar(&o.dir, "dir", "", "Migrations directory (default: the migrations compiled into this binary)")
	flag.StringVar(&o.configPath, "config", "", "Config file with the [database] section")
	flag.StringVar(&logLevel, "log-level", logLevel, "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	log, err := logger.New(&logger.Config{Level: logLevel, Format: "console", Output: "stderr", TimeFormat: time.DateTime})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	o.log = log.With(zap.String("command", name))

	o.source = migrations.FS
	if o.dir != "" {
		o.source = os.DirFS(o.dir)
	}

	if err := run(context.Background(), o, cmd, args); err != nil {
		o.log.Error("Migration command failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(ctx context.Context, o *options, cmd command, args []string) error {
	if cmd.offline {
		return cmd.run(ctx, o, nil, nil, args)
	}

	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		// sqlite tables are created by the service on startup
		return fmt.Errorf("database.driver is %q; migrations only target postgres", cfg.Database.Driver)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	m, err := migration.NewFromFS(db, o.source, o.log)
	if err != nil {
		return err
	}
	defer m.Close()
	return cmd.run(ctx, o, m, db, args)
}

func verifyTables(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	statuses, err := migration.InspectLotTables(ctx, db)
	if err != nil {
		return err
	}
	if missing := migration.MissingTables(statuses); len(missing) > 0 {
		return fmt.Errorf("lease tables missing after migration: %s", strings.Join(missing, ", "))
	}
	log.Info("Lease tables ready", zap.Int("families", len(statuses)))
	return nil
}

func printTables(statuses []migration.TableStatus) {
	for _, s := range statuses {
		if !s.Exists {
			fmt.Printf("  %s %-18s missing\n", s.Family, s.Table)
			continue
		}
		fmt.Printf("  %s %-18s total=%d", s.Family, s.Table, s.Total())
		for _, st := range []fiscal.LeaseState{fiscal.StatePending, fiscal.StateProcessing, fiscal.StateDone, fiscal.StateError} {
			fmt.Printf(" %s=%d", strings.ToLower(st.String()), s.Rows[st])
		}
		fmt.Println()
	}
}

func intArg(args []string, what string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s required", what)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, args[0])
	}
	return n, nil
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Schema tool for the fiscal lease tables (invoice_lots, credit_note_lots, debit_note_lots).")
	fmt.Fprintln(out, "\nUsage: migrate [flags] <command> [args]\n\nCommands:")
	for _, name := range []string{"up", "down", "step", "force", "status", "create", "list"} {
		c := commands[name]
		fmt.Fprintf(out, "  %-28s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nDatabase settings may also come from FISCAL_DATABASE_* environment variables.")
}
