// cmd/migrate moves the profile store schema between versions using the
// paired NNN_name.up.sql / NNN_name.down.sql files in migrations/.
//
// The current version lives in a golang-migrate compatible schema_migrations
// table: a single row holding the version and a dirty flag. A dirty row means
// a migration failed part way and must be fixed by hand before migrate will
// run again.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate up --to 3
//	go run ./cmd/migrate down            # roll back the latest version
//	go run ./cmd/migrate down --to 0     # roll back everything
//	go run ./cmd/migrate version
//	DATABASE_URL=postgres://... go run ./cmd/migrate --config configs/profilesync.yaml up
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/profilesync/internal/config"
	"github.com/spf13/cobra"
)

// noTarget marks an unset --to flag.
const noTarget = -1

var (
	cfgPath string
	dir     string
	upTo    int64
	downTo  int64
)

// ErrDirty is returned when a previous run left schema_migrations dirty.
var ErrDirty = errors.New("database is dirty")

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

type step struct {
	Version int64
	// After is the version recorded once the step has run.
	After int64
	File  string
	SQL   string
}

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply or roll back profile store migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *pgxpool.Pool, migs []migration) error {
			current, dirty, err := readVersion(ctx, db)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("%w at version %d", ErrDirty, current)
			}
			steps, err := planUp(migs, current, upTo)
			if err != nil {
				return err
			}
			return apply(ctx, cmd, db, steps)
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration, or every migration above --to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *pgxpool.Pool, migs []migration) error {
			current, dirty, err := readVersion(ctx, db)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("%w at version %d", ErrDirty, current)
			}
			steps, err := planDown(migs, current, downTo)
			if err != nil {
				return err
			}
			return apply(ctx, cmd, db, steps)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *pgxpool.Pool, _ []migration) error {
			current, dirty, err := readVersion(ctx, db)
			if err != nil {
				return err
			}
			if dirty {
				cmd.Printf("%d (dirty)\n", current)
				return nil
			}
			cmd.Printf("%d\n", current)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: configs/profilesync.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "directory holding the migration files")
	upCmd.Flags().Int64Var(&upTo, "to", noTarget, "stop after this version (default: latest)")
	downCmd.Flags().Int64Var(&downTo, "to", noTarget, "roll back to this version (default: one step)")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

// withDB loads the migration files and config, connects and makes sure the
// bookkeeping table exists before handing over.
func withDB(cmd *cobra.Command, fn func(context.Context, *pgxpool.Pool, []migration) error) error {
	migs, err := loadMigrations(os.DirFS(dir))
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("database driver %q has no schema to migrate", cfg.Database.Driver)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	// Same layout as golang-migrate.
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return fn(ctx, db, migs)
}

// readVersion returns 0 when nothing has been applied.
func readVersion(ctx context.Context, db *pgxpool.Pool) (int64, bool, error) {
	var (
		version int64
		dirty   bool
	)
	err := db.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// writeVersion replaces the single bookkeeping row. Version 0 leaves the
// table empty.
func writeVersion(ctx context.Context, db execer, version int64, dirty bool) error {
	if _, err := db.Exec(ctx, `DELETE FROM schema_migrations`); err != nil {
		return err
	}
	if version == 0 && !dirty {
		return nil
	}
	_, err := db.Exec(ctx, `INSERT INTO schema_migrations (version, dirty) VALUES ($1, $2)`, version, dirty)
	return err
}

// apply runs each step in its own transaction. The row is marked dirty
// first, outside the transaction, so a failed step stays visible.
func apply(ctx context.Context, cmd *cobra.Command, db *pgxpool.Pool, steps []step) error {
	if len(steps) == 0 {
		cmd.Println("nothing to migrate, already at target version")
		return nil
	}
	for _, s := range steps {
		if err := writeVersion(ctx, db, s.Version, true); err != nil {
			return fmt.Errorf("mark dirty %s: %w", s.File, err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin %s: %w", s.File, err)
		}
		if _, err := tx.Exec(ctx, s.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply %s: %w", s.File, err)
		}
		if err := writeVersion(ctx, tx, s.After, false); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record %s: %w", s.File, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", s.File, err)
		}
		cmd.Printf("  apply %s\n", s.File)
	}
	cmd.Printf("now at version %d\n", steps[len(steps)-1].After)
	return nil
}

// ── Planning ──

// loadMigrations pairs the up and down files by version. Every version needs
// both halves.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			return nil, fmt.Errorf("%s: expected .up.sql or .down.sql", name)
		}

		ver, err := versionFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		if ver <= 0 {
			return nil, fmt.Errorf("%s: version must be positive", name)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		m := byVersion[ver]
		if m == nil {
			m = &migration{Version: ver}
			byVersion[ver] = m
		}
		if up {
			if m.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", ver)
			}
			m.Up, m.Name = string(body), name
		} else {
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", ver)
			}
			m.Down = string(body)
		}
	}

	migs := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("version %d needs both an up and a down file", m.Version)
		}
		migs = append(migs, *m)
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

// planUp returns the migrations above current, up to and including target.
// A target of noTarget means the latest version.
func planUp(migs []migration, current, target int64) ([]step, error) {
	if target == noTarget {
		target = current
		if len(migs) > 0 && migs[len(migs)-1].Version > current {
			target = migs[len(migs)-1].Version
		}
	}
	if target < current {
		return nil, fmt.Errorf("target version %d is below current version %d, use down", target, current)
	}
	if target > 0 && !known(migs, target) {
		return nil, fmt.Errorf("no migration with version %d", target)
	}

	var steps []step
	for _, m := range migs {
		if m.Version > current && m.Version <= target {
			steps = append(steps, step{Version: m.Version, After: m.Version, File: m.Name, SQL: m.Up})
		}
	}
	return steps, nil
}

// planDown returns the migrations to roll back, newest first, so that the
// schema ends at target. A target of noTarget rolls back one version.
func planDown(migs []migration, current, target int64) ([]step, error) {
	if current > 0 && !known(migs, current) {
		return nil, fmt.Errorf("current version %d has no migration files", current)
	}
	if target == noTarget {
		target = 0
		for _, m := range migs {
			if m.Version < current {
				target = m.Version
			}
		}
	}
	if target > current {
		return nil, fmt.Errorf("target version %d is above current version %d, use up", target, current)
	}
	if target > 0 && !known(migs, target) {
		return nil, fmt.Errorf("no migration with version %d", target)
	}

	var steps []step
	for i := len(migs) - 1; i >= 0; i-- {
		m := migs[i]
		if m.Version > current || m.Version <= target {
			continue
		}
		after := int64(0)
		if i > 0 {
			after = migs[i-1].Version
		}
		file := strings.TrimSuffix(m.Name, ".up.sql") + ".down.sql"
		steps = append(steps, step{Version: m.Version, After: after, File: file, SQL: m.Down})
	}
	return steps, nil
}

func known(migs []migration, version int64) bool {
	for _, m := range migs {
		if m.Version == version {
			return true
		}
	}
	return false
}

// versionFromFile extracts the leading integer from a migration filename,
// e.g. 1 for "001_init.up.sql".
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
