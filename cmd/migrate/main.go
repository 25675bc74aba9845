package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbURL  string
		dir    string
		status bool
	)
	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flagSet.StringVar(&dbURL, "db", os.Getenv("AGENTMARKET_DATABASE_URL"), "Postgres connection string")
	flagSet.StringVar(&dir, "dir", "migrations", "migrations directory")
	flagSet.BoolVar(&status, "status", false, "list pending migrations without applying them")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if dbURL == "" {
		return errors.New("missing --db or AGENTMARKET_DATABASE_URL")
	}
	if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
		return errors.New("only postgres urls are migrated; sqlite stores create their schema on open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := ensureMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}

	files, err := listSQLFiles(dir)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	applied := 0
	for _, p := range files {
		done, err := isApplied(ctx, db, filepath.Base(p))
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if status {
			fmt.Printf("pending %s\n", filepath.Base(p))
			continue
		}
		if err := applyMigrationFile(ctx, db, p); err != nil {
			return fmt.Errorf("apply %s: %w", p, err)
		}
		fmt.Printf("applied %s\n", filepath.Base(p))
		applied++
	}

	if !status {
		fmt.Printf("%d migration(s) applied from %s\n", applied, dir)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		create table if not exists schema_migrations (
			filename text primary key,
			applied_at timestamptz not null default now()
		)
	`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isApplied(ctx context.Context, db *sql.DB, base string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `select exists(select 1 from schema_migrations where filename = $1)`, base).Scan(&exists)
	return exists, err
}

func applyMigrationFile(ctx context.Context, db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sqlText := strings.TrimSpace(string(b))
	if sqlText == "" {
		return errors.New("empty migration")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `insert into schema_migrations (filename) values ($1)`, filepath.Base(path)); err != nil {
		return err
	}
	return tx.Commit()
}
