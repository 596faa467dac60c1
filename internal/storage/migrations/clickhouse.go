package migrations

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	chstore "cabalcoin-lab/internal/storage/clickhouse"
)

const clickhouseSchemaMigrations = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name       String,
		applied_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree
	ORDER BY name`

var databaseName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RunClickhouseMigrations creates the database named in dsn if needed and
// applies the embedded SQL files not yet listed in its schema_migrations
// table. The returned connection targets that database; the caller closes it.
func RunClickhouseMigrations(ctx context.Context, dsn string) (_ *chstore.Conn, err error) {
	db, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureDatabase(ctx, dsn, db); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, db)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse %s: %w", db, err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if err := conn.Exec(ctx, clickhouseSchemaMigrations); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, err := load(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, fmt.Errorf("load clickhouse migrations: %w", err)
	}
	for _, m := range pending {
		var seen uint64
		if err := conn.QueryRow(ctx, `SELECT count() FROM schema_migrations WHERE name = ?`, m.name).Scan(&seen); err != nil {
			return nil, fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if seen > 0 {
			continue
		}

		stmts, err := m.statements()
		if err != nil {
			return nil, err
		}
		// No multi-statement Exec and no DDL transactions; statements use IF NOT EXISTS.
		for i, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("apply migration %s statement %d: %w", m.name, i+1, err)
			}
		}
		if err := conn.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}

	return conn, nil
}

// ensureDatabase creates db through a connection to the server default database.
func ensureDatabase(ctx context.Context, dsn, db string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse server: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+db); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	return nil
}

// databaseFromDSN returns the database path segment of a clickhouse:// DSN.
func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	switch {
	case db == "":
		return "", fmt.Errorf("clickhouse dsn missing database")
	case !databaseName.MatchString(db):
		return "", fmt.Errorf("clickhouse dsn: invalid database name %q", db)
	}
	return db, nil
}
