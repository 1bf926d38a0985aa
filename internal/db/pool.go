// Package db provides the relational store backing the replay-nonce and
// message-dedup tables. SQLite is the default; PostgreSQL is selectable for
// deployments that share a nonce table between hosts.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/pathutil"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection, avoiding SQLITE_BUSY on write
// contention. For PostgreSQL both Writer and Reader return the same
// *sqlx.DB since pgx pools connections internally.
type Pool struct {
	writer  *sqlx.DB
	reader  *sqlx.DB
	dialect string
}

// Open opens a Pool for the configured driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		path := pathutil.ExpandHome(cfg.Path)
		writer, err := openSQLiteWriter(path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer:  sqlx.NewDb(writer, "sqlite3"),
			reader:  sqlx.NewDb(reader, "sqlite3"),
			dialect: "sqlite",
		}, nil
	case "postgres":
		pg, err := openPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(pg, "pgx")
		return &Pool{writer: shared, reader: shared, dialect: "postgres"}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that operate concurrently with
// the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Dialect returns "sqlite" or "postgres".
func (p *Pool) Dialect() string { return p.dialect }

// Rebind adapts a "?" placeholder query to the pool's dialect.
func (p *Pool) Rebind(query string) string { return p.writer.Rebind(query) }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
