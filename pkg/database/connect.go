package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type ConnectionConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// Path is the SQLite database file (":memory:" for an in-process store).
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the driver specific connection string.
func (c ConnectionConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens and pings the store described by cfg.
func Connect(ctx context.Context, cfg ConnectionConfig, logger ectologger.Logger) (DB, error) {
	switch cfg.Driver {
	case DriverPostgres:
		db, err := sqlx.ConnectContext(ctx, DriverPostgres, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres %s:%s/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		logger.WithContext(ctx).Infof("Connected to postgres at %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
		return NewDatabaseInstance(db, logger), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a single-writer SQLite store.
func OpenSQLite(ctx context.Context, path string, logger ectologger.Logger) (DB, error) {
	db, err := sqlx.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one connection: SQLite has a single writer and an in-memory store lives on its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	logger.WithContext(ctx).Debugf("Opened sqlite database %s", path)
	return NewDatabaseInstance(db, logger), nil
}
