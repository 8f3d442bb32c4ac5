package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"sentrypd/logger"
)

// DBType identifies which SQL driver backs a Store.
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// DBConfig parameterizes driver construction.
type DBConfig struct {
	Type DBType
	Path string // sqlite file path, or a full postgres DSN
}

// DBDriver wraps the underlying *sql.DB with the resolved driver type, mirroring
// the abstraction store.Store expects so callers never branch on DBType directly.
type DBDriver struct {
	Type DBType
	db   *sql.DB
}

// NewDBDriver opens a database connection for the given config.
func NewDBDriver(cfg DBConfig) (*DBDriver, error) {
	switch cfg.Type {
	case DBTypePostgres:
		db, err := sql.Open("pgx", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping postgres database: %w", err)
		}
		return &DBDriver{Type: DBTypePostgres, db: db}, nil
	case DBTypeSQLite, "":
		db, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, mirrors teacher's single-connection sqlite usage
		return &DBDriver{Type: DBTypeSQLite, db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// NewDBDriverFromEnv resolves the driver from DATABASE_URL: a bare path (or
// the empty string) opens sqlite; a postgres:// or postgresql:// URL opens
// the pgx driver against that DSN.
func NewDBDriverFromEnv(databaseURL string) (*DBDriver, error) {
	if databaseURL == "" {
		databaseURL = "sentrypd.db"
	}

	u, err := url.Parse(databaseURL)
	if err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		logger.Infof("database: using postgres driver")
		return NewDBDriver(DBConfig{Type: DBTypePostgres, Path: databaseURL})
	}

	path := databaseURL
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	logger.Infof("database: using sqlite driver at %s", path)
	return NewDBDriver(DBConfig{Type: DBTypeSQLite, Path: path})
}

func (d *DBDriver) DB() *sql.DB {
	return d.db
}

func (d *DBDriver) Close() error {
	return d.db.Close()
}

// placeholder returns the positional parameter marker for this driver:
// sqlite accepts "?", postgres requires "$1", "$2", ...
func (d *DBDriver) placeholder(n int) string {
	if d.Type == DBTypePostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
