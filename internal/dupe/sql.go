package dupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tinoosan/mirrord/internal/fp"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnsupportedDriver = errors.New("unsupported dupe index driver")

type dialect struct {
	driverName string
	schema     string
	has        string
	add        string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		driverName: "pgx",
		schema: `
CREATE TABLE IF NOT EXISTS mirrored (
	name_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
`,
		has: `SELECT 1 FROM mirrored WHERE name_key=$1`,
		add: `INSERT INTO mirrored (name_key,name,kind,created_at) VALUES ($1,$2,$3,$4) ON CONFLICT (name_key) DO NOTHING`,
	},
	DriverSQLite: {
		driverName: "sqlite",
		schema: `
CREATE TABLE IF NOT EXISTS mirrored (
	name_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`,
		has: `SELECT 1 FROM mirrored WHERE name_key=?`,
		add: `INSERT INTO mirrored (name_key,name,kind,created_at) VALUES (?,?,?,?) ON CONFLICT (name_key) DO NOTHING`,
	},
}

// SQLIndex is an Index persisted in Postgres or SQLite.
type SQLIndex struct {
	db *sql.DB
	d  dialect
}

// OpenSQLIndex opens dsn with the given driver, verifies the connection and
// ensures the schema exists.
func OpenSQLIndex(ctx context.Context, driver, dsn string) (*SQLIndex, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLIndex{db: db, d: d}, nil
}

func (s *SQLIndex) Close() error { return s.db.Close() }

func (s *SQLIndex) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.has, fp.NameKey(name)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add inserts the entry; an existing name is left untouched.
func (s *SQLIndex) Add(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.add, fp.NameKey(e.Name), e.Name, string(e.Kind), e.CreatedAt.UTC())
	return err
}
