// Package store persists the route table in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/router"
)

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	protocol   TEXT NOT NULL,
	source     TEXT NOT NULL,
	descriptor TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (protocol, source)
);`

// SQLite keeps one row per route, keyed like the route table.
// It observes the table and writes every committed mutation.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	// opTimeout bounds writes issued from RouteChanged.
	opTimeout time.Duration
	now       func() time.Time
}

var _ router.Observer = (*SQLite)(nil)

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLite{db: db, logger: logger, opTimeout: 5 * time.Second, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Load returns every stored route. Rows that no longer decode into a valid
// route are skipped and reported in the joined error.
func (s *SQLite) Load(ctx context.Context) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT protocol, source, descriptor FROM routes ORDER BY protocol, source`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out  []model.Route
		errs []error
	)
	for rows.Next() {
		var proto, source, raw string
		if err := rows.Scan(&proto, &source, &raw); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		var d model.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			errs = append(errs, fmt.Errorf("route %s/%s: decode: %w", proto, source, err))
			continue
		}
		r, err := d.Route()
		if err != nil {
			errs = append(errs, fmt.Errorf("route %s/%s: %w", proto, source, err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return out, errors.Join(errs...)
}

// Count is the number of stored routes.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count routes: %w", err)
	}
	return n, nil
}

const upsert = `
INSERT INTO routes (protocol, source, descriptor, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (protocol, source) DO UPDATE SET
	descriptor = excluded.descriptor,
	updated_at = excluded.updated_at`

// Save inserts or replaces r.
func (s *SQLite) Save(ctx context.Context, r model.Route) error {
	raw, err := json.Marshal(r.Descriptor())
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsert, string(r.Protocol), r.Source, string(raw), s.now().Unix()); err != nil {
		return fmt.Errorf("save route %s/%s: %w", r.Protocol, r.Source, err)
	}
	return nil
}

// Delete removes the route stored for (p, source). Deleting a missing row is not an error.
func (s *SQLite) Delete(ctx context.Context, p model.Protocol, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE protocol = ? AND source = ?`, string(p), source); err != nil {
		return fmt.Errorf("delete route %s/%s: %w", p, source, err)
	}
	return nil
}

// Replace swaps the stored set for routes in one transaction.
func (s *SQLite) Replace(ctx context.Context, routes []model.Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes`); err != nil {
		return fmt.Errorf("clear routes: %w", err)
	}
	now := s.now().Unix()
	for _, r := range routes {
		raw, err := json.Marshal(r.Descriptor())
		if err != nil {
			return fmt.Errorf("encode route: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsert, string(r.Protocol), r.Source, string(raw), now); err != nil {
			return fmt.Errorf("save route %s/%s: %w", r.Protocol, r.Source, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RouteChanged persists a single mutation. Bulk loads come from the store
// itself, or are written with Replace, so they are ignored here.
func (s *SQLite) RouteChanged(c router.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	var err error
	switch c.Op {
	case router.OpPut:
		err = s.Save(ctx, c.Route)
	case router.OpDelete:
		err = s.Delete(ctx, c.Protocol, c.Source)
	default:
		return
	}
	if err != nil {
		s.logger.Error("persist route change", "op", c.Op.String(), "protocol", string(c.Protocol), "source", c.Source, "error", err)
	}
}
