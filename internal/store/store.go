// Package store provides the durable state the core ingest engine depends
// on but does not itself own: ports already bound on this host, championship
// and user IDs already issued, final classification results, and an audit
// log of start/stop control-plane actions. Backed by an embedded SQLite
// database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — championships known to this host
	`CREATE TABLE IF NOT EXISTS championships (
		id         INTEGER PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — users known to this host (source of the IdGenerator's user seed)
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — ports this host currently has a live service bound to
	`CREATE TABLE IF NOT EXISTS ports_in_use (
		port         INTEGER PRIMARY KEY,
		championship_id INTEGER NOT NULL,
		leased_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — end-of-race final classification results
	`CREATE TABLE IF NOT EXISTS final_classifications (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		championship_id  INTEGER NOT NULL,
		payload          BLOB NOT NULL,
		recorded_at      INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — control-plane audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		championship_id INTEGER NOT NULL,
		action          TEXT NOT NULL,
		details         TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v6, v7 — indexes for the lookups the core performs at startup/shutdown
	`CREATE INDEX IF NOT EXISTS idx_final_class_championship ON final_classifications(championship_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_championship ON audit_log(championship_id)`,
	// v8 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the core's persisted interface.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Allow a few concurrent connections; concurrent writers wait on
	// SQLite's lock up to the busy_timeout set below.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Warn("set WAL mode", zap.Error(err))
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("set busy_timeout", zap.Error(err))
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Info("applied migration", zap.Int("version", v))
	}
	return nil
}

// PortsInUse returns every port currently recorded as bound by a live
// service on this host, for seeding PortLeaser.
func (s *Store) PortsInUse(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM ports_in_use`)
	if err != nil {
		return nil, fmt.Errorf("query ports in use: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		used[port] = true
	}
	return used, rows.Err()
}

// RecordPortLease records that port is now bound to championshipID, so a
// restart seeds PortLeaser correctly even if this process crashes without
// a clean shutdown.
func (s *Store) RecordPortLease(ctx context.Context, port int, championshipID int32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ports_in_use(port, championship_id) VALUES(?, ?)
		 ON CONFLICT(port) DO UPDATE SET championship_id = excluded.championship_id`,
		port, championshipID)
	return err
}

// ReleasePort forgets that port is bound. Called on clean service stop.
func (s *Store) ReleasePort(ctx context.Context, port int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ports_in_use WHERE port = ?`, port)
	return err
}

// ChampionshipIDsInUse returns every championship id already issued, for
// seeding IdGenerator.
func (s *Store) ChampionshipIDsInUse(ctx context.Context) ([]int32, error) {
	return s.queryInt32s(ctx, `SELECT id FROM championships`)
}

// ChampionshipExists reports whether championshipID has been recorded as
// known to this host.
func (s *Store) ChampionshipExists(ctx context.Context, championshipID int32) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM championships WHERE id = ?)`, championshipID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check championship exists: %w", err)
	}
	return exists, nil
}

// UserIDsInUse returns every user id already issued, for seeding the user
// IdGenerator.
func (s *Store) UserIDsInUse(ctx context.Context) ([]int32, error) {
	return s.queryInt32s(ctx, `SELECT id FROM users`)
}

func (s *Store) queryInt32s(ctx context.Context, query string) ([]int32, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveFinalClassification persists a race's final classification payload.
// Implements ingest.ClassificationSink.
func (s *Store) SaveFinalClassification(ctx context.Context, championshipID int32, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO final_classifications(championship_id, payload) VALUES(?, ?)`,
		championshipID, payload)
	return err
}

// RecordAuditEvent appends a row to the control-plane audit log.
func (s *Store) RecordAuditEvent(ctx context.Context, championshipID int32, action, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(championship_id, action, details) VALUES(?, ?, ?)`,
		championshipID, action, details)
	return err
}
