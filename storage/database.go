package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "devicelink.db"
	// DefaultMaintenanceInterval controls WAL truncation and event pruning.
	DefaultMaintenanceInterval = 6 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 30 * 24 * time.Hour
)

// ErrSchemaTooNew indicates a database written by a newer build.
var ErrSchemaTooNew = errors.New("storage: database schema is newer than supported")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_peers (
  device_id         TEXT PRIMARY KEY,
  public_key        TEXT NOT NULL,
  shared_secret     TEXT NOT NULL,
  accepted          INTEGER NOT NULL DEFAULT 0,
  display_name      TEXT NOT NULL DEFAULT '',
  last_ip           TEXT NOT NULL DEFAULT '',
  last_port         INTEGER NOT NULL DEFAULT 0,
  device_type       TEXT NOT NULL DEFAULT '',
  battery_hint      INTEGER NOT NULL DEFAULT -1,
  updated_timestamp INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS rejected_peers (
  device_id          TEXT PRIMARY KEY,
  rejected_timestamp INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type     TEXT NOT NULL,
  peer_device_id TEXT,
  remote_addr    TEXT,
  details        TEXT NOT NULL,
  severity       TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_peer
ON security_events (peer_device_id, timestamp DESC, id DESC);
`,
}

// Store owns the SQLite connection holding trust state and security events.
type Store struct {
	db *sql.DB

	maintenanceInterval    time.Duration
	maintenanceStop        chan struct{}
	maintenanceWG          sync.WaitGroup
	securityEventRetention atomic.Int64
	closeOnce              sync.Once
}

// Open opens (or creates) devicelink.db under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, runs schema migrations and
// starts the background maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		maintenanceStop:     make(chan struct{}),
	}
	store.securityEventRetention.Store(int64(DefaultSecurityEventRetention))
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenance()
	return store, nil
}

func (s *Store) prepare() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}

	return s.migrate()
}

// Close stops maintenance and closes the connection. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version > len(migrations):
		return fmt.Errorf("%w: database at version %d, this build knows %d", ErrSchemaTooNew, version, len(migrations))
	case version == len(migrations):
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version %d: %w", len(migrations), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	slog.Debug("storage schema migrated", "from", version, "to", len(migrations))
	return nil
}

// maintain truncates the WAL and prunes security events past retention.
func (s *Store) maintain() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		slog.Warn("wal checkpoint failed", "err", err)
	}
	retention := s.eventRetention()
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	if deleted, err := s.PruneSecurityEvents(cutoff); err != nil {
		slog.Warn("prune security events failed", "err", err)
	} else if deleted > 0 {
		slog.Debug("pruned security events", "deleted", deleted)
	}
}

func (s *Store) startMaintenance() {
	if s.maintenanceInterval <= 0 {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(s.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.maintain()
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
