// Package history keeps a local SQLite log of detection events for operator
// review.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultRetain is the number of events kept by Record.
const DefaultRetain = 5000

// Kind separates verdicts from status changes.
type Kind string

const (
	KindResult Kind = "result"
	KindStatus Kind = "status"
)

// Event is one row of the log.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	Status     string    `json:"status,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Label      string    `json:"label,omitempty"`
	BoostPath  int       `json:"boost_path,omitempty"`
	ModelSet   string    `json:"model_set,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Message    string    `json:"message,omitempty"`
	HeatmapMax float64   `json:"heatmap_max,omitempty"`
	HeatmapX   float64   `json:"heatmap_x,omitempty"`
	HeatmapY   float64   `json:"heatmap_y,omitempty"`
}

// Store is the event database.
type Store struct {
	db *sql.DB
	// Retain bounds the table; zero disables pruning.
	Retain int
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, Retain: DefaultRetain}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[History] migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Record inserts ev, filling ID and Time when unset, then prunes to Retain.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			event_id, recorded_ns, kind, status, verdict, confidence, label,
			boost_path, model_set, strategy, message, heatmap_max, heatmap_x, heatmap_y
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UnixNano(), string(ev.Kind), ev.Status, ev.Verdict, ev.Confidence, ev.Label,
		ev.BoostPath, ev.ModelSet, ev.Strategy, ev.Message, ev.HeatmapMax, ev.HeatmapX, ev.HeatmapY,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if s.Retain > 0 {
		if _, err := s.Prune(ctx, s.Retain); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes all but the newest keep events and returns the number removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE event_id NOT IN (
			SELECT event_id FROM events ORDER BY recorded_ns DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns up to limit events, newest first. kind filters when set.
func (s *Store) Recent(ctx context.Context, kind Kind, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, recorded_ns, kind, status, verdict, confidence, label,
			boost_path, model_set, strategy, message, heatmap_max, heatmap_x, heatmap_y
		FROM events
		WHERE ? = '' OR kind = ?
		ORDER BY recorded_ns DESC, rowid DESC
		LIMIT ?`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ns int64
		var k string
		if err := rows.Scan(&ev.ID, &ns, &k, &ev.Status, &ev.Verdict, &ev.Confidence, &ev.Label,
			&ev.BoostPath, &ev.ModelSet, &ev.Strategy, &ev.Message, &ev.HeatmapMax, &ev.HeatmapX, &ev.HeatmapY); err != nil {
			return nil, err
		}
		ev.Kind = Kind(k)
		ev.Time = time.Unix(0, ns)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
