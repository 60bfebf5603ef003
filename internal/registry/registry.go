// Package registry tracks live and recently-dead sandboxes in a local
// SQLite database so a restarted runner can find and reap what a crashed
// predecessor left behind.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"
	_ "modernc.org/sqlite"

	"github.com/pcwill068-cloud/warmbox/internal/paths"
)

// ErrNotFound is returned for operations on an unknown sandbox ID.
var ErrNotFound = errors.New("sandbox not found")

// State is the registry's view of a sandbox lifecycle.
type State string

const (
	StateCreating    State = "creating"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateSnapshotted State = "snapshotted"
	StateStopped     State = "stopped"
)

// Record is one registered sandbox.
type Record struct {
	ID          string
	State       State
	Netns       string
	TapDevice   string
	OverlayPath string
	APISocket   string
	PID         int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Options struct {
	DBPath string
	Now    func() time.Time

	// PIDAlive reports whether a process still exists; injectable for
	// tests. Defaults to a process-table lookup.
	PIDAlive func(int) (bool, error)
}

type Registry struct {
	dbPath   string
	now      func() time.Time
	pidAlive func(int) (bool, error)

	mu sync.Mutex
}

func New(opts Options) (*Registry, error) {
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		var err error
		dbPath, err = paths.RegistryDBPath("")
		if err != nil {
			return nil, fmt.Errorf("resolve registry database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory for %q: %w", dbPath, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pidAlive := opts.PIDAlive
	if pidAlive == nil {
		pidAlive = processExists
	}

	r := &Registry{dbPath: dbPath, now: now, pidAlive: pidAlive}
	if err := r.initDB(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func processExists(pid int) (bool, error) {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return proc != nil, nil
}

// Register inserts or replaces a sandbox record.
func (r *Registry) Register(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("sandbox ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	return r.upsertRecord(ctx, record)
}

// UpdateState moves a sandbox to a new lifecycle state.
func (r *Registry) UpdateState(ctx context.Context, id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `
		UPDATE sandboxes SET state = ?, updated_at_unix = ? WHERE id = ?
	`, string(state), r.now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("update sandbox %s state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sandbox %s state: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get looks up one sandbox by ID.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.open(ctx)
	if err != nil {
		return Record{}, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, selectColumns+` FROM sandboxes WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
		}
		return Record{}, err
	}
	return record, nil
}

// Remove deletes a sandbox record. Removing an absent record is not an
// error; cleanup paths call this unconditionally.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	return nil
}

// List returns all registered sandboxes, newest first.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, selectColumns+` FROM sandboxes ORDER BY created_at_unix DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandboxes: %w", err)
	}
	return items, nil
}

// Prune removes records whose hypervisor process no longer exists and
// returns them so the caller can reap their host resources (namespaces,
// overlays, sockets).
func (r *Registry) Prune(ctx context.Context) ([]Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var stale []Record
	for _, record := range records {
		if record.PID > 0 {
			alive, err := r.pidAlive(record.PID)
			if err != nil {
				return nil, fmt.Errorf("check sandbox %s process %d: %w", record.ID, record.PID, err)
			}
			if alive {
				continue
			}
		}
		if err := r.Remove(ctx, record.ID); err != nil {
			return nil, err
		}
		stale = append(stale, record)
	}
	return stale, nil
}

const selectColumns = `
	SELECT
		id,
		state,
		netns,
		tap_device,
		overlay_path,
		api_socket,
		pid,
		created_at_unix,
		updated_at_unix`

func (r *Registry) open(ctx context.Context) (*sql.DB, error) {
	if err := r.initDB(ctx); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database %q: %w", r.dbPath, err)
	}
	return db, nil
}

func (r *Registry) initDB(ctx context.Context) error {
	db, err := sql.Open("sqlite", r.dbPath)
	if err != nil {
		return fmt.Errorf("open registry database %q: %w", r.dbPath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			netns TEXT NOT NULL,
			tap_device TEXT NOT NULL,
			overlay_path TEXT NOT NULL,
			api_socket TEXT NOT NULL,
			pid INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);
	`)
	if err != nil {
		return fmt.Errorf("initialise registry schema: %w", err)
	}
	return nil
}

func (r *Registry) upsertRecord(ctx context.Context, record Record) error {
	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO sandboxes (
			id,
			state,
			netns,
			tap_device,
			overlay_path,
			api_socket,
			pid,
			created_at_unix,
			updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			netns = excluded.netns,
			tap_device = excluded.tap_device,
			overlay_path = excluded.overlay_path,
			api_socket = excluded.api_socket,
			pid = excluded.pid,
			updated_at_unix = excluded.updated_at_unix
	`,
		record.ID,
		string(record.State),
		record.Netns,
		record.TapDevice,
		record.OverlayPath,
		record.APISocket,
		record.PID,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox %s: %w", record.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record        Record
		state         string
		createdAtUnix int64
		updatedAtUnix int64
	)
	if err := s.Scan(
		&record.ID,
		&state,
		&record.Netns,
		&record.TapDevice,
		&record.OverlayPath,
		&record.APISocket,
		&record.PID,
		&createdAtUnix,
		&updatedAtUnix,
	); err != nil {
		return Record{}, err
	}
	record.State = State(state)
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return record, nil
}
