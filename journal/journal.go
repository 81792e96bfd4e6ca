// Package journal persists dispatch outcomes to SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolgate/dispatch"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config configures the journal.
type Config struct {
	// DSN is the database connection string, e.g. a file path or
	// "file:calls?mode=memory&cache=shared".
	DSN string

	// RetentionAge deletes calls older than this (0 = keep forever).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many calls (0 = unbounded).
	RetentionCount int

	// PruneInterval is how often retention runs (default 1 hour).
	PruneInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Entry is one recorded call.
type Entry struct {
	ID           string         `json:"id"`
	Tool         string         `json:"tool"`
	Adapter      string         `json:"adapter,omitempty"`
	Success      bool           `json:"success"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	StartedAt    time.Time      `json:"started_at"`
	Args         map[string]any `json:"args"`
}

// Filter narrows List.
type Filter struct {
	Tool  string
	Limit int
}

// Store is a SQLite-backed call journal. It implements dispatch.Recorder.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Open opens (or creates) the journal at cfg.DSN.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("journal: dsn is required")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if cfg.DSN == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Record stores one dispatch outcome.
func (s *Store) Record(ctx context.Context, obs dispatch.Observation) error {
	id := obs.ID
	if id == "" {
		id = uuid.NewString()
	}
	args := obs.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("journal: marshal args: %w", err)
	}
	started := obs.StartedAt
	if started.IsZero() {
		started = s.cfg.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calls (id, tool, adapter, success, error_code, error_message, duration_ms, started_at, args)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		obs.ToolName,
		obs.Adapter,
		obs.Success,
		obs.ErrorCode,
		obs.ErrorMessage,
		obs.DurationMS,
		started.UTC().Format(timeLayout),
		string(argsJSON),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// List returns recorded calls, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, tool, adapter, success, error_code, error_message, duration_ms, started_at, args FROM calls`
	var args []any
	if filter.Tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, filter.Tool)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Prune runs one retention pass.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.RetentionAge).UTC().Format(timeLayout)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff); err != nil {
			return fmt.Errorf("journal: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM calls WHERE seq NOT IN (SELECT seq FROM calls ORDER BY seq DESC LIMIT ?)`,
			s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("journal: prune by count: %w", err)
		}
	}
	return nil
}

// Close stops the pruner and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.stop)
	})
	<-s.done
	if !first {
		return nil
	}
	return s.db.Close()
}

func (s *Store) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Prune(context.Background()); err != nil {
				s.logger.Warn("journal: prune failed", "error", err)
			}
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			started   string
			argsJSON  string
			successDB int64
		)
		if err := rows.Scan(
			&e.ID,
			&e.Tool,
			&e.Adapter,
			&successDB,
			&e.ErrorCode,
			&e.ErrorMessage,
			&e.DurationMS,
			&started,
			&argsJSON,
		); err != nil {
			return nil, fmt.Errorf("journal: scan call: %w", err)
		}
		e.Success = successDB != 0

		t, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("journal: parse started_at %q: %w", started, err)
		}
		e.StartedAt = t

		e.Args = map[string]any{}
		if argsJSON != "" && argsJSON != "{}" {
			if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
				return nil, fmt.Errorf("journal: unmarshal args: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ dispatch.Recorder = (*Store)(nil)
