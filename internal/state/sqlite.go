package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

var errNotOpened = errors.New("database not opened")

// SQLiteStore stores pipelines in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new store instance. Call Open before use.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Open opens the database at path and applies pending migrations.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(ctx context.Context, path string) error {
	dsn := path + "?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := MigrateWithDB(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.path = path
	s.logger.Debug("state store opened", slog.String("path", path))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Hash returns the content hash stored for a pair of documents.
func Hash(canvas, config []byte) string {
	d := xxhash.New()
	_, _ = d.Write(canvas)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(config)
	return strconv.FormatUint(d.Sum64(), 16)
}

// Save stores the documents of a pipeline. Saving documents identical to
// the stored version is a no-op that reports Unchanged.
func (s *SQLiteStore) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if s.db == nil {
		return nil, errNotOpened
	}
	if len(req.Canvas) == 0 {
		req.Canvas = []byte("[]")
	}
	if len(req.Config) == 0 {
		req.Config = []byte("[]")
	}

	hash := Hash(req.Canvas, req.Config)
	nodes := int(gjson.GetBytes(req.Config, "#").Int())
	now := s.now().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := &SaveResult{ID: req.ID, GeneratedQueryText: req.QueryText, Version: 1}

	if req.ID == "" {
		result.ID = uuid.New().String()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pipelines (id, name, canvas, config, query_text, content_hash, node_count, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			result.ID, req.Name, string(req.Canvas), string(req.Config), req.QueryText, hash, nodes, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create pipeline: %w", err)
		}
	} else {
		var current string
		var version int
		err = tx.QueryRowContext(ctx,
			`SELECT content_hash, version FROM pipelines WHERE id = ?`, req.ID,
		).Scan(&current, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get pipeline: %w", err)
		}

		if current == hash {
			if _, err := tx.ExecContext(ctx,
				`UPDATE pipelines SET name = ?, query_text = ? WHERE id = ?`,
				req.Name, req.QueryText, req.ID,
			); err != nil {
				return nil, fmt.Errorf("failed to update pipeline: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			result.Version = version
			result.Unchanged = true
			return result, nil
		}

		result.Version = version + 1
		_, err = tx.ExecContext(ctx,
			`UPDATE pipelines SET name = ?, canvas = ?, config = ?, query_text = ?, content_hash = ?,
			 node_count = ?, version = ?, updated_at = ? WHERE id = ?`,
			req.Name, string(req.Canvas), string(req.Config), req.QueryText, hash, nodes, result.Version, now, req.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update pipeline: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pipeline_revisions (pipeline_id, version, content_hash, node_count, saved_at) VALUES (?, ?, ?, ?, ?)`,
		result.ID, result.Version, hash, nodes, now,
	); err != nil {
		return nil, fmt.Errorf("failed to record revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug("pipeline saved",
		slog.String("id", result.ID),
		slog.Int("version", result.Version),
		slog.Int("nodes", nodes))
	return result, nil
}

const summaryColumns = `id, name, version, node_count, content_hash, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner, extra ...any) (*Summary, error) {
	var sum Summary
	var created, updated string
	dest := append([]any{&sum.ID, &sum.Name, &sum.Version, &sum.Nodes, &sum.Hash, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sum.CreatedAt = parseTime(created)
	sum.UpdatedAt = parseTime(updated)
	return &sum, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Load returns a stored pipeline with its documents.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Bundle, error) {
	if s.db == nil {
		return nil, errNotOpened
	}

	var canvas, config, query string
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`, canvas, config, query_text FROM pipelines WHERE id = ?`, id)
	sum, err := scanSummary(row, &canvas, &config, &query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}

	return &Bundle{
		Summary:   *sum,
		Canvas:    []byte(canvas),
		Config:    []byte(config),
		QueryText: query,
	}, nil
}

// Get returns the summary of a stored pipeline.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Summary, error) {
	if s.db == nil {
		return nil, errNotOpened
	}
	sum, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM pipelines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return sum, nil
}

// List returns all stored pipelines, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	if s.db == nil {
		return nil, errNotOpened
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM pipelines ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

// Revisions returns the save history of a pipeline, oldest first.
func (s *SQLiteStore) Revisions(ctx context.Context, id string) ([]Revision, error) {
	if s.db == nil {
		return nil, errNotOpened
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, content_hash, node_count, saved_at FROM pipeline_revisions
		 WHERE pipeline_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Revision
	for rows.Next() {
		var r Revision
		var saved string
		if err := rows.Scan(&r.Version, &r.Hash, &r.Nodes, &saved); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		r.SavedAt = parseTime(saved)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a pipeline and its history.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errNotOpened
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
