// Package sqlite is the default durable store, backed by go-sqlite3 in WAL mode.
// Entities are kept as JSON bodies next to the columns needed for lookups and
// conditional updates.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/store"
)

type Storage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Verify Storage implements store.Store
var _ store.Store = (*Storage)(nil)

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Storage{db: db, path: dbPath, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *Storage) Path() string { return s.path }

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_owner ON plans(owner_id, id DESC);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, id DESC);

	CREATE TABLE IF NOT EXISTS subtasks (
		document_id TEXT NOT NULL,
		id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		PRIMARY KEY (document_id, id),
		UNIQUE (document_id, ord)
	);

	CREATE TABLE IF NOT EXISTS runs (
		document_id TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (document_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(document_id, run_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

func decode[T any](body string) (*T, error) {
	out := new(T)
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func (s *Storage) getBody(ctx context.Context, entity, id, query string, args ...any) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NewNotFoundError(entity, id)
	}
	return body, err
}

func expectOne(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NewNotFoundError(entity, id)
	}
	return nil
}

// Plan operations

func (s *Storage) CreatePlan(ctx context.Context, p *domain.Plan) error {
	body, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO plans (id, owner_id, body) VALUES (?, ?, ?)`, p.ID, p.OwnerID, body)
	return err
}

func (s *Storage) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	body, err := s.getBody(ctx, "plan", id, `SELECT body FROM plans WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return decode[domain.Plan](body)
}

func (s *Storage) UpdatePlan(ctx context.Context, p *domain.Plan) error {
	body, err := encode(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET owner_id = ?, body = ? WHERE id = ?`, p.OwnerID, body, p.ID)
	return expectOne(res, err, "plan", p.ID)
}

func (s *Storage) ListPlans(ctx context.Context, ownerID string, f store.Filter) ([]*domain.Plan, error) {
	return list[domain.Plan](ctx, s.db, `SELECT body FROM plans WHERE owner_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		ownerID, limit(f), f.Offset)
}

// Document operations

func (s *Storage) CreateDocument(ctx context.Context, d *domain.Document) error {
	body, err := encode(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (id, owner_id, status, body) VALUES (?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Status, body)
	return err
}

func (s *Storage) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	body, err := s.getBody(ctx, "document", id, `SELECT body FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return decode[domain.Document](body)
}

func (s *Storage) UpdateDocument(ctx context.Context, d *domain.Document) error {
	body, err := encode(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, body = ? WHERE id = ?`, d.Status, body, d.ID)
	return expectOne(res, err, "document", d.ID)
}

func (s *Storage) ListDocuments(ctx context.Context, ownerID string, f store.Filter) ([]*domain.Document, error) {
	return list[domain.Document](ctx, s.db, `SELECT body FROM documents WHERE owner_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		ownerID, limit(f), f.Offset)
}

// Subtask operations

func (s *Storage) ReplaceSubtasks(ctx context.Context, docID string, subtasks []*domain.Subtask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE document_id = ?`, docID); err != nil {
		return err
	}
	for _, st := range subtasks {
		body, err := encode(st)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subtasks (document_id, id, ord, status, attempts, body)
			VALUES (?, ?, ?, ?, ?, ?)
		`, docID, st.ID, st.Order, st.Status, st.Attempts, body); err != nil {
			return fmt.Errorf("insert subtask %d: %w", st.Order, err)
		}
	}
	return tx.Commit()
}

func (s *Storage) ListSubtasks(ctx context.Context, docID string) ([]*domain.Subtask, error) {
	return list[domain.Subtask](ctx, s.db, `SELECT body FROM subtasks WHERE document_id = ? ORDER BY ord`, docID)
}

func (s *Storage) GetSubtask(ctx context.Context, docID, id string) (*domain.Subtask, error) {
	body, err := s.getBody(ctx, "subtask", id, `SELECT body FROM subtasks WHERE document_id = ? AND id = ?`, docID, id)
	if err != nil {
		return nil, err
	}
	return decode[domain.Subtask](body)
}

// swapSubtask applies mutate to the stored unit and writes it back only if
// status and attempts are unchanged since the read.
func (s *Storage) swapSubtask(ctx context.Context, docID, id string, mutate func(*domain.Subtask) error) (*domain.Subtask, error) {
	st, err := s.GetSubtask(ctx, docID, id)
	if err != nil {
		return nil, err
	}
	prevStatus, prevAttempts := st.Status, st.Attempts
	if err := mutate(st); err != nil {
		return nil, store.NewConflictError("subtask", id, err.Error())
	}
	body, err := encode(st)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subtasks SET status = ?, attempts = ?, body = ?
		WHERE document_id = ? AND id = ? AND status = ? AND attempts = ?
	`, st.Status, st.Attempts, body, docID, id, prevStatus, prevAttempts)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, store.NewConflictError("subtask", id, "modified concurrently")
	}
	return st, nil
}

func (s *Storage) ClaimSubtask(ctx context.Context, docID, id string, expectAttempts int, staleBefore time.Time) (*domain.Subtask, error) {
	return s.swapSubtask(ctx, docID, id, func(st *domain.Subtask) error {
		if st.Attempts != expectAttempts || !st.Claimable(staleBefore) {
			return errors.New("claimed by another caller")
		}
		st.Status = domain.SubtaskInProgress
		st.Attempts++
		st.UpdatedAt = s.now()
		return nil
	})
}

func (s *Storage) CompleteSubtask(ctx context.Context, docID, id string, res *domain.SubtaskResult) (*domain.Subtask, error) {
	return s.swapSubtask(ctx, docID, id, func(st *domain.Subtask) error {
		return st.Complete(res, s.now())
	})
}

func (s *Storage) FailSubtask(ctx context.Context, docID, id, reason string) (*domain.Subtask, error) {
	return s.swapSubtask(ctx, docID, id, func(st *domain.Subtask) error {
		return st.Fail(reason, s.now())
	})
}

// Run operations

func (s *Storage) CreateRun(ctx context.Context, r *domain.Run) error {
	body, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (document_id, id, status, body) VALUES (?, ?, ?, ?)`,
		r.DocumentID, r.ID, r.Status, body)
	return err
}

func (s *Storage) GetRun(ctx context.Context, docID, id string) (*domain.Run, error) {
	body, err := s.getBody(ctx, "run", id, `SELECT body FROM runs WHERE document_id = ? AND id = ?`, docID, id)
	if err != nil {
		return nil, err
	}
	return decode[domain.Run](body)
}

func (s *Storage) UpdateRun(ctx context.Context, r *domain.Run) error {
	body, err := encode(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, body = ? WHERE document_id = ? AND id = ?`,
		r.Status, body, r.DocumentID, r.ID)
	return expectOne(res, err, "run", r.ID)
}

func (s *Storage) ListRuns(ctx context.Context, docID string) ([]*domain.Run, error) {
	return list[domain.Run](ctx, s.db, `SELECT body FROM runs WHERE document_id = ? ORDER BY id`, docID)
}

// Event operations

func (s *Storage) AppendEvent(ctx context.Context, e *domain.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, document_id, run_id, type, body) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.RunID, e.Type, body)
	return err
}

func (s *Storage) ListEvents(ctx context.Context, docID, runID, afterID string) ([]*domain.Event, error) {
	return list[domain.Event](ctx, s.db, `
		SELECT body FROM events WHERE document_id = ? AND run_id = ? AND id > ? ORDER BY id
	`, docID, runID, afterID)
}

func limit(f store.Filter) int {
	if f.Limit <= 0 {
		return -1
	}
	return f.Limit
}

func list[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v, err := decode[T](body)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
