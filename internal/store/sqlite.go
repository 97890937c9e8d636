package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MeKo-Tech/idex/internal/mapper"
)

// sqliteStore implements Store on a single SQLite database file.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the database with WAL
// mode enabled. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	doc_type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS submission_files (
	submission_id TEXT NOT NULL,
	ord INTEGER NOT NULL,
	name TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY(submission_id, ord),
	FOREIGN KEY(submission_id) REFERENCES submissions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS runs (
	submission_id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	FOREIGN KEY(submission_id) REFERENCES submissions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS records (
	submission_id TEXT PRIMARY KEY,
	doc_type TEXT NOT NULL,
	fields_json TEXT NOT NULL,
	catchall_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(submission_id) REFERENCES submissions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS record_pages (
	submission_id TEXT NOT NULL,
	page_index INTEGER NOT NULL,
	image BLOB NOT NULL,
	PRIMARY KEY(submission_id, page_index),
	FOREIGN KEY(submission_id) REFERENCES records(submission_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS regions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	page_index INTEGER NOT NULL,
	confidence REAL NOT NULL,
	image BLOB NOT NULL,
	FOREIGN KEY(submission_id) REFERENCES records(submission_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *sqliteStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO submissions (id, doc_type, created_at) VALUES (?, ?, ?)`,
		sub.ID.String(), sub.DocType, sub.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	for i, f := range sub.Files {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO submission_files (submission_id, ord, name, data) VALUES (?, ?, ?, ?)`,
			sub.ID.String(), i, f.Name, f.Data)
		if err != nil {
			return fmt.Errorf("insert submission file: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	sub := &Submission{ID: id}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_type, created_at FROM submissions WHERE id = ?`, id.String()).
		Scan(&sub.DocType, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, data FROM submission_files WHERE submission_id = ? ORDER BY ord`, id.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var f SubmissionFile
		if err := rows.Scan(&f.Name, &f.Data); err != nil {
			return nil, err
		}
		sub.Files = append(sub.Files, f)
	}
	return sub, rows.Err()
}

func (s *sqliteStore) SaveRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (submission_id, stage, status, retry_count, last_error, reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(submission_id) DO UPDATE SET
	stage = excluded.stage,
	status = excluded.status,
	retry_count = excluded.retry_count,
	last_error = excluded.last_error,
	reason = excluded.reason,
	updated_at = excluded.updated_at`,
		run.SubmissionID.String(), run.Stage, string(run.Status),
		run.RetryCount, run.LastError, run.Reason,
		run.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{SubmissionID: id}
	var status, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT stage, status, retry_count, last_error, reason, updated_at FROM runs WHERE submission_id = ?`,
		id.String()).
		Scan(&run.Stage, &status, &run.RetryCount, &run.LastError, &run.Reason, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return run, nil
}

func (s *sqliteStore) LoadResumableRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT submission_id, stage, status, retry_count, last_error, reason, updated_at
FROM runs WHERE status IN (?, ?) ORDER BY updated_at`,
		string(StatusQueued), string(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var id, status, updated string
		if err := rows.Scan(&id, &run.Stage, &status, &run.RetryCount,
			&run.LastError, &run.Reason, &updated); err != nil {
			return nil, err
		}
		run.SubmissionID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		run.Status = Status(status)
		run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PutRecord commits the structured record, its page images, and its
// regions in one transaction. A record persisted by an earlier run of
// the same submission is replaced wholesale, so re-running the
// persisting stage after a crash converges on the same stored state.
func (s *sqliteStore) PutRecord(ctx context.Context, rec *Record, regions []RegionRef) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	catchAll, err := json.Marshal(rec.CatchAll)
	if err != nil {
		return fmt.Errorf("marshal catch-all: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Children first: the foreign_keys pragma is per-connection and a
	// pooled connection may not have it set, so cascades are not
	// relied on here.
	for _, stmt := range []string{
		`DELETE FROM regions WHERE submission_id = ?`,
		`DELETE FROM record_pages WHERE submission_id = ?`,
		`DELETE FROM records WHERE submission_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, rec.SubmissionID.String()); err != nil {
			return fmt.Errorf("clear prior record: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (submission_id, doc_type, fields_json, catchall_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SubmissionID.String(), rec.DocType, string(fields), string(catchAll),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	for i, page := range rec.PageImages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO record_pages (submission_id, page_index, image) VALUES (?, ?, ?)`,
			rec.SubmissionID.String(), i, page)
		if err != nil {
			return fmt.Errorf("insert page image: %w", err)
		}
	}
	for _, r := range regions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO regions (submission_id, kind, page_index, confidence, image) VALUES (?, ?, ?, ?, ?)`,
			rec.SubmissionID.String(), r.Kind, r.PageIndex, r.Confidence, r.Image)
		if err != nil {
			return fmt.Errorf("insert region: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetRecord(ctx context.Context, id uuid.UUID) (*Record, []RegionRef, error) {
	rec := &Record{SubmissionID: id}
	var fields, catchAll, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_type, fields_json, catchall_json, created_at FROM records WHERE submission_id = ?`,
		id.String()).
		Scan(&rec.DocType, &fields, &catchAll, &created)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if catchAll != "" && catchAll != "null" {
		var pairs []mapper.Pair
		if err := json.Unmarshal([]byte(catchAll), &pairs); err != nil {
			return nil, nil, fmt.Errorf("unmarshal catch-all: %w", err)
		}
		rec.CatchAll = pairs
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	pageRows, err := s.db.QueryContext(ctx,
		`SELECT image FROM record_pages WHERE submission_id = ? ORDER BY page_index`, id.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pageRows.Close() }()
	for pageRows.Next() {
		var img []byte
		if err := pageRows.Scan(&img); err != nil {
			return nil, nil, err
		}
		rec.PageImages = append(rec.PageImages, img)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, err
	}

	regionRows, err := s.db.QueryContext(ctx,
		`SELECT kind, page_index, confidence, image FROM regions WHERE submission_id = ? ORDER BY id`, id.String())
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = regionRows.Close() }()

	var regions []RegionRef
	for regionRows.Next() {
		var r RegionRef
		if err := regionRows.Scan(&r.Kind, &r.PageIndex, &r.Confidence, &r.Image); err != nil {
			return nil, nil, err
		}
		regions = append(regions, r)
	}
	return rec, regions, regionRows.Err()
}

func (s *sqliteStore) ListRecent(ctx context.Context, page, perPage int) ([]HistoryItem, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.doc_type, COALESCE(r.status, ?), s.created_at
FROM submissions s
LEFT JOIN runs r ON r.submission_id = s.id
ORDER BY s.created_at DESC
LIMIT ? OFFSET ?`,
		string(StatusQueued), perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var items []HistoryItem
	for rows.Next() {
		var item HistoryItem
		var id, status, created string
		if err := rows.Scan(&id, &item.DocType, &status, &created); err != nil {
			return nil, 0, err
		}
		item.SubmissionID, err = uuid.Parse(id)
		if err != nil {
			return nil, 0, err
		}
		item.Status = Status(status)
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		items = append(items, item)
	}
	return items, total, rows.Err()
}
