package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/labgrader/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		input_dir TEXT NOT NULL DEFAULT '',
		output_dir TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		record TEXT NOT NULL,
		raw_content TEXT,
		grade TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ok',
		extracted_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		requirement TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		UNIQUE (report_id, position),
		FOREIGN KEY (report_id) REFERENCES reports(id)
	);

	CREATE TABLE IF NOT EXISTS scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		score REAL NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		UNIQUE (report_id, position),
		FOREIGN KEY (report_id) REFERENCES reports(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveReport inserts a report or replaces the one stored under the same
// path, together with its items. Scores of a replaced report are dropped.
// It returns the report ID.
func (s *Store) SaveReport(r model.StoredReport) (int64, error) {
	data, err := model.EncodeRecord(&r.Record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	var id int64
	err = tx.QueryRow(
		`INSERT INTO reports (path, record, raw_content, grade, status, extracted_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET record = excluded.record, raw_content = excluded.raw_content,
		   grade = excluded.grade, status = excluded.status, extracted_by = excluded.extracted_by,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		r.Path, string(data), r.Record.RawContent, r.Record.Value(model.FieldGrade),
		r.Status, r.ExtractedBy, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert report: %w", err)
	}

	for _, table := range []string{"items", "scores"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE report_id = ?`, id); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for i, it := range r.Record.Items {
		_, err := tx.Exec(
			`INSERT INTO items (report_id, position, item_id, title, requirement, method, code, answer)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, it.ID, it.Title, it.Requirement, it.Method, it.Code, it.Answer,
		)
		if err != nil {
			return 0, fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	return id, tx.Commit()
}

const reportColumns = `id, path, record, grade, status, extracted_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(sc rowScanner) (model.StoredReport, error) {
	var r model.StoredReport
	var data string
	if err := sc.Scan(&r.ID, &r.Path, &data, &r.Grade, &r.Status, &r.ExtractedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	rec, err := model.DecodeRecord([]byte(data))
	if err != nil {
		return r, fmt.Errorf("decode report %d: %w", r.ID, err)
	}
	r.Record = *rec
	return r, nil
}

// GetReport returns a report by ID with its items. It returns sql.ErrNoRows
// when there is no such report.
func (s *Store) GetReport(id int64) (model.StoredReport, error) {
	r, err := scanReport(s.db.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if err != nil {
		return r, err
	}
	items, err := s.getItems(id)
	if err != nil {
		return r, err
	}
	r.Record.Items = items
	return r, nil
}

// ListReports returns all reports, oldest first.
func (s *Store) ListReports() ([]model.StoredReport, error) {
	rows, err := s.db.Query(`SELECT ` + reportColumns + ` FROM reports ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []model.StoredReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range reports {
		items, err := s.getItems(reports[i].ID)
		if err != nil {
			return nil, err
		}
		reports[i].Record.Items = items
	}
	return reports, nil
}

func (s *Store) getItems(reportID int64) ([]model.ContentItem, error) {
	rows, err := s.db.Query(
		`SELECT item_id, title, requirement, method, code, answer FROM items WHERE report_id = ? ORDER BY position`, reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ContentItem
	for rows.Next() {
		var it model.ContentItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Requirement, &it.Method, &it.Code, &it.Answer); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReportCount returns the number of stored reports.
func (s *Store) ReportCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&count)
	return count, err
}

// SaveScores replaces the grading results of a report.
func (s *Store) SaveScores(reportID int64, results []model.GradingResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM scores WHERE report_id = ?`, reportID); err != nil {
		return err
	}
	for i, r := range results {
		_, err := tx.Exec(
			`INSERT INTO scores (report_id, position, item_id, score, feedback, raw) VALUES (?, ?, ?, ?, ?, ?)`,
			reportID, i, r.ID, r.Score, r.Feedback, r.Raw,
		)
		if err != nil {
			return fmt.Errorf("insert score %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// GetScores returns the grading results of a report in item order.
func (s *Store) GetScores(reportID int64) ([]model.GradingResult, error) {
	rows, err := s.db.Query(
		`SELECT item_id, score, feedback, raw FROM scores WHERE report_id = ? ORDER BY position`, reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.GradingResult
	for rows.Next() {
		var r model.GradingResult
		if err := rows.Scan(&r.ID, &r.Score, &r.Feedback, &r.Raw); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateRun records the start of a batch run.
func (s *Store) CreateRun(run model.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, input_dir, output_dir, provider, model, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.InputDir, run.OutputDir, run.Provider, run.Model, run.StartedAt,
	)
	return err
}

// FinishRun stores the final counts of a batch run.
func (s *Store) FinishRun(id string, total, succeeded, failed int) error {
	res, err := s.db.Exec(
		`UPDATE runs SET total = ?, succeeded = ?, failed = ?, finished_at = ? WHERE id = ?`,
		total, succeeded, failed, time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, input_dir, output_dir, provider, model, total, succeeded, failed, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.InputDir, &r.OutputDir, &r.Provider, &r.Model,
			&r.Total, &r.Succeeded, &r.Failed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
