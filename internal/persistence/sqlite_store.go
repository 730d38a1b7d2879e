package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Cascades (steps on module delete, vectors on question delete) need this.
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "0001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const moduleColumns = `id, title, status, progress, video_key, steps_key, transcript, transcript_lang,
	duration_seconds, transcribe_job_id, run_id, last_error, created_at, updated_at`

func (s *SQLiteStore) CreateModule(ctx context.Context, m *Module) error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusUploaded
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO modules (`+moduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Title,
		string(m.Status),
		m.Progress,
		m.VideoKey,
		m.StepsKey,
		m.Transcript,
		m.TranscriptLang,
		m.DurationSeconds,
		m.TranscribeJobID,
		m.RunID,
		m.LastError,
		m.CreatedAt,
		m.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetModule(ctx context.Context, moduleID string) (*Module, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+moduleColumns+` FROM modules WHERE id = ?`,
		moduleID,
	)

	var m Module
	var status string
	if err := row.Scan(
		&m.ID,
		&m.Title,
		&status,
		&m.Progress,
		&m.VideoKey,
		&m.StepsKey,
		&m.Transcript,
		&m.TranscriptLang,
		&m.DurationSeconds,
		&m.TranscribeJobID,
		&m.RunID,
		&m.LastError,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Status = ModuleStatus(status)
	return &m, nil
}

// ClaimProcessing takes the per-module processing lease. The conditional
// update is the mutex: it succeeds when the module is not PROCESSING, when
// the previous lease went stale before staleBefore, or when force is set.
// A successful claim resets progress and errors and drops old steps.
func (s *SQLiteStore) ClaimProcessing(ctx context.Context, moduleID, runID string, staleBefore time.Time, force bool) (claimed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE modules SET
			status = ?,
			run_id = ?,
			progress = 0,
			last_error = '',
			steps_key = '',
			transcribe_job_id = '',
			updated_at = ?
		 WHERE id = ?
		   AND (status != ? OR updated_at <= ? OR ? = 1)`,
		string(StatusProcessing),
		runID,
		time.Now().UTC(),
		moduleID,
		string(StatusProcessing),
		staleBefore.UTC(),
		boolToInt(force),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM steps WHERE module_id = ?`, moduleID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SetProgress advances progress for the run holding the lease. MAX keeps
// it monotonic; the update also refreshes updated_at so live runs are not
// reaped. Returns false when the lease is no longer held.
func (s *SQLiteStore) SetProgress(ctx context.Context, moduleID, runID string, progress int) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET progress = MAX(progress, ?), updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		progress, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

func (s *SQLiteStore) SetDuration(ctx context.Context, moduleID, runID string, seconds float64) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET duration_seconds = ?, updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		seconds, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

func (s *SQLiteStore) SetTranscript(ctx context.Context, moduleID, runID, transcript, lang string) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET transcript = ?, transcript_lang = ?, updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		transcript, lang, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

func (s *SQLiteStore) SetTranscribeJob(ctx context.Context, moduleID, runID, jobID string) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET transcribe_job_id = ?, updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		jobID, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

func (s *SQLiteStore) SetStepsKey(ctx context.Context, moduleID, runID, key string) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET steps_key = ?, updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		key, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

// MarkReady finishes the run. Only the lease holder can transition.
func (s *SQLiteStore) MarkReady(ctx context.Context, moduleID, runID string) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET status = ?, progress = 100, last_error = '', updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		string(StatusReady), time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

// MarkFailed records a stage failure as data, not an exception.
func (s *SQLiteStore) MarkFailed(ctx context.Context, moduleID, runID, lastError string) (bool, error) {
	return s.leaseUpdate(
		ctx,
		`UPDATE modules SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		string(StatusFailed), lastError, time.Now().UTC(), moduleID, runID, string(StatusProcessing),
	)
}

func (s *SQLiteStore) leaseUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReapStale fails every PROCESSING module whose lease has not been
// refreshed since cutoff. Returns the number of reaped modules.
func (s *SQLiteStore) ReapStale(ctx context.Context, cutoff time.Time, lastError string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE modules SET status = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		string(StatusFailed),
		lastError,
		time.Now().UTC(),
		string(StatusProcessing),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplaceSteps swaps the module's steps in one transaction so readers
// never observe a half-written list.
func (s *SQLiteStore) ReplaceSteps(ctx context.Context, moduleID string, steps []Step) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM steps WHERE module_id = ?`, moduleID); err != nil {
		return err
	}
	for _, step := range steps {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO steps (id, module_id, ord, text, start_seconds, end_seconds, approximate)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			step.ID,
			moduleID,
			step.Ord,
			step.Text,
			step.StartSeconds,
			step.EndSeconds,
			boolToInt(step.Approximate),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSteps(ctx context.Context, moduleID string) ([]Step, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, module_id, ord, text, start_seconds, end_seconds, approximate
		 FROM steps
		 WHERE module_id = ?
		 ORDER BY ord ASC`,
		moduleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Step, 0)
	for rows.Next() {
		var step Step
		var approximate int
		if err := rows.Scan(
			&step.ID,
			&step.ModuleID,
			&step.Ord,
			&step.Text,
			&step.StartSeconds,
			&step.EndSeconds,
			&approximate,
		); err != nil {
			return nil, err
		}
		step.Approximate = approximate == 1
		ret = append(ret, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// SaveAnswer persists a question row and, when present, its embedding in
// one transaction.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, q *Question, vec *QuestionVector) (err error) {
	if q == nil {
		return fmt.Errorf("question is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if _, err = tx.ExecContext(
		ctx,
		`INSERT INTO questions (id, module_id, step_id, question, answer, video_timestamp, source, is_faq, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID,
		nullableString(q.ModuleID),
		nullableString(q.StepID),
		q.Question,
		q.Answer,
		q.VideoTimestamp,
		q.Source,
		boolToInt(q.IsFAQ),
		q.UserID,
		q.CreatedAt,
	); err != nil {
		return err
	}

	if vec != nil {
		payload, merr := json.Marshal(vec.Embedding)
		if merr != nil {
			err = merr
			return err
		}
		if vec.CreatedAt.IsZero() {
			vec.CreatedAt = time.Now().UTC()
		}
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO question_vectors (question_id, embedding, model, dims, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(question_id) DO UPDATE SET
				embedding=excluded.embedding,
				model=excluded.model,
				dims=excluded.dims`,
			q.ID,
			string(payload),
			vec.Model,
			vec.Dims,
			vec.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, module_id, step_id, question, answer, video_timestamp, source, is_faq, user_id, created_at
		 FROM questions
		 WHERE id = ?`,
		questionID,
	)
	q, err := scanQuestion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return q, nil
}

// SetQuestionFAQ toggles the one mutable question field.
func (s *SQLiteStore) SetQuestionFAQ(ctx context.Context, questionID string, isFAQ bool) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE questions SET is_faq = ? WHERE id = ?`,
		boolToInt(isFAQ),
		questionID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, moduleID string, faqOnly bool) ([]Question, error) {
	query := `SELECT id, module_id, step_id, question, answer, video_timestamp, source, is_faq, user_id, created_at
		 FROM questions
		 WHERE module_id = ?`
	if faqOnly {
		query += ` AND is_faq = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// LatestAnswer returns the module's best cached answer: FAQs first, then
// recency. Used by the last-resort answer tier.
func (s *SQLiteStore) LatestAnswer(ctx context.Context, moduleID string) (*Question, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, module_id, step_id, question, answer, video_timestamp, source, is_faq, user_id, created_at
		 FROM questions
		 WHERE module_id = ? AND answer != ''
		 ORDER BY is_faq DESC, created_at DESC
		 LIMIT 1`,
		moduleID,
	)
	q, err := scanQuestion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return q, true, nil
}

// LoadVectors returns embeddings for similarity scans. An empty moduleID
// loads the global scope: every stored vector across all modules.
func (s *SQLiteStore) LoadVectors(ctx context.Context, moduleID string) ([]StoredVector, error) {
	query := `SELECT q.id, COALESCE(q.module_id, ''), v.embedding
		 FROM question_vectors v
		 INNER JOIN questions q ON q.id = v.question_id`
	args := []any{}
	if moduleID != "" {
		query += ` WHERE q.module_id = ?`
		args = append(args, moduleID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]StoredVector, 0)
	for rows.Next() {
		var item StoredVector
		var payload string
		if err := rows.Scan(&item.QuestionID, &item.ModuleID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &item.Embedding); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	var q Question
	var moduleID, stepID sql.NullString
	var videoTimestamp sql.NullFloat64
	var isFAQ int
	if err := row.Scan(
		&q.ID,
		&moduleID,
		&stepID,
		&q.Question,
		&q.Answer,
		&videoTimestamp,
		&q.Source,
		&isFAQ,
		&q.UserID,
		&q.CreatedAt,
	); err != nil {
		return nil, err
	}
	q.ModuleID = moduleID.String
	q.StepID = stepID.String
	if videoTimestamp.Valid {
		v := videoTimestamp.Float64
		q.VideoTimestamp = &v
	}
	q.IsFAQ = isFAQ == 1
	return &q, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
