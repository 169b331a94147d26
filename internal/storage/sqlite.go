package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Store wraps a SQLite database holding help requests, learned knowledge and
// the notification job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "frontdesk.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Only one process serves a data dir, so a job still marked running was
	// claimed by a process that died before finishing it.
	if _, err := s.RequeueRunningJobs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeueing interrupted jobs: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Help requests ---

const helpRequestColumns = `request_id, status, created_at, resolved_at, resolved_by, caller, question, supervisor_answer`

// helpRequestRow holds the raw column values so decoding errors can be
// attributed to a single record.
type helpRequestRow struct {
	id, status, createdAt string
	resolvedAt            sql.NullString
	resolvedBy            string
	caller                string
	question, answer      string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHelpRequestRow(sc rowScanner) (helpRequestRow, error) {
	var r helpRequestRow
	err := sc.Scan(&r.id, &r.status, &r.createdAt, &r.resolvedAt, &r.resolvedBy, &r.caller, &r.question, &r.answer)
	return r, err
}

func (r helpRequestRow) decode() (HelpRequest, error) {
	hr := HelpRequest{
		ID:               r.id,
		Status:           Status(r.status),
		ResolvedBy:       r.resolvedBy,
		Question:         r.question,
		SupervisorAnswer: r.answer,
	}
	t, err := parseTime(r.createdAt)
	if err != nil {
		return HelpRequest{}, fmt.Errorf("parsing created_at: %w", err)
	}
	hr.CreatedAt = t
	if r.resolvedAt.Valid && r.resolvedAt.String != "" {
		rt, err := parseTime(r.resolvedAt.String)
		if err != nil {
			return HelpRequest{}, fmt.Errorf("parsing resolved_at: %w", err)
		}
		hr.ResolvedAt = &rt
	}
	if !json.Valid([]byte(r.caller)) {
		return HelpRequest{}, fmt.Errorf("caller is not valid JSON")
	}
	hr.Caller = json.RawMessage(r.caller)
	return hr, nil
}

func callerJSON(caller json.RawMessage) (string, error) {
	if len(caller) == 0 || string(caller) == "null" {
		return "{}", nil
	}
	if !json.Valid(caller) {
		return "", fmt.Errorf("caller is not valid JSON")
	}
	return string(caller), nil
}

// CreateHelpRequest inserts a new Pending request. The ID and CreatedAt must be set.
func (s *Store) CreateHelpRequest(hr HelpRequest) error {
	caller, err := callerJSON(hr.Caller)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO help_requests (request_id, status, created_at, resolved_at, resolved_by, caller, question, supervisor_answer)
		VALUES (?, ?, ?, NULL, '', ?, ?, '')`,
		hr.ID, string(StatusPending), formatTime(hr.CreatedAt), caller, hr.Question,
	)
	return err
}

func (s *Store) GetHelpRequest(id string) (HelpRequest, error) {
	return getHelpRequest(s.db, id)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getHelpRequest(q queryRower, id string) (HelpRequest, error) {
	row, err := scanHelpRequestRow(q.QueryRow(`SELECT `+helpRequestColumns+` FROM help_requests WHERE request_id = ?`, id))
	if err == sql.ErrNoRows {
		return HelpRequest{}, ErrNotFound
	}
	if err != nil {
		return HelpRequest{}, err
	}
	return row.decode()
}

// ListHelpRequests returns all help requests, newest first. Rows that cannot
// be decoded are skipped and reported through a *MalformedRecordsError
// returned together with the decoded rows.
func (s *Store) ListHelpRequests() ([]HelpRequest, error) {
	return s.queryHelpRequests(`SELECT ` + helpRequestColumns + ` FROM help_requests ORDER BY created_at DESC, request_id ASC`)
}

// ListHelpRequestsByStatus returns the requests in the given status, oldest
// first, with the same malformed-row semantics as ListHelpRequests.
func (s *Store) ListHelpRequestsByStatus(status Status) ([]HelpRequest, error) {
	return s.queryHelpRequests(`SELECT `+helpRequestColumns+` FROM help_requests WHERE status = ? ORDER BY created_at ASC, request_id ASC`, string(status))
}

func (s *Store) queryHelpRequests(query string, args ...any) ([]HelpRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		results   []HelpRequest
		malformed MalformedRecordsError
	)
	for rows.Next() {
		row, err := scanHelpRequestRow(rows)
		if err != nil {
			return nil, err
		}
		hr, err := row.decode()
		if err != nil {
			malformed.add(row.id, err)
			continue
		}
		results = append(results, hr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, malformed.orNil()
}

// CountHelpRequestsByStatus returns the number of requests in status.
func (s *Store) CountHelpRequestsByStatus(status Status) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM help_requests WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// ResolveHelpRequest moves a Pending request to a terminal status. The update
// only applies while the stored status is still Pending, so concurrent
// attempts (supervisor and sweeper) produce exactly one transition; the
// loser gets ErrNotPending. Unknown ids return ErrNotFound.
func (s *Store) ResolveHelpRequest(id string, res Resolution) (HelpRequest, error) {
	if !res.Status.Terminal() {
		return HelpRequest{}, fmt.Errorf("invalid terminal status %q", res.Status)
	}
	answer := res.Answer
	if res.Status != StatusResolved {
		answer = ""
	}

	tx, err := s.db.Begin()
	if err != nil {
		return HelpRequest{}, fmt.Errorf("beginning resolve transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE help_requests SET status = ?, resolved_at = ?, resolved_by = ?, supervisor_answer = ?
		WHERE request_id = ? AND status = ?`,
		string(res.Status), formatTime(res.ResolvedAt), res.ResolvedBy, answer, id, string(StatusPending),
	)
	if err != nil {
		return HelpRequest{}, fmt.Errorf("updating help request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return HelpRequest{}, fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM help_requests WHERE request_id = ?`, id).Scan(&exists); err != nil {
			return HelpRequest{}, err
		}
		if exists == 0 {
			return HelpRequest{}, ErrNotFound
		}
		return HelpRequest{}, ErrNotPending
	}

	hr, err := getHelpRequest(tx, id)
	if err != nil {
		return HelpRequest{}, fmt.Errorf("reloading help request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return HelpRequest{}, fmt.Errorf("committing resolve: %w", err)
	}
	return hr, nil
}

// --- Knowledge base ---

// PutKnowledge writes entry, overwriting any entry with the same key.
func (s *Store) PutKnowledge(entry KnowledgeEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO knowledge_base (kb_key, question, answer, created_at, source_request)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kb_key) DO UPDATE SET
			question = excluded.question,
			answer = excluded.answer,
			created_at = excluded.created_at,
			source_request = excluded.source_request`,
		entry.Key, entry.Question, entry.Answer, formatTime(entry.CreatedAt), entry.SourceRequest,
	)
	return err
}

func (s *Store) GetKnowledge(key string) (KnowledgeEntry, error) {
	var e KnowledgeEntry
	var createdAt string
	err := s.db.QueryRow(`SELECT kb_key, question, answer, created_at, source_request FROM knowledge_base WHERE kb_key = ?`, key).
		Scan(&e.Key, &e.Question, &e.Answer, &createdAt, &e.SourceRequest)
	if err == sql.ErrNoRows {
		return KnowledgeEntry{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeEntry{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return KnowledgeEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

// ListKnowledge returns all learned entries in insertion-time order. Entries
// with an unreadable timestamp are still returned (the timestamp is not
// needed to match them) and reported via *MalformedRecordsError.
func (s *Store) ListKnowledge() ([]KnowledgeEntry, error) {
	rows, err := s.db.Query(`SELECT kb_key, question, answer, created_at, source_request FROM knowledge_base ORDER BY created_at ASC, kb_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		results   []KnowledgeEntry
		malformed MalformedRecordsError
	)
	for rows.Next() {
		var e KnowledgeEntry
		var createdAt string
		if err := rows.Scan(&e.Key, &e.Question, &e.Answer, &createdAt, &e.SourceRequest); err != nil {
			return nil, err
		}
		if t, err := parseTime(createdAt); err == nil {
			e.CreatedAt = t
		} else {
			malformed.add(e.Key, fmt.Errorf("parsing created_at: %w", err))
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, malformed.orNil()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest runnable pending job of one of the given
// types as running and returns it. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// RequeueRunningJobs returns every running job to pending so it is claimed
// again. The interrupted attempt is not counted against max_attempts.
func (s *Store) RequeueRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CompleteJob(id string) error {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, then marked failed. The returned
// bool reports whether the job was given up on.
func (s *Store) FailJob(id string, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++

	exhausted := attempts >= maxAttempts
	if exhausted {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}

	if err != nil {
		return false, err
	}

	return exhausted, tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// ListJobsByType returns jobs of the given type ordered by creation time.
func (s *Store) ListJobsByType(jobType string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE type = ? ORDER BY created_at ASC, id ASC`, jobType)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
