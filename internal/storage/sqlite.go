package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	dbFileName     = "research.db"
	busyRetries    = 3
	busyRetryDelay = 50 * time.Millisecond
	maxCellBytes   = 4 * 1024
)

// SQLiteStore is the durable Store backend.
type SQLiteStore struct {
	db     *sql.DB
	dir    string
	opts   Options
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the embedded database under dir and
// migrates the schema. The configured embedding dimension is pinned on
// first open; reopening with a different dimension fails with
// ErrSchemaMismatch.
func OpenSQLite(dir string, opts Options, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open research db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dir: dir, opts: opts, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			query      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			output     TEXT NOT NULL,
			sources    TEXT NOT NULL DEFAULT '[]',
			metadata   TEXT NOT NULL DEFAULT '{}',
			embedding  BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id                     TEXT PRIMARY KEY,
			type                   TEXT NOT NULL,
			params                 TEXT NOT NULL DEFAULT '{}',
			status                 TEXT NOT NULL,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			heartbeat_at           TEXT,
			lease_owner            TEXT NOT NULL DEFAULT '',
			attempts               INTEGER NOT NULL DEFAULT 0,
			idempotency_key        TEXT NOT NULL DEFAULT '',
			idempotency_expires_at TEXT,
			result                 TEXT,
			retry_of               TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			job_id     TEXT NOT NULL,
			event_id   INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS index_docs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			origin     TEXT NOT NULL DEFAULT 'text',
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			length     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			embedding  BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS index_postings (
			term   TEXT NOT NULL,
			doc_id INTEGER NOT NULL,
			tf     INTEGER NOT NULL,
			PRIMARY KEY (term, doc_id),
			FOREIGN KEY (doc_id) REFERENCES index_docs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			transport        TEXT NOT NULL,
			protocol_version TEXT NOT NULL DEFAULT '',
			client_info      TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			last_seen_at     TEXT NOT NULL,
			last_event_id    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			model             TEXT NOT NULL,
			job_id            TEXT NOT NULL DEFAULT '',
			report_id         INTEGER NOT NULL DEFAULT 0,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			cost              REAL NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_postings_term ON index_postings(term)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at DESC)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_counters(model)`)

	return s.pinEmbedDim()
}

// pinEmbedDim records the dimension on first open and verifies it after.
func (s *SQLiteStore) pinEmbedDim() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'embed_dim'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('embed_dim', ?)`, strconv.Itoa(s.opts.EmbedDim))
		if err != nil {
			return fmt.Errorf("pin embed_dim: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read embed_dim: %w", err)
	}
	if stored != strconv.Itoa(s.opts.EmbedDim) {
		return fmt.Errorf("%w: store has embed_dim=%s, configured %d", ErrSchemaMismatch, stored, s.opts.EmbedDim)
	}
	return nil
}

// Mode reports the backend kind.
func (s *SQLiteStore) Mode() string { return ModeSQLite }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ── Reports ─────────────────────────────────────────────────────

// SaveReport inserts an immutable report and returns its id.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *Report) (int64, error) {
	if err := s.checkDim(r.Embedding); err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	sources, _ := json.Marshal(orEmptySlice(r.Sources))
	metadata, _ := json.Marshal(orEmptyMap(r.Metadata))

	var id int64
	err := s.withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO reports (query, created_at, output, sources, metadata, embedding)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.Query,
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.Output,
			string(sources),
			string(metadata),
			encodeVector(r.Embedding),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	r.ID = id
	return id, nil
}

// GetReport returns one report by id.
func (s *SQLiteStore) GetReport(ctx context.Context, id int64) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, query, created_at, output, sources, metadata, embedding
		FROM reports WHERE id = ?`, id)
	return scanReport(row)
}

// ListRecentReports returns up to limit reports, newest first, optionally
// filtered by a case-insensitive query substring.
func (s *SQLiteStore) ListRecentReports(ctx context.Context, limit int, queryFilter string) ([]Report, error) {
	if limit == 0 {
		return []Report{}, nil
	}
	if limit < 0 || limit > 500 {
		limit = 50
	}

	stmt := `SELECT id, query, created_at, output, sources, metadata, embedding FROM reports`
	args := []any{}
	if f := strings.TrimSpace(queryFilter); f != "" {
		stmt += ` WHERE query LIKE ? COLLATE NOCASE`
		args = append(args, "%"+f+"%")
	}
	stmt += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make([]Report, 0, limit)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// FindReportsBySimilarity scores stored report embeddings against the
// query embedding with cosine similarity.
func (s *SQLiteStore) FindReportsBySimilarity(ctx context.Context, embedding []float32, topK int, minSim float64) ([]ReportHit, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, query, created_at, output, sources, metadata, embedding
		FROM reports WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("scan report embeddings: %w", err)
	}
	defer rows.Close()

	hits := make([]ReportHit, 0, topK)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			continue
		}
		sim := Cosine(embedding, r.Embedding)
		if sim >= minSim {
			hits = append(hits, ReportHit{Report: *r, Score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortReportHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ── Jobs ────────────────────────────────────────────────────────

// CreateJob inserts a queued job.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	if j.ID == "" {
		return fmt.Errorf("job id required")
	}
	if j.Type == "" {
		j.Type = "research"
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	err := s.withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO jobs
			(id, type, params, status, created_at, updated_at, heartbeat_at, lease_owner, attempts, idempotency_key, idempotency_expires_at, result, retry_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID,
			j.Type,
			string(orEmptyJSON(j.Params)),
			j.Status,
			j.CreatedAt.UTC().Format(time.RFC3339Nano),
			j.UpdatedAt.UTC().Format(time.RFC3339Nano),
			nullableTime(j.HeartbeatAt),
			j.LeaseOwner,
			j.Attempts,
			j.IdempotencyKey,
			nullableTime(j.IdempotencyExpiresAt),
			nullableBytes(j.Result),
			j.RetryOf,
		)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: job %s already exists", ErrConflict, j.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns one job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// FindJobByIdempotencyKey returns the newest job bound to key whose
// idempotency window has not expired.
func (s *SQLiteStore) FindJobByIdempotencyKey(ctx context.Context, key string, now time.Time) (*Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = ? AND idempotency_expires_at > ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		key, now.UTC().Format(time.RFC3339Nano))
	return scanJobRow(row)
}

// ClaimNextJob atomically transitions the oldest queued job to running
// with the caller as lease owner. Returns ErrNoJobs when the queue is
// empty.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)

	for attempt := 0; attempt < busyRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin claim: %w", err)
		}

		var id string
		err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
			JobStatusQueued).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return nil, ErrNoJobs
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("select queued job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE jobs
			SET status = ?, lease_owner = ?, heartbeat_at = ?, updated_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = ?`,
			JobStatusRunning, workerID, nowStr, nowStr, id, JobStatusQueued)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker; try the next oldest.
			_ = tx.Rollback()
			continue
		}

		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		job, err := scanJobRow(row)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return job, nil
	}
	return nil, ErrNoJobs
}

// SetJobStatus moves a non-terminal job to the given status, recording an
// optional result payload. Transitions from a terminal status return
// ErrConflict.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, id, status string, result []byte) error {
	nowStr := time.Now().UTC().Format(time.RFC3339Nano)
	var res sql.Result
	err := s.withBusyRetry(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, result = COALESCE(?, result), updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			status, nullableBytes(result), nowStr, id, JobStatusQueued, JobStatusRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is terminal", ErrConflict, id)
	}
	return nil
}

// HeartbeatJob refreshes the lease and extends the idempotency window.
// Fails with ErrConflict when the job is no longer running (canceled or
// reclaimed), which tells the worker to stop.
func (s *SQLiteStore) HeartbeatJob(ctx context.Context, id string, now time.Time, idempotencyExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ?, idempotency_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		now.UTC().Format(time.RFC3339Nano),
		idempotencyExpiry.UTC().Format(time.RFC3339Nano),
		now.UTC().Format(time.RFC3339Nano),
		id, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not running", ErrConflict, id)
	}
	return nil
}

// ReclaimStaleLeases returns running jobs with heartbeats older than
// cutoff to the queue and reports their ids.
func (s *SQLiteStore) ReclaimStaleLeases(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ? AND heartbeat_at < ?`,
		JobStatusRunning, cutoffStr)
	if err != nil {
		return nil, fmt.Errorf("select stale leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	nowStr := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, lease_owner = '', heartbeat_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			JobStatusQueued, nowStr, id, JobStatusRunning); err != nil {
			return nil, fmt.Errorf("reclaim %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return ids, nil
}

// CountJobs returns job counts grouped by status.
func (s *SQLiteStore) CountJobs(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err == nil {
			out[status] = n
		}
	}
	return out, rows.Err()
}

// ListJobs returns recent jobs, optionally filtered by status.
func (s *SQLiteStore) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	stmt := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		stmt += ` WHERE status = ?`
		args = append(args, status)
	}
	stmt += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]Job, 0, limit)
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ── Job events ──────────────────────────────────────────────────

// AppendJobEvent assigns the next dense per-job event id and inserts the
// event in one transaction.
func (s *SQLiteStore) AppendJobEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (*JobEvent, error) {
	data, _ := json.Marshal(orEmptyMap(payload))
	now := time.Now().UTC()

	var evt *JobEvent
	err := s.withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_id), 0) + 1 FROM job_events WHERE job_id = ?`, jobID).Scan(&next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO job_events (job_id, event_id, type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			jobID, next, eventType, string(data), now.Format(time.RFC3339Nano)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		evt = &JobEvent{JobID: jobID, EventID: next, Type: eventType, Payload: orEmptyMap(payload), CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append job event: %w", err)
	}
	return evt, nil
}

// GetJobEvents returns events with id > sinceEventID in order.
func (s *SQLiteStore) GetJobEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, event_id, type, payload, created_at FROM job_events
		WHERE job_id = ? AND event_id > ? ORDER BY event_id ASC LIMIT ?`,
		jobID, sinceEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	defer rows.Close()

	out := make([]JobEvent, 0, limit)
	for rows.Next() {
		var (
			evt       JobEvent
			payload   string
			createdAt string
		)
		if err := rows.Scan(&evt.JobID, &evt.EventID, &evt.Type, &payload, &createdAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(payload), &evt.Payload)
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// ── Sessions ────────────────────────────────────────────────────

// SaveSession upserts a transport session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = now
	}
	err := s.withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, transport, protocol_version, client_info, created_at, last_seen_at, last_event_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				transport = excluded.transport,
				protocol_version = excluded.protocol_version,
				client_info = excluded.client_info,
				last_seen_at = excluded.last_seen_at,
				last_event_id = excluded.last_event_id`,
			sess.ID, sess.Transport, sess.ProtocolVersion, sess.ClientInfo,
			sess.CreatedAt.UTC().Format(time.RFC3339Nano),
			sess.LastSeenAt.UTC().Format(time.RFC3339Nano),
			sess.LastEventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess              Session
		createdAt, seenAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, transport, protocol_version, client_info, created_at, last_seen_at, last_event_id
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Transport, &sess.ProtocolVersion, &sess.ClientInfo, &createdAt, &seenAt, &sess.LastEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.LastSeenAt, _ = time.Parse(time.RFC3339Nano, seenAt)
	return &sess, nil
}

// TouchSession bumps last_seen_at and the SSE resume cursor.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, lastEventID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ?, last_event_id = MAX(last_event_id, ?) WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), lastEventID, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeStaleSessions deletes sessions idle since before cutoff.
func (s *SQLiteStore) PurgeStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Usage counters ──────────────────────────────────────────────

// AddUsage appends one usage record.
func (s *SQLiteStore) AddUsage(ctx context.Context, u Usage) error {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	err := s.withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO usage_counters (model, job_id, report_id, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.Model, u.JobID, u.ReportID, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Cost,
			time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// UsageTotals returns the cumulative token and cost totals.
func (s *SQLiteStore) UsageTotals(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cost), 0)
		FROM usage_counters`).Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Cost)
	if err != nil {
		return Usage{}, fmt.Errorf("usage totals: %w", err)
	}
	return u, nil
}

// UsageByModel returns cumulative usage grouped by model.
func (s *SQLiteStore) UsageByModel(ctx context.Context) (map[string]Usage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model,
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cost), 0)
		FROM usage_counters GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	out := map[string]Usage{}
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.Model, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Cost); err == nil {
			out[u.Model] = u
		}
	}
	return out, rows.Err()
}

// ── Guarded SQL ─────────────────────────────────────────────────

// ExecuteReadOnlySQL runs one guarded SELECT and returns rows as maps.
// Output is capped at MaxSQLRows with a truncation flag.
func (s *SQLiteStore) ExecuteReadOnlySQL(ctx context.Context, query string, params []any) (*SQLResult, error) {
	if err := GuardReadOnlySQL(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("execute sql: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sql columns: %w", err)
	}

	result := &SQLResult{Columns: cols, Rows: []map[string]any{}}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= s.opts.MaxSQLRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sql scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func normalizeSQLValue(v any) any {
	switch val := v.(type) {
	case []byte:
		if len(val) > maxCellBytes {
			return string(val[:maxCellBytes]) + "...[truncated]"
		}
		return string(val)
	default:
		return v
	}
}

// ── Internals ───────────────────────────────────────────────────

const jobColumns = `id, type, params, status, created_at, updated_at, heartbeat_at, lease_owner, attempts, idempotency_key, idempotency_expires_at, result, retry_of`

type scanner interface {
	Scan(dest ...any) error
}

func scanJobRow(sc scanner) (*Job, error) {
	var (
		j                    Job
		params               string
		createdAt, updatedAt string
		heartbeatAt          sql.NullString
		idemExpires          sql.NullString
		result               sql.NullString
	)
	err := sc.Scan(&j.ID, &j.Type, &params, &j.Status, &createdAt, &updatedAt,
		&heartbeatAt, &j.LeaseOwner, &j.Attempts, &j.IdempotencyKey, &idemExpires, &result, &j.RetryOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Params = []byte(params)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	j.HeartbeatAt = parseNullableTime(heartbeatAt)
	j.IdempotencyExpiresAt = parseNullableTime(idemExpires)
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return &j, nil
}

func scanReport(sc scanner) (*Report, error) {
	var (
		r         Report
		createdAt string
		sources   string
		metadata  string
		emb       []byte
	)
	err := sc.Scan(&r.ID, &r.Query, &createdAt, &r.Output, &sources, &metadata, &emb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	_ = json.Unmarshal([]byte(sources), &r.Sources)
	_ = json.Unmarshal([]byte(metadata), &r.Metadata)
	r.Embedding, _ = decodeVector(emb)
	return &r, nil
}

func (s *SQLiteStore) checkDim(v []float32) error {
	if len(v) != 0 && len(v) != s.opts.EmbedDim {
		return fmt.Errorf("%w: embedding dim %d, store requires %d", ErrConflict, len(v), s.opts.EmbedDim)
	}
	return nil
}

// withBusyRetry retries write paths that can observe a locked database
// despite the busy_timeout pragma.
func (s *SQLiteStore) withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(busyRetryDelay << attempt)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func orEmptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
