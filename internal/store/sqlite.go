package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as UTC unix nanoseconds so range predicates compare integers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; claim and CAS predicates
	// rely on statement-level atomicity.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	brand_id         TEXT NOT NULL DEFAULT '',
	campaign_id      TEXT NOT NULL DEFAULT '',
	experiment_id    TEXT NOT NULL DEFAULT '',
	account_id       TEXT NOT NULL DEFAULT '',
	mailbox          TEXT NOT NULL DEFAULT '',
	source_query     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	pre_pause_status TEXT NOT NULL DEFAULT '',
	policy           TEXT NOT NULL,
	template         TEXT NOT NULL,
	pause_reason     TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	metrics          TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	launched_at      INTEGER,
	monitoring_since INTEGER,
	finished_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);
CREATE INDEX IF NOT EXISTS idx_runs_campaign ON runs(campaign_id);

CREATE TABLE IF NOT EXISTS jobs (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	execute_after INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	payload       TEXT,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, execute_after, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_run_status ON jobs(run_id, status);

CREATE TABLE IF NOT EXISTS run_leads (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	email           TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	company         TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL DEFAULT '',
	source_url      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	suppress_reason TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (run_id, email)
);

CREATE INDEX IF NOT EXISTS idx_run_leads_run_status ON run_leads(run_id, status, seq);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL REFERENCES runs(id),
	lead_id             TEXT NOT NULL REFERENCES run_leads(id),
	step                INTEGER NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	body                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	scheduled_at        INTEGER NOT NULL,
	sent_at             INTEGER,
	provider_message_id TEXT NOT NULL DEFAULT '',
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	UNIQUE (run_id, lead_id, step)
);

CREATE INDEX IF NOT EXISTS idx_messages_run_status_sched ON messages(run_id, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider_id ON messages(run_id, provider_message_id);

CREATE TABLE IF NOT EXISTS anomalies (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	anomaly_type TEXT NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL,
	threshold    REAL NOT NULL,
	observed     REAL NOT NULL,
	details      TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	resolved_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_anomalies_run ON anomalies(run_id, status);

CREATE TABLE IF NOT EXISTS replies (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id),
	lead_id           TEXT NOT NULL DEFAULT '',
	message_id        TEXT NOT NULL DEFAULT '',
	provider_reply_id TEXT NOT NULL,
	from_email        TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	snippet           TEXT NOT NULL DEFAULT '',
	sentiment         TEXT NOT NULL,
	received_at       INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	UNIQUE (run_id, provider_reply_id)
);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	run_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const sqliteRunCols = `id, brand_id, campaign_id, experiment_id, account_id, mailbox, source_query,
	status, pre_pause_status, policy, template, pause_reason, last_error, metrics, version,
	created_at, updated_at, launched_at, monitoring_since, finished_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt

	policy, template, metrics, err := marshalRunJSON(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+sqliteRunCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BrandID, run.CampaignID, run.ExperimentID, run.AccountID, run.Mailbox, run.SourceQuery,
		string(run.Status), string(run.PrePauseStatus), string(policy), string(template),
		run.PauseReason, run.LastError, string(metrics), run.Version,
		toNanos(run.CreatedAt), toNanos(run.UpdatedAt),
		nullNanos(run.LaunchedAt), nullNanos(run.MonitoringSince), nullNanos(run.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunCols+` FROM runs WHERE id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	policy, template, metrics, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, pre_pause_status = ?, policy = ?, template = ?, pause_reason = ?,
		 last_error = ?, metrics = ?, version = version + 1, updated_at = ?,
		 launched_at = ?, monitoring_since = ?, finished_at = ?
		 WHERE id = ? AND version = ?`,
		string(run.Status), string(run.PrePauseStatus), string(policy), string(template), run.PauseReason,
		run.LastError, string(metrics), toNanos(run.UpdatedAt),
		nullNanos(run.LaunchedAt), nullNanos(run.MonitoringSince), nullNanos(run.FinishedAt),
		run.ID, run.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrVersionConflict, "sqlite: run %s at version %d", run.ID, run.Version)
	}
	run.Version++
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunCols + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.ExperimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, filter.ExperimentID)
	}
	if filter.ActiveOnly {
		query += ` AND status NOT IN (?, ?, ?, ?)`
		args = append(args, terminalRunStatuses()...)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Jobs ---

const sqliteJobCols = `id, seq, run_id, job_type, status, execute_after, attempts, max_attempts,
	payload, last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	prepareJob(job)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, job_type, status, execute_after, attempts, max_attempts, payload, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, string(job.Type), string(job.Status), toNanos(job.ExecuteAfter),
		job.Attempts, job.MaxAttempts, nullPayload(job.Payload), job.LastError,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enqueue %s job for run %s", job.Type, job.RunID)
	}
	seq, err := res.LastInsertId()
	if err == nil {
		job.Seq = seq
	}
	return nil
}

func (s *SQLiteStore) EnqueueJobOnce(ctx context.Context, job *model.Job) (bool, error) {
	prepareJob(job)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, job_type, status, execute_after, attempts, max_attempts, payload, last_error, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE run_id = ? AND job_type = ? AND status = 'queued')`,
		job.ID, job.RunID, string(job.Type), string(job.Status), toNanos(job.ExecuteAfter),
		job.Attempts, job.MaxAttempts, nullPayload(job.Payload), job.LastError,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
		job.RunID, string(job.Type),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue once %s job for run %s", job.Type, job.RunID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	if seq, err := res.LastInsertId(); err == nil {
		job.Seq = seq
	}
	return true, nil
}

func (s *SQLiteStore) AdvanceQueuedJob(ctx context.Context, runID string, typ model.JobType, executeAfter, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET execute_after = ?, updated_at = ?
		 WHERE run_id = ? AND job_type = ? AND status = 'queued' AND attempts = 0 AND execute_after > ?`,
		toNanos(executeAfter), toNanos(now), runID, string(typ), toNanos(executeAfter),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance %s job for run %s", typ, runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobCols+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	return j, err
}

func (s *SQLiteStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "sqlite: list due jobs",
		`SELECT `+sqliteJobCols+` FROM jobs
		 WHERE status = 'queued' AND execute_after <= ?
		 ORDER BY execute_after ASC, seq ASC LIMIT ?`,
		toNanos(now), defaultLimit(limit, 50),
	)
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID string, now time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'queued'
		   AND NOT EXISTS (SELECT 1 FROM jobs AS r WHERE r.run_id = jobs.run_id AND r.status = 'running')
		 RETURNING `+sqliteJobCols,
		toNanos(now), jobID,
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotClaimed, "sqlite: job %s", jobID)
	}
	return j, err
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ? AND status = 'running'`,
		toNanos(now), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkTransition(res, jobID)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string, executeAfter time.Time, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', execute_after = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		toNanos(executeAfter), lastErr, toNanos(now), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue job %s", jobID)
	}
	return checkTransition(res, jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		lastErr, toNanos(now), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkTransition(res, jobID)
}

func (s *SQLiteStore) FailQueuedJobs(ctx context.Context, runID, reason string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE run_id = ? AND status = 'queued'`,
		reason, toNanos(now), runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: fail queued jobs for run %s", runID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListStaleJobs(ctx context.Context, runningSince time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "sqlite: list stale jobs",
		`SELECT `+sqliteJobCols+` FROM jobs WHERE status = 'running' AND updated_at < ? ORDER BY seq ASC`,
		toNanos(runningSince),
	)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, runID string, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "sqlite: list jobs",
		`SELECT `+sqliteJobCols+` FROM jobs WHERE run_id = ? ORDER BY seq ASC LIMIT ?`,
		runID, defaultLimit(limit, 200),
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Leads ---

const sqliteLeadCols = `id, run_id, email, name, company, title, domain, source_url, status,
	suppress_reason, created_at, updated_at`

func (s *SQLiteStore) UpsertLeads(ctx context.Context, leads []model.RunLead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert leads: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for i := range leads {
		l := &leads[i]
		prepareLead(l)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO run_leads (`+sqliteLeadCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, email) DO NOTHING`,
			l.ID, l.RunID, l.Email, l.Name, l.Company, l.Title, l.Domain, l.SourceURL,
			string(l.Status), l.SuppressReason, toNanos(l.CreatedAt), toNanos(l.UpdatedAt),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert lead %s", l.Email)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 1 {
			inserted++
			continue
		}
		if _, err := tx.ExecContext(ctx, sqliteBackfillLead,
			l.Name, l.Company, l.Title, toNanos(l.UpdatedAt), l.RunID, l.Email,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: backfill lead %s", l.Email)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert leads: commit")
	}
	return inserted, nil
}

const sqliteBackfillLead = `UPDATE run_leads SET
	name = CASE WHEN name = '' THEN ?1 ELSE name END,
	company = CASE WHEN company = '' THEN ?2 ELSE company END,
	title = CASE WHEN title = '' THEN ?3 ELSE title END,
	updated_at = ?4
	WHERE run_id = ?5 AND email = ?6
	  AND ((name = '' AND ?1 <> '') OR (company = '' AND ?2 <> '') OR (title = '' AND ?3 <> ''))`

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.RunLead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLeadCols+` FROM run_leads WHERE id = ?`, leadID)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s", leadID)
	}
	return l, err
}

func (s *SQLiteStore) FindLeadByEmail(ctx context.Context, runID, email string) (*model.RunLead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLeadCols+` FROM run_leads WHERE run_id = ? AND email = ?`,
		runID, strings.ToLower(strings.TrimSpace(email)),
	)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s in run %s", email, runID)
	}
	return l, err
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.RunLead, error) {
	query := `SELECT ` + sqliteLeadCols + ` FROM run_leads WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 1000))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.RunLead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toNanos(now), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

// --- Messages ---

const sqliteMessageCols = `id, run_id, lead_id, step, subject, body, status, scheduled_at, sent_at,
	provider_message_id, last_error, created_at, updated_at`

func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert messages: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for i := range msgs {
		m := &msgs[i]
		prepareMessage(m)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+sqliteMessageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, lead_id, step) DO NOTHING`,
			m.ID, m.RunID, m.LeadID, m.Step, m.Subject, m.Body, string(m.Status),
			toNanos(m.ScheduledAt), nullNanos(m.SentAt), m.ProviderMessageID, m.LastError,
			toNanos(m.CreatedAt), toNanos(m.UpdatedAt),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert message for lead %s step %d", m.LeadID, m.Step)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert messages: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageCols+` FROM messages WHERE id = ?`, messageID)
	m, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: message %s", messageID)
	}
	return m, err
}

func (s *SQLiteStore) FindMessageByProviderID(ctx context.Context, runID, providerMessageID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageCols+` FROM messages WHERE run_id = ? AND provider_message_id = ? LIMIT 1`,
		runID, providerMessageID,
	)
	m, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: message with provider id %s", providerMessageID)
	}
	return m, err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	query := `SELECT ` + sqliteMessageCols + ` FROM messages WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ExcludeCanceled {
		query += ` AND status <> 'canceled'`
	}
	query += ` ORDER BY scheduled_at ASC, step ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100000))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return s.queryMessages(ctx, "sqlite: list messages", query, args...)
}

func (s *SQLiteStore) ListDueMessages(ctx context.Context, runID string, now time.Time, limit int) ([]model.Message, error) {
	return s.queryMessages(ctx, "sqlite: list due messages",
		`SELECT `+sqliteMessageCols+` FROM messages
		 WHERE run_id = ? AND status = 'scheduled' AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, step ASC LIMIT ?`,
		runID, toNanos(now), defaultLimit(limit, 25),
	)
}

func (s *SQLiteStore) NextScheduledAt(ctx context.Context, runID string) (*time.Time, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_at) FROM messages WHERE run_id = ? AND status = 'scheduled'`,
		runID,
	).Scan(&next)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: next scheduled for run %s", runID)
	}
	return fromNullNanos(next), nil
}

func (s *SQLiteStore) ListSentTimes(ctx context.Context, runID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sent_at FROM messages WHERE run_id = ? AND sent_at IS NOT NULL AND sent_at >= ?
		 ORDER BY sent_at ASC`,
		runID, toNanos(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sent times for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []time.Time
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sent time")
		}
		out = append(out, fromNanos(n))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sent times")
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *model.Message) error {
	msg.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, sent_at = ?, provider_message_id = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(msg.Status), nullNanos(msg.SentAt), msg.ProviderMessageID, msg.LastError,
		toNanos(msg.UpdatedAt), msg.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update message %s", msg.ID)
	}
	return checkRowsAffected(res, "message", msg.ID)
}

func (s *SQLiteStore) CancelScheduledMessages(ctx context.Context, runID, leadID string, now time.Time) (int, error) {
	query := `UPDATE messages SET status = 'canceled', updated_at = ? WHERE run_id = ? AND status = 'scheduled'`
	args := []any{toNanos(now), runID}
	if leadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, leadID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel scheduled messages for run %s", runID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close() //nolint:errcheck

	var msgs []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Anomalies ---

const sqliteAnomalyCols = `id, run_id, anomaly_type, severity, status, threshold, observed, details,
	created_at, updated_at, resolved_at`

func (s *SQLiteStore) CreateAnomaly(ctx context.Context, a *model.Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal anomaly details")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomalies (`+sqliteAnomalyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, string(a.Type), string(a.Severity), string(a.Status), a.Threshold, a.Observed,
		string(details), toNanos(a.CreatedAt), toNanos(a.UpdatedAt), nullNanos(a.ResolvedAt),
	)
	return eris.Wrapf(err, "sqlite: insert anomaly for run %s", a.RunID)
}

func (s *SQLiteStore) UpdateAnomaly(ctx context.Context, a *model.Anomaly) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal anomaly details")
	}
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET severity = ?, status = ?, threshold = ?, observed = ?, details = ?,
		 updated_at = ?, resolved_at = ? WHERE id = ?`,
		string(a.Severity), string(a.Status), a.Threshold, a.Observed, string(details),
		toNanos(a.UpdatedAt), nullNanos(a.ResolvedAt), a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update anomaly %s", a.ID)
	}
	return checkRowsAffected(res, "anomaly", a.ID)
}

func (s *SQLiteStore) GetAnomaly(ctx context.Context, anomalyID string) (*model.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAnomalyCols+` FROM anomalies WHERE id = ?`, anomalyID)
	a, err := scanSQLiteAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: anomaly %s", anomalyID)
	}
	return a, err
}

func (s *SQLiteStore) ListAnomalies(ctx context.Context, runID string, openOnly bool) ([]model.Anomaly, error) {
	query := `SELECT ` + sqliteAnomalyCols + ` FROM anomalies WHERE run_id = ?`
	if openOnly {
		query += ` AND status <> 'resolved'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list anomalies")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Anomaly
	for rows.Next() {
		a, err := scanSQLiteAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list anomalies iterate")
}

// --- Replies ---

const sqliteReplyCols = `id, run_id, lead_id, message_id, provider_reply_id, from_email, subject, snippet,
	sentiment, received_at, created_at`

func (s *SQLiteStore) InsertReply(ctx context.Context, r *model.Reply) (bool, error) {
	prepareReply(r)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replies (`+sqliteReplyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, provider_reply_id) DO NOTHING`,
		r.ID, r.RunID, r.LeadID, r.MessageID, r.ProviderReplyID, r.FromEmail, r.Subject, r.Snippet,
		string(r.Sentiment), toNanos(r.ReceivedAt), toNanos(r.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert reply %s", r.ProviderReplyID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListReplies(ctx context.Context, runID string, limit int) ([]model.Reply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReplyCols+` FROM replies WHERE run_id = ? ORDER BY received_at ASC LIMIT ?`,
		runID, defaultLimit(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list replies")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Reply
	for rows.Next() {
		var r model.Reply
		var sentiment string
		var receivedAt, createdAt int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.LeadID, &r.MessageID, &r.ProviderReplyID, &r.FromEmail,
			&r.Subject, &r.Snippet, &sentiment, &receivedAt, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reply")
		}
		if r.Sentiment, err = model.ParseSentiment(sentiment); err != nil {
			return nil, err
		}
		r.ReceivedAt, r.CreatedAt = fromNanos(receivedAt), fromNanos(createdAt)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list replies iterate")
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.Event) error {
	prepareEvent(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.RunID, string(e.Type), nullPayload(e.Payload), toNanos(e.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: append %s event", e.Type)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, created_at FROM events WHERE run_id = ?
		 ORDER BY seq ASC LIMIT ? OFFSET ?`,
		runID, defaultLimit(limit, 500), offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		var payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RunID, &typ, &payload, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.Type = model.EventType(typ)
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkTransition(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "job %s is not running", jobID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, prePause, policy, template, metrics string
	var createdAt, updatedAt int64
	var launchedAt, monitoringSince, finishedAt sql.NullInt64

	err := row.Scan(&r.ID, &r.BrandID, &r.CampaignID, &r.ExperimentID, &r.AccountID, &r.Mailbox, &r.SourceQuery,
		&status, &prePause, &policy, &template, &r.PauseReason, &r.LastError, &metrics, &r.Version,
		&createdAt, &updatedAt, &launchedAt, &monitoringSince, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := decodeRun(&r, status, prePause, []byte(policy), []byte(template), []byte(metrics)); err != nil {
		return nil, err
	}
	r.CreatedAt, r.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	r.LaunchedAt = fromNullNanos(launchedAt)
	r.MonitoringSince = fromNullNanos(monitoringSince)
	r.FinishedAt = fromNullNanos(finishedAt)
	return &r, nil
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var typ, status string
	var payload sql.NullString
	var executeAfter, createdAt, updatedAt int64

	err := row.Scan(&j.ID, &j.Seq, &j.RunID, &typ, &status, &executeAfter, &j.Attempts, &j.MaxAttempts,
		&payload, &j.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if err := decodeJob(&j, typ, status); err != nil {
		return nil, err
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.ExecuteAfter = fromNanos(executeAfter)
	j.CreatedAt, j.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &j, nil
}

func scanSQLiteLead(row scannable) (*model.RunLead, error) {
	var l model.RunLead
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(&l.ID, &l.RunID, &l.Email, &l.Name, &l.Company, &l.Title, &l.Domain, &l.SourceURL,
		&status, &l.SuppressReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}
	if l.Status, err = model.ParseLeadStatus(status); err != nil {
		return nil, err
	}
	l.CreatedAt, l.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &l, nil
}

func scanSQLiteMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var status string
	var scheduledAt, createdAt, updatedAt int64
	var sentAt sql.NullInt64

	err := row.Scan(&m.ID, &m.RunID, &m.LeadID, &m.Step, &m.Subject, &m.Body, &status, &scheduledAt, &sentAt,
		&m.ProviderMessageID, &m.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan message")
	}
	if m.Status, err = model.ParseMessageStatus(status); err != nil {
		return nil, err
	}
	m.ScheduledAt = fromNanos(scheduledAt)
	m.SentAt = fromNullNanos(sentAt)
	m.CreatedAt, m.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &m, nil
}

func scanSQLiteAnomaly(row scannable) (*model.Anomaly, error) {
	var a model.Anomaly
	var typ, severity, status string
	var details sql.NullString
	var createdAt, updatedAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&a.ID, &a.RunID, &typ, &severity, &status, &a.Threshold, &a.Observed, &details,
		&createdAt, &updatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan anomaly")
	}
	var raw []byte
	if details.Valid {
		raw = []byte(details.String)
	}
	if err := decodeAnomaly(&a, typ, severity, status, raw); err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	a.ResolvedAt = fromNullNanos(resolvedAt)
	return &a, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
