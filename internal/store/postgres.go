package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/db"
	"github.com/sells-group/outreach-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgRunCols = `id, brand_id, campaign_id, experiment_id, account_id, mailbox, source_query,
	status, pre_pause_status, policy, template, pause_reason, last_error, metrics, version,
	created_at, updated_at, launched_at, monitoring_since, finished_at`
	pgJobCols = `id, seq, run_id, job_type, status, execute_after, attempts, max_attempts,
	payload, last_error, created_at, updated_at`
	pgLeadCols = `id, run_id, email, name, company, title, domain, source_url, status,
	suppress_reason, created_at, updated_at`
	pgMessageCols = `id, run_id, lead_id, step, subject, body, status, scheduled_at, sent_at,
	provider_message_id, last_error, created_at, updated_at`
	pgAnomalyCols = `id, run_id, anomaly_type, severity, status, threshold, observed, details,
	created_at, updated_at, resolved_at`
	pgReplyCols = `id, run_id, lead_id, message_id, provider_reply_id, from_email, subject, snippet,
	sentiment, received_at, created_at`
)

const (
	sqlGetRun       = `SELECT ` + pgRunCols + ` FROM runs WHERE id = $1`
	sqlListDueJobs  = `SELECT ` + pgJobCols + ` FROM jobs WHERE status = 'queued' AND execute_after <= $1 ORDER BY execute_after ASC, seq ASC LIMIT $2`
	sqlLockQueued   = `SELECT run_id FROM jobs WHERE id = $1 AND status = 'queued' FOR UPDATE SKIP LOCKED`
	sqlRunLock      = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlClaimJob     = `UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = $1 WHERE id = $2 AND status = 'queued' AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.run_id = jobs.run_id AND r.status = 'running') RETURNING ` + pgJobCols
	sqlCompleteJob  = `UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2 AND status = 'running'`
	sqlAppendEvent  = `INSERT INTO events (id, run_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`
	sqlDueMessages  = `SELECT ` + pgMessageCols + ` FROM messages WHERE run_id = $1 AND status = 'scheduled' AND scheduled_at <= $2 ORDER BY scheduled_at ASC, step ASC LIMIT $3`
	sqlUpdateMsg    = `UPDATE messages SET status = $1, sent_at = $2, provider_message_id = $3, last_error = $4, updated_at = $5 WHERE id = $6`
	sqlLeadInsert   = `INSERT INTO run_leads (` + pgLeadCols + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (run_id, email) DO NOTHING`
	sqlLeadBackfill = `UPDATE run_leads SET
	name = CASE WHEN name = '' THEN $1 ELSE name END,
	company = CASE WHEN company = '' THEN $2 ELSE company END,
	title = CASE WHEN title = '' THEN $3 ELSE title END,
	updated_at = $4
	WHERE run_id = $5 AND email = $6
	  AND ((name = '' AND $1 <> '') OR (company = '' AND $2 <> '') OR (title = '' AND $3 <> ''))`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the worker's hot path.
var preparedStatements = map[string]string{
	"get_run":        sqlGetRun,
	"list_due_jobs":  sqlListDueJobs,
	"claim_job":      sqlClaimJob,
	"complete_job":   sqlCompleteJob,
	"append_event":   sqlAppendEvent,
	"due_messages":   sqlDueMessages,
	"update_message": sqlUpdateMsg,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	policy           JSONB NOT NULL,
	template         JSONB NOT NULL,
	pause_reason     TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	metrics          JSONB NOT NULL,
	version          BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	launched_at      TIMESTAMPTZ,
	monitoring_since TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);
CREATE INDEX IF NOT EXISTS idx_runs_campaign ON runs(campaign_id);

CREATE TABLE IF NOT EXISTS jobs (
	seq           BIGSERIAL,
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	execute_after TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	payload       JSONB,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(execute_after, seq) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_jobs_run_status ON jobs(run_id, status);

CREATE TABLE IF NOT EXISTS run_leads (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	email           TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	company         TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL DEFAULT '',
	source_url      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'new',
	suppress_reason TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	status              TEXT NOT NULL DEFAULT 'scheduled',
	scheduled_at        TIMESTAMPTZ NOT NULL,
	sent_at             TIMESTAMPTZ,
	provider_message_id TEXT NOT NULL DEFAULT '',
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, lead_id, step)
);

CREATE INDEX IF NOT EXISTS idx_messages_run_status_sched ON messages(run_id, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider_id ON messages(run_id, provider_message_id);

CREATE TABLE IF NOT EXISTS anomalies (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	anomaly_type TEXT NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	threshold    DOUBLE PRECISION NOT NULL,
	observed     DOUBLE PRECISION NOT NULL,
	details      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at  TIMESTAMPTZ
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
	sentiment         TEXT NOT NULL DEFAULT 'neutral',
	received_at       TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, provider_reply_id)
);

CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt

	policy, template, metrics, err := marshalRunJSON(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+pgRunCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.ID, run.BrandID, run.CampaignID, run.ExperimentID, run.AccountID, run.Mailbox, run.SourceQuery,
		string(run.Status), string(run.PrePauseStatus), policy, template,
		run.PauseReason, run.LastError, metrics, run.Version,
		run.CreatedAt, run.UpdatedAt, run.LaunchedAt, run.MonitoringSince, run.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, sqlGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	return r, err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	policy, template, metrics, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, pre_pause_status = $2, policy = $3, template = $4, pause_reason = $5,
		 last_error = $6, metrics = $7, version = version + 1, updated_at = $8,
		 launched_at = $9, monitoring_since = $10, finished_at = $11
		 WHERE id = $12 AND version = $13`,
		string(run.Status), string(run.PrePauseStatus), policy, template, run.PauseReason,
		run.LastError, metrics, run.UpdatedAt,
		run.LaunchedAt, run.MonitoringSince, run.FinishedAt,
		run.ID, run.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVersionConflict, "postgres: run %s at version %d", run.ID, run.Version)
	}
	run.Version++
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunCols + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CampaignID != "" {
		query += fmt.Sprintf(` AND campaign_id = $%d`, argIdx)
		args = append(args, filter.CampaignID)
		argIdx++
	}
	if filter.ExperimentID != "" {
		query += fmt.Sprintf(` AND experiment_id = $%d`, argIdx)
		args = append(args, filter.ExperimentID)
		argIdx++
	}
	if filter.ActiveOnly {
		query += fmt.Sprintf(` AND status NOT IN ($%d, $%d, $%d, $%d)`, argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, terminalRunStatuses()...)
		argIdx += 4
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Jobs ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	prepareJob(job)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, run_id, job_type, status, execute_after, attempts, max_attempts, payload, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING seq`,
		job.ID, job.RunID, string(job.Type), string(job.Status), job.ExecuteAfter,
		job.Attempts, job.MaxAttempts, pgPayload(job.Payload), job.LastError, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.Seq)
	return eris.Wrapf(err, "postgres: enqueue %s job for run %s", job.Type, job.RunID)
}

func (s *PostgresStore) EnqueueJobOnce(ctx context.Context, job *model.Job) (bool, error) {
	prepareJob(job)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, run_id, job_type, status, execute_after, attempts, max_attempts, payload, last_error, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		 WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE run_id = $2 AND job_type = $3 AND status = 'queued')
		 RETURNING seq`,
		job.ID, job.RunID, string(job.Type), string(job.Status), job.ExecuteAfter,
		job.Attempts, job.MaxAttempts, pgPayload(job.Payload), job.LastError, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue once %s job for run %s", job.Type, job.RunID)
	}
	return true, nil
}

func (s *PostgresStore) AdvanceQueuedJob(ctx context.Context, runID string, typ model.JobType, executeAfter, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET execute_after = $1, updated_at = $2
		 WHERE run_id = $3 AND job_type = $4 AND status = 'queued' AND attempts = 0 AND execute_after > $1`,
		executeAfter, now, runID, string(typ),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance %s job for run %s", typ, runID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobCols+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", jobID)
	}
	return j, err
}

func (s *PostgresStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "postgres: list due jobs", sqlListDueJobs, now, defaultLimit(limit, 50))
}

// ClaimJob moves a queued job to running. The job row is locked with SKIP
// LOCKED and the run's advisory lock serializes claims of sibling jobs, so
// at most one job per run is ever running.
func (s *PostgresStore) ClaimJob(ctx context.Context, jobID string, now time.Time) (*model.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID string
	if err := tx.QueryRow(ctx, sqlLockQueued, jobID).Scan(&runID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotClaimed, "postgres: job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: lock job %s", jobID)
	}
	if _, err := tx.Exec(ctx, sqlRunLock, runID); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock run %s", runID)
	}

	j, err := scanPgJob(tx.QueryRow(ctx, sqlClaimJob, now, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotClaimed, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: claim job: commit")
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, sqlCompleteJob, now, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return pgTransition(tag.RowsAffected(), jobID)
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string, executeAfter time.Time, lastErr string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', execute_after = $1, last_error = $2, updated_at = $3
		 WHERE id = $4 AND status = 'running'`,
		executeAfter, lastErr, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue job %s", jobID)
	}
	return pgTransition(tag.RowsAffected(), jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $1, updated_at = $2 WHERE id = $3 AND status = 'running'`,
		lastErr, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return pgTransition(tag.RowsAffected(), jobID)
}

func (s *PostgresStore) FailQueuedJobs(ctx context.Context, runID, reason string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $1, updated_at = $2 WHERE run_id = $3 AND status = 'queued'`,
		reason, now, runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: fail queued jobs for run %s", runID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, runningSince time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "postgres: list stale jobs",
		`SELECT `+pgJobCols+` FROM jobs WHERE status = 'running' AND updated_at < $1 ORDER BY seq ASC`,
		runningSince,
	)
}

func (s *PostgresStore) ListJobs(ctx context.Context, runID string, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "postgres: list jobs",
		`SELECT `+pgJobCols+` FROM jobs WHERE run_id = $1 ORDER BY seq ASC LIMIT $2`,
		runID, defaultLimit(limit, 200),
	)
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Leads ---

func (s *PostgresStore) UpsertLeads(ctx context.Context, leads []model.RunLead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert leads: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := 0
	for i := range leads {
		l := &leads[i]
		prepareLead(l)
		tag, err := tx.Exec(ctx, sqlLeadInsert,
			l.ID, l.RunID, l.Email, l.Name, l.Company, l.Title, l.Domain, l.SourceURL,
			string(l.Status), l.SuppressReason, l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert lead %s", l.Email)
		}
		if tag.RowsAffected() == 1 {
			inserted++
			continue
		}
		if _, err := tx.Exec(ctx, sqlLeadBackfill, l.Name, l.Company, l.Title, l.UpdatedAt, l.RunID, l.Email); err != nil {
			return 0, eris.Wrapf(err, "postgres: backfill lead %s", l.Email)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: upsert leads: commit")
	}
	return inserted, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.RunLead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, `SELECT `+pgLeadCols+` FROM run_leads WHERE id = $1`, leadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get lead %s", leadID)
	}
	return l, err
}

func (s *PostgresStore) FindLeadByEmail(ctx context.Context, runID, email string) (*model.RunLead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx,
		`SELECT `+pgLeadCols+` FROM run_leads WHERE run_id = $1 AND email = $2`,
		runID, strings.ToLower(strings.TrimSpace(email)),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s in run %s", email, runID)
	}
	return l, err
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.RunLead, error) {
	query := `SELECT ` + pgLeadCols + ` FROM run_leads WHERE run_id = $1`
	args := []any{filter.RunID}
	argIdx := 2
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY seq ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 1000))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.RunLead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_leads SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now, leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: lead %s", leadID)
	}
	return nil
}

// --- Messages ---

var messageColumns = []string{
	"id", "run_id", "lead_id", "step", "subject", "body", "status", "scheduled_at", "sent_at",
	"provider_message_id", "last_error", "created_at", "updated_at",
}

// InsertMessages loads the batch through a temp table so a scheduling pass
// of several hundred messages is one round trip.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		prepareMessage(m)
		rows = append(rows, []any{
			m.ID, m.RunID, m.LeadID, m.Step, m.Subject, m.Body, string(m.Status), m.ScheduledAt, m.SentAt,
			m.ProviderMessageID, m.LastError, m.CreatedAt, m.UpdatedAt,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "messages",
		Columns:         messageColumns,
		ConflictKeys:    []string{"run_id", "lead_id", "step"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert messages")
	}
	return int(n), nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	m, err := scanPgMessage(s.pool.QueryRow(ctx, `SELECT `+pgMessageCols+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get message %s", messageID)
	}
	return m, err
}

func (s *PostgresStore) FindMessageByProviderID(ctx context.Context, runID, providerMessageID string) (*model.Message, error) {
	m, err := scanPgMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageCols+` FROM messages WHERE run_id = $1 AND provider_message_id = $2 LIMIT 1`,
		runID, providerMessageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: message with provider id %s", providerMessageID)
	}
	return m, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	query := `SELECT ` + pgMessageCols + ` FROM messages WHERE run_id = $1`
	args := []any{filter.RunID}
	argIdx := 2
	if filter.LeadID != "" {
		query += fmt.Sprintf(` AND lead_id = $%d`, argIdx)
		args = append(args, filter.LeadID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ExcludeCanceled {
		query += ` AND status <> 'canceled'`
	}
	query += fmt.Sprintf(` ORDER BY scheduled_at ASC, step ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100000))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}
	return s.queryMessages(ctx, "postgres: list messages", query, args...)
}

func (s *PostgresStore) ListDueMessages(ctx context.Context, runID string, now time.Time, limit int) ([]model.Message, error) {
	return s.queryMessages(ctx, "postgres: list due messages", sqlDueMessages, runID, now, defaultLimit(limit, 25))
}

func (s *PostgresStore) NextScheduledAt(ctx context.Context, runID string) (*time.Time, error) {
	var next *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(scheduled_at) FROM messages WHERE run_id = $1 AND status = 'scheduled'`,
		runID,
	).Scan(&next)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: next scheduled for run %s", runID)
	}
	if next != nil {
		t := next.UTC()
		next = &t
	}
	return next, nil
}

func (s *PostgresStore) ListSentTimes(ctx context.Context, runID string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sent_at FROM messages WHERE run_id = $1 AND sent_at IS NOT NULL AND sent_at >= $2
		 ORDER BY sent_at ASC`,
		runID, since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sent times for run %s", runID)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sent time")
		}
		out = append(out, t.UTC())
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sent times")
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *model.Message) error {
	msg.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, sqlUpdateMsg,
		string(msg.Status), msg.SentAt, msg.ProviderMessageID, msg.LastError, msg.UpdatedAt, msg.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update message %s", msg.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: message %s", msg.ID)
	}
	return nil
}

func (s *PostgresStore) CancelScheduledMessages(ctx context.Context, runID, leadID string, now time.Time) (int, error) {
	query := `UPDATE messages SET status = 'canceled', updated_at = $1 WHERE run_id = $2 AND status = 'scheduled'`
	args := []any{now, runID}
	if leadID != "" {
		query += ` AND lead_id = $3`
		args = append(args, leadID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel scheduled messages for run %s", runID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Anomalies ---

func (s *PostgresStore) CreateAnomaly(ctx context.Context, a *model.Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt

	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal anomaly details")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO anomalies (`+pgAnomalyCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.RunID, string(a.Type), string(a.Severity), string(a.Status), a.Threshold, a.Observed,
		details, a.CreatedAt, a.UpdatedAt, a.ResolvedAt,
	)
	return eris.Wrapf(err, "postgres: insert anomaly for run %s", a.RunID)
}

func (s *PostgresStore) UpdateAnomaly(ctx context.Context, a *model.Anomaly) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal anomaly details")
	}
	a.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE anomalies SET severity = $1, status = $2, threshold = $3, observed = $4, details = $5,
		 updated_at = $6, resolved_at = $7 WHERE id = $8`,
		string(a.Severity), string(a.Status), a.Threshold, a.Observed, details,
		a.UpdatedAt, a.ResolvedAt, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update anomaly %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: anomaly %s", a.ID)
	}
	return nil
}

func (s *PostgresStore) GetAnomaly(ctx context.Context, anomalyID string) (*model.Anomaly, error) {
	a, err := scanPgAnomaly(s.pool.QueryRow(ctx, `SELECT `+pgAnomalyCols+` FROM anomalies WHERE id = $1`, anomalyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get anomaly %s", anomalyID)
	}
	return a, err
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, runID string, openOnly bool) ([]model.Anomaly, error) {
	query := `SELECT ` + pgAnomalyCols + ` FROM anomalies WHERE run_id = $1`
	if openOnly {
		query += ` AND status <> 'resolved'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomalies")
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		a, err := scanPgAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list anomalies iterate")
}

// --- Replies ---

func (s *PostgresStore) InsertReply(ctx context.Context, r *model.Reply) (bool, error) {
	prepareReply(r)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO replies (`+pgReplyCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, provider_reply_id) DO NOTHING`,
		r.ID, r.RunID, r.LeadID, r.MessageID, r.ProviderReplyID, r.FromEmail, r.Subject, r.Snippet,
		string(r.Sentiment), r.ReceivedAt, r.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert reply %s", r.ProviderReplyID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, runID string, limit int) ([]model.Reply, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgReplyCols+` FROM replies WHERE run_id = $1 ORDER BY received_at ASC LIMIT $2`,
		runID, defaultLimit(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list replies")
	}
	defer rows.Close()

	var out []model.Reply
	for rows.Next() {
		var r model.Reply
		var sentiment string
		if err := rows.Scan(&r.ID, &r.RunID, &r.LeadID, &r.MessageID, &r.ProviderReplyID, &r.FromEmail,
			&r.Subject, &r.Snippet, &sentiment, &r.ReceivedAt, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reply")
		}
		if r.Sentiment, err = model.ParseSentiment(sentiment); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list replies iterate")
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.Event) error {
	prepareEvent(e)
	_, err := s.pool.Exec(ctx, sqlAppendEvent, e.ID, e.RunID, string(e.Type), pgPayload(e.Payload), e.CreatedAt)
	return eris.Wrapf(err, "postgres: append %s event", e.Type)
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, event_type, payload, created_at FROM events WHERE run_id = $1
		 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		runID, defaultLimit(limit, 500), offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Type = model.EventType(typ)
		e.Payload = payload
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// helpers

func pgTransition(affected int64, jobID string) error {
	if affected == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: job %s is not running", jobID)
	}
	return nil
}

func pgPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status, prePause string
	var policy, template, metrics []byte

	err := row.Scan(&r.ID, &r.BrandID, &r.CampaignID, &r.ExperimentID, &r.AccountID, &r.Mailbox, &r.SourceQuery,
		&status, &prePause, &policy, &template, &r.PauseReason, &r.LastError, &metrics, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &r.LaunchedAt, &r.MonitoringSince, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if err := decodeRun(&r, status, prePause, policy, template, metrics); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var typ, status string
	var payload []byte

	err := row.Scan(&j.ID, &j.Seq, &j.RunID, &typ, &status, &j.ExecuteAfter, &j.Attempts, &j.MaxAttempts,
		&payload, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	if err := decodeJob(&j, typ, status); err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

func scanPgLead(row pgx.Row) (*model.RunLead, error) {
	var l model.RunLead
	var status string

	err := row.Scan(&l.ID, &l.RunID, &l.Email, &l.Name, &l.Company, &l.Title, &l.Domain, &l.SourceURL,
		&status, &l.SuppressReason, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan lead")
	}
	if l.Status, err = model.ParseLeadStatus(status); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanPgMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var status string

	err := row.Scan(&m.ID, &m.RunID, &m.LeadID, &m.Step, &m.Subject, &m.Body, &status, &m.ScheduledAt, &m.SentAt,
		&m.ProviderMessageID, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan message")
	}
	if m.Status, err = model.ParseMessageStatus(status); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPgAnomaly(row pgx.Row) (*model.Anomaly, error) {
	var a model.Anomaly
	var typ, severity, status string
	var details []byte

	err := row.Scan(&a.ID, &a.RunID, &typ, &severity, &status, &a.Threshold, &a.Observed, &details,
		&a.CreatedAt, &a.UpdatedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan anomaly")
	}
	if err := decodeAnomaly(&a, typ, severity, status, details); err != nil {
		return nil, err
	}
	return &a, nil
}
