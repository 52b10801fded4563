// Package store persists runs, jobs, leads, messages, anomalies, replies
// and the event log. PostgresStore is the production backend; SQLiteStore
// is the local single-process fallback.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrVersionConflict is returned when a run was modified since it was read.
	ErrVersionConflict = eris.New("store: run version conflict")
	// ErrNotClaimed is returned when a job could not be moved to running,
	// either because it is no longer queued or because another job of the
	// same run is running.
	ErrNotClaimed = eris.New("store: job not claimed")
	// ErrInvalidTransition is returned when a job is not in the state the
	// requested transition starts from.
	ErrInvalidTransition = eris.New("store: invalid job transition")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CampaignID   string          `json:"campaign_id,omitempty"`
	ExperimentID string          `json:"experiment_id,omitempty"`
	ActiveOnly   bool            `json:"active_only,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// LeadFilter specifies criteria for listing run leads. Results are ordered
// oldest first.
type LeadFilter struct {
	RunID  string
	Status model.LeadStatus
	Limit  int
	Offset int
}

// MessageFilter specifies criteria for listing messages. Results are
// ordered by scheduled time, then step.
type MessageFilter struct {
	RunID  string
	LeadID string
	Status model.MessageStatus
	// ExcludeCanceled drops canceled messages; the scheduler uses it to load
	// its planning state.
	ExcludeCanceled bool
	Limit           int
	Offset          int
}

// Store defines the persistence interface for the outreach engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	// UpdateRun writes run if its stored version still equals run.Version,
	// then increments run.Version. It returns ErrVersionConflict otherwise.
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *model.Job) error
	// EnqueueJobOnce inserts job unless a queued job of the same run and type
	// exists. It reports whether job was inserted.
	EnqueueJobOnce(ctx context.Context, job *model.Job) (bool, error)
	// AdvanceQueuedJob moves the queued job of runID and typ forward to
	// executeAfter when it is due later. Jobs waiting out a retry backoff
	// keep their time. It reports whether a job moved.
	AdvanceQueuedJob(ctx context.Context, runID string, typ model.JobType, executeAfter, now time.Time) (bool, error)
	// ListSentTimes returns when each message of runID that was sent at or
	// after since went out, oldest first.
	ListSentTimes(ctx context.Context, runID string, since time.Time) ([]time.Time, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID string, now time.Time) error
	RequeueJob(ctx context.Context, jobID string, executeAfter time.Time, lastErr string, now time.Time) error
	FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error
	FailQueuedJobs(ctx context.Context, runID, reason string, now time.Time) (int, error)
	ListStaleJobs(ctx context.Context, runningSince time.Time) ([]model.Job, error)
	ListJobs(ctx context.Context, runID string, limit int) ([]model.Job, error)

	// Leads
	// UpsertLeads inserts leads that are new to their run. A lead whose email
	// already exists keeps its row; empty name/company/title are backfilled.
	// It returns how many rows were inserted.
	UpsertLeads(ctx context.Context, leads []model.RunLead) (int, error)
	GetLead(ctx context.Context, leadID string) (*model.RunLead, error)
	FindLeadByEmail(ctx context.Context, runID, email string) (*model.RunLead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.RunLead, error)
	UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus, now time.Time) error

	// Messages
	// InsertMessages inserts messages, skipping any (run, lead, step) that
	// already exists. It returns how many rows were inserted.
	InsertMessages(ctx context.Context, msgs []model.Message) (int, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	FindMessageByProviderID(ctx context.Context, runID, providerMessageID string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	ListDueMessages(ctx context.Context, runID string, now time.Time, limit int) ([]model.Message, error)
	NextScheduledAt(ctx context.Context, runID string) (*time.Time, error)
	UpdateMessage(ctx context.Context, msg *model.Message) error
	// CancelScheduledMessages cancels scheduled messages of a run, or of one
	// lead when leadID is set. It returns how many were canceled.
	CancelScheduledMessages(ctx context.Context, runID, leadID string, now time.Time) (int, error)

	// Anomalies
	CreateAnomaly(ctx context.Context, a *model.Anomaly) error
	UpdateAnomaly(ctx context.Context, a *model.Anomaly) error
	GetAnomaly(ctx context.Context, anomalyID string) (*model.Anomaly, error)
	ListAnomalies(ctx context.Context, runID string, openOnly bool) ([]model.Anomaly, error)

	// Replies
	// InsertReply stores r unless its provider reply id was already seen for
	// the run. It reports whether r was inserted.
	InsertReply(ctx context.Context, r *model.Reply) (bool, error)
	ListReplies(ctx context.Context, runID string, limit int) ([]model.Reply, error)

	// Events
	AppendEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg. The caller owns Close.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "outreach.db"
		}
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
