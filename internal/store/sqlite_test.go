package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
)

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	run := testRun()
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.Close())

	s, err = NewSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.BrandID, got.BrandID)
}

func TestSQLiteRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t).(*SQLiteStore)
	run := seedRun(t, s)

	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = 'exploded' WHERE id = ?`, run.ID)
	require.NoError(t, err)

	_, err = s.GetRun(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run status")
}

func TestSQLiteRejectsUnknownJobType(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t).(*SQLiteStore)
	run := seedRun(t, s)
	job := &model.Job{RunID: run.ID, Type: model.JobSyncReplies}
	require.NoError(t, s.EnqueueJob(ctx, job))

	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET job_type = 'teleport' WHERE id = ?`, job.ID)
	require.NoError(t, err)

	_, err = s.GetJob(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type")
}

func TestSQLiteMessageRequiresLead(t *testing.T) {
	s := newTestSQLite(t)
	run := seedRun(t, s)

	_, err := s.InsertMessages(context.Background(), []model.Message{
		{RunID: run.ID, LeadID: "no-such-lead", Step: 1},
	})
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	_, ok := s.(*SQLiteStore)
	assert.True(t, ok)
	assert.NoError(t, s.Migrate(ctx))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
