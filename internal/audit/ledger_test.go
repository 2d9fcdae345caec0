package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLedger(db)
}

func TestLedger_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	run, err := l.BeginRun(ctx, RunSpec{GroupSize: 3, Boss: 0, Jobs: 3, ConfigHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	obs := l.Observer(run.ID)
	require.NoError(t, obs.Dispatched(ctx, 2, 1))
	require.NoError(t, obs.Dispatched(ctx, 0, 2))
	require.NoError(t, obs.Released(ctx, 1))
	require.NoError(t, obs.Retired(ctx, 2))

	got, err := l.Assignments(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].JobID)
	assert.Equal(t, 2, got[0].WorkerID)
	assert.Equal(t, 2, got[1].JobID)
	assert.Equal(t, 1, got[1].WorkerID)

	require.NoError(t, l.FinishRun(ctx, run.ID, nil))

	stored, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, "abc", stored.ConfigHash)
	assert.Equal(t, 3, stored.GroupSize)

	// Finishing twice fails.
	err = l.FinishRun(ctx, run.ID, nil)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestLedger_DuplicateAssignmentRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	run, err := l.BeginRun(ctx, RunSpec{GroupSize: 2, Jobs: 1})
	require.NoError(t, err)

	require.NoError(t, l.RecordAssignment(ctx, run.ID, dispatch.JobID(0), dispatch.WorkerID(1)))
	assert.Error(t, l.RecordAssignment(ctx, run.ID, dispatch.JobID(0), dispatch.WorkerID(1)))
}

func TestLedger_FailedRunKeepsError(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	run, err := l.BeginRun(ctx, RunSpec{GroupSize: 1, IncludeBoss: true})
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, run.ID, errors.New("job 4 failed")))

	stored, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "job 4 failed", stored.LastError)
	assert.True(t, stored.IncludeBoss)
	assert.Empty(t, stored.ConfigHash)
}

func TestLedger_LatestRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	l.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	_, err = l.BeginRun(ctx, RunSpec{GroupSize: 1, IncludeBoss: true})
	require.NoError(t, err)
	second, err := l.BeginRun(ctx, RunSpec{GroupSize: 1, IncludeBoss: true})
	require.NoError(t, err)

	latest, err := l.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestLedger_GetRunErrors(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.GetRun(ctx, " ")
	assert.Error(t, err)

	_, err = l.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	got, err := l.Assignments(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}
