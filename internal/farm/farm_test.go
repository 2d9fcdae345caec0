package farm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/comm/httpcomm"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// recorder is an Executor that remembers which rank ran what.
type recorder struct {
	mu    sync.Mutex
	count map[dispatch.JobID]int
}

func newRecorder() *recorder {
	return &recorder{count: make(map[dispatch.JobID]int)}
}

func (r *recorder) Execute(_ context.Context, job dispatch.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count[job]++
	return nil
}

func (r *recorder) snapshot() map[dispatch.JobID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[dispatch.JobID]int, len(r.count))
	for k, v := range r.count {
		out[k] = v
	}
	return out
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertEachOnce(t *testing.T, rec *recorder, n int) {
	t.Helper()
	got := rec.snapshot()
	require.Len(t, got, n)
	for job, c := range got {
		assert.Equal(t, 1, c, "job %d ran %d times", job, c)
	}
}

func TestRunLocal_ExcludingBoss(t *testing.T) {
	rec := newRecorder()
	results, err := RunLocal(testCtx(t), 4, Plan{Boss: 0, NTasks: 20, PollInterval: time.Millisecond}, rec)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assertEachOnce(t, rec, 20)
	assert.Empty(t, results[0].Executed, "boss does no work unless included")
	require.Len(t, results[0].DispatchMap, 20)

	total := 0
	for rank := 1; rank < 4; rank++ {
		assert.Nil(t, results[rank].DispatchMap)
		for _, job := range results[rank].Executed {
			assert.Equal(t, dispatch.WorkerID(rank), results[0].DispatchMap[job])
		}
		total += len(results[rank].Executed)
	}
	assert.Equal(t, 20, total)
}

func TestRunLocal_IncludingBoss(t *testing.T) {
	rec := newRecorder()
	results, err := RunLocal(testCtx(t), 3, Plan{Boss: 1, NTasks: 9, IncludeBoss: true, PollInterval: time.Millisecond}, rec)
	require.NoError(t, err)
	assertEachOnce(t, rec, 9)
	assert.Len(t, results[1].DispatchMap, 9)
}

func TestRunLocal_SingleProcess(t *testing.T) {
	rec := newRecorder()
	results, err := RunLocal(testCtx(t), 1, Plan{NTasks: 5, IncludeBoss: true}, rec)
	require.NoError(t, err)
	assertEachOnce(t, rec, 5)

	got := append([]dispatch.JobID(nil), results[0].Executed...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []dispatch.JobID{0, 1, 2, 3, 4}, got)
}

func TestRunLocal_ExplicitJobs(t *testing.T) {
	rec := newRecorder()
	jobs := []dispatch.JobID{40, 7, 19}
	results, err := RunLocal(testCtx(t), 3, Plan{Jobs: jobs}, rec)
	require.NoError(t, err)
	assert.Equal(t, map[dispatch.JobID]int{40: 1, 7: 1, 19: 1}, rec.snapshot())
	assert.Len(t, results[0].DispatchMap, 3)
}

func TestRunLocal_NoJobs(t *testing.T) {
	rec := newRecorder()
	results, err := RunLocal(testCtx(t), 3, Plan{NTasks: 0}, rec)
	require.NoError(t, err)
	assert.Empty(t, rec.snapshot())
	assert.Empty(t, results[0].DispatchMap)
}

func TestRunLocal_NoWorkers(t *testing.T) {
	_, err := RunLocal(testCtx(t), 1, Plan{NTasks: 3}, newRecorder())
	assert.ErrorIs(t, err, dispatch.ErrNoWorkers)
}

func TestRunLocal_ExecutorErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	exec := ExecutorFunc(func(ctx context.Context, job dispatch.JobID) error {
		if job == 3 {
			return boom
		}
		return nil
	})
	_, err := RunLocal(testCtx(t), 3, Plan{NTasks: 6}, exec)
	assert.ErrorIs(t, err, boom)
}

func TestRun_Validation(t *testing.T) {
	g, err := comm.NewLocalGroup(2)
	require.NoError(t, err)
	defer g.Close()

	_, err = Run(context.Background(), g.Comm(0), Plan{Boss: 5}, newRecorder())
	assert.ErrorIs(t, err, comm.ErrInvalidRank)

	_, err = Run(context.Background(), g.Comm(0), Plan{}, nil)
	assert.Error(t, err)

	_, err = Run(context.Background(), g.Comm(0), Plan{NTasks: -1}, newRecorder())
	assert.ErrorIs(t, err, dispatch.ErrInvalidJob)
}

func TestRun_ContextCancelled(t *testing.T) {
	g, err := comm.NewLocalGroup(2)
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// The boss never runs, so the worker waits until cancelled.
	_, err = Run(ctx, g.Comm(1), Plan{Boss: 0}, newRecorder())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunLocal_PublishesEvents(t *testing.T) {
	hub := events.NewHub(256)
	plan := Plan{
		NTasks:   4,
		Observer: Observers(nil, HubObserver{Hub: hub, RunID: "r1"}),
	}
	_, err := RunLocal(testCtx(t), 3, plan, newRecorder())
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, ev := range hub.SnapshotSince(0) {
		counts[ev.Type]++
	}
	assert.Equal(t, 4, counts[events.TypeDispatchOrder])
	assert.Equal(t, 2, counts[events.TypeWorkerFinish])
}

type failingObserver struct{}

func (failingObserver) Dispatched(context.Context, dispatch.JobID, dispatch.WorkerID) error {
	return errors.New("ledger down")
}
func (failingObserver) Released(context.Context, dispatch.WorkerID) error { return nil }
func (failingObserver) Retired(context.Context, dispatch.WorkerID) error  { return nil }

func TestObservers_StopsAtFirstError(t *testing.T) {
	hub := events.NewHub(8)
	obs := Observers(failingObserver{}, HubObserver{Hub: hub})
	err := obs.Dispatched(context.Background(), 1, 1)
	assert.EqualError(t, err, "ledger down")
	assert.Empty(t, hub.SnapshotSince(0))

	require.NoError(t, obs.Released(context.Background(), 1))
}

func TestRun_OverHTTP(t *testing.T) {
	const size = 3
	listeners := make([]net.Listener, size)
	peers := make([]string, size)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		peers[i] = "http://" + ln.Addr().String()
	}

	quiet := slog.New(slog.NewJSONHandler(io.Discard, nil))
	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	transports := make([]*httpcomm.Transport, size)
	for i := range transports {
		tr, err := httpcomm.New(httpcomm.Config{Rank: i, Peers: peers, Token: "t"}, quiet)
		require.NoError(t, err)
		transports[i] = tr
		go func() { _ = tr.Serve(serveCtx, listeners[i]) }()
	}

	rec := newRecorder()
	results := make([]*Result, size)
	g, gctx := errgroup.WithContext(testCtx(t))
	for i, tr := range transports {
		g.Go(func() error {
			res, err := Run(gctx, tr, Plan{NTasks: 12, PollInterval: time.Millisecond, Logger: quiet}, rec)
			results[i] = res
			if err != nil {
				return err
			}
			return tr.Flush(gctx)
		})
	}
	require.NoError(t, g.Wait())

	for _, tr := range transports {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		assert.NoError(t, tr.Shutdown(shutdownCtx))
		cancel()
	}

	assertEachOnce(t, rec, 12)
	require.Len(t, results[0].DispatchMap, 12)
	assert.Empty(t, results[0].Executed, "boss is not a worker")
	for job, w := range results[0].DispatchMap {
		assert.Contains(t, []dispatch.WorkerID{1, 2}, w, "job %d", job)
	}
	assert.Len(t, append(results[1].Executed, results[2].Executed...), 12)
}
