package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmhand/internal/api"
	"github.com/mattjoyce/farmhand/internal/audit"
	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/comm/httpcomm"
	"github.com/mattjoyce/farmhand/internal/config"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/doctor"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/executor"
	"github.com/mattjoyce/farmhand/internal/farm"
	"github.com/mattjoyce/farmhand/internal/lock"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/storage"
)

func runRank(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "farmhand.yaml", "Path to configuration file or directory")
	rank := fs.Int("rank", -1, "Rank of this process in the group")
	linger := fs.Duration("linger", 0, "Keep the boss API up this long after the run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Group.Transport != config.TransportHTTP {
		fmt.Fprintf(os.Stderr, "run needs group.transport %q (got %q); use 'farmhand simulate' for in-process groups\n",
			config.TransportHTTP, cfg.Group.Transport)
		return 1
	}
	if *rank < 0 || *rank >= cfg.Group.Size {
		fmt.Fprintf(os.Stderr, "--rank must be in [0,%d) (got %d)\n", cfg.Group.Size, *rank)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main").With("rank", *rank)
	logger.Info("farmhand starting", "version", version, "config", cfg.SourcePath, "size", cfg.Group.Size)

	if cfg.Lock.Dir != "" {
		l, err := lock.AcquireRank(cfg.Lock.Dir, *rank)
		if err != nil {
			logger.Error("failed to acquire rank lock (another instance may be running)", "dir", cfg.Lock.Dir, "error", err)
			return 1
		}
		defer l.Release()
		logger.Info("acquired rank lock", "path", l.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runID, err := executeRank(ctx, cfg, *rank, *linger, logger)
	if err != nil {
		logger.Error("run failed", "error", err)
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	fmt.Printf("rank %d executed %d job(s)\n", res.Rank, len(res.Executed))
	if res.DispatchMap != nil {
		printDispatchMap(os.Stdout, runID, res.DispatchMap)
	}
	logger.Info("farmhand stopped")
	return 0
}

// executeRank runs one rank over HTTP and shuts the transport down once this
// rank is done.
func executeRank(ctx context.Context, cfg *config.Config, rank int, linger time.Duration, logger *slog.Logger) (*farm.Result, string, error) {
	listen, err := listenAddr(cfg, rank)
	if err != nil {
		return nil, "", err
	}
	transport, err := httpcomm.New(httpcomm.Config{
		Rank:        rank,
		Peers:       cfg.Group.Peers,
		Token:       cfg.Group.Token,
		SendTimeout: cfg.Group.SendTimeout,
	}, log.WithComponent("transport").With("rank", rank))
	if err != nil {
		return nil, "", err
	}

	// Listen before any peer is ordered to report back to us.
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", listen, err)
	}

	var boss *bossServices
	if rank == cfg.Group.Boss {
		boss, err = startBoss(ctx, cfg, cfg.Group.Size, logger)
		if err != nil {
			ln.Close()
			return nil, "", err
		}
		defer boss.close()
	}

	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer stopAPI()

	g.Go(func() error {
		// A rank with nothing to receive can finish before Serve starts.
		if err := transport.Serve(gctx, ln); err != nil && !errors.Is(err, comm.ErrClosed) {
			return err
		}
		return nil
	})
	if boss != nil {
		g.Go(func() error { return boss.serveAPI(apiCtx) })
	}

	var res *farm.Result
	var runErr error
	if boss != nil {
		runErr = waitForPeers(gctx, cfg, rank, logger)
	}
	if runErr == nil {
		res, runErr = farm.Run(gctx, transport, planFor(cfg, boss, logger), buildExecutor(cfg, rank))
	}
	if boss != nil {
		boss.finish(ctx, runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Group.ShutdownGrace)
	defer cancel()
	if err := transport.Shutdown(shutdownCtx); err != nil {
		logger.Warn("transport shutdown incomplete", "error", err)
	}

	if boss != nil && runErr == nil {
		boss.linger(ctx, linger)
	}
	stopAPI()

	if err := g.Wait(); err != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = err
	}
	if runErr != nil {
		return nil, "", runErr
	}

	var runID string
	if boss != nil {
		runID = boss.runID
	}
	return res, runID, nil
}

// waitForPeers holds the boss until every other rank answers /healthz as
// itself, bounded by group.startup_timeout.
func waitForPeers(ctx context.Context, cfg *config.Config, rank int, logger *slog.Logger) error {
	if cfg.Group.Size < 2 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Group.StartupTimeout)
	defer cancel()

	logger.Info("waiting for peers", "peers", cfg.Group.Size-1, "timeout", cfg.Group.StartupTimeout)
	start := time.Now()
	if err := doctor.New(cfg).WaitForPeers(ctx, nil, rank, 100*time.Millisecond); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	logger.Info("all peers ready", "waited_ms", time.Since(start).Milliseconds())
	return nil
}

func runSimulate(args []string) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	configPath := fs.String("config", "farmhand.yaml", "Path to configuration file or directory")
	size := fs.Int("size", 0, "Override group.size")
	linger := fs.Duration("linger", 0, "Keep the API up this long after the run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *size > 0 {
		cfg.Group.Size = *size
	}
	if cfg.Group.Boss >= cfg.Group.Size {
		fmt.Fprintf(os.Stderr, "group.boss %d is outside a group of %d\n", cfg.Group.Boss, cfg.Group.Size)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("farmhand simulate starting", "version", version, "config", cfg.SourcePath, "size", cfg.Group.Size)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boss, err := startBoss(ctx, cfg, cfg.Group.Size, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer boss.close()

	apiCtx, stopAPI := context.WithCancel(ctx)
	apiErr := make(chan error, 1)
	go func() { apiErr <- boss.serveAPI(apiCtx) }()

	// Every rank shares one executor; FARMHAND_RANK is -1 for commands.
	results, runErr := farm.RunLocal(ctx, cfg.Group.Size, planFor(cfg, boss, logger), buildExecutor(cfg, -1))
	boss.finish(ctx, runErr)
	if runErr == nil {
		boss.linger(ctx, *linger)
	}
	stopAPI()
	if err := <-apiErr; err != nil {
		logger.Error("api server failed", "error", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return 1
	}

	for _, r := range results {
		fmt.Printf("rank %d executed %d job(s)\n", r.Rank, len(r.Executed))
	}
	printDispatchMap(os.Stdout, boss.runID, results[cfg.Group.Boss].DispatchMap)
	return 0
}

// bossServices are the boss-only observers and surfaces of a run.
type bossServices struct {
	cfg    *config.Config
	size   int
	logger *slog.Logger
	hub    *events.Hub
	db     *sql.DB
	ledger *audit.Ledger
	api    *api.Server
	runID  string
	start  time.Time
}

func startBoss(ctx context.Context, cfg *config.Config, size int, logger *slog.Logger) (*bossServices, error) {
	b := &bossServices{
		cfg:    cfg,
		size:   size,
		logger: logger,
		hub:    events.NewHub(0),
		runID:  uuid.NewString(),
		start:  time.Now(),
	}

	var runs api.RunStore
	if cfg.Audit.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit database %s: %w", cfg.Audit.Path, err)
		}
		b.db = db
		b.ledger = audit.NewLedger(db)
		run, err := b.ledger.BeginRun(ctx, audit.RunSpec{
			GroupSize:   size,
			Boss:        cfg.Group.Boss,
			IncludeBoss: cfg.Group.IncludeBoss,
			Jobs:        cfg.JobTotal(),
			ConfigHash:  cfg.Fingerprint,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.runID = run.ID
		runs = b.ledger
		logger.Info("audit enabled", "path", cfg.Audit.Path, "run_id", b.runID)
	}

	if cfg.API.Enabled {
		b.api = api.New(api.Config{
			Listen:    cfg.API.Listen,
			Tokens:    cfg.API.Auth.Tokens,
			Rank:      cfg.Group.Boss,
			GroupSize: size,
		}, runs, b.hub, log.WithComponent("api"))
	}
	return b, nil
}

func (b *bossServices) observer() dispatch.Observer {
	var ledgerObs dispatch.Observer
	if b.ledger != nil {
		ledgerObs = b.ledger.Observer(b.runID)
	}
	return farm.Observers(ledgerObs, farm.HubObserver{Hub: b.hub, RunID: b.runID})
}

func (b *bossServices) serveAPI(ctx context.Context) error {
	if b.api == nil {
		return nil
	}
	return b.api.Start(ctx)
}

// finish records the outcome. It runs after ctx may have been cancelled.
func (b *bossServices) finish(ctx context.Context, runErr error) {
	data := events.RunData{
		RunID:    b.runID,
		Status:   audit.StatusSucceeded,
		Jobs:     b.cfg.JobTotal(),
		Duration: time.Since(b.start).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		data.Status = audit.StatusFailed
		data.Error = runErr.Error()
	}
	b.hub.Publish(events.TypeRunDone, data)

	if b.ledger != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := b.ledger.FinishRun(fctx, b.runID, runErr); err != nil {
			b.logger.Error("failed to record run outcome", "run_id", b.runID, "error", err)
		}
	}
	b.logger.Info("run recorded", "run_id", b.runID, "status", data.Status, "duration", data.Duration)
}

func (b *bossServices) linger(ctx context.Context, d time.Duration) {
	if b.api == nil || d <= 0 {
		return
	}
	b.logger.Info("keeping API up", "linger", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *bossServices) close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

func planFor(cfg *config.Config, boss *bossServices, logger *slog.Logger) farm.Plan {
	plan := farm.Plan{
		Boss:         cfg.Group.Boss,
		NTasks:       cfg.Jobs.Count,
		IncludeBoss:  cfg.Group.IncludeBoss,
		PollInterval: cfg.Group.PollInterval,
		Logger:       logger,
	}
	if ids := cfg.JobIDs(); ids != nil {
		plan.Jobs = make([]dispatch.JobID, len(ids))
		for i, id := range ids {
			plan.Jobs[i] = dispatch.JobID(id)
		}
	}
	if boss != nil {
		plan.Observer = boss.observer()
	}
	return plan
}

func buildExecutor(cfg *config.Config, rank int) farm.Executor {
	switch cfg.Executor.Kind {
	case config.ExecutorCommand:
		return &executor.Command{
			Path:    cfg.Executor.Command,
			Args:    cfg.Executor.Args,
			Timeout: cfg.Executor.Timeout,
			Rank:    rank,
			Logger:  log.WithComponent("executor"),
		}
	default:
		return executor.Sleep{Duration: cfg.Executor.Sleep, Jitter: cfg.Executor.Jitter}
	}
}

// listenAddr is group.listen, or the host:port of this rank's peer URL.
func listenAddr(cfg *config.Config, rank int) (string, error) {
	if cfg.Group.Listen != "" {
		return cfg.Group.Listen, nil
	}
	u, err := url.Parse(cfg.Group.Peers[rank])
	if err != nil {
		return "", fmt.Errorf("group.peers[%d]: %w", rank, err)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", fmt.Errorf("group.peers[%d] has no port; set group.listen: %w", rank, err)
	}
	return u.Host, nil
}

func printDispatchMap(w io.Writer, runID string, m map[dispatch.JobID]dispatch.WorkerID) {
	jobs := make([]int, 0, len(m))
	perWorker := make(map[int]int)
	for j, wk := range m {
		jobs = append(jobs, int(j))
		perWorker[int(wk)]++
	}
	sort.Ints(jobs)

	fmt.Fprintf(w, "run %s: %d job(s) dispatched\n", runID, len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(w, "  job %d -> worker %d\n", j, m[dispatch.JobID(j)])
	}

	workers := make([]int, 0, len(perWorker))
	for wk := range perWorker {
		workers = append(workers, wk)
	}
	sort.Ints(workers)
	for _, wk := range workers {
		fmt.Fprintf(w, "  worker %d: %d job(s)\n", wk, perWorker[wk])
	}
}
