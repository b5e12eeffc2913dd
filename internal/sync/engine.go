package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tasksync/internal/beads"
	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/feed"
	"github.com/tonimelisma/tasksync/internal/github"
	"github.com/tonimelisma/tasksync/internal/issue"
	"github.com/tonimelisma/tasksync/internal/taskfile"
	"github.com/tonimelisma/tasksync/internal/tokenfile"
	"github.com/tonimelisma/tasksync/internal/webhook"
)

const (
	changeBuffer      = 256
	readHeaderTimeout = 10 * time.Second
	defaultPollPeriod = 5 * time.Minute
	defaultShutdown   = 10 * time.Second
	feedEventType     = "ledger.event"
)

// AdapterFactory builds the store adapters of one configured repo.
type AdapterFactory func(repo *Repo, rc *config.RepoConfig) ([]Adapter, error)

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Config  *config.Config
	Logger  *slog.Logger
	Factory AdapterFactory // nil selects NewAdapterFactory(Config, Logger)
	DB      *sql.DB        // optional; the engine opens Config.StateDB otherwise
}

// Engine wires the ledger, state store, observers, webhook ingress,
// dispatcher, sweeper and periodic full sync for every configured repo.
type Engine struct {
	cfg    *config.Config
	timing config.Timing
	logger *slog.Logger

	db       *sql.DB
	ownsDB   bool
	ledger   *Ledger
	store    *Store
	registry *Registry
	orch     *Orchestrator
	fullSync *FullSyncer
	hub      *feed.Hub
	trigger  chan struct{}

	repos []Repo
}

// NewEngine opens the state database, records the configured repos and
// registers their adapters. The registry is frozen on return.
func NewEngine(ctx context.Context, ec *EngineConfig) (*Engine, error) {
	cfg := ec.Config
	logger := ec.Logger

	if logger == nil {
		logger = slog.Default()
	}

	policy, err := ParseResolution(cfg.Sync.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, timing: cfg.Timing(), logger: logger, db: ec.DB, trigger: make(chan struct{}, 1)}

	if e.db == nil {
		e.db, err = OpenDB(ctx, cfg.StateDB, logger)
		if err != nil {
			return nil, fmt.Errorf("sync: creating engine: %w", err)
		}

		e.ownsDB = true
	}

	e.ledger = NewLedger(e.db, logger)
	e.store = NewStore(e.db, logger)
	e.registry = NewRegistry()

	factory := ec.Factory
	if factory == nil {
		factory = NewAdapterFactory(cfg, logger)
	}

	if err := e.registerRepos(ctx, factory); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.registry.Freeze()

	e.orch = NewOrchestrator(e.ledger, e.store, e.registry, OrchestratorOptions{
		Policy:         policy,
		MaxRetries:     cfg.Sync.MaxRetries,
		RetryBackoff:   e.timing.RetryBackoff,
		AdapterTimeout: e.timing.AdapterTimeout,
	}, logger)

	e.fullSync = NewFullSyncer(e.store, e.ledger, e.registry, e.orch, cfg.Sync.Workers, e.timing.SyncTimeout, logger)

	e.hub = feed.NewHub(logger, nil)
	e.ledger.Subscribe(func(ev SyncEvent) { e.hub.Publish(feedEventType, ev) })

	return e, nil
}

func (e *Engine) registerRepos(ctx context.Context, factory AdapterFactory) error {
	names := make([]string, 0, len(e.cfg.Repos))
	for i := range e.cfg.Repos {
		names = append(names, e.cfg.Repos[i].FullName)
	}

	// Repos dropped from the config stay in the database for their history.
	stale, err := e.store.DisableReposExcept(ctx, names)
	if err != nil {
		return err
	}

	for _, name := range stale {
		e.logger.Info("repo no longer configured, sync disabled", slog.String("repo", name))
	}

	for i := range e.cfg.Repos {
		rc := &e.cfg.Repos[i]

		repo, err := e.store.ConfigureRepo(ctx, rc.FullName, rc.SyncPath, rc.BeadsDir, rc.IsEnabled())
		if err != nil {
			return err
		}

		if !repo.SyncEnabled {
			e.logger.Info("repo sync disabled", slog.String("repo", repo.FullName))
			continue
		}

		adapters, err := factory(repo, rc)
		if err != nil {
			return fmt.Errorf("sync: adapters for %s: %w", repo.FullName, err)
		}

		for _, a := range adapters {
			e.registry.Register(repo.ID, a)
		}

		e.repos = append(e.repos, *repo)

		e.logger.Info("repo registered",
			slog.String("repo", repo.FullName),
			slog.Int64("id", repo.ID),
			slog.Any("sources", e.registry.Sources(repo.ID)),
		)
	}

	return nil
}

// NewAdapterFactory returns the production factory: a task file store on
// sync_path, a beads store when beads_dir is set and a GitHub adapter sharing
// one API client.
func NewAdapterFactory(cfg *config.Config, logger *slog.Logger) AdapterFactory {
	timing := cfg.Timing()

	client := github.NewClient(cfg.GitHub.APIURL, tokenSource(cfg), logger, github.Options{
		UserAgent:   cfg.GitHub.UserAgent,
		PerPage:     cfg.GitHub.PerPage,
		MaxPages:    cfg.GitHub.MaxPages,
		MaxItems:    cfg.GitHub.MaxItems,
		PageTimeout: timing.PageTimeout,
	})

	return func(repo *Repo, rc *config.RepoConfig) ([]Adapter, error) {
		var out []Adapter

		if rc.SyncPath != "" {
			local, err := taskfile.NewStore(rc.SyncPath, logger)
			if err != nil {
				return nil, err
			}

			out = append(out, local)
		}

		if rc.BeadsDir != "" {
			out = append(out, beads.NewStore(beads.ExecRunner{Command: cfg.Beads.Command}, rc.BeadsDir, logger))
		}

		gh, err := github.NewAdapter(client, repo.FullName, logger)
		if err != nil {
			return nil, err
		}

		return append(out, gh), nil
	}
}

// tokenSource prefers an inline token over the token file. No token at all
// leaves requests unauthenticated, which only works for public repos.
func tokenSource(cfg *config.Config) oauth2.TokenSource {
	switch {
	case cfg.GitHub.Token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHub.Token, TokenType: "Bearer"})
	case cfg.GitHub.TokenFile != "":
		return tokenfile.NewFileSource(cfg.GitHub.TokenFile)
	default:
		return nil
	}
}

// Ledger returns the engine's event ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Store returns the engine's state store.
func (e *Engine) Store() *Store { return e.store }

// Orchestrator returns the engine's orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Repos returns the enabled repos with registered adapters.
func (e *Engine) Repos() []Repo { return e.repos }

// Close releases the database when the engine opened it.
func (e *Engine) Close() error {
	if e.hub != nil {
		e.hub.Close()
	}

	if e.ownsDB {
		return e.db.Close()
	}

	return nil
}

// RunOnce recovers interrupted work, runs one full sync per repo and then
// processes every due pending event inline. A repo that fails does not stop
// the others; their errors are joined.
func (e *Engine) RunOnce(ctx context.Context) ([]FullSyncResult, error) {
	if err := e.recover(ctx, nil); err != nil {
		return nil, err
	}

	var (
		results []FullSyncResult
		errs    []error
	)

	for _, repo := range e.repos {
		res, err := e.fullSync.Run(ctx, repo.ID)
		if res != nil {
			results = append(results, *res)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("sync: %s: %w", repo.FullName, err))
		}
	}

	due, err := e.ledger.FindDue(ctx, time.Now(), sweepBatch)
	if err != nil {
		errs = append(errs, err)
	}

	for _, ev := range due {
		if _, err := e.orch.Process(ctx, ev.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			e.logger.Warn("pending event failed", slog.Int64("event", ev.ID), slog.String("error", err.Error()))
		}
	}

	return results, errors.Join(errs...)
}

// recover resets repos left syncing and returns abandoned processing rows to
// pending. Due rows go to dispatch when it is set.
func (e *Engine) recover(ctx context.Context, dispatch func(SyncEvent)) error {
	n, err := e.store.RecoverSyncing(ctx)
	if err != nil {
		return err
	}

	if n > 0 {
		e.logger.Warn("reset repos interrupted mid sync", slog.Int("repos", n))
	}

	runs, err := e.ledger.FailInterruptedRuns(ctx)
	if err != nil {
		return err
	}

	if runs > 0 {
		e.logger.Warn("marked interrupted sync runs failed", slog.Int("runs", runs))
	}

	if dispatch == nil {
		_, err := e.ledger.ReclaimStale(ctx, 0)
		return err
	}

	sw := NewSweeper(e.ledger, dispatch, e.timing.SweepInterval, e.timing.StaleGrace, e.logger)
	_, _, err = sw.Recover(ctx)

	return err
}

// Run serves until ctx is canceled: the webhook and feed endpoints, one file
// watcher per repo, the dispatcher, the stale sweep and periodic full sync.
func (e *Engine) Run(ctx context.Context) error {
	secret, err := e.cfg.WebhookSecret()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", e.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("sync: listening on %s: %w", e.cfg.Server.Listen, err)
	}

	return e.Serve(ctx, ln, secret)
}

// Serve is Run on an existing listener.
func (e *Engine) Serve(ctx context.Context, ln net.Listener, secret string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := NewDispatcher(e.orch, e.cfg.Sync.Workers, 0, e.logger)
	e.orch.SetScheduler(dispatcher.Schedule)

	if err := e.recover(ctx, dispatcher.Schedule); err != nil {
		_ = ln.Close()
		return err
	}

	dispatcher.Start(ctx)

	sweeper := NewSweeper(e.ledger, dispatcher.Schedule, e.timing.SweepInterval, e.timing.StaleGrace, e.logger)

	sink := NewWebhookSink(e.store, e.orch, dispatcher.Submit, func(name string) bool {
		return e.cfg.FindRepo(name) != nil
	}, e.logger)

	mux := http.NewServeMux()
	webhook.NewHandler(secret, sink, e.cfg.Server.MaxBodyBytes, e.logger).Register(mux)
	e.hub.Register(mux)
	mux.HandleFunc("GET /healthz", e.healthz(dispatcher))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	changes := make(chan ChangeEvent, changeBuffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("sync: http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		return e.shutdown(srv)
	})

	e.startObservers(gctx, g, changes)

	g.Go(func() error {
		e.acceptLoop(gctx, changes, dispatcher.Submit)
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		e.pollLoop(gctx)
		return nil
	})

	err := g.Wait()

	cancel()
	dispatcher.Stop()
	e.hub.Close()

	return err
}

func (e *Engine) shutdown(srv *http.Server) error {
	timeout := e.timing.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdown
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("sync: http shutdown: %w", err)
	}

	e.logger.Info("http server stopped")

	return nil
}

// startObservers launches a watcher for each repo with a local task store.
// A watcher that fails is logged; the rest of the engine keeps running.
func (e *Engine) startObservers(ctx context.Context, g *errgroup.Group, changes chan<- ChangeEvent) {
	for _, repo := range e.repos {
		a, err := e.registry.Lookup(repo.ID, issue.SourceLocal)
		if err != nil {
			continue
		}

		ts, ok := a.(TaskStore)
		if !ok {
			continue
		}

		obs := NewLocalObserver(repo.ID, ts, LocalObserverOptions{
			Debounce:           e.timing.Debounce,
			SafetyScanInterval: e.timing.SafetyScanInterval,
		}, e.logger.With(slog.String("repo", repo.FullName)))

		g.Go(func() error {
			if err := obs.Watch(ctx, changes); err != nil && ctx.Err() == nil {
				e.logger.Error("file watcher stopped",
					slog.String("repo", repo.FullName),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}
}

// acceptLoop records watcher changes and hands new rows to submit.
func (e *Engine) acceptLoop(ctx context.Context, changes <-chan ChangeEvent, submit func(int64) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			acc, err := e.orch.Accept(ctx, ch)
			if err != nil {
				e.logger.Error("recording local change failed",
					slog.String("ref", ch.ExternalRef),
					slog.String("error", err.Error()),
				)

				continue
			}

			if !acc.Duplicate {
				submit(acc.EventID)
			}
		}
	}
}

// TriggerSync asks a serving engine to run a full sync of every repo now.
// Requests made while one is already queued are merged.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// pollLoop runs a full sync of every repo at start, every poll_interval and
// on TriggerSync. Repos are synced one after another.
func (e *Engine) pollLoop(ctx context.Context) {
	interval := e.timing.PollInterval
	if interval <= 0 {
		interval = defaultPollPeriod
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.syncAll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
			e.logger.Info("full sync requested")
			ticker.Reset(interval)
		}
	}
}

func (e *Engine) syncAll(ctx context.Context) {
	for _, repo := range e.repos {
		if ctx.Err() != nil {
			return
		}

		res, err := e.fullSync.Run(ctx, repo.ID)

		switch {
		case errors.Is(err, ErrAlreadySyncing):
			e.logger.Debug("full sync skipped, already running", slog.String("repo", repo.FullName))
		case err != nil:
			e.logger.Warn("full sync failed", slog.String("repo", repo.FullName), slog.String("error", err.Error()))
		default:
			e.logger.Info("full sync complete",
				slog.String("repo", repo.FullName),
				slog.Int("changes", res.Changes),
				slog.Int("conflicts", res.Conflicts),
				slog.Int("failed", res.Failed),
				slog.Duration("duration", res.Duration),
			)
		}
	}
}

type health struct {
	Status      string `json:"status"`
	Repos       int    `json:"repos"`
	Pending     int    `json:"queued"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	Dropped     int64  `json:"dropped"`
	FeedClients int    `json:"feed_clients"`
}

func (e *Engine) healthz(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := health{Status: "ok", Repos: len(e.repos), Pending: d.Pending(), FeedClients: e.hub.ClientCount()}
		h.Processed, h.Failed, h.Dropped = d.Stats()

		code := http.StatusOK
		if err := e.db.PingContext(r.Context()); err != nil {
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	}
}
