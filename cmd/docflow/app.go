package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/events"
	"github.com/c360studio/docflow/extract"
	"github.com/c360studio/docflow/httpapi"
	"github.com/c360studio/docflow/llm"
	"github.com/c360studio/docflow/procedure"
	"github.com/c360studio/docflow/processor/runworker"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/sam"
	"github.com/c360studio/docflow/schedule"
	"github.com/c360studio/docflow/scrape"
	"github.com/c360studio/docflow/search"
	"github.com/c360studio/docflow/sharepoint"
)

// systemOrg owns global scheduled tasks and system-origin maintenance runs.
const systemOrg = "system"

// App wires every component of the platform together for one process.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Core services, kept for shutdown and diagnostics.
	runs      *run.Service
	queue     *queue.Service
	submitter *queue.Submitter
	registry  *queue.Registry
	watchdog  *queue.Watchdog

	workers []*runworker.Component
	httpSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp creates an application instance. configPath may be empty; the
// config watcher is only started when a file backs the configuration.
func NewApp(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	return &App{cfg: cfg, configPath: configPath, logger: logger}
}

// Start connects to NATS, builds every store and service, starts the queue
// workers and background loops, and begins serving the HTTP API.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("%w: %v", errUnavailable, err)
	}
	if err := queue.EnsureWorkStream(ctx, a.js); err != nil {
		return fmt.Errorf("ensure work stream: %w", err)
	}

	// Stores.
	runStore, err := run.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	assets, err := asset.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("asset store: %w", err)
	}
	blobs := blob.NewStore(a.js)
	pending, err := queue.NewPendingIndex(ctx, a.js)
	if err != nil {
		return fmt.Errorf("pending-extraction index: %w", err)
	}
	procStore, err := procedure.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("procedure store: %w", err)
	}
	schedStore, err := schedule.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("schedule store: %w", err)
	}
	scrapeStore, err := scrape.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("scrape store: %w", err)
	}
	spStore, err := sharepoint.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("sharepoint store: %w", err)
	}
	samStore, err := sam.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("sam store: %w", err)
	}
	samBudget, err := sam.NewKVUsageTracker(ctx, a.js, a.cfg.SAM.DailyCallBudget)
	if err != nil {
		return fmt.Errorf("sam usage tracker: %w", err)
	}

	// Core services.
	a.runs = run.NewService(runStore, a.logger)
	a.registry = queue.NewRegistry(a.cfg.Queues)
	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	a.queue = queue.NewService(a.runs, assets, pending, a.registry, a.logger)
	a.submitter = queue.NewSubmitter(a.runs, a.registry, queue.NewJetStreamPublisher(a.js), metrics, a.logger)
	a.watchdog = queue.NewWatchdog(a.runs, a.registry, pending, a.logger)

	uploads := a.cfg.Storage.UploadsBucket
	processed := a.cfg.Storage.ProcessedBucket

	// Procedures and events.
	procRegistry := procedure.NewFunctionRegistry()
	cache := procedure.NewCache(procStore, a.logger)
	if err := cache.Reload(ctx); err != nil {
		a.logger.Warn("Initial procedure cache load failed", "error", err)
	}
	launcher := procedure.NewLauncher(a.runs, cache)
	procExec := procedure.NewExecutor(procRegistry, a.runs, procStore, cache, a.logger)
	bus := events.NewBus(procStore, launcher, a.runs, a.logger)
	beat := procedure.NewTriggerBeat(procStore, launcher, a.runs, a.logger)

	// Group bookkeeping: terminal run transitions feed the tracker, which
	// emits group_completed events and fires follow-on procedures.
	tracker := run.NewTracker(runStore, bus, launcher, a.logger)
	a.runs.AttachGroups(tracker)

	// External service clients.
	extractRegistry := extract.NewRegistry(a.cfg.Extraction)
	orchestrator := extract.NewOrchestrator(a.runs, assets, blobs, extract.NewClient(), extractRegistry, a.queue, processed, a.logger)

	llmClient, err := llm.NewClient(a.cfg.LLM)
	if err != nil {
		return fmt.Errorf("%w: llm client: %v", errConfig, err)
	}
	summarizer := sam.NewSummarizer(samStore, llmClient, a.logger)

	var renderer scrape.Renderer
	if a.cfg.Scrape.RendererURL != "" {
		renderer = scrape.NewRendererClient(a.cfg.Scrape.RendererURL, a.cfg.Scrape.Timeout)
	} else {
		renderer = scrape.NewSimpleFetcher(a.cfg.Scrape.Timeout, a.cfg.Scrape.UserAgent)
	}
	crawler := scrape.NewCrawler(scrapeStore, assets, blobs, a.runs, a.queue, renderer,
		scrape.NewHTTPDownloader(a.cfg.Scrape.Timeout), uploads, processed, a.logger)

	syncer := sharepoint.NewSyncer(spStore, assets, blobs, a.runs, a.queue,
		sharepoint.NewGraphClient(a.cfg.SharePoint), uploads, a.cfg.SharePoint.MaxFileSize, a.logger)

	puller := sam.NewPuller(samStore, a.runs, assets, blobs, a.queue, sam.NewClient(a.cfg.SAM),
		samBudget, bus, &sam.HTTPDownloader{}, a.cfg.SAM.PageSize, uploads, a.logger)

	sink := search.NewHTTPSink(a.cfg.Search)
	indexer := search.NewIndexer(a.runs, assets, blobs, sink, a.cfg.Search.Enabled, processed, a.logger)

	if err := registerFunctions(procRegistry, bus, a.queue, summarizer, a.logger); err != nil {
		return fmt.Errorf("register procedure functions: %w", err)
	}

	dispatcher := schedule.NewDispatcher(schedStore, a.runs, systemOrg, a.logger)

	// One worker component per queue definition.
	executors := map[string]runworker.Executor{
		queue.TypeExtraction: runworker.RunFunc(orchestrator.Execute),
		queue.TypeMaintenance: runworker.TypeMux{
			run.TypeExtractionEnhancement: runworker.RunFunc(orchestrator.Execute),
			run.TypeSystemMaintenance:     runworker.RunFunc(a.watchdog.ExecuteMaintenance),
		},
		queue.TypeIndexing:   runworker.RunFunc(indexer.ExecuteIndex),
		queue.TypeProcedure:  runworker.RunFunc(procExec.ExecuteRun),
		queue.TypeScrape:     runworker.RunFunc(crawler.ExecuteCrawl),
		queue.TypeSharePoint: runworker.RunFunc(syncer.ExecuteSync),
		queue.TypeSAMPull:    runworker.RunFunc(puller.ExecutePull),
	}
	for _, def := range a.registry.List() {
		exec, ok := executors[def.Type]
		if !ok {
			return fmt.Errorf("queue %s has no executor", def.Type)
		}
		worker, err := runworker.New(def, a.js, exec, a.logger)
		if err != nil {
			return fmt.Errorf("build worker for queue %s: %w", def.Type, err)
		}
		a.workers = append(a.workers, worker)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, worker := range a.workers {
		if err := worker.Initialize(); err != nil {
			return fmt.Errorf("initialize worker: %w", err)
		}
		if err := worker.Start(runCtx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	// Background loops.
	a.spawn(func() { a.submitter.Run(runCtx) })
	a.spawn(func() { beat.Run(runCtx) })
	a.spawn(func() { a.watchdog.Run(runCtx, time.Minute) })
	a.spawn(func() {
		if err := dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Scheduled-task dispatcher stopped", "error", err)
		}
	})

	if a.configPath != "" {
		watcher, err := config.NewWatcher(a.configPath, a.logger, func(c *config.Config) {
			a.registry.ApplyOverrides(c.Queues)
			a.logger.Info("Queue parameters reapplied from config")
		})
		if err != nil {
			a.logger.Warn("Config watcher unavailable", "error", err)
		} else {
			a.spawn(func() { watcher.Run(runCtx) })
		}
	}

	// HTTP API.
	api := httpapi.NewServer(a.runs, assets, blobs, a.queue, a.submitter, a.registry,
		schedStore, dispatcher, uploads, a.logger).
		WithForecasts(sam.NewForecasts(samStore)).
		WithGroups(tracker)
	a.httpSrv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: api.Router()}
	a.spawn(func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server stopped", "error", err)
		}
	})

	return nil
}

func (a *App) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// Shutdown stops the HTTP server, the workers, and the background loops,
// then drains NATS.
func (a *App) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout/2)
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown", "error", err)
		}
		cancel()
	}

	if a.cancel != nil {
		a.cancel()
	}

	for _, worker := range a.workers {
		remaining := time.Until(deadline)
		if remaining < time.Second {
			remaining = time.Second
		}
		if err := worker.Stop(remaining); err != nil {
			a.logger.Warn("Worker stop", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		a.logger.Warn("Background loops did not stop before deadline")
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("NATS drain", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
