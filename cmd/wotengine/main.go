// Command wotengine runs the web-of-trust engine: it loads configuration,
// wires the trust-graph store and its surrounding subsystems together, and
// serves the FCP control surface and the ambient HTTP health/metrics
// surface until told to shut down. Grounded on the teacher's core/node.go
// main(): signal-driven context cancellation, a WaitGroup tracking every
// background goroutine, and a bounded-timeout shutdown sequence.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hyphanet/wot-engine/internal/config"
	"github.com/hyphanet/wot-engine/internal/downloader"
	"github.com/hyphanet/wot-engine/internal/fcp"
	"github.com/hyphanet/wot-engine/internal/httpapi"
	"github.com/hyphanet/wot-engine/internal/importer"
	"github.com/hyphanet/wot-engine/internal/introduction"
	"github.com/hyphanet/wot-engine/internal/logging"
	"github.com/hyphanet/wot-engine/internal/model"
	"github.com/hyphanet/wot-engine/internal/queue"
	"github.com/hyphanet/wot-engine/internal/store"
	"github.com/hyphanet/wot-engine/internal/subscribe"
	"github.com/hyphanet/wot-engine/internal/telemetry"
	"github.com/hyphanet/wot-engine/internal/trust"
	"github.com/hyphanet/wot-engine/internal/xmlcodec"
)

// reconcileInterval, snapshotInterval and puzzleCleanupInterval drive the
// three periodic background loops, and deliverTimeout bounds each
// notification delivery attempt; unlike the per-request tunables in
// internal/config these are
// fixed operational constants, not something an operator needs to retune.
const (
	reconcileInterval     = 30 * time.Second
	snapshotInterval      = 5 * time.Minute
	puzzleCleanupInterval = 10 * time.Minute
	deliverTimeout        = 10 * time.Second
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	s := store.New()
	snapshotPath := filepath.Join(cfg.DataDir, "snapshot.json")
	if err := s.LoadSnapshot(snapshotPath); err != nil {
		log.Warn("failed to load persisted snapshot, starting empty", "path", snapshotPath, "error", err)
	}

	metrics := telemetry.New()
	engine := trust.New(s, log, metrics)

	q := queue.New(queue.ModeDedup, cfg.QueueSoftLimit, filepath.Join(cfg.DataDir, "queue-stats.json"))
	importer.New(q, s, engine, log, metrics)

	// The host content-addressed network (fetch/insert of identity and
	// puzzle documents) is an external collaborator outside this engine's
	// scope; the in-memory reference implementations stand in for it until
	// a real network client is wired at this seam.
	fetcher := downloader.NewMemFetcher()
	inserter := downloader.NewMemInserter(fetcher)
	dl := downloader.New(s, q, fetcher, inserter, cfg.FetchRetryBackoff, cfg.InserterMaxBackoff, cfg.OwnIdentityInsertDebounce, log)

	sub := subscribe.New(s, log, metrics, cfg.NotificationRetryDelay, deliverTimeout)
	intro := introduction.New(s, engine, fetcher, inserter, xmlcodec.EncodePuzzle, introduction.MemRenderer{},
		cfg.DefaultPuzzleCount, cfg.ClientPuzzlePoolSize, cfg.MaxPuzzlesPerIdentityDay, cfg.PuzzleValidity, log, metrics)

	engine.SetObserver(fanoutObserver{sub: sub, downloader: dl})

	fcpServer, err := fcp.New(cfg.FCPAddr, engine, s, sub, intro, cfg.FCPCommandsPerMinute, log, metrics)
	if err != nil {
		log.Error("failed to start FCP listener", "addr", cfg.FCPAddr, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(storeHealthChecker{s}, metrics, cfg.RateLimitPerMinute, cfg.MaxBodySizeBytes),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconcileLoop(ctx, dl, log)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshotLoop(ctx, s, snapshotPath, log)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPuzzleCleanupLoop(ctx, intro, log)
	}()

	fcpErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fcpServer.Serve(ctx); err != nil {
			fcpErr <- err
		}
	}()

	httpErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	log.Info("wot-engine started", "fcpAddr", fcpServer.Addr().String(), "httpAddr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		log.Info("initiating graceful shutdown")
	case err := <-fcpErr:
		log.Error("fcp server failed", "error", err)
		cancel()
	case err := <-httpErr:
		log.Error("http server failed", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	if err := s.SaveSnapshot(snapshotPath); err != nil {
		log.Error("failed to persist final snapshot", "error", err)
	}

	log.Info("waiting for background goroutines to finish")
	wg.Wait()
	log.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	return logging.New(level)
}

// runReconcileLoop periodically reconciles the downloader's per-identity
// fetch loops against the current trust graph, mirroring the teacher's
// runBlockGeneration ticker loop.
func runReconcileLoop(ctx context.Context, dl *downloader.Downloader, log *slog.Logger) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dl.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Warn("reconcile failed", "error", err)
			}
		}
	}
}

// runSnapshotLoop periodically persists the store to disk so a restart
// resumes from recent state instead of an empty graph.
func runSnapshotLoop(ctx context.Context, s *store.Store, path string, log *slog.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(path); err != nil {
				log.Warn("periodic snapshot failed", "error", err)
			}
		}
	}
}

// runPuzzleCleanupLoop periodically evicts expired introduction puzzles and
// cascade-deletes puzzles whose inserter identity has since been removed
// (§4.7 lifecycle).
func runPuzzleCleanupLoop(ctx context.Context, intro *introduction.Subsystem, log *slog.Logger) {
	ticker := time.NewTicker(puzzleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := intro.CleanupPuzzles(); err != nil && ctx.Err() == nil {
				log.Warn("puzzle cleanup failed", "error", err)
			}
		}
	}
}

// fanoutObserver fans a single trust.Observer registration out to the
// subscription manager (C6 notifications) and the downloader (re-publish
// an OwnIdentity's document whenever its outgoing trust list changes).
type fanoutObserver struct {
	sub        *subscribe.Manager
	downloader *downloader.Downloader
}

func (f fanoutObserver) OnCommit(changes []trust.Change) {
	f.sub.OnCommit(changes)
	for _, c := range changes {
		if c.Kind != trust.ChangeTrust {
			continue
		}
		tr, ok := c.New.(*model.Trust)
		if !ok || tr == nil {
			continue
		}
		f.downloader.ScheduleOwnIdentityInsert(tr.Truster)
	}
}

// storeHealthChecker reports the engine healthy whenever its store can be
// read; a failed snapshot load is only logged and startup continues with an
// empty store, so health is a liveness signal rather than a deep
// dependency check (§1 non-goal: no
// external REST surface beyond this ambient health/metrics pair).
type storeHealthChecker struct {
	store *store.Store
}

func (h storeHealthChecker) Healthy() (bool, map[string]string) {
	tx := h.store.Begin(false)
	defer tx.Rollback()
	return true, map[string]string{"identities": strconv.Itoa(len(tx.AllIdentities()))}
}
