// Package app is the composition root: it wires the Storage Layout,
// History Store, Vector Index, Progress Bus, Job Registry, Scheduler,
// and HTTP/WebSocket Surface into one running process, the same role
// the teacher's main.go and internal/server.Server play split across
// two files, generalized here into a single App the cmd/recordroute
// entrypoints drive.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"recordroute/internal/config"
	"recordroute/internal/engine"
	"recordroute/internal/history"
	"recordroute/internal/httpapi"
	"recordroute/internal/progressbus"
	"recordroute/internal/registry"
	"recordroute/internal/scheduler"
	"recordroute/internal/storagelayout"
	"recordroute/internal/vectorindex"

	"github.com/redis/go-redis/v9"
)

// App bundles every live component plus the HTTP server that dispatches
// to them.
type App struct {
	Layout      *storagelayout.Layout
	History     *history.Store
	VectorIndex *vectorindex.Index
	ProgressBus *progressbus.Bus
	Registry    *registry.Registry
	Scheduler   *scheduler.Scheduler
	HTTPServer  *httpapi.Server

	shutdownNotify chan struct{}
	pidFile        string
}

// New assembles the full component stack from process configuration.
// Startup also repairs any crash-window inconsistency between the
// History Store and Vector Index or outputs/ directory by running
// GCOrphans and RemoveOrphans once, per spec §4.2's Invariants.
func New() (*App, error) {
	layout, err := storagelayout.New(config.DataDir)
	if err != nil {
		return nil, err
	}

	configureLogging(layout)

	pidFile := filepath.Join(layout.Root(), "recordroute.pid")
	if err := acquirePIDLock(pidFile); err != nil {
		return nil, err
	}

	hist, err := history.Open(layout)
	if err != nil {
		releasePIDLock(pidFile)
		return nil, err
	}
	if removed, err := hist.GCOrphans(); err != nil {
		slog.Warn("startup: failed to garbage collect orphaned outputs", "error", err)
	} else if removed > 0 {
		slog.Info("startup: garbage collected orphaned outputs", "count", removed)
	}

	cache, err := buildQueryCache()
	if err != nil {
		releasePIDLock(pidFile)
		return nil, err
	}
	vec, err := vectorindex.Open(layout, cache)
	if err != nil {
		releasePIDLock(pidFile)
		return nil, err
	}
	known := make(map[string]bool)
	for _, r := range hist.List() {
		known[r.RecordID] = true
	}
	if removed, err := vec.RemoveOrphans(known); err != nil {
		slog.Warn("startup: failed to garbage collect orphaned vector entries", "error", err)
	} else if removed > 0 {
		slog.Info("startup: garbage collected orphaned vector entries", "count", removed)
	}

	bus := progressbus.New()
	reg := registry.New()

	collab, err := engine.NewFactory().Create(engine.Backend(config.EngineBackend), engine.FactoryConfig{
		AnthropicAPIKey: config.AnthropicAPIKey,
		EmbeddingDim:    16,
	})
	if err != nil {
		releasePIDLock(pidFile)
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		EmbeddingMaxPromptChars: config.EmbeddingMaxPromptChars,
		ChunkOverlapChars:       config.ChunkOverlapChars,
		SummaryMapReduceChars:   config.SummaryMapReduceThresholdChars,
		ReduceBatchSize:         config.ReduceBatchSize,
		MaxConcurrentSTT:        config.MaxConcurrentSTT,
		MaxConcurrentEmbedding:  config.MaxConcurrentEmbedding,
		MaxConcurrentSummary:    config.MaxConcurrentSummary,
		RetryMaxAttempts:        config.RetryMaxAttempts,
		RetryBaseDelay:          config.RetryBaseDelay,
	}, layout, hist, vec, bus, reg, collab)

	shutdownNotify := make(chan struct{}, 1)
	deps := &httpapi.Deps{
		Layout:                layout,
		History:               hist,
		VectorIndex:           vec,
		ProgressBus:           bus,
		Registry:              reg,
		Scheduler:             sched,
		Embedding:             collab.Embedding,
		MaxUploadBytes:        config.MaxUploadBytes,
		FFProbePath:           config.FFProbePath,
		ShutdownNotify:        shutdownNotify,
		Models:                []string{string(engine.BackendStub), string(engine.BackendAnthropic)},
		DefaultSummarizeModel: config.EngineBackend,
		DefaultEmbeddingModel: config.EngineBackend,
	}
	httpServer := httpapi.NewServer(":"+config.HTTPPort, deps)

	return &App{
		Layout:         layout,
		History:        hist,
		VectorIndex:    vec,
		ProgressBus:    bus,
		Registry:       reg,
		Scheduler:      sched,
		HTTPServer:     httpServer,
		shutdownNotify: shutdownNotify,
		pidFile:        pidFile,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled (by a
// signal) or the /shutdown endpoint's notification channel fires, then
// drains in-flight requests within a bounded grace period.
func (a *App) Run(ctx context.Context) error {
	defer releasePIDLock(a.pidFile)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.HTTPServer.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("app: context cancelled, shutting down")
	case <-a.shutdownNotify:
		slog.Info("app: shutdown requested via /shutdown")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.HTTPServer.Shutdown(shutdownCtx)
}

func buildQueryCache() (vectorindex.QueryCache, error) {
	if config.RedisAddr == "" {
		return vectorindex.NewInProcessCache(config.QueryCacheTTL), nil
	}
	client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("app: connect to redis query cache at %s: %w", config.RedisAddr, err)
	}
	slog.Info("using redis-backed query cache", "addr", config.RedisAddr)
	return vectorindex.NewRedisCache(client, config.QueryCacheTTL), nil
}

func configureLogging(layout *storagelayout.Layout) {
	handler := slog.NewJSONHandler(storagelayout.MultiHandlerWriter(layout), &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}

// acquirePIDLock creates pidFile exclusively, reclaiming it if it refers
// to a process that is no longer running (a crash leaves a stale file
// behind; a genuinely live instance must not be double-started).
func acquirePIDLock(pidFile string) error {
	f, err := os.OpenFile(pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("app: create pid file: %w", err)
		}
		stale, perr := isStalePIDFile(pidFile)
		if perr != nil || !stale {
			return fmt.Errorf("app: another instance appears to be running (%s); remove it if that is not the case", pidFile)
		}
		slog.Warn("app: reclaiming stale pid file", "path", pidFile)
		if err := os.Remove(pidFile); err != nil {
			return fmt.Errorf("app: remove stale pid file: %w", err)
		}
		f, err = os.OpenFile(pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("app: create pid file after reclaiming stale lock: %w", err)
		}
	}
	defer f.Close()
	hostname, _ := os.Hostname()
	_, err = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), hostname)
	return err
}

func isStalePIDFile(pidFile string) (bool, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false, err
	}
	firstLine := string(data)
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	pid, err := strconv.Atoi(strings.TrimSpace(firstLine))
	if err != nil {
		return true, nil // unreadable content can't belong to a live process we can verify
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	// os.FindProcess always succeeds on Unix; Signal(0) is the actual liveness probe.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, nil
	}
	return false, nil
}

func releasePIDLock(pidFile string) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("app: failed to remove pid file", "path", pidFile, "error", err)
	}
}
