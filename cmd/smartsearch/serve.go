package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/OSMO-sub002/internal/cluster"
	"github.com/NVIDIA/OSMO-sub002/internal/config"
	"github.com/NVIDIA/OSMO-sub002/internal/controller"
	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/metrics"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/security"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
	"github.com/NVIDIA/OSMO-sub002/internal/registry"
	"github.com/NVIDIA/OSMO-sub002/internal/server"
	"github.com/NVIDIA/OSMO-sub002/internal/source"
	"github.com/NVIDIA/OSMO-sub002/internal/storage"
	"github.com/NVIDIA/OSMO-sub002/pkg/client"
)

const (
	shutdownTimeout      = 5 * time.Second
	clientCleanupPeriod  = time.Minute
	clientStaleAfter     = 10 * time.Minute
	ingestionRatePeriod  = time.Second
	defaultHandshakeSize = 100
)

func serveCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the search server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if dir, _ := cmd.Flags().GetString("data"); dir != "" {
				cfg.Storage.DataDir = dir
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("data", "", "Data directory (overrides storage.data_dir)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kr, generated, err := security.LoadKeyring(cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}
	if generated {
		logger.Warn("generated a new master key; back it up", "file", cfg.Server.KeyFile)
	}
	meta := controller.NewStore(cfg.Server.MetaFile, kr)
	if err := meta.Load(); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	retention := cfg.Storage.Retention
	if stored := meta.GetData().Config.Retention; stored != "" {
		if d, err := time.ParseDuration(stored); err == nil {
			retention = d
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheusRecorder(reg)

	reader, err := storage.NewSnapshotReader()
	if err != nil {
		return err
	}
	writer, err := storage.NewSnapshotWriter()
	if err != nil {
		return err
	}
	resolver := smartql.NewResolver(smartql.NewDefaultDateParser(loc), smartql.WithLocation(loc))
	qe, err := engine.NewQueryEngine(engine.Options{
		DataDir:       cfg.Storage.DataDir,
		Resolver:      resolver,
		Reader:        reader.ReadSnapshot,
		Writer:        writer.WriteSnapshot,
		Retention:     retention,
		KeepSnapshots: cfg.Storage.KeepSnapshots,
		Logger:        logger,
		Metrics:       rec,
	})
	if err != nil {
		return err
	}
	rec.WatchCache(func() (uint64, uint64, int) {
		s := resolver.CacheStats()
		return s.Hits, s.Misses, s.Size
	})
	rec.WatchTasks(qe.Table().Len)
	logger.Info("query engine ready", "data", cfg.Storage.DataDir, "tasks", qe.Table().Len(), "retention", retention, "timezone", loc)

	qe.Table().StartStatsTicker(ctx, ingestionRatePeriod)
	go qe.RunFlusher(ctx, cfg.Storage.FlushInterval)
	go qe.RunCleaner(ctx, cfg.Storage.CleanInterval)

	clients := registry.NewStore()
	clients.StartCleanupLoop(ctx, clientCleanupPeriod, clientStaleAfter)

	backend, err := clusterBackend(cfg, qe, logger)
	if err != nil {
		return err
	}

	if len(cfg.Source.Patterns) > 0 {
		if err := startSource(ctx, cfg, qe, logger); err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Engine:     qe,
		Meta:       meta,
		Clients:    registry.NewServer(clients, registry.BatchConfig{BatchSize: defaultHandshakeSize, FlushIntervalMs: 1000}),
		Backend:    backend,
		Metrics:    rec,
		Gatherer:   reg,
		Logger:     logger,
		WebDir:     cfg.Server.WebDir,
		SessionTTL: cfg.Server.SessionTTL,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "initialized", meta.IsInitialized())
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown error", "error", serr)
	}

	logger.Info("writing final checkpoint")
	if cerr := qe.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("final checkpoint: %w", cerr))
	}
	return err
}

// clusterBackend federates the local engine with configured peers.
func clusterBackend(cfg *config.Config, qe *engine.QueryEngine, logger *slog.Logger) (cluster.Backend, error) {
	local := cluster.Local{Engine: qe}
	if len(cfg.Cluster.Peers) == 0 {
		return local, nil
	}

	hostname, _ := os.Hostname()
	nodes := []cluster.Node{{Name: hostname, Backend: local}}
	for _, peer := range cfg.Cluster.Peers {
		c, err := client.New(client.Options{
			ServerURL: peer,
			APIKey:    cfg.Cluster.PeerToken,
			Name:      hostname,
			Timeout:   cfg.Cluster.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", peer, err)
		}
		nodes = append(nodes, cluster.Node{Name: c.URL(), Backend: c})
	}
	logger.Info("federating queries", "peers", len(cfg.Cluster.Peers))
	agg := cluster.NewAggregator(logger, nodes...)
	agg.SetRegistry(qe.Registry())
	return agg, nil
}

// startSource loads dump files into the engine and, when enabled, keeps
// watching them.
func startSource(ctx context.Context, cfg *config.Config, qe *engine.QueryEngine, logger *slog.Logger) error {
	loader, err := source.NewLoader(cfg.Source.TaskPath, cfg.Source.StateFile, logger)
	if err != nil {
		return err
	}
	sink := func(_ context.Context, tasks []model.Task) error {
		if _, err := qe.Ingest(tasks...); err != nil {
			return err
		}
		qe.SyncWAL()
		return nil
	}
	w := source.NewWatcher(loader, cfg.Source.Patterns, cfg.Source.Debounce, sink, logger)

	if !cfg.Source.Watch {
		_, err := w.Sync(ctx)
		return err
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("source watcher stopped", "error", err)
		}
	}()
	return nil
}
