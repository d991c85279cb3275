// serve.go wires configuration into the running daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoke-ai/convoke/internal/agents"
	"github.com/convoke-ai/convoke/internal/caps"
	"github.com/convoke-ai/convoke/internal/channels"
	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/engine"
	"github.com/convoke-ai/convoke/internal/mailbox"
	"github.com/convoke-ai/convoke/internal/modelclient"
	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/internal/promptopt"
	"github.com/convoke-ai/convoke/internal/runtime"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/internal/tools/files"
	"github.com/convoke-ai/convoke/internal/tools/mailtool"
	"github.com/convoke-ai/convoke/internal/workspace"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cooperative shutdown for in-flight streams.
	shutdown := make(chan struct{})

	client, err := modelclient.New(modelclient.Config{
		APIKey:       cfg.Model.APIKey,
		BaseURL:      cfg.Model.BaseURL,
		DefaultModel: cfg.Model.Default,
		AppName:      cfg.Model.AppName,
		SiteURL:      cfg.Model.SiteURL,
		CacheSize:    cfg.Model.CacheSize,
		MaxRetries:   cfg.Model.MaxRetries,
	}, logger, metrics, modelclient.WithShutdown(shutdown))
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	agentReg := agents.NewRegistry(logger)
	if err := agentReg.LoadFile(ctx, cfg.Agents.File); err != nil {
		return fmt.Errorf("load roster %s: %w", cfg.Agents.File, err)
	}
	var watcher *agents.Watcher
	if cfg.Agents.Watch {
		watcher = agents.NewWatcher(agentReg, cfg.Agents.File)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "roster watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	guard, err := newGuard(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("workspace guard: %w", err)
	}

	mb := mailbox.New(logger, metrics, mailbox.WithResolver(agentReg))

	registry := tools.NewRegistry(logger, metrics)
	if err := files.RegisterSpecs(registry, guard); err != nil {
		return fmt.Errorf("register file tools: %w", err)
	}
	if err := mailtool.RegisterSpecs(registry, mb); err != nil {
		return fmt.Errorf("register mail tools: %w", err)
	}

	store := channels.NewStore(logger, metrics,
		channels.WithCapacity(cfg.Channels.Capacity),
		channels.WithIdleTTL(cfg.Channels.IdleTTL),
	)
	store.StartEviction(ctx)
	defer store.StopEviction()
	router := channels.NewRouter(store, logger)

	table := caps.NewTable()
	eng := engine.New(engine.Config{
		DefaultModel:     cfg.Model.Default,
		TurnTimeout:      cfg.Engine.TurnTimeout,
		ToolTimeout:      cfg.Engine.ToolTimeout,
		MaxParallelTools: cfg.Engine.MaxParallelTools,
		SessionIdleTTL:   cfg.Engine.SessionIdleTTL,
	}, client, registry, agentReg, table, promptopt.New(table), router, logger, metrics)

	svc := runtime.NewService(runtime.Config{
		DefaultAgent:    cfg.Agents.Default,
		ReclaimInterval: cfg.Engine.ReclaimInterval,
	}, eng, router, logger, metrics)
	defer svc.Close()
	router.SetNotifier(svc.ChannelNotifier())

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "metrics server failed", "error", err)
			}
		}()
		logger.Info(ctx, "metrics listening", "addr", cfg.Metrics.Listen)
	}

	logger.Info(ctx, "convoked started",
		"agents", len(agentReg.IDs()),
		"default_agent", cfg.Agents.Default,
		"model", cfg.Model.Default,
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	close(shutdown)

	if metricsSrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shCtx)
	}
	return nil
}

// newGuard fills unset roots relative to the working directory.
func newGuard(cfg config.WorkspaceConfig) (*workspace.Guard, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		cfg.Root = wd
	}
	if cfg.Output == "" {
		cfg.Output = cfg.Root
	}
	if cfg.Scratch == "" {
		cfg.Scratch = os.TempDir()
	}
	return workspace.NewGuard(workspace.Config{
		WorkspaceRoot: cfg.Root,
		OutputRoot:    cfg.Output,
		ScratchRoot:   cfg.Scratch,
	})
}
