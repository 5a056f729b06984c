// plog-backend observes Kubernetes load tests: it discovers target services
// and their OpenAPI specs, finalizes k6 runs from InfluxDB metrics, streams
// realtime data over SSE, and runs post-completion bottleneck and LLM
// analysis.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/plogdev/plog-backend/internal/analysis"
	"github.com/plogdev/plog-backend/internal/api/rest"
	"github.com/plogdev/plog-backend/internal/bottleneck"
	"github.com/plogdev/plog-backend/internal/cleanup"
	"github.com/plogdev/plog-backend/internal/config"
	"github.com/plogdev/plog-backend/internal/discovery"
	"github.com/plogdev/plog-backend/internal/influx"
	"github.com/plogdev/plog-backend/internal/jobwatch"
	"github.com/plogdev/plog-backend/internal/k8s"
	"github.com/plogdev/plog-backend/internal/metricsbuf"
	"github.com/plogdev/plog-backend/internal/openapi"
	"github.com/plogdev/plog-backend/internal/pkg/logger"
	"github.com/plogdev/plog-backend/internal/podspec"
	"github.com/plogdev/plog-backend/internal/repository"
	"github.com/plogdev/plog-backend/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.StdLogger(cfg.LogLevel)

	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()
	if err := repo.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store, err := influx.NewClient(cfg.InfluxHost, cfg.InfluxPort, cfg.InfluxDatabase, log)
	if err != nil {
		return fmt.Errorf("influx client: %w", err)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		log.Warn("metrics store unreachable at startup, streams will show zeros until it returns", "error", err)
	}
	cancelPing()

	buffers := metricsbuf.NewStore()
	detector := bottleneck.NewDetector(cfg.Location())
	llm := analysis.NewLLMClient(analysis.LLMConfig{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModelName,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout(),
	}, log)
	orchestrator := analysis.NewOrchestrator(repo, llm, detector, log)

	// A missing cluster API stalls discovery and job finalization but must
	// not take down the HTTP surface or already-recorded data.
	var pods *podspec.Cache
	cluster, err := k8s.NewClient(cfg.KubeconfigPath)
	if err != nil {
		log.Error("cluster client unavailable, controllers disabled", "error", err)
		pods = podspec.NewCache(unavailableFetcher{}, cfg.TestNamespace, cfg.PodSpecCacheTTL())
	} else {
		if cfg.K8sRateLimitPerSec > 0 {
			cluster.SetLimiter(rate.NewLimiter(rate.Limit(cfg.K8sRateLimitPerSec), cfg.K8sRateLimitBurst))
		}
		if cfg.SchedulerMaxRetry > 0 {
			cluster.SetRetryAttempts(cfg.SchedulerMaxRetry)
		}
		pods = podspec.NewCache(cluster, cfg.TestNamespace, cfg.PodSpecCacheTTL())

		parser := openapi.NewParser(&http.Client{Timeout: 10 * time.Second}, log)
		disc := discovery.NewController(repo, cluster, discovery.NewProber(log), parser,
			cfg.TestNamespace, cfg.PodPollInterval(), log)
		disc.Start()
		defer disc.Stop()

		jobs := jobwatch.NewController(repo, cluster, store, pods, orchestrator, jobwatch.Config{
			Namespace:      cfg.PlogNamespace,
			Interval:       cfg.JobPollInterval(),
			AutoDeleteJobs: cfg.AutoDeleteCompletedJobs,
			MetricsDelay:   cfg.MetricsDelay(),
			WarningAfter:   time.Duration(cfg.JobWarningHours) * time.Hour,
			TimeoutAfter:   time.Duration(cfg.JobTimeoutHours) * time.Hour,
		}, log)
		jobs.Start()
		defer jobs.Stop()
	}

	sweeper := cleanup.NewController(pods, buffers, cleanup.Config{
		Interval:            cfg.CleanupInterval(),
		MemoryCheckInterval: cfg.MemoryCheckInterval(),
	}, log)
	sweeper.Start()
	defer sweeper.Stop()

	streamHandler := stream.NewHandler(repo, store, buffers, pods, cfg.Location(), log)
	handler := rest.NewHandler(repo, llm, detector, pods, streamHandler, cfg.TestNamespace, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Router(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// unavailableFetcher stands in when no cluster client exists; every lookup
// fails and streams fall back to predictions or zeros.
type unavailableFetcher struct{}

func (unavailableFetcher) PodResourceSpec(ctx context.Context, namespace, podName string) (*podspec.PodSpec, error) {
	return nil, fmt.Errorf("cluster API unavailable")
}
