package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/modelbridge/gateway/internal/affinity"
	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/cloudauth"
	"github.com/modelbridge/gateway/internal/config"
	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/dialect"
	"github.com/modelbridge/gateway/internal/dialect/ollama"
	"github.com/modelbridge/gateway/internal/dialect/openaichat"
	"github.com/modelbridge/gateway/internal/feedback"
	feedbacksqlite "github.com/modelbridge/gateway/internal/feedback/sqlite"
	"github.com/modelbridge/gateway/internal/gatewayhttp"
	"github.com/modelbridge/gateway/internal/health"
	"github.com/modelbridge/gateway/internal/pipeline"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/telemetry"
	"github.com/modelbridge/gateway/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	configureLogging(cfg.Logging)
	slog.Info("starting gateway", "version", version, "listen", cfg.Server.Listen)

	// Shared DNS cache for every outbound backend HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	backends := cfg.Backends()
	backendClients := make(map[core.BackendId]*http.Client, len(backends))
	for _, b := range backends {
		client, err := buildBackendClient(context.Background(), b, dnsResolver)
		if err != nil {
			return fmt.Errorf("backend %q: %w", b.ID, err)
		}
		backendClients[b.ID] = client
		slog.Info("backend configured", "id", b.ID, "spec", b.Spec, "auth", b.AuthType)
	}

	clients, keys := cfg.Clients()
	authSvc := auth.NewService(clients, keys)
	slog.Info("clients configured", "count", len(clients))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	prober := health.NewHTTPProber(backendClients)
	healthMgr := health.NewManager(backends, prober, cfg.HealthManagerConfig()).WithBreakers(breakers)
	for _, b := range backends {
		healthMgr.Seed(b.ID, core.BackendHealthy)
	}

	inbound := dialect.NewInboundRegistry(openaichat.NewInbound())
	outbound := dialect.NewOutboundRegistry(openaichat.NewOutbound(), ollama.NewOutbound())

	maxAffinityEntries := cfg.Routing.MaxAffinityEntries
	affinityMap := affinity.New(maxAffinityEntries)
	healthMgr.OnUnhealthy(func(id core.BackendId) { affinityMap.EvictBackend(id) })

	var feedbackStore feedback.Store
	feedbackPath := os.Getenv("MB_FEEDBACK_DB_PATH")
	if feedbackPath == "" {
		feedbackPath = "feedback.sqlite"
	}
	fb, err := feedbacksqlite.New(feedbackPath)
	if err != nil {
		slog.Warn("feedback store unavailable, feedback endpoints disabled", "error", err)
	} else {
		feedbackStore = fb
		defer fb.Close()
		slog.Info("feedback store opened", "path", feedbackPath)
	}

	pl := pipeline.New(pipeline.Deps{
		Auth:                 authSvc,
		Limiters:             ratelimit.NewRegistry(),
		Quota:                ratelimit.NewQuotaTracker(),
		Affinity:             affinityMap,
		Health:               healthMgr,
		Backends:             backends,
		Inbound:              inbound,
		Outbound:             outbound,
		Clients:              backendClients,
		Feedback:             pipelineFeedback(feedbackStore),
		Strategy:             cfg.RoutingStrategy(),
		PrefixDepth:          cfg.Routing.PrefixDepth,
		DisableCacheAffinity: cfg.Routing.CacheAware != nil && !*cfg.Routing.CacheAware,
	})

	handler := gatewayhttp.New(gatewayhttp.Deps{
		Auth:     authSvc,
		Pipeline: pl,
		Health:   healthMgr,
		Feedback: feedbackStore,
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", metricsHandler)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	runner := worker.NewRunner(healthMgr)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			serveErr = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	slog.Info("gateway ready", "listen", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("gateway stopped")
	return nil
}

// pipelineFeedback adapts a nil-able feedback.Store into pipeline's narrower
// FeedbackRecorder, preserving the nil so the pipeline's own nil-check
// disables recording rather than wrapping a nil interface in a non-nil one.
func pipelineFeedback(store feedback.Store) pipeline.FeedbackRecorder {
	if store == nil {
		return nil
	}
	return store
}

func configureLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildBackendClient assembles an *http.Client for one configured backend,
// wiring its own DNS-cached transport (over the shared resolver) plus whichever auth transport the
// backend's auth_type calls for. Ollama backends use HTTP/1.1 to match the
// local-server style the teacher's own provider client used for it.
func buildBackendClient(ctx context.Context, b core.BackendInfo, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := b.Spec != core.BackendSpecOllama
	base := dialect.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base
	switch b.AuthType {
	case core.AuthTypeGCPOAuth:
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case core.AuthTypeAWSSigV4:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws credentials: %w", err)
		}
		transport = cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, "us-east-1", "bedrock")
	case core.AuthTypeAPIKey:
		// The gateway's own auth header for api_key-style backends is set
		// per-request by the pipeline (Authorization: Bearer <key>), not
		// by a transport decorator, since the key lives on core.BackendInfo
		// rather than being fixed at client-construction time.
	}

	return &http.Client{Transport: transport}, nil
}
