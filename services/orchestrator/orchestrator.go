// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the runtime: embedded storage, provider
// adapters, the memory tiers, the tool registry, the turn engine and the
// HTTP/WebSocket surface.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reverie-ai/reverie/services/engine"
	"github.com/reverie-ai/reverie/services/executor"
	"github.com/reverie-ai/reverie/services/llm"
	"github.com/reverie-ai/reverie/services/memory"
	"github.com/reverie-ai/reverie/services/orchestrator/conversation"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	"github.com/reverie-ai/reverie/services/orchestrator/handlers"
	"github.com/reverie-ai/reverie/services/orchestrator/observability"
	"github.com/reverie-ai/reverie/services/orchestrator/routes"
	"github.com/reverie-ai/reverie/services/orchestrator/storage/badgerdb"
	"github.com/reverie-ai/reverie/services/planner"
	"github.com/reverie-ai/reverie/services/safety"
	"github.com/reverie-ai/reverie/services/synthesizer"
	"github.com/reverie-ai/reverie/services/tools"
)

const (
	serviceName       = "reverie-orchestrator"
	badgerGCInterval  = 10 * time.Minute
	badgerGCRatio     = 0.5
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Service is the assembled runtime. Build it with New, run it with Run.
type Service struct {
	cfg    *datatypes.Config
	logger *slog.Logger
	router *gin.Engine
	engine *engine.Engine

	hot     *badger.DB
	gc      *badgerdb.GCRunner
	warm    *conversation.WarmStore
	catalog *memory.Catalog
	queue   *tools.ImageQueue
	influx  *observability.InfluxSink

	cancelBG   context.CancelFunc
	stopTracer func()
}

// New wires every component from the configuration. Optional backends
// (Weaviate, the graph store, Influx, image generation) degrade to nil
// when unconfigured; the engine skips the corresponding stages.
func New(ctx context.Context, cfg *datatypes.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}

	if cfg.OTelEndpoint != "" {
		stop, err := initTracer(ctx, cfg.OTelEndpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		s.stopTracer = stop
	}

	// Embedded storage: Badger for the hot tiers, SQLite for the archive.
	hot, err := badgerdb.Open(badgerdb.Config{
		Path:   filepath.Join(cfg.DataDir, "hot"),
		Logger: logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.hot = hot
	gc, err := badgerdb.NewGCRunner(hot, badgerGCInterval, badgerGCRatio, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	gc.Start()
	s.gc = gc

	warm, err := conversation.OpenWarmStore(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.warm = warm
	sessions := conversation.NewStore(hot, warm, logger)

	bgCtx, cancelBG := context.WithCancel(context.Background())
	s.cancelBG = cancelBG
	if cfg.RetentionDays > 0 {
		sessions.StartRetentionLoop(bgCtx, time.Duration(cfg.RetentionDays)*24*time.Hour)
	}

	// Telemetry sinks. Instrumented dependencies (otelgin) report through
	// the global meter provider; bridge them into the Prometheus registry
	// so /metrics serves everything.
	promExporter, err := otelprom.New()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter)))

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	recorders := observability.FanOut{metrics}
	if sink := observability.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger); sink != nil {
		s.influx = sink
		recorders = append(recorders, sink)
	}

	// LLM provider stack.
	overrides, err := datatypes.LoadChainOverrides(cfg.OverridesPath)
	if err != nil {
		s.Close()
		return nil, err
	}
	gov := llm.NewGovernance(overrides, logger)
	keys := llm.NewKeyManager(cfg, gov, logger)
	budget := llm.NewBudgetTracker(nil, logger)
	openaiAdapter := llm.NewOpenAIAdapter("", logger)
	adapters := map[string]llm.ProviderAdapter{
		llm.ProviderOpenAI: openaiAdapter,
		llm.ProviderGemini: llm.NewGeminiAdapter(logger),
	}
	gateway := llm.NewGateway(adapters, keys, budget, gov, metrics, logger)

	// Safety and quality gates.
	inputGate := safety.NewGate(gateway, nil, logger)
	qualityGate := safety.NewQualityGate()

	// Memory tiers.
	catalog, err := memory.NewCatalog(cfg.CatalogPath, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.catalog = catalog
	if err := catalog.Watch(); err != nil {
		logger.Warn("catalog hot-reload unavailable", "error", err)
	}

	var factStore *memory.FactStore
	if cfg.GraphURL != "" {
		factStore = memory.NewFactStore(memory.NewCypherClient(cfg.GraphURL))
	} else {
		logger.Info("graph tier disabled, identity memory unavailable")
	}

	var weavClient *weaviate.Client
	if cfg.WeaviateHost != "" {
		wcfg := weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme}
		if cfg.WeaviateAPIKey != "" {
			wcfg.AuthConfig = auth.ApiKey{Value: cfg.WeaviateAPIKey}
		}
		weavClient, err = weaviate.NewClient(wcfg)
		if err != nil {
			logger.Warn("weaviate client unavailable, episodic memory disabled", "error", err)
			weavClient = nil
		}
	} else {
		logger.Info("vector tier disabled, episodic memory unavailable")
	}

	// Typed-nil guards: only promote concrete stores into the interface
	// fields when they actually exist.
	var (
		identity    memory.IdentityReader
		vectorStore memory.VectorStore
		embedder    memory.Embedder
	)
	if factStore != nil {
		identity = factStore
	}
	if weavClient != nil {
		vs, err := memory.NewWeaviateStore(weavClient)
		if err != nil {
			s.Close()
			return nil, err
		}
		vectorStore = vs
	}
	if len(cfg.OpenAIKeys) > 0 {
		embedder = memory.NewOpenAIEmbedder(openaiAdapter, keys, "")
	}

	readGateway := memory.NewReadGateway(identity, vectorStore, embedder, catalog, logger)
	extractor := memory.NewExtractor(gateway, logger)
	prospective := memory.NewProspectiveStore(hot)
	sessionFacts := memory.NewSessionFactStore(hot)

	var factGate engine.FactGate
	if factStore != nil {
		factGate = memory.NewWriteGate(factStore, catalog, cfg.MemoryMode, logger)
	}

	// Tools.
	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewCalculator())
	if cfg.SearchAPIURL != "" {
		registry.Register(tools.NewWebSearch(cfg.SearchAPIURL))
	}
	var docStore *tools.DocumentStore
	if weavClient != nil {
		docStore, err = tools.NewDocumentStore(weavClient)
		if err != nil {
			s.Close()
			return nil, err
		}
		registry.Register(docStore)
	}
	if len(cfg.OpenAIKeys) > 0 {
		backend := tools.NewOpenAIImageBackend(cfg.OpenAIKeys[0], "")
		s.queue = tools.NewImageQueue(hot, backend, logger)
		s.queue.Start()
		registry.Register(tools.NewImageGen(s.queue))
	}
	if factStore != nil {
		registry.Register(tools.NewMemoryControl(factStore, hot))
	}
	if vectorStore != nil && embedder != nil {
		registry.Register(tools.NewMemorySearch(vectorStore, embedder))
	}

	var toolInfos []planner.ToolInfo
	for _, info := range registry.List() {
		toolInfos = append(toolInfos, planner.ToolInfo{Name: info.Name, Description: info.Description})
	}

	// Reminders and fact extraction stay live with memory mode off: the
	// write gate then discards everything except prospective tasks, so
	// "yarın hatırlat" keeps working while nothing is remembered.
	deps := engine.Deps{
		Safety:    inputGate,
		Quality:   qualityGate,
		Sessions:  sessions,
		Planner:   planner.New(gateway, toolInfos, logger),
		Executor:  executor.New(registry, gateway, logger),
		Responder: synthesizer.New(gateway, logger),

		Reminders:    prospective,
		Extractor:    extractor,
		FactGate:     factGate,
		SessionFacts: sessionFacts,

		Telemetry: recorders,
		Logger:    logger,
	}
	if cfg.MemoryMode {
		deps.Memory = readGateway
		deps.Embedder = embedder
		deps.Vectors = vectorStore
	}
	s.engine = engine.New(deps)

	// HTTP surface.
	if cfg.ProductionEnabled {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	var ingester handlers.DocumentIngester
	if docStore != nil {
		ingester = docStore
	}
	routes.Setup(router, routes.Deps{
		Engine:     s.engine,
		Documents:  ingester,
		ImageQueue: s.queue,
		Logger:     logger,
	})
	s.router = router

	return s, nil
}

// Router exposes the HTTP handler, used by tests.
func (s *Service) Router() http.Handler { return s.router }

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("orchestrator listening", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close releases resources in reverse dependency order. Safe to call on
// a partially built service and safe to call twice.
func (s *Service) Close() {
	if s.cancelBG != nil {
		s.cancelBG()
		s.cancelBG = nil
	}
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	if s.queue != nil {
		s.queue.Stop()
		s.queue = nil
	}
	if s.influx != nil {
		s.influx.Close()
		s.influx = nil
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			s.logger.Warn("catalog close failed", "error", err)
		}
		s.catalog = nil
	}
	if s.gc != nil {
		s.gc.Stop()
		s.gc = nil
	}
	if s.warm != nil {
		if err := s.warm.Close(); err != nil {
			s.logger.Warn("warm store close failed", "error", err)
		}
		s.warm = nil
	}
	if s.hot != nil {
		if err := s.hot.Close(); err != nil {
			s.logger.Warn("hot store close failed", "error", err)
		}
		s.hot = nil
	}
	if s.stopTracer != nil {
		s.stopTracer()
		s.stopTracer = nil
	}
}

// initTracer wires the OTLP gRPC exporter and installs the global
// tracer provider. The returned func flushes and shuts the provider
// down.
func initTracer(ctx context.Context, endpoint string, logger *slog.Logger) (func(), error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}, nil
}
