package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/costrag/internal/config"
	"github.com/knoguchi/costrag/internal/embedder"
	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/llm"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/reranker"
	"github.com/knoguchi/costrag/internal/retrieval"
	"github.com/knoguchi/costrag/internal/server"
	"github.com/knoguchi/costrag/internal/service"
	"github.com/knoguchi/costrag/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting retrieval service",
		"version", version,
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"vector_store", cfg.VectorStore,
		"embedding_provider", cfg.EmbeddingProvider,
		"reranker_enabled", cfg.RerankerEnabled,
	)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing("ragd", version))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Initialize embedder
	embed, err := embedder.New(cfg.Embedder())
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	if c, ok := embed.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("initialized embedder", "provider", cfg.EmbeddingProvider, "model", embed.ModelName(), "dimension", cfg.Dimension())

	// Initialize vector store
	store, err := vectorstore.Open(ctx, cfg.Store())
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()
	slog.Info("connected to vector store", "type", store.Type())

	// Initialize reranking model
	var model reranker.Model
	if cfg.RerankerEnabled {
		var llmClient llm.LLM
		if cfg.RerankerProvider == "llm" {
			llmClient = llm.NewOllamaClient(
				llm.WithBaseURL(cfg.OllamaURL),
				llm.WithModel(cfg.OllamaLLMModel),
			)
		}
		model, err = reranker.New(cfg.Reranker(), llmClient)
		if err != nil {
			return fmt.Errorf("failed to create reranker: %w", err)
		}
		slog.Info("initialized reranker", "provider", cfg.RerankerProvider, "model", model.Name())
	}

	pipeline, err := retrieval.NewPipeline(embed, store, model, cfg.Retrieval(),
		retrieval.WithLogger(logger),
		retrieval.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create retrieval pipeline: %w", err)
	}

	svcOpts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithEvaluationOptions(cfg.Evaluation()),
	}
	gold, err := loadGold(cfg.EvalGoldPath)
	switch {
	case err == nil && gold == nil:
		// no gold set configured
	case err == nil:
		svcOpts = append(svcOpts, service.WithGoldLabels(gold))
		slog.Info("loaded gold labels", "path", cfg.EvalGoldPath, "queries", len(gold))
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("gold label file not found; evaluate requires labels in the request", "path", cfg.EvalGoldPath)
	default:
		return fmt.Errorf("failed to load gold labels: %w", err)
	}
	svc := service.NewRetrievalService(pipeline, svcOpts...)

	// Create gRPC server
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
	}, svc)
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: []string{"*"}, // Configure in production
		Metrics:        metrics,
		Gatherer:       registry,
		RequestTimeout: cfg.RequestTimeout,
		EvalTimeout:    cfg.EvalTimeout,
	}, svc)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// loadGold returns nil labels when no gold path is configured.
func loadGold(path string) ([]evaluation.GoldLabel, error) {
	if path == "" {
		return nil, nil
	}
	return evaluation.LoadGoldLabels(path)
}

// Ensure interfaces are satisfied at compile time
var (
	_ vectorstore.VectorStore        = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.VectorStore        = (*vectorstore.PGVectorStore)(nil)
	_ embedder.Embedder              = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                        = (*llm.OllamaClient)(nil)
	_ server.API                     = (*service.RetrievalService)(nil)
	_ service.Pipeline               = (*retrieval.Pipeline)(nil)
	_ evaluation.Retriever           = (*service.RemoteRetriever)(nil)
	_ service.RetrievalServiceServer = (*service.RetrievalService)(nil)
)
