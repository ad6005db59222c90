// Command server exposes the audit RAG engine over HTTP: document
// upload and management, intent-routed search, cited question
// answering with SSE streaming, and knowledge graph browsing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/junwei-lu/auditrag"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cfg, err := auditrag.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging at the configured level.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	// Server-level knobs stay out of the engine config.
	apiKey := os.Getenv("AUDITRAG_API_KEY")
	corsOrigins := os.Getenv("AUDITRAG_CORS_ORIGINS")

	engine, err := auditrag.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)

	r := chi.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware(corsOrigins))
	r.Use(authMiddleware(apiKey))
	r.Use(logMiddleware)

	r.Post("/upload_store", h.handleUploadStore)
	r.Post("/search_with_intent", h.handleSearchWithIntent)
	r.Post("/ask", h.handleAsk)
	r.Post("/v1/chat/completions", h.handleChatCompletions)

	r.Get("/info", h.handleInfo)
	r.Get("/health", h.handleHealth)
	r.Get("/queries", h.handleRecentQueries)

	r.Get("/documents", h.handleListDocuments)
	r.Get("/documents/stats", h.handleDocumentStats)
	r.Get("/documents/{id}", h.handleGetDocument)
	r.Get("/documents/{id}/chunks", h.handleDocumentChunks)
	r.Delete("/documents/{id}", h.handleDeleteDocument)
	r.Delete("/documents", h.handleClearAll)

	r.Post("/graph/rebuild", h.handleGraphRebuild)
	r.Get("/graph/overview", h.handleGraphOverview)
	r.Get("/graph/nodes", h.handleGraphNodes)
	r.Get("/graph/edges", h.handleGraphEdges)
	// Node ids embed colons and entity names, so the tail is a wildcard.
	r.Get("/graph/node/*", h.handleGraphNode)
	r.Post("/graph/subgraph", h.handleGraphSubgraph)
	r.Post("/graph/path", h.handleGraphPath)

	r.Post("/chunk_test", h.handleChunkTest)
	r.Post("/chunk_test_upload", h.handleChunkTestUpload)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE answers and long uploads
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
