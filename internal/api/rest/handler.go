// Package rest exposes the HTTP surface: realtime stream, analysis history,
// health, the run inventory, and the debug endpoints.
package rest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/plogdev/plog-backend/internal/api/middleware"
	"github.com/plogdev/plog-backend/internal/bottleneck"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/podspec"
	"github.com/plogdev/plog-backend/internal/repository"
)

// ModelLister is the slice of the LLM client the health check needs.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type Handler struct {
	repo          *repository.SQLiteRepository
	llm           ModelLister
	detector      *bottleneck.Detector
	pods          *podspec.Cache
	stream        http.Handler
	testNamespace string
	log           *slog.Logger
}

func NewHandler(
	repo *repository.SQLiteRepository,
	llm ModelLister,
	detector *bottleneck.Detector,
	pods *podspec.Cache,
	stream http.Handler,
	testNamespace string,
	log *slog.Logger,
) *Handler {
	return &Handler{
		repo:          repo,
		llm:           llm,
		detector:      detector,
		pods:          pods,
		stream:        stream,
		testNamespace: testNamespace,
		log:           log,
	}
}

// Router wires all routes with request-id, logging, and CORS middleware.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLog)

	r.HandleFunc("/healthz/live", h.Live).Methods(http.MethodGet)
	r.HandleFunc("/healthz/ready", h.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/sse/k6data/{job_name}", h.stream).Methods(http.MethodGet)

	r.HandleFunc("/tests/{test_history_id:[0-9]+}", h.GetTest).Methods(http.MethodGet)
	r.HandleFunc("/infra", h.ListInfra).Methods(http.MethodGet)
	r.HandleFunc("/infra/{spec_id:[0-9]+}", h.ListInfraBySpec).Methods(http.MethodGet)

	r.HandleFunc("/analysis/history/{test_history_id:[0-9]+}", h.AnalysisHistory).Methods(http.MethodGet)
	r.HandleFunc("/analysis/health", h.AnalysisHealth).Methods(http.MethodGet)

	r.HandleFunc("/debug/cache/status", h.CacheStatus).Methods(http.MethodGet)
	r.HandleFunc("/debug/cache/cleanup", h.CacheCleanup).Methods(http.MethodPost)
	r.HandleFunc("/debug/bottleneck-analysis/{test_history_id:[0-9]+}", h.BottleneckAnalysis).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.ResponseRequestIDHeader},
	})
	return c.Handler(r)
}
