package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

const defaultHistoryLimit = 10

// AnalysisHistory handles GET /analysis/history/{test_history_id}. Rows come
// back newest first; limit is clamped to [1,100] and analysis_type filters
// one sub-analysis category.
func (h *Handler) AnalysisHistory(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(mux.Vars(r)["test_history_id"], 10, 64)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid test_history_id")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be in [1,100]")
			return
		}
	}

	// 404 on an unknown run rather than an empty list for a typo'd id.
	if _, err := h.repo.GetTestHistory(r.Context(), testID); err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := h.repo.ListAnalyses(r.Context(), testID, r.URL.Query().Get("analysis_type"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// AnalysisHealth handles GET /analysis/health: database and LLM reachability
// rolled into one status. A degraded LLM never blocks test execution, so it
// only downgrades the status to degraded.
func (h *Handler) AnalysisHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := h.repo.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	llmStatus := "healthy"
	models, err := h.llm.ListModels(ctx)
	if err != nil {
		llmStatus = "unreachable"
		models = []string{}
	}

	status := "healthy"
	switch {
	case dbStatus != "healthy":
		status = "unhealthy"
	case llmStatus != "healthy":
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":           status,
		"llm_status":       llmStatus,
		"database_status":  dbStatus,
		"available_models": models,
	})
}
