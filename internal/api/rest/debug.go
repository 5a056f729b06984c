package rest

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/plogdev/plog-backend/internal/bottleneck"
	"github.com/plogdev/plog-backend/internal/models"
)

// CacheStatus handles GET /debug/cache/status.
func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.pods.Status())
}

// CacheCleanup handles POST /debug/cache/cleanup: an on-demand TTL sweep.
func (h *Handler) CacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed := h.pods.Cleanup()
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// BottleneckAnalysis handles GET /debug/bottleneck-analysis/{test_history_id}:
// it reruns the deterministic detector over the stored series and returns
// both the problems and the rendered LLM context, bypassing the LLM entirely.
func (h *Handler) BottleneckAnalysis(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(mux.Vars(r)["test_history_id"], 10, 64)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid test_history_id")
		return
	}

	detail, err := h.repo.GetTestDetail(r.Context(), testID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var pods []bottleneck.PodResources
	byPod := map[string][]models.TestResourcePoint{}
	for i := range detail.Scenarios {
		sc := &detail.Scenarios[i]
		if len(sc.Resources) == 0 {
			continue
		}
		infra, err := h.repo.InfraForScenario(r.Context(), sc.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		names := make(map[int64]string, len(infra))
		for _, si := range infra {
			names[si.ID] = si.Name
		}
		for _, p := range sc.Resources {
			name := names[p.ServerInfraID]
			if name == "" {
				name = fmt.Sprintf("infra-%d", p.ServerInfraID)
			}
			byPod[name] = append(byPod[name], p)
		}
	}
	podNames := make([]string, 0, len(byPod))
	for name := range byPod {
		podNames = append(podNames, name)
	}
	sort.Strings(podNames)
	for _, name := range podNames {
		pods = append(pods, bottleneck.PodResourcesFromPoints(name, byPod[name]))
	}

	problems := h.detector.Detect(detail.Overall, pods)
	respondJSON(w, http.StatusOK, map[string]any{
		"test_history_id": testID,
		"problems":        problems,
		"ai_context":      h.detector.GenerateAIAnalysisContext(problems),
	})
}
