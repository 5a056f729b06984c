package rest

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// GetTest handles GET /tests/{test_history_id}: the run with its scenarios,
// stages, and stored time series fully preloaded.
func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, detail)
}

// ListInfra handles GET /infra?namespace=…: the discovered server inventory.
func (h *Handler) ListInfra(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = h.testNamespace
	}
	infra, err := h.repo.ListServerInfra(r.Context(), namespace)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, infra)
}

// ListInfraBySpec handles GET /infra/{spec_id}: the pods bound to one
// discovered spec.
func (h *Handler) ListInfraBySpec(w http.ResponseWriter, r *http.Request) {
	specID, err := strconv.ParseInt(mux.Vars(r)["spec_id"], 10, 64)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid spec_id")
		return
	}
	if _, err := h.repo.GetSpec(r.Context(), specID); err != nil {
		respondError(w, r, err)
		return
	}
	infra, err := h.repo.ListServerInfraBySpec(r.Context(), specID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, infra)
}
