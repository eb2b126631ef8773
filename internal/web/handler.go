// Package web serves the read-only job status API.
package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cexll/fixbot/internal/jobstore"
)

// JobLister is the read side of the job store.
type JobLister interface {
	List() []jobstore.Record
	Get(id string) (jobstore.Record, bool)
}

// Handler handles job status requests
type Handler struct {
	store JobLister
}

// NewHandler creates a new web handler
func NewHandler(store JobLister) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the job status routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/jobs", h.handleJobList).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", h.handleJobDetail).Methods(http.MethodGet)
}

type jobSummary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Status      jobstore.Status `json:"status"`
	Repository  string          `json:"repository"`
	IssueNumber int             `json:"issue_number"`
	Actor       string          `json:"actor"`
	Phase       string          `json:"phase,omitempty"`
	PRURL       string          `json:"pr_url,omitempty"`
	StatusIcon  string          `json:"status_icon"`
}

// handleJobList lists jobs newest first, optionally filtered by ?status=.
func (h *Handler) handleJobList(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToLower(r.URL.Query().Get("status"))

	jobs := make([]jobSummary, 0)
	for _, rec := range h.store.List() {
		if filter != "" && string(rec.Status) != filter {
			continue
		}
		jobs = append(jobs, jobSummary{
			ID:          rec.ID,
			Title:       rec.Title,
			Status:      rec.Status,
			Repository:  rec.Owner + "/" + rec.Repo,
			IssueNumber: rec.IssueNumber,
			Actor:       rec.Actor,
			Phase:       string(rec.Phase),
			PRURL:       rec.PRURL,
			StatusIcon:  statusIcon(rec.Status),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleJobDetail returns one job including its log
func (h *Handler) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, ok := h.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Job not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusIcon(status jobstore.Status) string {
	switch status {
	case jobstore.StatusPending:
		return "○"
	case jobstore.StatusRunning:
		return "⟳"
	case jobstore.StatusSucceeded:
		return "✓"
	case jobstore.StatusFailed:
		return "✗"
	default:
		return "○"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
