// Package gateway is the HTTP front door: it authenticates webhook
// deliveries, classifies them and hands accepted jobs to the dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/mux"

	"github.com/cexll/fixbot/internal/classifier"
	"github.com/cexll/fixbot/internal/dispatcher"
	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/jobstore"
	"github.com/cexll/fixbot/internal/metrics"
)

const (
	maxPayloadBytes = 10 << 20
	dedupeTTL       = 12 * time.Hour
	serviceName     = "fixbot"
)

// Classifier decides whether a delivery starts a job.
type Classifier interface {
	Classify(ctx context.Context, eventType string, raw []byte) classifier.Decision
	CreateJob(ctx context.Context, eventType string, raw []byte) (*job.Job, error)
}

// JobDispatcher enqueues jobs for asynchronous execution
type JobDispatcher interface {
	Enqueue(j *job.Job) error
	Len() int
}

// Registry records accepted jobs.
type Registry interface {
	Create(j *job.Job)
	Fail(id string, err error)
	Counts() map[jobstore.Status]int
}

// Options configures a Handler.
type Options struct {
	Platform      job.Platform
	WebhookSecret string
	TestMode      bool
	BotName       string
}

// Handler handles webhook deliveries and service status requests.
type Handler struct {
	opts       Options
	classifier Classifier
	dispatcher JobDispatcher
	registry   Registry
	deduper    *deliveryDeduper
}

// NewHandler creates a new webhook handler
func NewHandler(opts Options, c Classifier, d JobDispatcher, r Registry) *Handler {
	return &Handler{
		opts:       opts,
		classifier: c,
		dispatcher: d,
		registry:   r,
		deduper:    newDeliveryDeduper(dedupeTTL),
	}
}

// RegisterRoutes registers the webhook and status routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(Recover)
	r.HandleFunc("/", h.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/webhook", h.Handle).Methods(http.MethodPost)
	r.HandleFunc("/api/github/webhook", h.Handle).Methods(http.MethodPost)
	r.HandleFunc("/api/gitcode/webhook", h.Handle).Methods(http.MethodPost)
}

// Handle processes one webhook delivery. It never waits for the job.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	platform := string(h.opts.Platform)
	event := eventType(h.opts.Platform, r.Header)
	log := clog.FromContext(ctx).With("event", event, "platform", platform)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		log.Warnf("Error reading payload: %v", err)
		metrics.Webhook(platform, event, "rejected")
		writeDetail(w, http.StatusBadRequest, "Error reading payload")
		return
	}

	if h.opts.TestMode {
		log.Debugf("TEST_MODE enabled, skipping signature verification")
	} else if !VerifySignature(payload, signatureHeader(h.opts.Platform, r.Header), h.opts.WebhookSecret) {
		log.Warnf("Signature verification failed")
		metrics.Webhook(platform, event, "rejected")
		writeDetail(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	if !json.Valid(payload) {
		metrics.Webhook(platform, event, "rejected")
		writeDetail(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	delivery := deliveryID(r.Header)
	if delivery != "" && !h.deduper.markIfNew(delivery) {
		log.Infof("Skipping duplicate delivery %s", delivery)
		h.ignore(w, platform, event, "Duplicate delivery")
		return
	}

	decision := h.classifier.Classify(ctx, event, payload)
	if !decision.Process {
		log.Debugf("Ignoring event: %s", decision.Reason)
		h.ignore(w, platform, event, decision.Reason)
		return
	}

	j, err := h.classifier.CreateJob(ctx, event, payload)
	switch {
	case errors.Is(err, classifier.ErrUnauthorized), errors.Is(err, classifier.ErrMissingField), errors.Is(err, classifier.ErrNotTriggering):
		log.Infof("Not starting a job: %v", err)
		h.ignore(w, platform, event, err.Error())
		return
	case err != nil:
		h.forget(delivery)
		metrics.Webhook(platform, event, "error")
		log.Errorf("Failed to create job: %v", err)
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}

	h.registry.Create(j)
	if err := h.dispatcher.Enqueue(j); err != nil {
		h.forget(delivery)
		h.registry.Fail(j.ID, err)
		metrics.Webhook(platform, event, "error")
		log.Errorf("Failed to enqueue job %s: %v", j.ID, err)
		status := http.StatusInternalServerError
		if errors.Is(err, dispatcher.ErrQueueFull) || errors.Is(err, dispatcher.ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		writeDetail(w, status, err.Error())
		return
	}

	log.Infof("Job %s queued for %s issue %s", j.ID, j.FullName(), j.DisplayRef())
	metrics.Webhook(platform, event, "accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "job_id": j.ID})
}

func (h *Handler) ignore(w http.ResponseWriter, platform, event, reason string) {
	metrics.Webhook(platform, event, "ignored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
}

func (h *Handler) forget(delivery string) {
	if delivery != "" {
		h.deduper.forget(delivery)
	}
}

func (h *Handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     serviceName,
		"status":      "running",
		"platform":    h.opts.Platform,
		"bot_name":    h.opts.BotName,
		"test_mode":   h.opts.TestMode,
		"queue_depth": h.dispatcher.Len(),
		"jobs":        h.registry.Counts(),
	})
}

// Recover turns a panic in a handler into a 500 response.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				clog.FromContext(r.Context()).Errorf("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
