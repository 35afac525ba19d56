package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// CredentialService is the part of the acquisition orchestrator the REST
// API exposes.
type CredentialService interface {
	AcquireCredential(ctx context.Context, forceRefresh bool) (*model.CachedCredential, error)
	Invalidate(ctx context.Context)
	InvalidateIfCurrent(ctx context.Context, rejected *model.CachedCredential) bool
	Status(ctx context.Context) application.AcquisitionStatus
	History(ctx context.Context, limit int) ([]model.AcquisitionRecord, error)
}

// Refresher runs a keep-warm login on demand.
type Refresher interface {
	RefreshNow(ctx context.Context) error
}

// Handler is the HTTP driving adapter that serves the REST API and the
// credential-attaching reverse proxy.
type Handler struct {
	svc            CredentialService
	refresher      Refresher
	proxy          *proxy
	gatherer       prometheus.Gatherer
	apiKey         string
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithRefresher enables POST /api/v1/credential/refresh.
func WithRefresher(r Refresher) Option {
	return func(h *Handler) { h.refresher = r }
}

// WithUpstream enables /proxy/ forwarding to baseURL. A nil client uses
// http.DefaultClient.
func WithUpstream(baseURL string, client *http.Client) Option {
	return func(h *Handler) {
		if baseURL != "" {
			h.proxy = newProxy(baseURL, client)
		}
	}
}

// WithMetrics serves g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithAPIKey requires key on every route except health and metrics.
func WithAPIKey(key string) Option {
	return func(h *Handler) { h.apiKey = key }
}

// WithAcquireTimeout bounds how long a request waits for a credential. The
// login itself keeps running after the caller gives up.
func WithAcquireTimeout(d time.Duration) Option {
	return func(h *Handler) { h.acquireTimeout = d }
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(svc CredentialService, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging, recovery and API key middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/credential", h.GetCredential)
	mux.HandleFunc("POST /api/v1/credential/invalidate", h.InvalidateCredential)
	mux.HandleFunc("POST /api/v1/credential/refresh", h.RefreshCredential)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /api/v1/acquisitions", h.ListAcquisitions)

	if h.proxy != nil {
		mux.HandleFunc("/proxy/{path...}", h.Proxy)
	}
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = apiKeyMiddleware(h.apiKey, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// GetCredential returns a valid credential, logging in when needed. With
// ?refresh=true the cache is bypassed.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid refresh parameter")
		return
	}

	ctx, cancel := h.acquireContext(r.Context())
	defer cancel()

	cred, err := h.svc.AcquireCredential(ctx, force)
	if err != nil {
		h.writeAcquireError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCredentialResponse(cred))
}

// InvalidateCredential drops the cached credential.
func (h *Handler) InvalidateCredential(w http.ResponseWriter, r *http.Request) {
	h.svc.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// RefreshCredential logs in again while the current credential stays in
// service, then reports the new state.
func (h *Handler) RefreshCredential(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, http.StatusNotFound, "refresh is not enabled")
		return
	}

	ctx, cancel := h.acquireContext(r.Context())
	defer cancel()

	if err := h.refresher.RefreshNow(ctx); err != nil {
		h.writeAcquireError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(h.svc.Status(r.Context())))
}

// Status reports cache and login state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(h.svc.Status(r.Context())))
}

// ListAcquisitions returns recent login sequences, newest first.
func (h *Handler) ListAcquisitions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := h.svc.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list acquisitions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AcquisitionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toAcquisitionResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.acquireTimeout > 0 {
		return context.WithTimeout(ctx, h.acquireTimeout)
	}
	return context.WithCancel(ctx)
}

// writeAcquireError maps an acquisition failure to its status code.
func (h *Handler) writeAcquireError(w http.ResponseWriter, err error) {
	status, code := acquireErrorStatus(err)
	if status == http.StatusGatewayTimeout {
		h.logger.Warn("credential request timed out", "error", err)
	} else {
		h.logger.Error("credential acquisition failed", "code", code, "error", err)
	}
	writeJSON(w, status, AcquireErrorResponse{
		Error:    err.Error(),
		Code:     code,
		Artifact: model.ArtifactOf(err),
	})
}

func acquireErrorStatus(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout, "Timeout"
	}
	kind := model.KindOf(err)
	if kind == model.KindConfiguration {
		return http.StatusServiceUnavailable, string(kind)
	}
	return http.StatusBadGateway, string(kind)
}

// parseBool accepts an empty value as false.
func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
