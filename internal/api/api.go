// ABOUTME: HTTP handler wiring for the messaging API: routes, auth, limits, errors
// ABOUTME: Maps the store error taxonomy onto HTTP status codes

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/conversation"
	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Options configures the API handler.
type Options struct {
	Verifier   auth.TokenVerifier
	Moderators []string // user IDs granted the moderator role
	RateLimit  RateLimit
	Metrics    *metrics.Metrics
	// Ready reports whether the service can take traffic. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Handler serves the messaging API over a conversation service.
type Handler struct {
	svc     *conversation.Service
	opts    Options
	limiter *limiterPool
	logger  *slog.Logger
}

// New creates an API handler. Pass nil logger for default.
func New(svc *conversation.Service, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		opts:    opts,
		limiter: newLimiterPool(opts.RateLimit),
		logger:  logger.With("component", "api"),
	}
}

// Run performs background housekeeping until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	h.limiter.run(ctx)
}

// Routes returns the complete HTTP handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	authMiddleware := auth.HTTPMiddleware(h.opts.Verifier, h.opts.Moderators)
	api := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h.rateLimit(fn)))
	}

	// Threads
	api("POST /api/threads", h.handleCreateThread)
	api("GET /api/threads", h.handleListThreads)
	api("GET /api/threads/{id}", h.handleGetThread)
	api("PUT /api/threads/{id}/mute", h.handleMuteThread)
	api("PUT /api/threads/{id}/archive", h.handleArchiveThread)
	api("GET /api/threads/{id}/messages", h.handleListMessages)
	api("POST /api/threads/{id}/messages", h.handleSendMessage)
	api("GET /api/threads/{id}/typing", h.handleListTyping)
	api("POST /api/threads/{id}/typing", h.handleSetTyping)
	api("GET /api/threads/{id}/events", h.handleEvents)
	api("POST /api/threads/{id}/export", h.handleExportThread)
	api("GET /api/exports/{id}", h.handleGetExport)

	// Messages
	api("PUT /api/messages/{id}/read", h.handleMarkRead)
	api("PATCH /api/messages/{id}", h.handleEditMessage)
	api("DELETE /api/messages/{id}", h.handleDeleteMessage)
	api("POST /api/messages/{id}/reports", h.handleReportMessage)
	api("POST /api/messages/{id}/review", h.handleReviewMessage)
	api("GET /api/messages/{id}/attachments", h.handleListAttachments)
	api("POST /api/attachments/{id}/retry", h.handleRetryAttachment)
	api("GET /api/search", h.handleSearch)

	// Moderation
	api("GET /api/reports", h.handleListReports)
	api("POST /api/reports/{id}/review", h.handleReviewReport)
	api("POST /api/reports/{id}/resolve", h.handleResolveReport)
	api("POST /api/reports/{id}/dismiss", h.handleDismissReport)
	api("GET /api/audit", h.handleAuditLog)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)

	return h.instrument(mux)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument counts requests by matched route pattern and status code.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		h.opts.Metrics.HTTPRequest(route, status)
	})
}

// handleHealth returns 200 OK if the process is running.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when dependencies are reachable.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case store.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes the JSON error body for an operation failure.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.logger.Warn("transient failure", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", store.ErrValidation)
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, store.ErrValidation)
	}
	return n, nil
}

// queryString returns a pointer to a non-empty query parameter.
func queryString(r *http.Request, name string) *string {
	if v := r.URL.Query().Get(name); v != "" {
		return &v
	}
	return nil
}
