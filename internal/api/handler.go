// Package api exposes the provider operations to authenticated tenants.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/auth"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const maxReplyBody = 64 << 10

// Service is implemented by provider.Client.
type Service interface {
	GetAccounts(ctx context.Context, tenantID string, useCache bool) ([]json.RawMessage, error)
	GetLocations(ctx context.Context, tenantID, accountID string, useCache bool) ([]json.RawMessage, error)
	GetReviews(ctx context.Context, tenantID, locationName string, pageSize int, pageToken string, useCache bool) (*models.PagedReviews, error)
	ReplyToReview(ctx context.Context, tenantID, reviewName, comment string) (json.RawMessage, error)
}

// RetryHinter reports how many seconds callers should wait; see
// ratelimit.QuotaGuard.GetRetryAfter.
type RetryHinter interface {
	GetRetryAfter() int
}

type Handler struct {
	svc   Service
	hints RetryHinter
}

func NewHandler(svc Service, hints RetryHinter) *Handler {
	return &Handler{svc: svc, hints: hints}
}

// RegisterRoutes mounts the tenant routes on router, which is expected to
// sit behind auth.Middleware.Authenticate.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Use(AccessLog)
	router.HandleFunc("/accounts", h.GetAccounts).Methods("GET")
	router.HandleFunc("/accounts/{accountId}/locations", h.GetLocations).Methods("GET")
	router.HandleFunc("/reviews", h.GetReviews).Methods("GET")
	router.HandleFunc("/reviews/reply", h.ReplyToReview).Methods("POST")
}

func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	accounts, err := h.svc.GetAccounts(r.Context(), tenantID, useCache(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	locations, err := h.svc.GetLocations(r.Context(), tenantID, mux.Vars(r)["accountId"], useCache(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (h *Handler) GetReviews(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	location := q.Get("location")
	if location == "" {
		http.Error(w, "location is required", http.StatusBadRequest)
		return
	}
	pageSize := 0
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "pageSize must be a positive integer", http.StatusBadRequest)
			return
		}
		pageSize = n
	}

	page, err := h.svc.GetReviews(r.Context(), tenantID, location, pageSize, q.Get("pageToken"), useCache(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) ReplyToReview(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		Review  string `json:"review"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReplyBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	resp, err := h.svc.ReplyToReview(r.Context(), tenantID, req.Review, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apierrors.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case apierrors.IsAuthenticationRequired(err):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   "authentication_required",
			"message": "Please reconnect your business account.",
		})
	case errors.Is(err, context.Canceled):
		// client went away
		log.Debugf("api: request cancelled (path=%s)", r.URL.Path)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Upstream timeout", http.StatusGatewayTimeout)
	case apierrors.IsQuotaExceeded(err):
		h.setRetryAfter(w)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "quota_exceeded",
			"message": "The provider quota is exhausted. Please try again later.",
		})
	default:
		log.WithError(err).Errorf("api: request failed (path=%s)", r.URL.Path)
		h.setRetryAfter(w)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "unavailable",
			"message": "Please try again later.",
		})
	}
}

func (h *Handler) setRetryAfter(w http.ResponseWriter) {
	if h.hints == nil {
		return
	}
	if secs := h.hints.GetRetryAfter(); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.GetTenantFromContext(r.Context())
	if !ok {
		log.Warnf("api: no claims in context (path=%s)", r.URL.Path)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return claims.TenantID, true
}

func useCache(r *http.Request) bool {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return !refresh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("api: failed to write response")
	}
}

// AccessLog logs one line per request with its status and latency and tags
// the response with a request id.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		fields := log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.statusCode,
			"bytes":      recorder.size,
			"elapsed_ms": time.Since(startTime).Milliseconds(),
		}
		if claims, ok := auth.GetTenantFromContext(r.Context()); ok {
			fields["tenant"] = claims.TenantID
		}
		log.WithFields(fields).Info("api: request completed")
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	size          int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.headerWritten = true
	size, err := r.ResponseWriter.Write(b)
	r.size += size
	return size, err
}
