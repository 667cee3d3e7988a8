package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/HanTheDev/review-gateway/internal/auth"
	"github.com/HanTheDev/review-gateway/internal/cache"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type QuotaReporter interface {
	Snapshot() models.QuotaState
	IsRateLimited() bool
	GetRetryAfter() int
}

type CredentialPool interface {
	Index() int
	Len() int
}

type CacheInvalidator interface {
	DeleteByPrefix(ctx context.Context, prefix string) cache.Outcome
}

type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) cache.Outcome
}

type AdminHandler struct {
	quota     QuotaReporter
	creds     CredentialPool
	cache     CacheInvalidator
	tenants   TenantInvalidator
	jwtSecret string
}

func NewAdminHandler(quota QuotaReporter, creds CredentialPool, c CacheInvalidator, tenants TenantInvalidator, jwtSecret string) *AdminHandler {
	return &AdminHandler{quota: quota, creds: creds, cache: c, tenants: tenants, jwtSecret: jwtSecret}
}

// RegisterRoutes mounts the operator routes; router should require an
// admin token.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/quota", h.GetQuota).Methods("GET")
	router.HandleFunc("/cache", h.InvalidateCache).Methods("DELETE")
	router.HandleFunc("/tenants/{tenant}/cache", h.InvalidateTenantCache).Methods("DELETE")
	router.HandleFunc("/tokens", h.IssueToken).Methods("POST")
}

func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	state := h.quota.Snapshot()
	state.CredentialIndex = h.creds.Index()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"quota":               state,
		"rate_limited":        h.quota.IsRateLimited(),
		"retry_after_seconds": h.quota.GetRetryAfter(),
		"credential_count":    h.creds.Len(),
	})
}

func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		http.Error(w, "prefix is required", http.StatusBadRequest)
		return
	}

	out := h.cache.DeleteByPrefix(r.Context(), prefix)
	log.Infof("admin: cache invalidated (prefix=%s)", prefix)
	writeInvalidated(w, out)
}

func (h *AdminHandler) InvalidateTenantCache(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	out := h.tenants.InvalidateTenant(r.Context(), tenantID)
	log.Infof("admin: tenant cache invalidated (tenant=%s)", tenantID)
	writeInvalidated(w, out)
}

// IssueToken mints a gateway bearer token for a tenant.
func (h *AdminHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Admin    bool   `json:"admin"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	token, err := auth.GenerateToken(req.TenantID, req.Admin, h.jwtSecret)
	if err != nil {
		log.WithError(err).Error("admin: token generation failed")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	log.Infof("admin: issued token (tenant=%s, admin=%t)", req.TenantID, req.Admin)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"token": token,
	})
}

func writeInvalidated(w http.ResponseWriter, out cache.Outcome) {
	resp := map[string]any{"status": "invalidated", "degraded": out.Degraded != nil}
	if out.Degraded != nil {
		resp["warning"] = "shared cache tier unavailable; only this instance was cleared"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
