package models

import (
	"encoding/json"
	"time"
)

// QuotaState is the process-wide request accounting owned by ratelimit.QuotaGuard.
type QuotaState struct {
	RequestCount      int       `json:"request_count"`
	DailyRequestCount int       `json:"daily_request_count"`
	LastResetTime     time.Time `json:"last_reset_time"`
	DailyResetTime    time.Time `json:"daily_reset_time"`
	IsLimited         bool      `json:"is_limited"`
	QuotaLimitedUntil time.Time `json:"quota_limited_until"`
	CredentialIndex   int       `json:"credential_index"`
}

type CredentialSet struct {
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
}

type TokenRecord struct {
	TenantID     string    `json:"tenant_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiryDate   time.Time `json:"expiry_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditRecord is appended once per attempted reply, whatever the outcome.
type AuditRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	TargetID     string    `json:"target_id"`
	Payload      string    `json:"payload"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type RateLimitEvent struct {
	ID        int64     `json:"id"`
	LimitType string    `json:"limit_type"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// PagedReviews is one page of reviews as returned by the provider. Review
// bodies are passed through untouched.
type PagedReviews struct {
	Reviews          []json.RawMessage `json:"reviews"`
	AverageRating    float64           `json:"averageRating,omitempty"`
	TotalReviewCount int               `json:"totalReviewCount,omitempty"`
	NextPageToken    string            `json:"nextPageToken,omitempty"`
}
