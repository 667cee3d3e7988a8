package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

// GetToken returns the stored token of a tenant, or nil when the tenant
// never authorized.
func (db *DB) GetToken(ctx context.Context, tenantID string) (*models.TokenRecord, error) {
	query := `
        SELECT tenant_id, access_token, refresh_token, expiry_date, updated_at
        FROM oauth_tokens
        WHERE tenant_id = $1
    `

	var record models.TokenRecord
	err := db.q.QueryRow(ctx, query, tenantID).Scan(
		&record.TenantID,
		&record.AccessToken,
		&record.RefreshToken,
		&record.ExpiryDate,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	return &record, nil
}

func (db *DB) SaveToken(ctx context.Context, record *models.TokenRecord) error {
	query := `
        INSERT INTO oauth_tokens (tenant_id, access_token, refresh_token, expiry_date, updated_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (tenant_id) DO UPDATE
        SET access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expiry_date = EXCLUDED.expiry_date,
            updated_at = NOW()
    `

	_, err := db.q.Exec(ctx, query,
		record.TenantID,
		record.AccessToken,
		record.RefreshToken,
		record.ExpiryDate,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (db *DB) LogRateLimit(ctx context.Context, event *models.RateLimitEvent) error {
	query := `
        INSERT INTO rate_limit_logs (limit_type, count, threshold, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `

	err := db.q.QueryRow(ctx, query,
		event.LimitType,
		event.Count,
		event.Threshold,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("log rate limit: %w", err)
	}
	return nil
}

func (db *DB) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	query := `
        INSERT INTO reply_audit_logs (id, tenant_id, target_id, payload, success, error_message, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
    `

	_, err := db.q.Exec(ctx, query,
		record.ID,
		record.TenantID,
		record.TargetID,
		record.Payload,
		record.Success,
		record.ErrorMessage,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
