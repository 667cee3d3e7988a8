package token

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/credentials"
	"github.com/HanTheDev/review-gateway/internal/metrics"
	"github.com/HanTheDev/review-gateway/internal/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	// used when the identity provider omits expires_in
	defaultLifetime = time.Hour

	// refreshTimeout bounds one token endpoint round trip shared by every
	// caller waiting on the same tenant.
	refreshTimeout = 30 * time.Second
)

// Store persists one TokenRecord per tenant. GetToken returns (nil, nil)
// when the tenant never authorized.
type Store interface {
	GetToken(ctx context.Context, tenantID string) (*models.TokenRecord, error)
	SaveToken(ctx context.Context, record *models.TokenRecord) error
}

// Manager hands out per-tenant access tokens, refreshing expired ones with
// the currently active OAuth client credentials.
type Manager struct {
	store      Store
	creds      *credentials.Rotator
	endpoint   oauth2.Endpoint
	clock      clock.Clock
	httpClient *http.Client
	refreshes  singleflight.Group
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

func NewManager(store Store, creds *credentials.Rotator, tokenURL string, opts ...Option) *Manager {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	m := &Manager{
		store: store,
		creds: creds,
		endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		clock: clock.Wall,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAuthToken returns a usable access token for the tenant. The boolean is
// false when the tenant has to go through interactive authorization again,
// or when ctx ends first; that case is never retried here. Concurrent callers
// for one tenant share a single refresh, which keeps running if the caller
// that started it goes away.
func (m *Manager) GetAuthToken(ctx context.Context, tenantID string) (string, bool) {
	record, err := m.store.GetToken(ctx, tenantID)
	if err != nil {
		log.WithError(err).Errorf("token: failed to load token (tenant=%s)", tenantID)
		return "", false
	}
	if record == nil {
		log.Debugf("token: no stored authorization (tenant=%s)", tenantID)
		return "", false
	}
	if record.ExpiryDate.After(m.clock.Now()) {
		return record.AccessToken, true
	}
	if record.RefreshToken == "" {
		log.Warnf("token: expired token without refresh token (tenant=%s)", tenantID)
		return "", false
	}

	ch := m.refreshes.DoChan(tenantID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, record)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		log.Debugf("token: caller gave up waiting for refresh (tenant=%s): %v", tenantID, ctx.Err())
		return "", false
	case res = <-ch:
	}
	if res.Err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		log.WithError(res.Err).Warnf("token: refresh failed (tenant=%s)", tenantID)
		return "", false
	}
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	return res.Val.(string), true
}

func (m *Manager) refresh(ctx context.Context, record *models.TokenRecord) (string, error) {
	cred := m.creds.Current()
	cfg := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     m.endpoint,
	}
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("refresh access token: empty access token in response")
	}

	now := m.clock.Now()
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultLifetime)
	}

	updated := *record
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiryDate = expiry.UTC().Truncate(time.Millisecond)
	updated.UpdatedAt = now.UTC()

	if err := m.store.SaveToken(ctx, &updated); err != nil {
		// the new token is still good for this call
		log.WithError(err).Errorf("token: failed to persist refreshed token (tenant=%s)", record.TenantID)
	}
	log.Infof("token: refreshed access token (tenant=%s, expires=%s)", record.TenantID, updated.ExpiryDate.Format(time.RFC3339))
	return updated.AccessToken, nil
}
