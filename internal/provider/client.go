// Package provider implements the four domain operations against the
// business-data API: cache lookup, token, gated and retried provider call,
// cache populate. Replies skip the cache and are always audited.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/cache"
	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/metrics"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/HanTheDev/review-gateway/internal/retry"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	AccountsTTL  = time.Hour
	LocationsTTL = time.Hour
	ReviewsTTL   = 5 * time.Minute

	DefaultReviewPageSize = 20
	MaxReviewPageSize     = 50

	// upper bound on pages followed for one account or location listing
	maxListPages = 50

	// sharedReadTimeout bounds a coalesced read once it no longer follows
	// any single caller's context.
	sharedReadTimeout = 5 * time.Minute
)

// TokenSource hands out a tenant's provider access token; false means the
// tenant has to reconnect.
type TokenSource interface {
	GetAuthToken(ctx context.Context, tenantID string) (string, bool)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, record *models.AuditRecord) error
}

type Client struct {
	api    API
	tokens TokenSource
	exec   *retry.Executor
	cache  *cache.Cache
	audit  AuditLog
	clock  clock.Clock
	reads  singleflight.Group
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(client *Client) { client.clock = c }
}

func NewClient(api API, tokens TokenSource, exec *retry.Executor, c *cache.Cache, audit AuditLog, opts ...Option) *Client {
	client := &Client{
		api:    api,
		tokens: tokens,
		exec:   exec,
		cache:  c,
		audit:  audit,
		clock:  clock.Wall,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func AccountsKey(tenantID string) string {
	return "accounts:" + tenantID
}

func LocationsKey(tenantID, accountName string) string {
	return "locations:" + tenantID + ":" + accountName
}

func ReviewsKey(tenantID, locationName string, pageSize int, pageToken string) string {
	return fmt.Sprintf("reviews:%s:%s:%d:%s", tenantID, locationName, pageSize, pageToken)
}

// GetAccounts lists every account the tenant can manage.
func (c *Client) GetAccounts(ctx context.Context, tenantID string, useCache bool) ([]json.RawMessage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is empty: %w", apierrors.ErrInvalidArgument)
	}
	return cachedRead(ctx, c, "get_accounts", tenantID, AccountsKey(tenantID), AccountsTTL, useCache,
		func(ctx context.Context, token string) ([]json.RawMessage, error) {
			return c.collect(ctx, func(ctx context.Context, pageToken string) (*Page, error) {
				return c.api.ListAccounts(ctx, token, pageToken)
			})
		})
}

// GetLocations lists the locations of one account. accountID may be the bare
// id or the "accounts/<id>" resource name.
func (c *Client) GetLocations(ctx context.Context, tenantID, accountID string, useCache bool) ([]json.RawMessage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is empty: %w", apierrors.ErrInvalidArgument)
	}
	accountName, err := AccountName(accountID)
	if err != nil {
		return nil, err
	}
	return cachedRead(ctx, c, "get_locations", tenantID, LocationsKey(tenantID, accountName), LocationsTTL, useCache,
		func(ctx context.Context, token string) ([]json.RawMessage, error) {
			return c.collect(ctx, func(ctx context.Context, pageToken string) (*Page, error) {
				return c.api.ListLocations(ctx, token, accountName, pageToken)
			})
		})
}

// GetReviews fetches one page of reviews for a location given as
// "accounts/<id>/locations/<id>". A non-positive pageSize means 20.
func (c *Client) GetReviews(ctx context.Context, tenantID, locationName string, pageSize int, pageToken string, useCache bool) (*models.PagedReviews, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is empty: %w", apierrors.ErrInvalidArgument)
	}
	if !validName(locationName, "locations") {
		return nil, fmt.Errorf("location %q: %w", locationName, apierrors.ErrInvalidArgument)
	}
	if pageSize <= 0 {
		pageSize = DefaultReviewPageSize
	}
	pageSize = min(pageSize, MaxReviewPageSize)

	return cachedRead(ctx, c, "get_reviews", tenantID, ReviewsKey(tenantID, locationName, pageSize, pageToken), ReviewsTTL, useCache,
		func(ctx context.Context, token string) (*models.PagedReviews, error) {
			return retry.Do(ctx, c.exec, func(ctx context.Context) (*models.PagedReviews, error) {
				return c.api.ListReviews(ctx, token, locationName, pageSize, pageToken)
			})
		})
}

// ReplyToReview posts or replaces the owner reply on a review. Every attempt
// that gets past argument validation leaves one audit record.
func (c *Client) ReplyToReview(ctx context.Context, tenantID, reviewName, comment string) (json.RawMessage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is empty: %w", apierrors.ErrInvalidArgument)
	}
	if !validName(reviewName, "reviews") {
		return nil, fmt.Errorf("review %q: %w", reviewName, apierrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(comment) == "" {
		return nil, fmt.Errorf("reply text is empty: %w", apierrors.ErrInvalidArgument)
	}

	var (
		resp json.RawMessage
		err  error
	)
	token, ok := c.tokens.GetAuthToken(ctx, tenantID)
	switch {
	case !ok && ctx.Err() != nil:
		err = ctx.Err()
	case !ok:
		err = fmt.Errorf("reply to review: %w", apierrors.ErrAuthenticationRequired)
	default:
		resp, err = retry.Do(ctx, c.exec, func(ctx context.Context) (json.RawMessage, error) {
			return c.api.UpdateReply(ctx, token, reviewName, comment)
		})
		err = classify("reply to review", err)
	}

	c.appendAudit(ctx, tenantID, reviewName, comment, err)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("reply_to_review", "error").Inc()
		log.WithError(err).Errorf("provider: reply failed (tenant=%s, review=%s)", tenantID, reviewName)
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues("reply_to_review", "success").Inc()
	log.Infof("provider: reply posted (tenant=%s, review=%s)", tenantID, reviewName)
	return resp, nil
}

// InvalidateTenant drops every cached read of one tenant from both tiers.
func (c *Client) InvalidateTenant(ctx context.Context, tenantID string) cache.Outcome {
	var degraded []error
	if out := c.cache.Delete(ctx, AccountsKey(tenantID)); out.Degraded != nil {
		degraded = append(degraded, out.Degraded)
	}
	for _, prefix := range []string{"locations:" + tenantID + ":", "reviews:" + tenantID + ":"} {
		if out := c.cache.DeleteByPrefix(ctx, prefix); out.Degraded != nil {
			degraded = append(degraded, out.Degraded)
		}
	}
	return cache.Outcome{Degraded: errors.Join(degraded...)}
}

func (c *Client) appendAudit(ctx context.Context, tenantID, target, payload string, callErr error) {
	if c.audit == nil {
		return
	}
	record := &models.AuditRecord{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		TargetID:  target,
		Payload:   payload,
		Success:   callErr == nil,
		Timestamp: c.clock.Now().UTC(),
	}
	if callErr != nil {
		record.ErrorMessage = callErr.Error()
	}
	// the write already happened (or failed); a cancelled request must not
	// lose its audit row
	if err := c.audit.AppendAudit(context.WithoutCancel(ctx), record); err != nil {
		log.WithError(err).Errorf("provider: failed to append audit record (tenant=%s, review=%s)", tenantID, target)
	}
}

// collect follows nextPageToken, running each page through the executor.
func (c *Client) collect(ctx context.Context, list func(ctx context.Context, pageToken string) (*Page, error)) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0)
	pageToken := ""
	for i := 0; i < maxListPages; i++ {
		page, err := retry.Do(ctx, c.exec, func(ctx context.Context) (*Page, error) {
			return list(ctx, pageToken)
		})
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
	log.Warnf("provider: listing truncated after %d pages", maxListPages)
	return items, nil
}

func cachedRead[T any](ctx context.Context, c *Client, op, tenantID, key string, ttl time.Duration, useCache bool, fetch func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	if useCache {
		if hit := c.cache.Get(ctx, key, true); hit.Found {
			var cached T
			if err := json.Unmarshal(hit.Value, &cached); err == nil {
				metrics.ProviderCalls.WithLabelValues(op, "cache_hit").Inc()
				log.Debugf("provider: %s served from %s cache (tenant=%s)", op, hit.Tier, tenantID)
				return cached, nil
			}
			log.Warnf("provider: dropping undecodable cache entry (key=%s)", key)
			c.cache.Delete(ctx, key)
		}
	}

	// The flight outlives whichever caller started it; each caller waits on
	// its own ctx.
	ch := c.reads.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()

		token, ok := c.tokens.GetAuthToken(readCtx, tenantID)
		if !ok {
			return nil, fmt.Errorf("%s: %w", op, apierrors.ErrAuthenticationRequired)
		}
		result, err := fetch(readCtx, token)
		if err != nil {
			return nil, classify(op, err)
		}
		raw, err := json.Marshal(result)
		if err != nil {
			log.WithError(err).Warnf("provider: result not cacheable (key=%s)", key)
			return result, nil
		}
		c.cache.Set(readCtx, key, raw, ttl, true)
		return result, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		log.Debugf("provider: %s abandoned by caller (tenant=%s): %v", op, tenantID, ctx.Err())
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		metrics.ProviderCalls.WithLabelValues(op, "error").Inc()
		log.WithError(res.Err).Warnf("provider: %s failed (tenant=%s)", op, tenantID)
		return zero, res.Err
	}
	if res.Shared {
		log.Debugf("provider: %s joined an in-flight call (key=%s)", op, key)
	}
	metrics.ProviderCalls.WithLabelValues(op, "success").Inc()
	return res.Val.(T), nil
}

// classify turns a provider 401 into ErrAuthenticationRequired so callers
// only need errors.Is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsAuthenticationRequired(err) && !errors.Is(err, apierrors.ErrAuthenticationRequired) {
		return fmt.Errorf("%s: %w: %w", op, apierrors.ErrAuthenticationRequired, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AccountName normalizes an account id to its "accounts/<id>" resource name.
func AccountName(accountID string) (string, error) {
	name := accountID
	if !strings.HasPrefix(name, "accounts/") {
		name = "accounts/" + name
	}
	if strings.Count(name, "/") != 1 || !validName(name, "") {
		return "", fmt.Errorf("account %q: %w", accountID, apierrors.ErrInvalidArgument)
	}
	return name, nil
}

// validName checks a provider resource name such as
// "accounts/1/locations/2/reviews/3". When kind is set, the name must end
// with a "<kind>/<id>" pair.
func validName(name, kind string) bool {
	if name == "" || strings.ContainsAny(name, "?#% \t\n") {
		return false
	}
	parts := strings.Split(name, "/")
	if len(parts)%2 != 0 || parts[0] != "accounts" {
		return false
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	if kind != "" && parts[len(parts)-2] != kind {
		return false
	}
	return true
}
