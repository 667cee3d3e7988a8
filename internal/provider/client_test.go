package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/cache"
	"github.com/HanTheDev/review-gateway/internal/clock/clocktest"
	"github.com/HanTheDev/review-gateway/internal/credentials"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/HanTheDev/review-gateway/internal/ratelimit"
	"github.com/HanTheDev/review-gateway/internal/retry"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	tokens   []string
	accounts []*Page
	err      error
	// failures is consumed before err: one error per call
	failures []error
	reply    json.RawMessage
	// when gate is set, ListReviews signals entered and blocks until gate
	// is closed
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeAPI) record(op, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	f.tokens = append(f.tokens, token)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return f.err
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) ListAccounts(ctx context.Context, accessToken, pageToken string) (*Page, error) {
	if err := f.record("accounts", accessToken); err != nil {
		return nil, err
	}
	if len(f.accounts) == 0 {
		return &Page{Items: []json.RawMessage{json.RawMessage(`{"name":"accounts/1"}`)}}, nil
	}
	idx := 0
	if pageToken != "" {
		idx = int(pageToken[0] - '0')
	}
	return f.accounts[idx], nil
}

func (f *fakeAPI) ListLocations(ctx context.Context, accessToken, accountName, pageToken string) (*Page, error) {
	if err := f.record("locations", accessToken); err != nil {
		return nil, err
	}
	return &Page{Items: []json.RawMessage{json.RawMessage(`{"name":"` + accountName + `/locations/9"}`)}}, nil
}

func (f *fakeAPI) ListReviews(ctx context.Context, accessToken, locationName string, pageSize int, pageToken string) (*models.PagedReviews, error) {
	if err := f.record("reviews", accessToken); err != nil {
		return nil, err
	}
	if f.gate != nil {
		f.entered <- struct{}{}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.PagedReviews{
		Reviews:          []json.RawMessage{json.RawMessage(`{"reviewId":"r1","starRating":"FIVE"}`)},
		AverageRating:    4.5,
		TotalReviewCount: pageSize,
		NextPageToken:    "next",
	}, nil
}

func (f *fakeAPI) UpdateReply(ctx context.Context, accessToken, reviewName, comment string) (json.RawMessage, error) {
	if err := f.record("reply", accessToken); err != nil {
		return nil, err
	}
	return f.reply, nil
}

type fakeTokens struct {
	mu    sync.Mutex
	valid map[string]string
	calls int
}

func (f *fakeTokens) GetAuthToken(ctx context.Context, tenantID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	tok, ok := f.valid[tenantID]
	return tok, ok
}

type fakeAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
}

func (f *fakeAudit) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *record)
	return f.err
}

type fixture struct {
	api    *fakeAPI
	tokens *fakeTokens
	audit  *fakeAudit
	cache  *cache.Cache
	creds  *credentials.Rotator
	clock  *clocktest.Stepping
	client *Client
}

func newFixture(t *testing.T, shared cache.Shared) *fixture {
	t.Helper()
	clk := clocktest.NewStepping(start)
	creds, err := credentials.NewRotator([]models.CredentialSet{
		{ClientID: "primary", ClientSecret: "s1"},
		{ClientID: "alternate", ClientSecret: "s2"},
	})
	require.NoError(t, err)
	guard := ratelimit.NewQuotaGuard(ratelimit.DefaultLimits(), clk, nil)
	exec := retry.NewExecutor(retry.DefaultConfig(), guard, creds, clk)

	f := &fixture{
		api:    &fakeAPI{reply: json.RawMessage(`{"comment":"thanks","updateTime":"2025-03-10T09:00:00Z"}`)},
		tokens: &fakeTokens{valid: map[string]string{"t1": "access-t1"}},
		audit:  &fakeAudit{},
		cache:  cache.New(shared, cache.WithClock(clk)),
		creds:  creds,
		clock:  clk,
	}
	f.client = NewClient(f.api, f.tokens, exec, f.cache, f.audit, WithClock(clk))
	return f
}

func TestGetAccountsCachesResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	accounts, err := f.client.GetAccounts(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.JSONEq(t, `{"name":"accounts/1"}`, string(accounts[0]))

	again, err := f.client.GetAccounts(ctx, "t1", true)
	require.NoError(t, err)
	require.Equal(t, accounts, again)
	require.Equal(t, 1, f.api.count("accounts"))
	// a cache hit never asks for a token
	require.Equal(t, 1, f.tokens.calls)

	hit := f.cache.Get(ctx, "accounts:t1", false)
	require.True(t, hit.Found)
}

func TestGetAccountsBypassCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.GetAccounts(ctx, "t1", true)
	require.NoError(t, err)
	_, err = f.client.GetAccounts(ctx, "t1", false)
	require.NoError(t, err)
	require.Equal(t, 2, f.api.count("accounts"))
}

func TestGetAccountsFollowsPages(t *testing.T) {
	f := newFixture(t, nil)
	f.api.accounts = []*Page{
		{Items: []json.RawMessage{json.RawMessage(`{"name":"accounts/1"}`)}, NextPageToken: "1"},
		{Items: []json.RawMessage{json.RawMessage(`{"name":"accounts/2"}`)}, NextPageToken: "2"},
		{Items: []json.RawMessage{json.RawMessage(`{"name":"accounts/3"}`)}},
	}

	accounts, err := f.client.GetAccounts(context.Background(), "t1", true)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	require.Equal(t, 3, f.api.count("accounts"))
}

func TestGetAccountsExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.GetAccounts(ctx, "t1", true)
	require.NoError(t, err)
	f.clock.Advance(AccountsTTL)
	_, err = f.client.GetAccounts(ctx, "t1", true)
	require.NoError(t, err)
	require.Equal(t, 2, f.api.count("accounts"))
}

func TestReadWithoutTokenRequiresAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.client.GetAccounts(context.Background(), "stranger", true)
	require.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)
	require.Zero(t, f.api.count("accounts"))
}

func TestProviderUnauthorizedMapsToAuthenticationRequired(t *testing.T) {
	f := newFixture(t, nil)
	f.api.err = apierrors.NewProviderError(http.StatusUnauthorized, []byte(`{"error":{"code":401,"status":"UNAUTHENTICATED"}}`))

	_, err := f.client.GetLocations(context.Background(), "t1", "1", true)
	require.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)
	require.Equal(t, 1, f.api.count("locations"))
}

func TestGetLocationsNormalizesAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	locations, err := f.client.GetLocations(ctx, "t1", "1", true)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"accounts/1/locations/9"}`, string(locations[0]))

	_, err = f.client.GetLocations(ctx, "t1", "accounts/1", true)
	require.NoError(t, err)
	require.Equal(t, 1, f.api.count("locations"))
	require.True(t, f.cache.Get(ctx, "locations:t1:accounts/1", false).Found)
}

func TestGetReviewsDefaultsAndKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	page, err := f.client.GetReviews(ctx, "t1", "accounts/1/locations/9", 0, "", true)
	require.NoError(t, err)
	require.Equal(t, DefaultReviewPageSize, page.TotalReviewCount)
	require.Equal(t, "next", page.NextPageToken)
	require.Len(t, page.Reviews, 1)

	require.True(t, f.cache.Get(ctx, "reviews:t1:accounts/1/locations/9:20:", false).Found)

	cached, err := f.client.GetReviews(ctx, "t1", "accounts/1/locations/9", 20, "", true)
	require.NoError(t, err)
	require.Equal(t, page, cached)
	require.Equal(t, 1, f.api.count("reviews"))

	f.clock.Advance(ReviewsTTL)
	_, err = f.client.GetReviews(ctx, "t1", "accounts/1/locations/9", 20, "", true)
	require.NoError(t, err)
	require.Equal(t, 2, f.api.count("reviews"))
}

func TestGetReviewsSharedTierAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := cache.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	first := newFixture(t, store)
	_, err = first.client.GetReviews(ctx, "t1", "accounts/1/locations/9", 10, "", true)
	require.NoError(t, err)
	require.True(t, mr.Exists("reviews:t1:accounts/1/locations/9:10:"))

	second := newFixture(t, store)
	page, err := second.client.GetReviews(ctx, "t1", "accounts/1/locations/9", 10, "", true)
	require.NoError(t, err)
	require.Equal(t, 10, page.TotalReviewCount)
	require.Zero(t, second.api.count("reviews"))
}

func TestGetReviewsCoalescesConcurrentReads(t *testing.T) {
	f := newFixture(t, nil)
	f.api.gate = make(chan struct{})
	f.api.entered = make(chan struct{}, 4)
	var release sync.Once
	open := func() { release.Do(func() { close(f.api.gate) }) }
	t.Cleanup(open)

	const location = "accounts/1/locations/9"
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.client.GetReviews(leaderCtx, "t1", location, 20, "", true)
		leaderErr <- err
	}()
	<-f.api.entered

	type result struct {
		page *models.PagedReviews
		err  error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			page, err := f.client.GetReviews(context.Background(), "t1", location, 20, "", true)
			results <- result{page, err}
		}()
	}

	// the caller that started the read leaves; the others keep waiting
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	open()

	for i := 0; i < 3; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, "next", res.page.NextPageToken)
	}
	require.Equal(t, 1, f.api.count("reviews"))
	require.True(t, f.cache.Get(context.Background(), ReviewsKey("t1", location, 20, ""), false).Found)
}

func TestGetReviewsRejectsBadLocation(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"", "locations/9", "accounts/1/locations/../9", "accounts/1/locations/9?x=1", "accounts/1"} {
		_, err := f.client.GetReviews(context.Background(), "t1", name, 20, "", true)
		require.ErrorIs(t, err, apierrors.ErrInvalidArgument, name)
	}
	require.Zero(t, f.tokens.calls)
}

func TestQuotaErrorRotatesAndSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.api.failures = []error{errors.New("Quota exceeded for quota metric 'Requests' and limit 'Requests per minute'")}

	page, err := f.client.GetReviews(context.Background(), "t1", "accounts/1/locations/9", 20, "", true)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Equal(t, 2, f.api.count("reviews"))
	require.Equal(t, 1, f.creds.Index())
}

func TestReplyToReviewAuditsSuccess(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.client.ReplyToReview(context.Background(), "t1", "accounts/1/locations/9/reviews/r1", "thanks")
	require.NoError(t, err)
	require.JSONEq(t, `{"comment":"thanks","updateTime":"2025-03-10T09:00:00Z"}`, string(resp))

	require.Len(t, f.audit.records, 1)
	rec := f.audit.records[0]
	require.True(t, rec.Success)
	require.Equal(t, "t1", rec.TenantID)
	require.Equal(t, "accounts/1/locations/9/reviews/r1", rec.TargetID)
	require.Equal(t, "thanks", rec.Payload)
	require.Empty(t, rec.ErrorMessage)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, start, rec.Timestamp)
	// writes never touch the cache
	require.Zero(t, f.cache.Len())
}

func TestReplyToReviewAuditsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.api.err = apierrors.NewProviderError(http.StatusInternalServerError, []byte(`{"error":{"message":"backend error"}}`))

	_, err := f.client.ReplyToReview(context.Background(), "t1", "accounts/1/locations/9/reviews/r1", "thanks")
	require.Error(t, err)
	require.Equal(t, 6, f.api.count("reply"))

	require.Len(t, f.audit.records, 1)
	require.False(t, f.audit.records[0].Success)
	require.Contains(t, f.audit.records[0].ErrorMessage, "backend error")
}

func TestReplyToReviewWithoutToken(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.client.ReplyToReview(context.Background(), "stranger", "accounts/1/locations/9/reviews/r1", "thanks")
	require.ErrorIs(t, err, apierrors.ErrAuthenticationRequired)
	require.Zero(t, f.api.count("reply"))
	require.Len(t, f.audit.records, 1)
	require.False(t, f.audit.records[0].Success)
}

func TestReplyToReviewAuditFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.err = errors.New("db down")

	_, err := f.client.ReplyToReview(context.Background(), "t1", "accounts/1/locations/9/reviews/r1", "thanks")
	require.NoError(t, err)
}

func TestReplyToReviewValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.ReplyToReview(ctx, "t1", "accounts/1/locations/9/reviews/r1", "   ")
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = f.client.ReplyToReview(ctx, "t1", "accounts/1/locations/9", "thanks")
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = f.client.ReplyToReview(ctx, "", "accounts/1/locations/9/reviews/r1", "thanks")
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	require.Empty(t, f.audit.records)
	require.Zero(t, f.api.count("reply"))
}

func TestInvalidateTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, key := range []string{
		"accounts:t1", "accounts:t10", "locations:t1:accounts/1", "reviews:t1:accounts/1/locations/9:20:",
		"reviews:t2:accounts/1/locations/9:20:",
	} {
		f.cache.Set(ctx, key, []byte(`[]`), time.Hour, false)
	}

	require.NoError(t, f.client.InvalidateTenant(ctx, "t1").Degraded)
	require.False(t, f.cache.Get(ctx, "accounts:t1", false).Found)
	require.False(t, f.cache.Get(ctx, "locations:t1:accounts/1", false).Found)
	require.False(t, f.cache.Get(ctx, "reviews:t1:accounts/1/locations/9:20:", false).Found)
	require.True(t, f.cache.Get(ctx, "accounts:t10", false).Found)
	require.True(t, f.cache.Get(ctx, "reviews:t2:accounts/1/locations/9:20:", false).Found)
}

func TestAccountName(t *testing.T) {
	name, err := AccountName("123")
	require.NoError(t, err)
	require.Equal(t, "accounts/123", name)

	name, err = AccountName("accounts/123")
	require.NoError(t, err)
	require.Equal(t, "accounts/123", name)

	for _, bad := range []string{"", "accounts/", "accounts/1/locations/2", "../x"} {
		_, err := AccountName(bad)
		require.ErrorIs(t, err, apierrors.ErrInvalidArgument, bad)
	}
}
