package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/auth"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fakeService struct {
	mu   sync.Mutex
	err  error
	seen []string
}

func (f *fakeService) note(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeService) GetAccounts(ctx context.Context, tenantID string, useCache bool) ([]json.RawMessage, error) {
	if err := f.note("accounts %s %v", tenantID, useCache); err != nil {
		return nil, err
	}
	return []json.RawMessage{json.RawMessage(`{"name":"accounts/1"}`)}, nil
}

func (f *fakeService) GetLocations(ctx context.Context, tenantID, accountID string, useCache bool) ([]json.RawMessage, error) {
	if err := f.note("locations %s %s %v", tenantID, accountID, useCache); err != nil {
		return nil, err
	}
	return []json.RawMessage{json.RawMessage(`{"name":"accounts/1/locations/2"}`)}, nil
}

func (f *fakeService) GetReviews(ctx context.Context, tenantID, locationName string, pageSize int, pageToken string, useCache bool) (*models.PagedReviews, error) {
	if err := f.note("reviews %s %s %d %s %v", tenantID, locationName, pageSize, pageToken, useCache); err != nil {
		return nil, err
	}
	return &models.PagedReviews{Reviews: []json.RawMessage{json.RawMessage(`{"reviewId":"r"}`)}, NextPageToken: "n"}, nil
}

func (f *fakeService) ReplyToReview(ctx context.Context, tenantID, reviewName, comment string) (json.RawMessage, error) {
	if err := f.note("reply %s %s %s", tenantID, reviewName, comment); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"comment":"` + comment + `"}`), nil
}

type fixedHint int

func (h fixedHint) GetRetryAfter() int { return int(h) }

func newServer(t *testing.T, svc Service, hint int) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(auth.NewMiddleware(secret).Authenticate)
	NewHandler(svc, fixedHint(hint)).RegisterRoutes(apiRouter)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	tok, err := auth.GenerateToken("t1", false, secret)
	require.NoError(t, err)
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGetAccounts(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc, 0)

	resp := do(t, srv, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body := decode(t, resp)
	require.Len(t, body["accounts"], 1)

	do(t, srv, http.MethodGet, "/api/accounts?refresh=true", "")
	require.Equal(t, []string{"accounts t1 true", "accounts t1 false"}, svc.seen)
}

func TestGetLocations(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc, 0)

	resp := do(t, srv, http.MethodGet, "/api/accounts/123/locations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"locations t1 123 true"}, svc.seen)
}

func TestGetReviews(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc, 0)

	resp := do(t, srv, http.MethodGet, "/api/reviews?location=accounts/1/locations/2&pageSize=10&pageToken=abc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	require.Equal(t, "n", body["nextPageToken"])
	require.Equal(t, []string{"reviews t1 accounts/1/locations/2 10 abc true"}, svc.seen)

	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/reviews", "").StatusCode)
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/reviews?location=x&pageSize=ten", "").StatusCode)
}

func TestReplyToReview(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc, 0)

	resp := do(t, srv, http.MethodPost, "/api/reviews/reply", `{"review":"accounts/1/locations/2/reviews/3","comment":"thanks"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "thanks", decode(t, resp)["comment"])
	require.Equal(t, []string{"reply t1 accounts/1/locations/2/reviews/3 thanks"}, svc.seen)

	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/reviews/reply", `{`).StatusCode)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"auth", fmt.Errorf("get_accounts: %w", apierrors.ErrAuthenticationRequired), http.StatusUnauthorized, ""},
		{"invalid", fmt.Errorf("account: %w", apierrors.ErrInvalidArgument), http.StatusBadRequest, ""},
		{"quota", fmt.Errorf("%w: boom", apierrors.ErrQuotaExceeded), http.StatusTooManyRequests, "42"},
		{"exhausted", errors.New("connection reset by peer"), http.StatusServiceUnavailable, "42"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &fakeService{err: tc.err}, 42)
			resp := do(t, srv, http.MethodGet, "/api/accounts", "")
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.retryAfter, resp.Header.Get("Retry-After"))
		})
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc, 0)

	resp, err := srv.Client().Get(srv.URL + "/api/accounts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, svc.seen)
}
