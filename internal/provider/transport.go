package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/review-gateway/internal/apierrors"
	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultAccountsURL     = "https://mybusinessaccountmanagement.googleapis.com"
	DefaultBusinessInfoURL = "https://mybusinessbusinessinformation.googleapis.com"
	DefaultReviewsURL      = "https://mybusiness.googleapis.com"

	locationReadMask = "name,title,storefrontAddress,metadata"
	locationPageSize = 100
)

// Page is one page of a list call. Items are passed through as returned.
type Page struct {
	Items         []json.RawMessage
	NextPageToken string
}

// API is the raw business-data provider, one method per endpoint family.
// Every method is a single HTTP round trip.
type API interface {
	ListAccounts(ctx context.Context, accessToken, pageToken string) (*Page, error)
	ListLocations(ctx context.Context, accessToken, accountName, pageToken string) (*Page, error)
	ListReviews(ctx context.Context, accessToken, locationName string, pageSize int, pageToken string) (*models.PagedReviews, error)
	UpdateReply(ctx context.Context, accessToken, reviewName, comment string) (json.RawMessage, error)
}

type Endpoints struct {
	Accounts     string
	BusinessInfo string
	Reviews      string
}

// HTTPAPI talks to the Google Business Profile REST endpoints.
type HTTPAPI struct {
	endpoints Endpoints
	client    *http.Client
}

func NewHTTPAPI(endpoints Endpoints, client *http.Client) *HTTPAPI {
	if endpoints.Accounts == "" {
		endpoints.Accounts = DefaultAccountsURL
	}
	if endpoints.BusinessInfo == "" {
		endpoints.BusinessInfo = DefaultBusinessInfoURL
	}
	if endpoints.Reviews == "" {
		endpoints.Reviews = DefaultReviewsURL
	}
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPAPI{endpoints: endpoints, client: client}
}

func (a *HTTPAPI) ListAccounts(ctx context.Context, accessToken, pageToken string) (*Page, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	body, err := a.do(ctx, http.MethodGet, a.endpoints.Accounts+"/v1/accounts", q, accessToken, nil)
	if err != nil {
		return nil, err
	}
	return pageFrom(body, "accounts"), nil
}

func (a *HTTPAPI) ListLocations(ctx context.Context, accessToken, accountName, pageToken string) (*Page, error) {
	q := url.Values{}
	q.Set("readMask", locationReadMask)
	q.Set("pageSize", strconv.Itoa(locationPageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	body, err := a.do(ctx, http.MethodGet, a.endpoints.BusinessInfo+"/v1/"+accountName+"/locations", q, accessToken, nil)
	if err != nil {
		return nil, err
	}
	return pageFrom(body, "locations"), nil
}

func (a *HTTPAPI) ListReviews(ctx context.Context, accessToken, locationName string, pageSize int, pageToken string) (*models.PagedReviews, error) {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	body, err := a.do(ctx, http.MethodGet, a.endpoints.Reviews+"/v4/"+locationName+"/reviews", q, accessToken, nil)
	if err != nil {
		return nil, err
	}

	page := &models.PagedReviews{
		Reviews:          rawItems(body, "reviews"),
		AverageRating:    gjson.GetBytes(body, "averageRating").Float(),
		TotalReviewCount: int(gjson.GetBytes(body, "totalReviewCount").Int()),
		NextPageToken:    gjson.GetBytes(body, "nextPageToken").String(),
	}
	return page, nil
}

func (a *HTTPAPI) UpdateReply(ctx context.Context, accessToken, reviewName, comment string) (json.RawMessage, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "comment", comment)
	if err != nil {
		return nil, fmt.Errorf("build reply body: %w", err)
	}
	body, err := a.do(ctx, http.MethodPut, a.endpoints.Reviews+"/v4/"+reviewName+"/reply", nil, accessToken, payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *HTTPAPI) do(ctx context.Context, method, rawURL string, q url.Values, accessToken string, payload []byte) ([]byte, error) {
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, redactQuery(rawURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.NewProviderError(resp.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte(`{}`)
	}
	return body, nil
}

func pageFrom(body []byte, field string) *Page {
	return &Page{
		Items:         rawItems(body, field),
		NextPageToken: gjson.GetBytes(body, "nextPageToken").String(),
	}
}

func rawItems(body []byte, field string) []json.RawMessage {
	items := make([]json.RawMessage, 0)
	gjson.GetBytes(body, field).ForEach(func(_, value gjson.Result) bool {
		items = append(items, json.RawMessage(value.Raw))
		return true
	})
	return items
}

func redactQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
