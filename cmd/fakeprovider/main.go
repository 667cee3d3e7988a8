// Command fakeprovider stands in for the business-data API and its OAuth
// token endpoint during local development. Point OAUTH_TOKEN_URL,
// ACCOUNTS_API_URL, BUSINESS_INFO_API_URL and REVIEWS_API_URL at it.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const quotaBody = `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded for quota metric 'Requests' and limit 'Requests per minute' of service 'mybusiness.googleapis.com'"}}`

type backend struct {
	quotaEvery int64
	requests   atomic.Int64
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	quotaEvery := flag.Int64("quota-every", 0, "answer every Nth API request with a quota error (0 disables)")
	flag.Parse()

	b := &backend{quotaEvery: *quotaEvery}
	router := mux.NewRouter()
	router.HandleFunc("/token", b.token).Methods("POST")

	apiRouter := router.NewRoute().Subrouter()
	apiRouter.Use(b.requireBearer, b.injectQuota)
	apiRouter.HandleFunc("/v1/accounts", b.accounts).Methods("GET")
	apiRouter.HandleFunc("/v1/accounts/{account}/locations", b.locations).Methods("GET")
	apiRouter.HandleFunc("/v4/accounts/{account}/locations/{location}/reviews", b.reviews).Methods("GET")
	apiRouter.HandleFunc("/v4/accounts/{account}/locations/{location}/reviews/{review}/reply", b.reply).Methods("PUT")

	log.Infof("fakeprovider: listening on %s (quota-every=%d)", *addr, *quotaEvery)
	if err := http.ListenAndServe(*addr, router); err != nil {
		log.Fatal("fakeprovider: ", err)
	}
}

func (b *backend) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") == "" {
		writeRaw(w, http.StatusBadRequest, `{"error":"invalid_grant"}`)
		return
	}
	log.Infof("fakeprovider: refreshing token (client=%s)", r.PostForm.Get("client_id"))
	body, _ := sjson.Set(`{"token_type":"Bearer","expires_in":3600}`, "access_token", "fake-"+uuid.NewString())
	writeRaw(w, http.StatusOK, body)
}

func (b *backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			writeRaw(w, http.StatusUnauthorized, `{"error":{"code":401,"status":"UNAUTHENTICATED","message":"Request is missing required authentication credential."}}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *backend) injectQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := b.requests.Add(1)
		if b.quotaEvery > 0 && n%b.quotaEvery == 0 {
			log.Warnf("fakeprovider: injecting quota error (request=%d)", n)
			writeRaw(w, http.StatusTooManyRequests, quotaBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *backend) accounts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pageToken") == "" {
		writeRaw(w, http.StatusOK, `{"accounts":[{"name":"accounts/1001","accountName":"Harbor Cafe","type":"PERSONAL"}],"nextPageToken":"p2"}`)
		return
	}
	writeRaw(w, http.StatusOK, `{"accounts":[{"name":"accounts/1002","accountName":"Harbor Bakery","type":"LOCATION_GROUP"}]}`)
}

func (b *backend) locations(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	body := `{"locations":[]}`
	for i := 1; i <= 2; i++ {
		loc := fmt.Sprintf(`{"name":"locations/%s%d","title":"Branch %d"}`, account, i, i)
		body, _ = sjson.SetRaw(body, "locations.-1", loc)
	}
	writeRaw(w, http.StatusOK, body)
}

func (b *backend) reviews(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := `{"reviews":[],"averageRating":4.5,"totalReviewCount":2}`
	for i, rating := range []string{"FIVE", "FOUR"} {
		review, _ := sjson.Set(`{}`, "reviewId", fmt.Sprintf("r%d", i+1))
		review, _ = sjson.Set(review, "name", fmt.Sprintf("accounts/%s/locations/%s/reviews/r%d", vars["account"], vars["location"], i+1))
		review, _ = sjson.Set(review, "starRating", rating)
		review, _ = sjson.Set(review, "comment", "Great coffee")
		body, _ = sjson.SetRaw(body, "reviews.-1", review)
	}
	writeRaw(w, http.StatusOK, body)
}

func (b *backend) reply(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil || !gjson.GetBytes(payload, "comment").Exists() {
		writeRaw(w, http.StatusBadRequest, `{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"comment is required"}}`)
		return
	}
	body, _ := sjson.Set(`{"updateTime":"2025-01-01T00:00:00Z"}`, "comment", gjson.GetBytes(payload, "comment").String())
	log.Infof("fakeprovider: reply stored (review=%s)", mux.Vars(r)["review"])
	writeRaw(w, http.StatusOK, body)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
