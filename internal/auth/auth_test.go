package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndValidate(t *testing.T) {
	tok, err := GenerateToken("tenant-42", false, secret)
	require.NoError(t, err)

	claims, err := ValidateToken(tok, secret)
	require.NoError(t, err)
	require.Equal(t, "tenant-42", claims.TenantID)
	require.False(t, claims.Admin)
}

func TestValidateRejects(t *testing.T) {
	tok, err := GenerateToken("tenant-42", false, secret)
	require.NoError(t, err)

	_, err = ValidateToken(tok, "other-secret")
	require.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID: "tenant-42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ValidateToken(signed, secret)
	require.Error(t, err)

	noTenant := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{})
	signed, err = noTenant.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ValidateToken(signed, secret)
	require.Error(t, err)

	_, err = GenerateToken("", false, secret)
	require.Error(t, err)
}

func serve(t *testing.T, h http.Handler, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticate(t *testing.T) {
	m := NewMiddleware(secret)
	var seen string
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetTenantFromContext(r.Context())
		require.True(t, ok)
		seen = claims.TenantID
	}))

	tok, err := GenerateToken("t1", false, secret)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, serve(t, h, "Bearer "+tok).Code)
	require.Equal(t, "t1", seen)

	require.Equal(t, http.StatusUnauthorized, serve(t, h, "").Code)
	require.Equal(t, http.StatusUnauthorized, serve(t, h, "Basic abc").Code)
	require.Equal(t, http.StatusUnauthorized, serve(t, h, "Bearer nope").Code)
}

func TestRequireAdmin(t *testing.T) {
	m := NewMiddleware(secret)
	h := m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	user, err := GenerateToken("t1", false, secret)
	require.NoError(t, err)
	admin, err := GenerateToken("ops", true, secret)
	require.NoError(t, err)

	require.Equal(t, http.StatusForbidden, serve(t, h, "Bearer "+user).Code)
	require.Equal(t, http.StatusNoContent, serve(t, h, "Bearer "+admin).Code)
	require.Equal(t, http.StatusUnauthorized, serve(t, h, "").Code)
}
