package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenLifetime = 24 * time.Hour

// Claims identify the tenant a gateway caller acts for. Admin tokens may
// use the operator endpoints.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func GenerateToken(tenantID string, admin bool, secret string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is empty")
	}
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.TenantID != "" {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
