// Package auth provides connect and join hooks: bearer token checks on
// connect and an expression policy on document join.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"collab-server/hooks"

	"github.com/golang-jwt/jwt/v5"
)

const TokenCookie = "token"

var ErrMissingToken = errors.New("missing bearer token")

// Claims is the connection context produced by JWTConnect.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

func NewToken(secret []byte, subject, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// BearerToken extracts the token from the Authorization header, or from the
// token cookie for clients that cannot set headers on a websocket.
func BearerToken(header http.Header) string {
	if value := header.Get("Authorization"); value != "" {
		scheme, token, ok := strings.Cut(value, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	cookie, err := (&http.Request{Header: header}).Cookie(TokenCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// JWTConnect accepts connections carrying a valid HS256 token and hands the
// parsed *Claims on as the connection context.
func JWTConnect(secret []byte) hooks.Gate[hooks.ConnectPayload] {
	return func(ctx context.Context, data hooks.ConnectPayload) (any, error) {
		token := BearerToken(data.RequestHeaders)
		if token == "" {
			return nil, ErrMissingToken
		}
		claims, err := ParseToken(secret, token)
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		return claims, nil
	}
}
