// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-dropsync/internal/auth"
)

// TokenValidator resolves a session token into a user
type TokenValidator interface {
	ValidateUser(token string) (*User, error)
}

// JWTAuth handles JWT session tokens
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: "go-dropsync",
	}
}

// JWTClaims carries the user snapshot; the user id is the standard 'sub' claim
type JWTClaims struct {
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken generates a session token for user
func (j *JWTAuth) GenerateToken(user User, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Name:        user.Name,
		Permissions: user.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// ValidateUser implements TokenValidator. Failures are reported as
// AUTHENTICATION_FAILED server errors with an INVALID_TOKEN or EXPIRED substatus.
func (j *JWTAuth) ValidateUser(token string) (*User, error) {
	claims, err := j.ValidateToken(token)
	if err != nil {
		sub := SubstatusInvalidToken
		if errors.Is(err, jwt.ErrTokenExpired) {
			sub = SubstatusExpired
		}
		return nil, &ServerError{Status: StatusAuthenticationFailed, Substatus: sub, Message: err.Error()}
	}
	return &User{ID: claims.Subject, Name: claims.Name, Permissions: claims.Permissions}, nil
}

// Middleware authenticates plain HTTP requests carrying "Authorization: Bearer <token>"
// and stores the user id in the request context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			http.Error(w, "Bearer token required", http.StatusUnauthorized)
			return
		}

		user, err := j.ValidateUser(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.SetUserID(r.Context(), user.ID)))
	})
}

func bearerToken(r *http.Request) string {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return ""
	}
	return token
}
