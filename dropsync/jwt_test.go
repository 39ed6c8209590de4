package dropsync

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-dropsync/internal/auth"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	user := User{ID: "user-123", Name: "Jo", Permissions: []string{"Project"}}

	token, err := jwtAuth.GenerateToken(user, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.Subject != user.ID {
		t.Errorf("Expected sub %s, got %s", user.ID, claims.Subject)
	}
	if claims.Issuer != "go-dropsync" {
		t.Errorf("Expected issuer 'go-dropsync', got %s", claims.Issuer)
	}

	got, err := jwtAuth.ValidateUser(token)
	if err != nil {
		t.Fatalf("Failed to validate user: %v", err)
	}
	if got.ID != user.ID || got.Name != user.Name || len(got.Permissions) != 1 {
		t.Errorf("Unexpected user %+v", got)
	}
}

func TestJWTAuth_ValidateUser_Failures(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	expired, err := jwtAuth.GenerateToken(User{ID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	_, err = jwtAuth.ValidateUser(expired)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("Expected ServerError, got %v", err)
	}
	if se.Status != StatusAuthenticationFailed || se.Substatus != SubstatusExpired {
		t.Errorf("Unexpected error %+v", se)
	}

	other, _ := NewJWTAuth("other-secret").GenerateToken(User{ID: "u1"}, time.Hour)
	_, err = jwtAuth.ValidateUser(other)
	if !errors.As(err, &se) || se.Substatus != SubstatusInvalidToken {
		t.Errorf("Expected INVALID_TOKEN, got %v", err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, _ := noSubject.SignedString([]byte("test-secret"))
	if _, err := jwtAuth.ValidateToken(signed); err == nil {
		t.Error("Expected missing sub to be rejected")
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	var seen string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.GetUserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	token, _ := jwtAuth.GenerateToken(User{ID: "u7"}, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != "u7" {
		t.Errorf("Expected authenticated request, got code=%d user=%q", rec.Code, seen)
	}
}
