package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseHS256_RoundTrip(t *testing.T) {
	token, err := SignHS256("user-1", "provider", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	claims, err := ParseHS256(token, "test-secret")
	if err != nil {
		t.Fatalf("ParseHS256: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Role != "provider" {
		t.Fatalf("unexpected role %q", claims.Role)
	}
}

func TestParseHS256_WrongSecret(t *testing.T) {
	token, err := SignHS256("user-1", "requester", "secret-a", time.Hour)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}
	if _, err := ParseHS256(token, "secret-b"); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseHS256_Expired(t *testing.T) {
	token, err := SignHS256("user-1", "requester", "test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}
	if _, err := ParseHS256(token, "test-secret"); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestRequireAuth(t *testing.T) {
	secret := "test-secret"
	h := RequireAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserIDHeader) != "user-9" || r.Header.Get(RoleHeader) != "admin" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	token, err := SignHS256("user-9", "admin", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	// A spoofed identity header must be overwritten by the middleware.
	req.Header.Set(UserIDHeader, "someone-else")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	reqBad := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqBad.Header.Set("Authorization", "Bearer nope")
	rwBad := httptest.NewRecorder()
	h.ServeHTTP(rwBad, reqBad)
	if rwBad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rwBad.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("provider", "admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set(RoleHeader, "requester")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}

	reqOK := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqOK.Header.Set(RoleHeader, "admin")
	rwOK := httptest.NewRecorder()
	h.ServeHTTP(rwOK, reqOK)
	if rwOK.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rwOK.Code)
	}
}
