package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhouzirui/solace/backend/internal/auth"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	cases := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  string
	}{
		{"explicit", []string{"https://app.example"}, "https://app.example", "https://app.example", "true"},
		{"wildcard", []string{"*"}, "https://other.example", "https://other.example", ""},
		{"denied", []string{"https://app.example"}, "https://evil.example", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/progress", nil)
			req.Header.Set("Origin", tc.origin)
			rr := httptest.NewRecorder()
			CORS(tc.allowed)(next).ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tc.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != tc.wantCreds {
				t.Fatalf("allow-credentials = %q, want %q", got, tc.wantCreds)
			}
			if rr.Code != http.StatusTeapot {
				t.Fatalf("expected request to reach next handler, got %d", rr.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/token", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	CORS([]string{"*"})(http.NotFoundHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

type brokenValidator struct{}

func (brokenValidator) Validate(context.Context, string) (auth.Claims, error) {
	return auth.Claims{}, errors.New("registry down")
}

func TestBearer(t *testing.T) {
	validator := auth.NewValidator([]byte("secret"), time.Hour, auth.NewMemoryRegistry(0))
	token, err := validator.Issue(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		if TokenFromContext(r.Context()) != token {
			t.Errorf("token not stored in context")
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/progress", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	Bearer(validator)(next).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != "alice" {
		t.Fatalf("expected alice to pass, got %d %q", rr.Code, seen)
	}

	rr = httptest.NewRecorder()
	Bearer(validator)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/progress", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	Bearer(brokenValidator{})(next).ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on registry fault, got %d", rr.Code)
	}
}
