package account

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/solace/backend/internal/auth"
	"github.com/zhouzirui/solace/backend/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *auth.Validator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	validator := auth.NewValidator([]byte("secret"), time.Hour, auth.NewMemoryRegistry(0))

	h := New(st, validator)
	h.cost = bcrypt.MinCost

	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r, validator, st
}

func post(t *testing.T, router http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeToken(t *testing.T, rr *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var resp tokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode token err: %v", err)
	}
	return resp
}

func TestRegisterLoginLogout(t *testing.T) {
	router, validator, st := newTestRouter(t)
	creds := map[string]string{"username": "alice", "email": "alice@example.com", "password": "correct horse"}

	rr := post(t, router, "/api/auth/register", creds, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", rr.Code, rr.Body.String())
	}
	registered := decodeToken(t, rr)
	if registered.TokenType != "bearer" || registered.ExpiresIn != 3600 {
		t.Fatalf("unexpected token response: %+v", registered)
	}
	if claims, err := validator.Validate(context.Background(), registered.AccessToken); err != nil || claims.Subject != "alice" {
		t.Fatalf("registered token invalid: %v %+v", err, claims)
	}

	stored, _ := st.GetUser(context.Background(), "alice")
	if stored == nil || stored.PasswordHash == "correct horse" {
		t.Fatal("password must be stored hashed")
	}

	rr = post(t, router, "/api/auth/token", map[string]string{"username": "alice", "password": "correct horse"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rr.Code, rr.Body.String())
	}
	login := decodeToken(t, rr)

	rr = post(t, router, "/api/auth/logout", map[string]string{}, login.AccessToken)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rr.Code)
	}
	if _, err := validator.Validate(context.Background(), login.AccessToken); err == nil {
		t.Fatal("logged out token should be rejected")
	}
	if _, err := validator.Validate(context.Background(), registered.AccessToken); err != nil {
		t.Fatalf("other tokens must stay valid: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)
	cases := map[string]map[string]string{
		"short username": {"username": "al", "email": "a@example.com", "password": "long enough"},
		"bad email":      {"username": "alice", "email": "alice", "password": "long enough"},
		"short password": {"username": "alice", "email": "a@example.com", "password": "short"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if rr := post(t, router, "/api/auth/register", body, ""); rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	router, _, _ := newTestRouter(t)
	body := map[string]string{"username": "alice", "email": "alice@example.com", "password": "long enough"}
	if rr := post(t, router, "/api/auth/register", body, ""); rr.Code != http.StatusCreated {
		t.Fatalf("first register status %d", rr.Code)
	}
	if rr := post(t, router, "/api/auth/register", body, ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	router, _, _ := newTestRouter(t)
	post(t, router, "/api/auth/register", map[string]string{"username": "alice", "email": "alice@example.com", "password": "long enough"}, "")

	for _, body := range []map[string]string{
		{"username": "alice", "password": "wrong password"},
		{"username": "nobody", "password": "long enough"},
	} {
		if rr := post(t, router, "/api/auth/token", body, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", body, rr.Code)
		}
	}
}

func TestLogoutRequiresToken(t *testing.T) {
	router, _, _ := newTestRouter(t)
	if rr := post(t, router, "/api/auth/logout", map[string]string{}, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
