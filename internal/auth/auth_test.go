package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func doRequest(t *testing.T, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	m := NewMiddleware("sk-local-token")
	handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticate(t *testing.T) {
	if rec := doRequest(t, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: %d", rec.Code)
	}
	if rec := doRequest(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "wrong")
	}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", rec.Code)
	}
	if rec := doRequest(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-local-token")
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("x-api-key: %d", rec.Code)
	}
	if rec := doRequest(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-local-token")
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("bearer: %d", rec.Code)
	}
}
