package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGenerated(t *testing.T) {
	var captured string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Fatal("no request ID in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("header %q != context %q", got, captured)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r.Context()); got != "client-supplied" {
			t.Errorf("request ID = %q, want client-supplied", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	h := RateLimit(3)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "1.2.3.4:5678"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("5th request = %d, want 429", last)
	}

	// A different IP is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh IP = %d, want 200", rec.Code)
	}
}

func TestGetPrincipalMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p := GetPrincipal(req.Context()); p != nil {
		t.Errorf("expected nil principal, got %+v", p)
	}
}

func TestPrincipalActor(t *testing.T) {
	tests := []struct {
		p    *Principal
		want string
	}{
		{nil, ""},
		{&Principal{Type: "admin", Username: "ops"}, "ops"},
		{&Principal{Type: "api_key", KeyLabel: "launcher"}, "api-key:launcher"},
		{&Principal{Type: "api_key"}, "api-key"},
	}
	for _, tt := range tests {
		if got := tt.p.Actor(); got != tt.want {
			t.Errorf("Actor() = %q, want %q", got, tt.want)
		}
	}
}
