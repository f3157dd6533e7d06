package app

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 204, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 308, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 403, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 429, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 500, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	line := buf.String()
	for _, want := range []string{`"status":503`, `"result":"server_error"`, `"status_class":"5xx"`, `"path":"/readyz"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("preflight allowed", func(t *testing.T) {
		t.Parallel()

		cfg := Config{
			CORSAllowedOrigins:   []string{"https://plume.example.com"},
			CORSAllowCredentials: true,
			CORSMaxAgeSeconds:    600,
		}
		h := WithCORS(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			t.Fatalf("next handler must not run for preflight")
		}), cfg, discard)

		req := httptest.NewRequest(http.MethodOptions, "/ws", nil)
		req.Header.Set("Origin", "https://plume.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://plume.example.com" {
			t.Fatalf("allow-origin = %q", got)
		}
		if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Fatalf("allow-credentials = %q", got)
		}
	})

	t.Run("denied origin", func(t *testing.T) {
		t.Parallel()

		cfg := Config{CORSAllowedOrigins: []string{"https://plume.example.com"}}
		called := false
		h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}), cfg, discard)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Origin", "https://attacker.example.net")

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rr.Code)
		}
		if called {
			t.Fatalf("next handler must not run for a denied origin")
		}
	})

	t.Run("no origin passes through", func(t *testing.T) {
		t.Parallel()

		cfg := Config{CORSAllowedOrigins: []string{"https://plume.example.com"}}
		h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), cfg, discard)

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("wildcard port", func(t *testing.T) {
		t.Parallel()

		cfg := Config{CORSAllowedOrigins: []string{"http://127.0.0.1:*"}}
		h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), cfg, discard)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "http://127.0.0.1:55123")

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:55123" {
			t.Fatalf("allow-origin = %q", got)
		}
	})
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}
