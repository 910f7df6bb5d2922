package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newLoggedHandler(buf *bytes.Buffer, h http.HandlerFunc) http.Handler {
	logger := slog.New(slog.NewTextHandler(buf, nil))
	return NewRequestLoggingMiddleware(logger).Handler(h)
}

func TestRequestLoggingMiddleware_LogsBasicInfo(t *testing.T) {
	var buf bytes.Buffer
	wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})

	req := httptest.NewRequest("POST", "/api/free/chat/completions", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("User-Agent", "geepity-ios/1.0")
	wrapped.ServeHTTP(httptest.NewRecorder(), req.WithContext(WithRequestID(req.Context(), "req-42")))

	logOutput := buf.String()
	for _, want := range []string{
		"method=POST",
		"path=/api/free/chat/completions",
		"status=200",
		"bytes=5",
		"duration_ms=",
		"ip=192.168.1.1",
		"geepity-ios/1.0",
		"request_id=req-42",
	} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("log should contain %q, got: %s", want, logOutput)
		}
	}
}

func TestRequestLoggingMiddleware_LogsClientIPFromForwardedFor(t *testing.T) {
	var buf bytes.Buffer
	wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.195, 10.0.0.1")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), "203.0.113.195") {
		t.Errorf("log should contain client IP from X-Forwarded-For, got: %s", buf.String())
	}
}

func TestRequestLoggingMiddleware_LogLevelByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusForbidden, "level=INFO"},
		{http.StatusBadGateway, "level=WARN"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/pro/chat/completions", nil))

		if !strings.Contains(buf.String(), tt.wantLevel) {
			t.Errorf("status %d: expected %s, got: %s", tt.status, tt.wantLevel, buf.String())
		}
	}
}

func TestRequestLoggingMiddleware_RedactsSensitiveQueryParams(t *testing.T) {
	var buf bytes.Buffer
	wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("GET", "/api/free/chat/completions?api_key=sk-secret&debug=1", nil)
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	logOutput := buf.String()
	if strings.Contains(logOutput, "sk-secret") {
		t.Errorf("log should NOT contain sensitive value, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "api_key=[REDACTED]") || !strings.Contains(logOutput, "debug=1") {
		t.Errorf("log should keep redacted key and safe params, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_PassesRequestThrough(t *testing.T) {
	var buf bytes.Buffer
	wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("response body"))
	})

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/create", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Custom") != "value" {
		t.Error("custom header should be preserved")
	}
	if rec.Body.String() != "response body" {
		t.Errorf("response body should be preserved, got: %s", rec.Body.String())
	}
}

func TestRequestLoggingMiddleware_FlushReachesUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	var flushErr error
	wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {}\n\n"))
		flushErr = http.NewResponseController(w).Flush()
	})

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/api/free/chat/completions", nil))

	if flushErr != nil {
		t.Fatalf("flush through wrapper failed: %v", flushErr)
	}
	if !rec.Flushed {
		t.Error("expected recorder to be flushed")
	}
}

func TestRequestLoggingMiddleware_SkipsNoisyPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		var buf bytes.Buffer
		wrapped := newLoggedHandler(&buf, func(w http.ResponseWriter, r *http.Request) {})

		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))

		if buf.Len() != 0 {
			t.Errorf("%s should not be logged, got: %s", path, buf.String())
		}
	}
}
