package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute, testLogger())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("fourth request should be refused")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("a different key should have its own window")
	}
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, testLogger())
	defer rl.Stop()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("k") {
		t.Fatal("second request should be refused")
	}

	now = now.Add(30 * time.Second)
	if got := rl.TimeUntilReset("k"); got != 30*time.Second {
		t.Errorf("expected 30s until reset, got %v", got)
	}

	now = now.Add(31 * time.Second)
	if !rl.Allow("k") {
		t.Error("request after the window should be allowed")
	}
}

func TestRateLimiter_TimeUntilResetUnknownKey(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, testLogger())
	defer rl.Stop()

	if got := rl.TimeUntilReset("unknown"); got != 0 {
		t.Errorf("expected 0 for unknown key, got %v", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, testLogger())
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddleware_Limit(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, testLogger())
	defer rl.Stop()

	handler := NewRateLimitMiddleware(rl, testLogger()).Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/free/chat/completions", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Message != "Too many requests. Please try again later." {
		t.Errorf("unexpected message: %q", body.Error.Message)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "forwarded for first hop", remoteAddr: "10.0.0.1:1", xff: "203.0.113.7, 10.0.0.1", want: "203.0.113.7"},
		{name: "forwarded for single", remoteAddr: "10.0.0.1:1", xff: "203.0.113.8", want: "203.0.113.8"},
		{name: "real ip", remoteAddr: "10.0.0.1:1", xri: " 198.51.100.2 ", want: "198.51.100.2"},
		{name: "forwarded for wins", remoteAddr: "10.0.0.1:1", xff: "203.0.113.9", xri: "198.51.100.2", want: "203.0.113.9"},
		{name: "empty forwarded entry", remoteAddr: "10.0.0.1:1", xff: " , 10.0.0.2", xri: "198.51.100.3", want: "198.51.100.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
