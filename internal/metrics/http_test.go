package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/free/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	handler := Middleware(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/free/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	if got := routeLabel(req); got != "POST /api/free/chat/completions" {
		t.Errorf("expected route pattern label, got %q", got)
	}
}

func TestRouteLabel_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/random/123", nil)
	if got := routeLabel(req); got != "unmatched" {
		t.Errorf("expected unmatched, got %q", got)
	}
}

func TestResponseWriter_UnwrapSupportsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	if err := http.NewResponseController(rw).Flush(); err != nil {
		t.Fatalf("expected flush through wrapper, got %v", err)
	}
	if !rec.Flushed {
		t.Error("expected underlying recorder to be flushed")
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{0: "error", 200: "2xx", 429: "4xx", 503: "5xx"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
