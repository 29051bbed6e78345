package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func Test_RequestLogger_RequestID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated when absent", incoming: ""},
		{name: "kept when well formed", incoming: "trace-42.a:b", keep: true},
		{name: "replaced when unsafe", incoming: "bad id\nInjected: yes"},
		{name: "replaced when too long", incoming: strings.Repeat("a", 65)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := requestLogger(discardLogger, okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
			if tc.incoming != "" {
				req.Header.Set(requestIDHeader, tc.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(requestIDHeader)
			if got == "" {
				t.Fatal("response has no request id")
			}
			if tc.keep != (got == tc.incoming) {
				t.Errorf("incoming %q, response %q, want kept=%v", tc.incoming, got, tc.keep)
			}
		})
	}
}

func Test_RequestLogger_RecoversPanic(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := requestLogger(log, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("index exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/analyze", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal error") {
		t.Errorf("want JSON error body, got %q", w.Body.String())
	}
	out := buf.String()
	if !strings.Contains(out, "handler panic") || !strings.Contains(out, `"status":500`) {
		t.Errorf("panic not logged: %s", out)
	}
}

func Test_CompletionLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/api/analyze", 200, slog.LevelInfo},
		{"/api/analyze", 413, slog.LevelWarn},
		{"/api/search", 502, slog.LevelError},
		{"/api/health", 200, slog.LevelDebug},
		{"/metrics", 200, slog.LevelDebug},
		{"/api/ready", 503, slog.LevelError},
	}
	for _, tc := range tests {
		if got := completionLevel(tc.path, tc.status); got != tc.want {
			t.Errorf("completionLevel(%s, %d) = %v, want %v", tc.path, tc.status, got, tc.want)
		}
	}
}
