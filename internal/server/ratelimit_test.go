package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// okHandler answers 200 to everything.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// send issues method path from remoteAddr through h.
func send(h http.Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func Test_RateLimit_BurstThenReject(t *testing.T) {
	t.Parallel()
	var rejected atomic.Int32
	rl := newRateLimiter(0.001, 3, func() { rejected.Add(1) })
	h := rl.middleware(okHandler)

	for i := range 3 {
		if w := send(h, http.MethodGet, "/api/search", "10.0.0.1:5000"); w.Code != http.StatusOK {
			t.Fatalf("request %d: want 200 within burst, got %d", i, w.Code)
		}
	}
	w := send(h, http.MethodGet, "/api/search", "10.0.0.1:5001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429 after burst, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("want Retry-After capped at 60, got %q", got)
	}
	if !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if rejected.Load() != 1 {
		t.Errorf("want 1 rejection recorded, got %d", rejected.Load())
	}
}

func Test_RateLimit_UploadsCostMore(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(0.001, analyzeCost+1, nil)
	h := rl.middleware(okHandler)

	if w := send(h, http.MethodPost, "/api/analyze", "10.0.0.2:1"); w.Code != http.StatusOK {
		t.Fatalf("first upload: want 200, got %d", w.Code)
	}
	// One token left: a search fits, a second upload does not.
	if w := send(h, http.MethodPost, "/api/analyze", "10.0.0.2:1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload: want 429, got %d", w.Code)
	}
	if w := send(h, http.MethodGet, "/api/search", "10.0.0.2:1"); w.Code != http.StatusOK {
		t.Fatalf("search: want 200, got %d", w.Code)
	}
}

func Test_RateLimit_CostNeverExceedsBurst(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(1, 2, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
	if got := rl.cost(req); got != 2 {
		t.Errorf("want cost clamped to burst 2, got %d", got)
	}
}

func Test_RateLimit_PerIPIsolation(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(0.001, 1, nil)
	h := rl.middleware(okHandler)

	if w := send(h, http.MethodGet, "/api/analyses", "192.0.2.1:1"); w.Code != http.StatusOK {
		t.Fatalf("A first: %d", w.Code)
	}
	if w := send(h, http.MethodGet, "/api/analyses", "192.0.2.1:2"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("A second: want 429, got %d", w.Code)
	}
	if w := send(h, http.MethodGet, "/api/analyses", "[2001:db8::1]:3"); w.Code != http.StatusOK {
		t.Errorf("B: want 200 independent of A, got %d", w.Code)
	}
}

func Test_RateLimit_RetryAfter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rps  float64
		cost int
		want string
	}{
		{10, 1, "1"},
		{0.5, 1, "2"},
		{1, analyzeCost, "5"},
		{0.001, 1, "60"},
		{0, 1, "60"},
	}
	for _, tc := range tests {
		rl := newRateLimiter(tc.rps, 1, nil)
		if got := rl.retryAfter(tc.cost); got != tc.want {
			t.Errorf("retryAfter(rps=%v, cost=%d) = %s, want %s", tc.rps, tc.cost, got, tc.want)
		}
	}
}

func Test_ClientIP(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"203.0.113.7:4242":  "203.0.113.7",
		"[2001:db8::1]:443": "2001:db8::1",
		"unix-socket":       "unix-socket",
	}
	for addr, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if got := clientIP(req); got != want {
			t.Errorf("clientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}
