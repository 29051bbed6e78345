package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakePinger reports err, optionally after waiting on gate.
type fakePinger struct {
	name string
	err  error
	// gate, when set, is waited on before answering.
	gate *sync.WaitGroup
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.gate != nil {
		f.gate.Done()
		done := make(chan struct{})
		go func() { f.gate.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// getReady runs GET /api/ready against pingers and decodes the answer.
func getReady(t *testing.T, pingers ...Pinger) (int, readyResponse, http.Header) {
	t.Helper()
	s := newTestServer()
	s.pingers = pingers
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, resp, w.Header()
}

func Test_Health_ReportsVersion(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] == "" {
		t.Errorf("unexpected body %v", body)
	}
}

func Test_Ready(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		pingers    []Pinger
		wantStatus int
		wantReady  bool
		wantOK     []bool
	}{
		{
			name:       "no pingers",
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantOK:     []bool{},
		},
		{
			name:       "all healthy",
			pingers:    []Pinger{&fakePinger{name: "sidecar"}, &fakePinger{name: "ollama"}},
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantOK:     []bool{true, true},
		},
		{
			name:       "one failing",
			pingers:    []Pinger{&fakePinger{name: "sidecar"}, &fakePinger{name: "qdrant", err: down}},
			wantStatus: http.StatusServiceUnavailable,
			wantOK:     []bool{true, false},
		},
		{
			name:       "all failing",
			pingers:    []Pinger{&fakePinger{name: "sidecar", err: down}, &fakePinger{name: "openai", err: down}},
			wantStatus: http.StatusServiceUnavailable,
			wantOK:     []bool{false, false},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, resp, header := getReady(t, tc.pingers...)
			if code != tc.wantStatus {
				t.Errorf("want %d, got %d", tc.wantStatus, code)
			}
			if ct := header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("want application/json, got %q", ct)
			}
			if resp.Ready != tc.wantReady {
				t.Errorf("want ready=%v, got %v", tc.wantReady, resp.Ready)
			}
			if len(resp.Checks) != len(tc.wantOK) {
				t.Fatalf("want %d checks, got %d", len(tc.wantOK), len(resp.Checks))
			}
			for i, c := range resp.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d: want %q in registration order, got %q", i, tc.pingers[i].Name(), c.Name)
				}
				if c.OK != tc.wantOK[i] {
					t.Errorf("check %s: want ok=%v", c.Name, tc.wantOK[i])
				}
				if !c.OK && c.Error != "connection refused" {
					t.Errorf("check %s: want error text, got %q", c.Name, c.Error)
				}
			}
		})
	}
}

func Test_Ready_ProbesRunConcurrently(t *testing.T) {
	t.Parallel()
	// Each pinger blocks until both have started, so a sequential handler
	// would only return through the probe timeout.
	var gate sync.WaitGroup
	gate.Add(2)
	start := time.Now()
	code, resp, _ := getReady(t,
		&fakePinger{name: "a", gate: &gate},
		&fakePinger{name: "b", gate: &gate},
	)
	if code != http.StatusOK || !resp.Ready {
		t.Fatalf("want ready, got %d %+v", code, resp)
	}
	if elapsed := time.Since(start); elapsed >= probeTimeout {
		t.Errorf("probes appear sequential: took %v", elapsed)
	}
}
