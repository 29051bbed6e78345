package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recordRejections returns a rejection callback and the reasons it saw.
func recordRejections() (func(string), *[]string) {
	var seen []string
	return func(reason string) { seen = append(seen, reason) }, &seen
}

func Test_Auth_Middleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		apiKey     string
		header     string
		wantStatus int
		wantReason string
	}{
		{name: "disabled", apiKey: "", header: "", wantStatus: http.StatusOK},
		{name: "missing header", apiKey: "secret", header: "", wantStatus: http.StatusUnauthorized, wantReason: reasonMissingToken},
		{name: "basic scheme", apiKey: "secret", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantReason: reasonMissingToken},
		{name: "empty token", apiKey: "secret", header: "Bearer   ", wantStatus: http.StatusUnauthorized, wantReason: reasonMissingToken},
		{name: "wrong token", apiKey: "secret", header: "Bearer secreT", wantStatus: http.StatusUnauthorized, wantReason: reasonInvalidToken},
		{name: "prefix of key", apiKey: "secret", header: "Bearer sec", wantStatus: http.StatusUnauthorized, wantReason: reasonInvalidToken},
		{name: "correct token", apiKey: "secret", header: "Bearer secret", wantStatus: http.StatusOK},
		{name: "lower-case scheme", apiKey: "secret", header: "bearer secret", wantStatus: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reject, seen := recordRejections()
			h := authMiddleware(tc.apiKey, reject, okHandler)

			req := httptest.NewRequest(http.MethodGet, "/api/analyses", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("want %d, got %d", tc.wantStatus, w.Code)
			}
			if tc.wantReason == "" {
				if len(*seen) != 0 {
					t.Errorf("unexpected rejections %v", *seen)
				}
				return
			}
			if len(*seen) != 1 || (*seen)[0] != tc.wantReason {
				t.Errorf("want rejection %q, got %v", tc.wantReason, *seen)
			}
			if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Errorf("want Bearer challenge, got %q", w.Header().Get("WWW-Authenticate"))
			}
			var body errorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("want JSON error body, got %q (%v)", w.Body.String(), err)
			}
			if strings.Contains(w.Body.String(), "secret") {
				t.Error("response must not echo the key")
			}
		})
	}
}

func Test_Auth_BearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"BEARER  abc ", "abc", true},
		{"Bearer", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tc.header)
		got, ok := bearerToken(req)
		if got != tc.want || ok != tc.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
