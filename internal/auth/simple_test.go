package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		target  string
		header  string
		code    int
		body    string
		handled bool
	}{
		{name: "missing token", token: "sekrit", target: "/v1/tasks", code: http.StatusUnauthorized, body: "missing API token"},
		{name: "wrong scheme", token: "sekrit", target: "/v1/tasks", header: "Basic c2Vrcml0", code: http.StatusUnauthorized, body: "missing API token"},
		{name: "invalid token", token: "sekrit", target: "/v1/tasks", header: "Bearer wrong", code: http.StatusForbidden, body: "invalid API token"},
		{name: "unset server token", token: "", target: "/v1/tasks", header: "Bearer ", code: http.StatusForbidden, body: "invalid API token"},
		{name: "valid header", token: "sekrit", target: "/v1/tasks", header: "Bearer sekrit", code: http.StatusCreated, handled: true},
		{name: "valid query", token: "sekrit", target: "/v1/status?access_token=sekrit", code: http.StatusCreated, handled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				w.WriteHeader(http.StatusCreated)
			})
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			Middleware(tt.token)(next).ServeHTTP(rr, req)
			if rr.Code != tt.code {
				t.Fatalf("expected status %d got %d", tt.code, rr.Code)
			}
			if handled != tt.handled {
				t.Fatalf("handled = %v want %v", handled, tt.handled)
			}
			if tt.body != "" && strings.TrimSpace(rr.Body.String()) != tt.body {
				t.Fatalf("unexpected body %q", rr.Body.String())
			}
		})
	}
}
