package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "pacebot/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	c := New(nil, logx.Nop())
	h := c.Handler(Config{Pprof: true, Token: "s3cret"})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/metrics", want: http.StatusUnauthorized},
		{name: "bad query token", target: "/metrics?token=nope", want: http.StatusUnauthorized},
		{name: "query token", target: "/metrics?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/healthz", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong scheme", target: "/healthz", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "pprof index", target: "/debug/pprof/", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandlerWithoutPprof(t *testing.T) {
	t.Parallel()
	c := New(nil, logx.Nop())
	h := c.Handler(Config{Path: "/m"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/m", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pacebot_") {
		t.Fatalf("metrics status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestServeRefusesPublicPprofWithoutToken(t *testing.T) {
	t.Parallel()
	c := New(nil, logx.Nop())
	err := c.Serve(context.Background(), Config{Addr: "0.0.0.0:0", Pprof: true})
	if err != errInsecurePprof {
		t.Fatalf("err = %v, want errInsecurePprof", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"10.0.0.1:9464":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
