package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func TestNewRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Addr: "0.0.0.0:6060"}, logx.Nop()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	for _, cfg := range []Config{
		{Addr: "0.0.0.0:6060", Token: "t"},
		{Addr: "0.0.0.0:6060", AllowInsecure: true},
		{Addr: "localhost:6060"},
		{},
	} {
		if _, err := New(cfg, logx.Nop()); err != nil {
			t.Fatalf("New(%+v): %v", cfg, err)
		}
	}
}

func TestHandlerTokenAndPrefix(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Prefix: "ops/pprof", Token: "secret", MutexProfileFraction: -1, BlockProfileRate: -1}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	cases := []struct {
		path, auth string
		want       int
	}{
		{"/ops/pprof/", "", http.StatusUnauthorized},
		{"/ops/pprof/?token=wrong", "", http.StatusUnauthorized},
		{"/ops/pprof/?token=secret", "", http.StatusOK},
		{"/ops/pprof/cmdline", "Bearer secret", http.StatusOK},
		{"/ops/pprof", "", http.StatusPermanentRedirect},
		{"/debug/pprof/", "Bearer secret", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s (%q): code %d, want %d", tc.path, tc.auth, rec.Code, tc.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"": "/debug/pprof/", "x": "/x/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New(Config{MutexProfileFraction: -1, BlockProfileRate: -1}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/debug/pprof/cmdline")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
