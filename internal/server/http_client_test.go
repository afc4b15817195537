package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wallhub/wallhub/internal/config"
	"github.com/wallhub/wallhub/internal/version"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestNewUpstreamClientDefaultsTimeout(t *testing.T) {
	client := NewUpstreamClient(nil)
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", client.Timeout)
	}
}

func TestUpstreamClientSetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewUpstreamClient(nil).Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got != version.UserAgent() {
		t.Fatalf("expected user agent %s, got %s", version.UserAgent(), got)
	}
}
