package server

import (
	"errors"
	"testing"

	"github.com/any-hub/video-cache/internal/config"
)

func TestUpstreamResolverNormalizesHost(t *testing.T) {
	resolver := newResolver(t, "http", "")

	testCases := []struct {
		raw      string
		wantHost string
		wantURL  string
	}{
		{"Media.Example.com", "media.example.com:80", "http://media.example.com"},
		{"media.example.com:8080", "media.example.com:8080", "http://media.example.com:8080"},
		{"media.example.com.:80", "media.example.com:80", "http://media.example.com"},
		{"127.0.0.1:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			route, err := resolver.Resolve(tc.raw)
			if err != nil {
				t.Fatalf("resolve error: %v", err)
			}
			if route.Host != tc.wantHost {
				t.Fatalf("host %s, want %s", route.Host, tc.wantHost)
			}
			if route.BaseURL.String() != tc.wantURL {
				t.Fatalf("url %s, want %s", route.BaseURL, tc.wantURL)
			}
		})
	}
}

func TestUpstreamResolverHTTPSDefaultPort(t *testing.T) {
	resolver := newResolver(t, "https", "")
	route, err := resolver.Resolve("cdn.example.com")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if route.Host != "cdn.example.com:443" || route.BaseURL.String() != "https://cdn.example.com" {
		t.Fatalf("unexpected route %s %s", route.Host, route.BaseURL)
	}
}

func TestUpstreamResolverDefault(t *testing.T) {
	resolver := newResolver(t, "http", "origin.local:8081")
	route, err := resolver.Resolve("")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if route.Host != "origin.local:8081" {
		t.Fatalf("expected default upstream, got %s", route.Host)
	}

	empty := newResolver(t, "http", "")
	if _, err := empty.Resolve(""); !errors.Is(err, ErrUpstreamMissing) {
		t.Fatalf("expected ErrUpstreamMissing, got %v", err)
	}
}

func TestNewUpstreamResolverRejectsBadDefault(t *testing.T) {
	cfg := &config.Config{Global: config.GlobalConfig{UpstreamScheme: "http", DefaultUpstream: "http://x"}}
	if _, err := NewUpstreamResolver(cfg); err == nil {
		t.Fatalf("default upstream with scheme should be rejected")
	}
}

func TestCanonicalHost(t *testing.T) {
	resolver := newResolver(t, "http", "")
	host, err := resolver.CanonicalHost("Video.Example.com")
	if err != nil || host != "video.example.com:80" {
		t.Fatalf("unexpected canonical host %q %v", host, err)
	}
}

func newResolver(t *testing.T, scheme, def string) *UpstreamResolver {
	t.Helper()
	resolver, err := NewUpstreamResolver(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, UpstreamScheme: scheme, DefaultUpstream: def},
	})
	if err != nil {
		t.Fatalf("new resolver error: %v", err)
	}
	return resolver
}
