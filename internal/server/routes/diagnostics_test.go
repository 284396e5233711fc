package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/video-cache/internal/cache"
	"github.com/any-hub/video-cache/internal/config"
	"github.com/any-hub/video-cache/internal/server"
)

func TestHealthz(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStatsReportsBudget(t *testing.T) {
	app, store := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/stats", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var stats cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if stats.MaxSize != store.MaxSize() || stats.Files != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeleteHeadersClearsRecord(t *testing.T) {
	app, store := newDiagnosticsApp(t)
	if err := store.CacheHeaders("media.example.com:80", "/a.mp4", "HTTP/1.1 200 OK\r\n\r\n"); err != nil {
		t.Fatalf("cache headers error: %v", err)
	}

	req := httptest.NewRequest("DELETE", "/-/headers?host=media.example.com&url=/a.mp4", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204, got %d %s", resp.StatusCode, body)
	}
	if _, err := store.GetCacheHeaders("media.example.com:80", "/a.mp4"); err == nil {
		t.Fatalf("header record should be cleared")
	}
}

func TestDeleteHeadersRequiresParams(t *testing.T) {
	app, _ := newDiagnosticsApp(t)
	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/headers?host=a", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTrimEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t)
	resp, err := app.Test(httptest.NewRequest("POST", "/-/trim", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func newDiagnosticsApp(t *testing.T) (*fiber.App, *cache.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore("/cache", 64<<20, cache.WithFs(afero.NewMemMapFs()), cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, err := server.NewUpstreamResolver(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, UpstreamScheme: "http"},
	})
	if err != nil {
		t.Fatalf("new resolver error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Resolver: resolver,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.UpstreamRoute) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app error: %v", err)
	}
	RegisterDiagnosticsRoutes(app, store, resolver, logger)
	return app, store
}
