package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/isrcache/internal/incremental"
	"github.com/any-hub/isrcache/internal/manifest"
	"github.com/any-hub/isrcache/internal/metrics"
	"github.com/any-hub/isrcache/internal/revalidate"
)

func newDiagnosticsApp(t *testing.T) *fiber.App {
	t.Helper()
	policy := revalidate.Seconds(60)
	m := manifest.Empty()
	m.Routes["/blog/a"] = manifest.Route{InitialRevalidateSeconds: &policy}

	reg := metrics.New(metrics.Options{})
	proc, err := incremental.NewProcess(incremental.Options{
		DistDir:  t.TempDir(),
		Manifest: m,
		Metrics:  reg,
	})
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	t.Cleanup(func() { _ = proc.Close() })

	app := fiber.New()
	RegisterDiagnosticRoutes(app, proc, reg)
	return app
}

func TestStatusRoute(t *testing.T) {
	app := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Version string             `json:"version"`
		Status  incremental.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Version == "" {
		t.Fatalf("expected version in status payload")
	}
	if payload.Status.Mode != "normal" {
		t.Fatalf("expected normal mode, got %q", payload.Status.Mode)
	}
	if payload.Status.Timings["/blog/a"] != "60" {
		t.Fatalf("expected seeded timing, got %v", payload.Status.Timings)
	}
}

func TestMetricsRoute(t *testing.T) {
	app := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "isrcache_locks_held") {
		t.Fatalf("expected locks gauge in metrics output, got %s", body)
	}
}
