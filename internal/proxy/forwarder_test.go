package proxy

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

const requestIDKey = "_offlinehub_request_id"

func TestForwarderMissingWorker(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	set, _ := worker.NewSet()
	forwarder := NewForwarder(nil, set, logger)

	if err := forwarder.Handle(ctx, testRoute("ghost")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing worker, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "worker_missing") {
		t.Fatalf("expected error body to mention worker_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "worker_missing") {
		t.Fatalf("expected log to mention worker_missing, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	backend, err := cache.NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("backend error: %v", err)
	}
	storage, _ := backend.Scope("panicky")
	route := testRoute("panicky")
	w, err := worker.New(worker.Options{
		Site:    route.Config,
		Storage: storage,
		Fetcher: worker.FetcherFunc(func(context.Context, *worker.Request) (*worker.Response, error) {
			panic("boom")
		}),
	})
	if err != nil {
		t.Fatalf("worker.New error: %v", err)
	}
	set, _ := worker.NewSet(w)

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(NewHandler(logger), set, logger)
	if err := forwarder.Handle(ctx, route); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "worker_panic") {
		t.Fatalf("expected error body to mention worker_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "worker_panic") {
		t.Fatalf("expected log to mention worker_panic, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func testRoute(name string) *server.SiteRoute {
	site := config.SiteConfig{
		Name:     name,
		Domain:   name + ".local",
		Origin:   "https://" + name + ".example",
		Manifest: []string{"./"},
	}
	cfg := &config.Config{Global: config.GlobalConfig{ListenPort: 5000}, Sites: []config.SiteConfig{site}}
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		panic(err)
	}
	route, _ := registry.LookupByName(name)
	return route
}
