package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
)

func TestCacheFirstPrecacheHitSkipsNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp, decision, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/style.css", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Strategy != StrategyCacheFirst {
		t.Fatalf("expected cache-first, got %+v", decision)
	}
	if resp.Source != SourcePrecache || string(resp.Body) != "body{}" {
		t.Fatalf("expected precache body, got %s %q", resp.Source, resp.Body)
	}
	if n := env.fetcher.callCount(); n != 0 {
		t.Fatalf("precache hit should not touch network, got %d calls", n)
	}
}

func TestCacheFirstDefaultPortMatchesPrecache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp, decision, err := env.worker.Handle(context.Background(), get(t, "https://portfolio.example:443/style.css", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Strategy != StrategyCacheFirst || resp.Source != SourcePrecache {
		t.Fatalf("explicit default port should hit precache, got %+v from %s", decision, resp.Source)
	}
}

func TestCacheFirstMissStoresOKResponseInRuntime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.serve(testOrigin+"/app.js", http.StatusOK, "application/javascript", "console.log(1)")

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/app.js", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Source != SourceNetwork || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
	env.worker.Settle()

	if !env.partitionHas(t, "v1-runtime", testOrigin+"/app.js") {
		t.Fatalf("200 response should be stored in runtime partition")
	}
	select {
	case ev := <-env.writes:
		if ev.Err != nil || ev.Partition != "v1-runtime" || ev.Key.URL != testOrigin+"/app.js" {
			t.Fatalf("unexpected write event %+v", ev)
		}
	default:
		t.Fatalf("OnCacheWrite should observe the write")
	}

	// 预缓存未命中时 cache-first 不读取 runtime，仍会回源。
	env.fetcher.resetCalls()
	if _, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/app.js", ModeCORS)); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if env.fetcher.callCount() != 1 {
		t.Fatalf("cache-first should consult only the precache")
	}
}

func TestCacheFirstDoesNotStoreNonOK(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/gone.js", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("404 should be returned as-is, got %d", resp.Status)
	}
	env.worker.Settle()
	if env.partitionHas(t, "v1-runtime", testOrigin+"/gone.js") {
		t.Fatalf("non-200 response must not be cached")
	}
}

func TestCacheFirstOfflineWithoutFallbackReturns503(t *testing.T) {
	env := newTestEnv(t, func(site *config.SiteConfig) {
		site.Manifest = []string{"./", "./style.css"}
	})
	env.start(t)
	env.fetcher.setOffline(true)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/page.html", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("expected text/plain, got %q", ct)
	}
	if string(resp.Body) != config.DefaultOfflineMessage || resp.Source != SourceSynthetic {
		t.Fatalf("unexpected fallback %s %q", resp.Source, resp.Body)
	}
}

func TestCacheFirstOfflineServesOfflinePage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.setOffline(true)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/page.html", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Source != SourceOfflinePage || string(resp.Body) != "<html>offline</html>" {
		t.Fatalf("expected offline page, got %s %q", resp.Source, resp.Body)
	}
}

func TestNetworkFirstOfflineWithoutCacheReturnsErrNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.setOffline(true)

	resp, decision, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/api/ping", ModeCORS))
	if decision.Strategy != StrategyNetworkFirst {
		t.Fatalf("expected network-first, got %+v", decision)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if resp != nil {
		t.Fatalf("api failure must not synthesize a response, got %+v", resp)
	}
}

func TestNetworkFirstFallsBackToRuntime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.serve(testOrigin+"/api/ping", http.StatusOK, "application/json", `{"ok":true}`)

	if _, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/api/ping", ModeCORS)); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	env.worker.Settle()
	env.fetcher.setOffline(true)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/api/ping", ModeCORS))
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if resp.Source != SourceRuntime || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected fallback %s %q", resp.Source, resp.Body)
	}
}

func TestNetworkFirstReturnsErrorStatusAsIs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.serve(testOrigin+"/api/broken", http.StatusInternalServerError, "application/json", `{"error":"boom"}`)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/api/broken", ModeCORS))
	if err != nil {
		t.Fatalf("5xx is a valid response, got error %v", err)
	}
	if resp.Status != http.StatusInternalServerError || resp.Source != SourceNetwork {
		t.Fatalf("unexpected response %+v", resp)
	}
	env.worker.Settle()
	if env.partitionHas(t, "v1-runtime", testOrigin+"/api/broken") {
		t.Fatalf("5xx must not be cached")
	}
}

func TestNavigateFallbackChain(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.serve(testOrigin+"/about", http.StatusOK, "text/html", "<html>about</html>")

	if _, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/about", ModeNavigate)); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	env.worker.Settle()
	env.fetcher.setOffline(true)

	resp, decision, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/about", ModeNavigate))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Strategy != StrategyNavigate {
		t.Fatalf("expected navigate, got %+v", decision)
	}
	if resp.Source != SourceRuntime || string(resp.Body) != "<html>about</html>" {
		t.Fatalf("expected cached page, got %s %q", resp.Source, resp.Body)
	}

	resp, _, err = env.worker.Handle(context.Background(), get(t, testOrigin+"/never-seen", ModeNavigate))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Source != SourceShell || string(resp.Body) != "<html>shell</html>" {
		t.Fatalf("expected app shell, got %s %q", resp.Source, resp.Body)
	}
}

func TestNavigateFallsBackToOfflinePageThen503(t *testing.T) {
	env := newTestEnv(t, func(site *config.SiteConfig) {
		site.Manifest = []string{"./offline.html"}
	})
	env.start(t)
	env.fetcher.setOffline(true)

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/contact", ModeNavigate))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Source != SourceOfflinePage {
		t.Fatalf("expected offline page, got %s", resp.Source)
	}

	if _, err := env.worker.Manager().ClearAll(context.Background()); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	resp, _, err = env.worker.Handle(context.Background(), get(t, testOrigin+"/contact", ModeNavigate))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable || resp.Source != SourceSynthetic {
		t.Fatalf("expected synthetic 503, got %d %s", resp.Status, resp.Source)
	}
}

func TestCrossOriginPassesThroughUncached(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.serve("https://cdn.other.example/lib.js", http.StatusOK, "application/javascript", "lib")

	resp, decision, err := env.worker.Handle(context.Background(), get(t, "https://cdn.other.example/lib.js", ModeNoCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Strategy != StrategyBypass || decision.Reason != ReasonCrossOrigin {
		t.Fatalf("expected cross-origin bypass, got %+v", decision)
	}
	if resp.Source != SourcePassthrough || env.fetcher.callCount() != 1 {
		t.Fatalf("expected one passthrough fetch, got %s calls=%d", resp.Source, env.fetcher.callCount())
	}
	env.worker.Settle()
	if env.partitionHas(t, "v1-runtime", "https://cdn.other.example/lib.js") {
		t.Fatalf("bypassed responses must never be cached")
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	req := get(t, testOrigin+"/style.css", ModeCORS)
	req.Method = http.MethodPost
	resp, decision, err := env.worker.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Reason != ReasonMethod || resp.Source != SourcePassthrough {
		t.Fatalf("POST should bypass, got %+v %s", decision, resp.Source)
	}
	if env.fetcher.callCount() != 1 {
		t.Fatalf("POST must reach the network")
	}
}

func TestBypassOfflineReturnsErrNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.fetcher.setOffline(true)

	_, _, err := env.worker.Handle(context.Background(), get(t, "https://cdn.other.example/lib.js", ModeNoCORS))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestUncontrolledRequestsBypass(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, decision, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/style.css", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if decision.Reason != ReasonUncontrolled || resp.Source != SourcePassthrough {
		t.Fatalf("expected uncontrolled bypass, got %+v %s", decision, resp.Source)
	}
}

func TestRuntimeStoreFailureDoesNotAffectResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.storage.failOpen("v1-runtime", cache.ErrQuotaExceeded, -1)
	env.fetcher.serve(testOrigin+"/big.png", http.StatusOK, "image/png", "png")

	resp, _, err := env.worker.Handle(context.Background(), get(t, testOrigin+"/big.png", ModeCORS))
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "png" {
		t.Fatalf("response should be unaffected, got %+v", resp)
	}
	env.worker.Settle()
	ev := <-env.writes
	if !errors.Is(ev.Err, cache.ErrQuotaExceeded) {
		t.Fatalf("expected quota error in write event, got %v", ev.Err)
	}
}
