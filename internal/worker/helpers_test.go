package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
)

const testOrigin = "https://portfolio.example"

var errConnRefused = errors.New("dial tcp 127.0.0.1:443: connect: connection refused")

// fakeFetcher 记录每次网络调用，按 URL 返回预设响应；offline 时全部返回传输错误。
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*Response
	failing   map[string]bool
	offline   bool
	calls     []string
	modes     map[string]RequestMode
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]*Response{},
		failing:   map[string]bool{},
		modes:     map[string]RequestMode{},
	}
}

func (f *fakeFetcher) serve(url string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	f.responses[url] = &Response{Status: status, StatusText: http.StatusText(status), Header: header, Body: []byte(body)}
}

func (f *fakeFetcher) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = true
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) modeFor(url string) RequestMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := req.URL.String()
	f.calls = append(f.calls, target)
	f.modes[target] = req.Mode
	if f.offline || f.failing[target] {
		return nil, errConnRefused
	}
	resp, ok := f.responses[target]
	if !ok {
		return &Response{Status: http.StatusNotFound, StatusText: "Not Found", Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), resp.Body...),
	}, nil
}

// faultyStorage 包装真实 Storage，可针对指定分区注入 Open / Delete 失败。
type faultyStorage struct {
	cache.Storage
	mu        sync.Mutex
	openErr   map[string]error
	remains   map[string]int
	deleteErr map[string]error
}

func (f *faultyStorage) failDelete(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr == nil {
		f.deleteErr = map[string]error{}
	}
	f.deleteErr[name] = err
}

func (f *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	err, ok := f.deleteErr[name]
	f.mu.Unlock()
	if ok {
		return false, err
	}
	return f.Storage.Delete(ctx, name)
}

func (f *faultyStorage) failOpen(name string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr == nil {
		f.openErr = map[string]error{}
		f.remains = map[string]int{}
	}
	f.openErr[name] = err
	f.remains[name] = times
}

func (f *faultyStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	f.mu.Lock()
	if err, ok := f.openErr[name]; ok && f.remains[name] != 0 {
		if f.remains[name] > 0 {
			f.remains[name]--
		}
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Storage.Open(ctx, name)
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
}

func (r *recordingNotifier) Show(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

// recordingClients 在 Claim 时记录分区快照，用于断言 purge 先于 claim 完成。
type recordingClients struct {
	mu          sync.Mutex
	storage     cache.Storage
	claimed     int
	keysAtClaim []string
	opened      []string
}

func (r *recordingClients) Claim(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed++
	if r.storage != nil {
		names, err := r.storage.Keys(ctx)
		if err != nil {
			return err
		}
		r.keysAtClaim = names
	}
	return nil
}

func (r *recordingClients) OpenWindow(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, url)
	return nil
}

func testSite() config.SiteConfig {
	return config.SiteConfig{
		Name:           "portfolio",
		Domain:         "portfolio.local",
		Origin:         testOrigin,
		Upstream:       testOrigin,
		PathPrefix:     "/",
		Version:        "v1",
		Manifest:       []string{"./", "./index.html", "./offline.html", "./style.css", "https://fonts.example/inter.woff2"},
		CrossOrigins:   []string{"https://fonts.example"},
		APIPatterns:    []string{"/api/"},
		OfflinePage:    config.DefaultOfflinePage,
		ShellPage:      config.DefaultShellPage,
		OfflineMessage: config.DefaultOfflineMessage,
	}
}

// servePortfolio 让 fake 上游返回 manifest 中全部同源资源。
func servePortfolio(f *fakeFetcher) {
	f.serve(testOrigin+"/", http.StatusOK, "text/html", "<html>root</html>")
	f.serve(testOrigin+"/index.html", http.StatusOK, "text/html", "<html>shell</html>")
	f.serve(testOrigin+"/offline.html", http.StatusOK, "text/html", "<html>offline</html>")
	f.serve(testOrigin+"/style.css", http.StatusOK, "text/css", "body{}")
	f.serve("https://fonts.example/inter.woff2", 0, "", "font-bytes")
}

type testEnv struct {
	worker   *Worker
	fetcher  *fakeFetcher
	storage  *faultyStorage
	logs     *lockedWriter
	notifier *recordingNotifier
	clients  *recordingClients
	writes   chan CacheWriteEvent
}

func newTestEnv(t *testing.T, mutate func(*config.SiteConfig)) *testEnv {
	t.Helper()
	site := testSite()
	if mutate != nil {
		mutate(&site)
	}

	backend, err := cache.NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("backend error: %v", err)
	}
	scoped, err := backend.Scope(site.Name)
	if err != nil {
		t.Fatalf("scope error: %v", err)
	}

	storage := &faultyStorage{Storage: scoped}
	env := &testEnv{
		fetcher:  newFakeFetcher(),
		storage:  storage,
		logs:     &lockedWriter{w: &bytes.Buffer{}},
		notifier: &recordingNotifier{},
		clients:  &recordingClients{storage: storage},
		writes:   make(chan CacheWriteEvent, 64),
	}
	servePortfolio(env.fetcher)

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(env.logs)

	w, err := New(Options{
		Site:                site,
		Storage:             env.storage,
		Fetcher:             env.fetcher,
		Logger:              logger,
		PrecacheConcurrency: 2,
		MaxRetries:          2,
		InitialBackoff:      time.Millisecond,
		Notifier:            env.notifier,
		Clients:             env.clients,
		OnCacheWrite: func(ev CacheWriteEvent) {
			env.writes <- ev
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	env.worker = w
	return env
}

// lockedWriter 串行化后台写入 goroutine 与测试读取日志缓冲区。
type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.String()
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if state := e.worker.State(); state != StateActivated {
		t.Fatalf("expected activated, got %s", state)
	}
	e.fetcher.resetCalls()
}

func (e *testEnv) partitionHas(t *testing.T, partition, rawURL string) bool {
	t.Helper()
	ctx := context.Background()
	exists, err := e.storage.Has(ctx, partition)
	if err != nil {
		t.Fatalf("has error: %v", err)
	}
	if !exists {
		return false
	}
	p, err := e.storage.Open(ctx, partition)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	_, err = p.Match(ctx, cache.NewKey(http.MethodGet, rawURL))
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("match error: %v", err)
	}
	return err == nil
}

func get(t *testing.T, rawURL string, mode RequestMode) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	req.Mode = mode
	return req
}
