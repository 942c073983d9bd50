package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// Options 描述构建一个站点 Worker 所需的依赖，Storage 与 Fetcher 必填。
type Options struct {
	Site    config.SiteConfig
	Storage cache.Storage
	Fetcher Fetcher
	Logger  *logrus.Logger

	// PrecacheConcurrency 限制 install 期间并发抓取的条目数，默认 4。
	PrecacheConcurrency int
	// MaxRetries / InitialBackoff 控制 Start 中 install 的指数退避重试。
	MaxRetries     int
	InitialBackoff time.Duration

	Notifier     Notifier
	Clients      Clients
	SyncHandler  SyncHandler
	OnCacheWrite func(CacheWriteEvent)
}

// Worker 是单个站点的离线缓存 worker。
type Worker struct {
	site        config.SiteConfig
	scope       *url.URL
	manifest    []*url.URL
	shellPage   *url.URL
	offlinePage *url.URL

	router  *Router
	manager *Manager
	fetcher Fetcher
	logger  *logrus.Logger

	notifier    Notifier
	clients     Clients
	syncHandler SyncHandler

	maxRetries     int
	initialBackoff time.Duration

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// New 解析站点配置并构建 Worker，初始状态为 parsed。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker storage cannot be nil")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker fetcher cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	site := opts.Site
	origin, err := url.Parse(site.Origin)
	if err != nil || !origin.IsAbs() {
		return nil, fmt.Errorf("site %s: invalid origin %q", site.Name, site.Origin)
	}
	prefix := site.PathPrefix
	if prefix == "" {
		prefix = config.DefaultPathPrefix
	}
	scope := &url.URL{Scheme: origin.Scheme, Host: config.CanonicalHost(origin.Scheme, origin.Host), Path: prefix}

	manifest, err := ResolveManifest(scope, site.Manifest)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}
	shellPage, err := resolveLocator(scope, firstNonEmpty(site.ShellPage, config.DefaultShellPage))
	if err != nil {
		return nil, fmt.Errorf("site %s shell page: %w", site.Name, err)
	}
	offlinePage, err := resolveLocator(scope, firstNonEmpty(site.OfflinePage, config.DefaultOfflinePage))
	if err != nil {
		return nil, fmt.Errorf("site %s offline page: %w", site.Name, err)
	}
	if site.OfflineMessage == "" {
		site.OfflineMessage = config.DefaultOfflineMessage
	}
	apiPatterns := site.APIPatterns
	if len(apiPatterns) == 0 {
		apiPatterns = config.DefaultAPIPatterns
	}

	initialBackoff := opts.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	w := &Worker{
		site:        site,
		scope:       scope,
		manifest:    manifest,
		shellPage:   shellPage,
		offlinePage: offlinePage,
		router:      NewRouter(config.OriginOf(origin), prefix, apiPatterns),
		manager: newManager(managerOptions{
			site:         site,
			storage:      opts.Storage,
			fetcher:      opts.Fetcher,
			logger:       logger,
			concurrency:  opts.PrecacheConcurrency,
			onCacheWrite: opts.OnCacheWrite,
		}),
		fetcher:        opts.Fetcher,
		logger:         logger,
		notifier:       opts.Notifier,
		clients:        opts.Clients,
		syncHandler:    opts.SyncHandler,
		maxRetries:     opts.MaxRetries,
		initialBackoff: initialBackoff,
		state:          StateParsed,
	}
	if w.notifier == nil {
		w.notifier = logNotifier{logger: logger, site: site.Name}
	}
	if w.clients == nil {
		w.clients = logClients{logger: logger, site: site.Name}
	}
	if w.syncHandler == nil {
		w.syncHandler = logSyncHandler(logger, site.Name)
	}
	metrics.LifecycleState.WithLabelValues(site.Name).Set(float64(StateParsed))
	return w, nil
}

// Name 返回站点名称。
func (w *Worker) Name() string { return w.site.Name }

// Site 返回站点配置副本。
func (w *Worker) Site() config.SiteConfig { return w.site }

// Scope 返回 worker 作用域（Origin + PathPrefix）。
func (w *Worker) Scope() *url.URL {
	clone := *w.scope
	return &clone
}

// Manifest 返回解析后的预缓存地址列表。
func (w *Worker) Manifest() []*url.URL {
	return append([]*url.URL(nil), w.manifest...)
}

// Manager 返回分区管理器。
func (w *Worker) Manager() *Manager { return w.manager }

// Decide 返回请求的路由结果；worker 尚未接管客户端时一律 bypass。
func (w *Worker) Decide(req *Request) Decision {
	if w.State() != StateActivated {
		return Decision{Strategy: StrategyBypass, Reason: ReasonUncontrolled}
	}
	return w.router.Route(req)
}

// Handle 拦截一次请求并按路由结果执行对应策略。
func (w *Worker) Handle(ctx context.Context, req *Request) (*Response, Decision, error) {
	decision := w.Decide(req)

	var (
		resp *Response
		err  error
	)
	switch decision.Strategy {
	case StrategyCacheFirst:
		resp, err = w.cacheFirst(ctx, req)
	case StrategyNetworkFirst:
		resp, err = w.networkFirst(ctx, req)
	case StrategyNavigate:
		resp, err = w.navigate(ctx, req)
	default:
		resp, err = w.passthrough(ctx, req)
	}

	outcome := "error"
	if resp != nil {
		outcome = string(resp.Source)
	}
	metrics.StrategyOutcomes.WithLabelValues(w.site.Name, decision.Reason, outcome).Inc()
	return resp, decision, err
}

// Settle 等待全部后台缓存写入完成。
func (w *Worker) Settle() {
	w.manager.Settle()
}

// ResolveManifest 将 manifest 条目解析为绝对地址，相对条目以 scope 为基准。
func ResolveManifest(scope *url.URL, entries []string) ([]*url.URL, error) {
	resolved := make([]*url.URL, 0, len(entries))
	for _, entry := range entries {
		target, err := resolveLocator(scope, entry)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, target)
	}
	return resolved, nil
}

func resolveLocator(scope *url.URL, raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty locator")
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse locator %q: %w", trimmed, err)
	}
	resolved := scope.ResolveReference(ref)
	resolved.Host = config.CanonicalHost(resolved.Scheme, resolved.Host)
	return resolved, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
